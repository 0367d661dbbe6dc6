package governance

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

const decisionQuery = "data.agentd.governance.decision"

type regoPolicy struct {
	query rego.PreparedEvalQuery
}

func newRegoPolicy(ctx context.Context, source string) (*regoPolicy, error) {
	r := rego.New(
		rego.Query(decisionQuery),
		rego.Module("governance.rego", source),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &regoPolicy{query: query}, nil
}

func (p *regoPolicy) Eval(ctx context.Context, input map[string]any) (map[string]any, error) {
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("policy returned no decision")
	}
	out, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("policy decision has type %T, want object", results[0].Expressions[0].Value)
	}
	return out, nil
}
