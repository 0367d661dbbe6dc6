// Package governance evaluates tool calls against policy before and after
// they run.
//
// A Gate returns continue or stop plus a possibly redacted payload. Policy
// is written in Rego and evaluated in-process with OPA. When evaluation
// fails or times out the configured failure mode decides the verdict.
package governance

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

//go:embed default.rego
var DefaultPolicy string

// Phase is when the evaluation happens relative to the tool call.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Verdict is the outcome of an evaluation.
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictStop     Verdict = "stop"
)

// ErrUnavailable is returned when policy cannot be evaluated.
var ErrUnavailable = errors.New("governance unavailable")

// Request is one evaluation.
type Request struct {
	Phase          Phase          `json:"phase"`
	ConversationID string         `json:"conversation_id"`
	Action         string         `json:"action"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Decision is the gate's answer. Payload is the input payload after
// redaction.
type Decision struct {
	Verdict Verdict        `json:"verdict"`
	Reason  string         `json:"reason,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Stopped reports whether the decision blocks the action.
func (d Decision) Stopped() bool {
	return d.Verdict == VerdictStop
}

// Gate evaluates actions.
type Gate interface {
	Evaluate(ctx context.Context, req Request) (Decision, error)
}

// policy evaluates raw input and returns the policy's decision object.
type policy interface {
	Eval(ctx context.Context, input map[string]any) (map[string]any, error)
}

// PolicyGate is a Gate backed by a Rego policy.
type PolicyGate struct {
	policy     policy
	redactor   *Redactor
	timeout    time.Duration
	failClosed bool
	logger     *zap.Logger
}

// NewGate builds a gate from configuration. A disabled gate allows
// everything unchanged.
func NewGate(ctx context.Context, cfg config.GovernanceConfig, logger *zap.Logger) (Gate, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	source := DefaultPolicy
	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("reading policy file: %w", err)
		}
		source = string(data)
	}
	p, err := newRegoPolicy(ctx, source)
	if err != nil {
		return nil, err
	}
	redactor, err := NewRedactor(cfg.RedactionPatterns)
	if err != nil {
		return nil, err
	}
	return newPolicyGate(p, redactor, cfg.Timeout.Duration(), cfg.FailMode == config.FailClosed, logger), nil
}

func newPolicyGate(p policy, r *Redactor, timeout time.Duration, failClosed bool, logger *zap.Logger) *PolicyGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if r == nil {
		r = &Redactor{}
	}
	return &PolicyGate{policy: p, redactor: r, timeout: timeout, failClosed: failClosed, logger: logger}
}

// Evaluate runs the policy. Evaluation failures never surface as errors;
// they become a stop under fail-closed and a continue under fail-open.
func (g *PolicyGate) Evaluate(ctx context.Context, req Request) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.policy.Eval(ctx, map[string]any{
		"phase":           string(req.Phase),
		"conversation_id": req.ConversationID,
		"action":          req.Action,
		"payload":         req.Payload,
	})
	if err != nil {
		return g.unavailable(req, err), nil
	}

	d := Decision{Verdict: VerdictContinue, Payload: req.Payload}
	if v, _ := out["verdict"].(string); v == string(VerdictStop) {
		d.Verdict = VerdictStop
	}
	d.Reason, _ = out["reason"].(string)
	d.Payload = g.redactor.Apply(req.Payload, stringList(out["redact"]))

	g.logger.Debug("governance evaluated",
		zap.String("conversation_id", req.ConversationID),
		zap.String("phase", string(req.Phase)),
		zap.String("action", req.Action),
		zap.String("verdict", string(d.Verdict)))
	return d, nil
}

func (g *PolicyGate) unavailable(req Request, err error) Decision {
	reason := fmt.Sprintf("%v: %v", ErrUnavailable, err)
	g.logger.Warn("governance evaluation failed",
		zap.String("conversation_id", req.ConversationID),
		zap.String("phase", string(req.Phase)),
		zap.String("action", req.Action),
		zap.Bool("fail_closed", g.failClosed),
		zap.Error(err))
	if g.failClosed {
		return Decision{Verdict: VerdictStop, Reason: reason}
	}
	return Decision{Verdict: VerdictContinue, Reason: reason, Payload: g.redactor.Apply(req.Payload, nil)}
}

// Nop allows every action unchanged.
type Nop struct{}

// Evaluate implements Gate.
func (Nop) Evaluate(_ context.Context, req Request) (Decision, error) {
	return Decision{Verdict: VerdictContinue, Payload: req.Payload}, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
