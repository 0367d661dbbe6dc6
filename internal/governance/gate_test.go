package governance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

func newDefaultGate(t *testing.T, patterns ...string) Gate {
	t.Helper()
	cfg := config.Default().Governance
	cfg.RedactionPatterns = patterns
	g, err := NewGate(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return g
}

func TestDefaultPolicy_Continue(t *testing.T) {
	g := newDefaultGate(t)
	d, err := g.Evaluate(context.Background(), Request{
		Phase:          PhasePre,
		ConversationID: "conv-1",
		Action:         "SearchFlights",
		Payload:        map[string]any{"origin": "SFO", "destination": "CDG"},
	})
	require.NoError(t, err)
	assert.False(t, d.Stopped())
	assert.Equal(t, map[string]any{"origin": "SFO", "destination": "CDG"}, d.Payload)
}

func TestDefaultPolicy_StopsBlockedTool(t *testing.T) {
	g := newDefaultGate(t)
	d, err := g.Evaluate(context.Background(), Request{Phase: PhasePre, Action: "WireTransfer"})
	require.NoError(t, err)
	assert.True(t, d.Stopped())
	assert.Contains(t, d.Reason, "WireTransfer is blocked")

	d, err = g.Evaluate(context.Background(), Request{Phase: PhasePost, Action: "WireTransfer"})
	require.NoError(t, err)
	assert.False(t, d.Stopped(), "block list applies before execution only")
}

func TestDefaultPolicy_Redacts(t *testing.T) {
	g := newDefaultGate(t, `\b\d{4}-\d{4}-\d{4}-\d{4}\b`)
	payload := map[string]any{
		"card_number": "4111-1111-1111-1111",
		"note":        "charge 4111-1111-1111-1111 today",
		"passenger":   map[string]any{"name": "Ada"},
	}

	d, err := g.Evaluate(context.Background(), Request{Phase: PhasePost, Action: "BookFlight", Payload: payload})
	require.NoError(t, err)

	assert.Equal(t, "[REDACTED]", d.Payload["card_number"])
	assert.Equal(t, "charge [REDACTED] today", d.Payload["note"])
	assert.Equal(t, map[string]any{"name": "Ada"}, d.Payload["passenger"])
	assert.Equal(t, "4111-1111-1111-1111", payload["card_number"], "input is not modified")
}

func TestNewGate_CustomPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.rego")
	require.NoError(t, os.WriteFile(path, []byte(`package agentd.governance

import rego.v1

default decision := {"verdict": "continue", "reason": "", "redact": []}

decision := {"verdict": "stop", "reason": "post check failed", "redact": []} if {
	input.phase == "post"
	input.payload.status == "error"
}
`), 0600))

	cfg := config.Default().Governance
	cfg.PolicyFile = path
	g, err := NewGate(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	d, err := g.Evaluate(context.Background(), Request{Phase: PhasePost, Action: "x", Payload: map[string]any{"status": "error"}})
	require.NoError(t, err)
	assert.True(t, d.Stopped())
	assert.Equal(t, "post check failed", d.Reason)
}

func TestNewGate_Errors(t *testing.T) {
	cfg := config.Default().Governance
	cfg.PolicyFile = filepath.Join(t.TempDir(), "missing.rego")
	_, err := NewGate(context.Background(), cfg, nil)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.rego")
	require.NoError(t, os.WriteFile(path, []byte("package x\nthis is not rego"), 0600))
	cfg.PolicyFile = path
	_, err = NewGate(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "prepare rego")

	cfg = config.Default().Governance
	cfg.RedactionPatterns = []string{"(unclosed"}
	_, err = NewGate(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNewGate_Disabled(t *testing.T) {
	cfg := config.Default().Governance
	cfg.Enabled = false
	g, err := NewGate(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, g)

	d, err := g.Evaluate(context.Background(), Request{Action: "WireTransfer", Payload: map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.False(t, d.Stopped())
	assert.Equal(t, 1, d.Payload["a"])
}

// slowPolicy blocks until the evaluation deadline passes.
type slowPolicy struct{}

func (slowPolicy) Eval(ctx context.Context, _ map[string]any) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPolicyGate_TimeoutFailOpen(t *testing.T) {
	g := newPolicyGate(slowPolicy{}, nil, 10*time.Millisecond, false, zaptest.NewLogger(t))
	d, err := g.Evaluate(context.Background(), Request{Phase: PhasePre, Action: "SearchFlights", Payload: map[string]any{"a": "b"}})
	require.NoError(t, err)
	assert.False(t, d.Stopped())
	assert.Contains(t, d.Reason, "governance unavailable")
	assert.Equal(t, "b", d.Payload["a"])
}

func TestPolicyGate_TimeoutFailClosed(t *testing.T) {
	g := newPolicyGate(slowPolicy{}, nil, 10*time.Millisecond, true, zaptest.NewLogger(t))
	d, err := g.Evaluate(context.Background(), Request{Phase: PhasePre, Action: "SearchFlights"})
	require.NoError(t, err)
	assert.True(t, d.Stopped())
	assert.Contains(t, d.Reason, "deadline exceeded")
}
