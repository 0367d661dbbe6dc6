package workflows

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/fyrsmithlabs/agentd/internal/conversation"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/gateway"
	"github.com/fyrsmithlabs/agentd/internal/governance"
	"github.com/fyrsmithlabs/agentd/internal/toolprovider"
)

// fakeLLM scripts the validation, planning and summarization gateways.
type fakeLLM struct {
	mu         sync.Mutex
	reject     map[string]string
	plans      []conversation.Decision
	planErr    error
	summary    string
	summaryErr error
	planCalls  int
	validated  []string
}

func (f *fakeLLM) Validate(_ context.Context, req gateway.ValidateRequest) (gateway.Validation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated = append(f.validated, req.Input)
	if reason, ok := f.reject[req.Input]; ok {
		return gateway.Validation{Accepted: false, Reason: reason}, nil
	}
	return gateway.Validation{Accepted: true}, nil
}

func (f *fakeLLM) Plan(_ context.Context, _ gateway.PlanRequest) (conversation.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planCalls++
	if f.planErr != nil {
		err := f.planErr
		f.planErr = nil
		return conversation.Decision{}, err
	}
	if len(f.plans) == 0 {
		return conversation.Decision{Action: conversation.ActionAskQuestion, Message: "Anything else?"}, nil
	}
	d := f.plans[0]
	f.plans = f.plans[1:]
	return d, nil
}

func (f *fakeLLM) Summarize(_ context.Context, _ catalog.Goal, _ []conversation.Message) (string, error) {
	return f.summary, f.summaryErr
}

func (f *fakeLLM) plannerCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.planCalls
}

// fakeTools records invocations and provider lifecycle calls.
type fakeTools struct {
	mu       sync.Mutex
	results  map[string]map[string]any
	errs     map[string]error
	handle     toolprovider.Handle
	startErr   error
	startDelay time.Duration

	invocations []toolprovider.InvokeRequest
	started     []string
	stopped     []string
	lifecycle   []string
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		results: map[string]map[string]any{},
		errs:    map[string]error{},
	}
}

func (f *fakeTools) EnsureStarted(_ context.Context, spec catalog.ProviderSpec, _ string) (toolprovider.Handle, error) {
	if f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, spec.ID)
	f.lifecycle = append(f.lifecycle, "start:"+spec.ID)
	if f.startErr != nil {
		return toolprovider.Handle{ProviderID: spec.ID, State: toolprovider.StateFailed, Err: f.startErr.Error()}, f.startErr
	}
	h := f.handle
	h.ProviderID = spec.ID
	h.State = toolprovider.StateReady
	return h, nil
}

func (f *fakeTools) Invoke(_ context.Context, req toolprovider.InvokeRequest) (toolprovider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invocations = append(f.invocations, req)
	if err := f.errs[req.ToolName]; err != nil {
		return toolprovider.Result{}, err
	}
	origin := toolprovider.OriginNative
	if req.Provider != nil {
		origin = toolprovider.OriginProvider
	}
	return toolprovider.Result{Output: f.results[req.ToolName], Origin: origin}, nil
}

func (f *fakeTools) Stop(_ context.Context, providerID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, providerID)
	f.lifecycle = append(f.lifecycle, "stop:"+providerID)
	return nil
}

func (f *fakeTools) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lifecycle...)
}

func (f *fakeTools) calls(tool string) []toolprovider.InvokeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []toolprovider.InvokeRequest
	for _, r := range f.invocations {
		if r.ToolName == tool {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeTools) stops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *fakeTools) starts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// stopGate stops every action in one phase.
type stopGate struct {
	phase  governance.Phase
	reason string
}

func (g stopGate) Evaluate(_ context.Context, req governance.Request) (governance.Decision, error) {
	if req.Phase == g.phase {
		return governance.Decision{Verdict: governance.VerdictStop, Reason: g.reason}, nil
	}
	return governance.Decision{Verdict: governance.VerdictContinue, Payload: req.Payload}, nil
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
