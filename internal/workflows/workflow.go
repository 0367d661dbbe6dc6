package workflows

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/fyrsmithlabs/agentd/internal/conversation"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/gateway"
	"github.com/fyrsmithlabs/agentd/internal/governance"
	"github.com/fyrsmithlabs/agentd/internal/toolprovider"
)

// acts is used only for activity method references.
var acts *Activities

const (
	recentHistoryForValidation = 10
	activityGrace              = 10 * time.Second
)

// withActivity applies a StartToClose timeout and retry policy to ctx.
func withActivity(ctx workflow.Context, timeout time.Duration, attempts int32, nonRetryable ...string) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        attempts,
			NonRetryableErrorTypes: nonRetryable,
		},
	})
}

type pendingEvent struct {
	typ  events.Type
	data map[string]any
}

// agent is the in-workflow actor for one conversation run. All fields are
// touched only from the workflow goroutine.
type agent struct {
	params  Params
	goals   map[string]catalog.Goal
	state   *conversation.State
	toolset *toolprovider.Toolset
	signals workflow.ReceiveChannel
	logger  log.Logger

	provider     workflow.Future
	providerGoal string

	outbox []pendingEvent
	stops  []catalog.ProviderSpec
}

// AgentGoalWorkflow runs one conversation.
//
// The loop:
//  1. Drains the signal channel without blocking and applies each signal
//  2. Ends the run when the conversation has ended
//  3. Continues as new when history is due for compaction
//  4. Executes a confirmed tool call
//  5. Validates and plans the oldest pending input
//  6. Otherwise blocks on the next signal or provider start
func AgentGoalWorkflow(ctx workflow.Context, params Params) (*Result, error) {
	logger := workflow.GetLogger(ctx)
	if err := params.Validate(); err != nil {
		return nil, NewWorkflowError("start_conversation", ErrorSeverityCritical, err, params.ConversationID)
	}

	w := newAgent(ctx, params)
	if err := w.registerQueries(ctx); err != nil {
		return nil, NewWorkflowError("register_queries", ErrorSeverityCritical, err, params.ConversationID)
	}

	logger.Info("Starting conversation",
		"conversation_id", params.ConversationID,
		"generation", w.state.Generation,
		"goal", w.state.ActiveGoal,
		"pending_inputs", len(w.state.PendingInputs))

	w.activateProvider(ctx)
	return w.run(ctx)
}

func newAgent(ctx workflow.Context, params Params) *agent {
	goals := make(map[string]catalog.Goal, len(params.Goals))
	for _, g := range params.Goals {
		goals[g.ID] = g
	}

	var st *conversation.State
	if params.Carry != nil {
		st = conversation.Resume(params.ConversationID, *params.Carry, params.Settings.Conversation, workflow.Now(ctx))
	} else {
		st = conversation.New(params.ConversationID, params.Goal, params.Settings.Conversation)
	}

	w := &agent{
		params:  params,
		goals:   goals,
		state:   st,
		signals: workflow.GetSignalChannel(ctx, SignalChannel),
		logger:  workflow.GetLogger(ctx),
	}
	w.toolset = toolprovider.BuildToolset(w.goal(), st.ProviderTools)
	return w
}

func (w *agent) registerQueries(ctx workflow.Context) error {
	if err := workflow.SetQueryHandler(ctx, QueryState, func() (conversation.Snapshot, error) {
		return w.state.Snapshot(), nil
	}); err != nil {
		return err
	}
	return workflow.SetQueryHandler(ctx, QueryHistory, func() ([]conversation.Message, error) {
		return w.state.HistoryCopy(), nil
	})
}

func (w *agent) goal() catalog.Goal {
	return w.goals[w.state.ActiveGoal]
}

func (w *agent) run(ctx workflow.Context) (*Result, error) {
	for {
		w.drain(ctx)
		w.flush(ctx)

		switch {
		case w.state.Ended:
			return w.finish(ctx), nil
		case w.shouldContinue(ctx):
			return w.continueAsNew(ctx)
		case w.state.Phase == conversation.PhaseExecuting:
			w.execute(ctx)
		default:
			if in, ok := w.state.NextInput(workflow.Now(ctx)); ok {
				w.turn(ctx, in)
				continue
			}
			w.wait(ctx)
		}
	}
}

// drain applies every buffered signal in arrival order.
func (w *agent) drain(ctx workflow.Context) {
	for {
		var s Signal
		if !w.signals.ReceiveAsync(&s) {
			break
		}
		w.apply(ctx, s)
	}
	if w.provider != nil && w.provider.IsReady() {
		w.providerDone(ctx, w.provider)
	}
}

func (w *agent) wait(ctx workflow.Context) {
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(w.signals, func(c workflow.ReceiveChannel, _ bool) {
		var s Signal
		c.Receive(ctx, &s)
		w.apply(ctx, s)
	})
	if w.provider != nil {
		sel.AddFuture(w.provider, func(f workflow.Future) {
			w.providerDone(ctx, f)
		})
	}
	sel.Select(ctx)
}

// apply handles one signal. Signals that do not fit the current phase are
// silent no-ops so duplicate delivery is harmless.
func (w *agent) apply(ctx workflow.Context, s Signal) {
	now := workflow.Now(ctx)
	switch s.Kind {
	case SignalSubmitInput:
		in := conversation.PendingInput{ID: s.InputID, Text: s.Text, ReceivedAt: now}
		switch err := w.state.Submit(in); {
		case err == nil:
			w.logger.Debug("Input queued", "input_id", s.InputID, "pending", len(w.state.PendingInputs))
		case errors.Is(err, conversation.ErrInputQueueSaturated):
			w.logger.Warn("Input rejected, queue saturated", "input_id", s.InputID)
			w.state.RecordRejectedInput(in, err, now)
		default:
			w.logger.Debug("Input ignored", "input_id", s.InputID, "reason", err.Error())
		}

	case SignalConfirm:
		if !w.state.Confirm(s.InvocationID) {
			w.logger.Debug("Confirm ignored", "invocation_id", s.InvocationID, "phase", string(w.state.Phase))
		}

	case SignalCancel:
		if !w.state.Cancel(s.InvocationID, now) {
			w.logger.Debug("Cancel ignored", "invocation_id", s.InvocationID, "phase", string(w.state.Phase))
		}

	case SignalChangeGoal:
		w.changeGoal(ctx, s.GoalID)

	case SignalEndConversation:
		text := s.Reason
		if text == "" {
			text = "Conversation ended by user."
		}
		w.dropped(w.state.End(conversation.EndReasonUser, text, now))

	default:
		w.logger.Warn("Unknown signal kind", "kind", string(s.Kind))
	}
}

func (w *agent) dropped(inputs []conversation.PendingInput) {
	for _, in := range inputs {
		w.logger.Warn("Dropped queued input", "input_id", in.ID)
		w.emit(events.TypeInputDropped, map[string]any{"input_id": in.ID, "text": in.Text})
	}
}

func (w *agent) changeGoal(ctx workflow.Context, goalID string) {
	now := workflow.Now(ctx)
	goal, ok := w.goals[goalID]
	if !ok {
		w.state.Note(conversation.KindError, fmt.Sprintf("Unknown goal %q; staying on %s.", goalID, w.state.ActiveGoal), now)
		return
	}

	prev := w.goal()
	if !w.state.ChangeGoal(goal, now) {
		w.logger.Debug("Goal change ignored", "goal", goalID, "phase", string(w.state.Phase))
		return
	}
	w.logger.Info("Goal changed", "from", prev.ID, "to", goal.ID)
	w.toolset = toolprovider.BuildToolset(goal, nil)
	w.emit(events.TypeGoalChanged, map[string]any{"from": prev.ID, "to": goal.ID})

	if prev.Provider != nil && (goal.Provider == nil || goal.Provider.ID != prev.Provider.ID) {
		// A start still in flight would take its hold after the stop.
		if w.provider != nil {
			_ = w.provider.Get(ctx, nil)
		}
		w.stops = append(w.stops, *prev.Provider)
	}
	w.provider = nil
	w.activateProvider(ctx)
}

// activateProvider starts the active goal's provider in the background.
func (w *agent) activateProvider(ctx workflow.Context) {
	goal := w.goal()
	if goal.Provider == nil {
		return
	}
	spec := *goal.Provider
	if w.state.ProviderState != conversation.ProviderReady {
		w.state.SetProviderTools(conversation.ProviderStarting, nil)
	}

	timeout := spec.StartTimeout
	if timeout <= 0 {
		timeout = w.params.Settings.ProviderStartTimeout
	}
	actx := withActivity(ctx, timeout+activityGrace, 1)
	w.provider = workflow.ExecuteActivity(actx, acts.StartProvider, ProviderInput{
		ConversationID: w.state.ConversationID,
		Spec:           spec,
	})
	w.providerGoal = goal.ID
}

func (w *agent) providerDone(ctx workflow.Context, f workflow.Future) {
	w.provider = nil
	var h toolprovider.Handle
	err := f.Get(ctx, &h)
	if w.state.Ended || w.providerGoal != w.state.ActiveGoal {
		return
	}

	goal := w.goal()
	if err != nil {
		w.logger.Warn("Tool provider unavailable", "provider", goal.Provider.ID, "error", err)
		w.state.SetProviderTools(conversation.ProviderFailed, nil)
		w.state.Note(conversation.KindError,
			fmt.Sprintf("Tool provider %s is unavailable: %s", goal.Provider.ID, errorMessage(err)), workflow.Now(ctx))
		w.toolset = toolprovider.BuildToolset(goal, nil)
		return
	}

	w.state.SetProviderTools(conversation.ProviderReady, h.Tools)
	w.toolset = toolprovider.BuildToolset(goal, h.Tools)
	for _, d := range w.toolset.Shadowed {
		w.logger.Warn("Provider tool shadowed by built-in tool", "provider", goal.Provider.ID, "tool", d.Name)
	}
	w.logger.Info("Tool provider ready", "provider", goal.Provider.ID, "tools", len(h.Tools))
}

// turn validates and plans one dequeued input.
func (w *agent) turn(ctx workflow.Context, in conversation.PendingInput) {
	goal := w.goal()

	var v gateway.Validation
	vctx := withActivity(ctx, 60*time.Second, 3)
	err := workflow.ExecuteActivity(vctx, acts.ValidateInput, gateway.ValidateRequest{
		Input:         in.Text,
		Goal:          goal,
		RecentHistory: w.state.RecentHistory(recentHistoryForValidation),
	}).Get(ctx, &v)
	if err != nil {
		w.recordFailure(ctx, "validate_input", err, in.ID)
		return
	}
	if !v.Accepted {
		reason := v.Reason
		if reason == "" {
			reason = "I can't help with that request for this goal."
		}
		if err := w.state.Reject(reason, workflow.Now(ctx)); err != nil {
			w.logger.Error("Failed to record rejection", "error", err)
		}
		return
	}
	if err := w.state.Accept(); err != nil {
		w.logger.Error("Failed to accept input", "error", err)
		return
	}

	var d conversation.Decision
	pctx := withActivity(ctx, 90*time.Second, 3)
	err = workflow.ExecuteActivity(pctx, acts.PlanTurn, gateway.PlanRequest{
		Goal:    goal,
		History: w.state.HistoryCopy(),
		Tools:   w.toolset.Descriptors(),
	}).Get(ctx, &d)
	if err != nil {
		w.recordFailure(ctx, "plan_turn", err, in.ID)
		return
	}

	requires := false
	if d.Action == conversation.ActionProposeTool {
		entry, ok := w.toolset.Lookup(d.ToolName)
		if !ok {
			w.state.Fail(fmt.Sprintf("The planner proposed unknown tool %q.", d.ToolName), workflow.Now(ctx))
			return
		}
		requires = entry.Descriptor.RequiresConfirmation
	}

	inv, err := w.state.ApplyDecision(d, requires, workflow.Now(ctx))
	if err != nil {
		if !errors.Is(err, conversation.ErrPendingToolCall) {
			w.state.Fail(fmt.Sprintf("The planner returned an unusable decision: %v", err), workflow.Now(ctx))
		}
		return
	}

	switch {
	case inv != nil:
		w.logger.Info("Tool proposed",
			"invocation_id", inv.ID,
			"tool", inv.ToolName,
			"requires_confirmation", inv.RequiresConfirmation)
	case d.Action == conversation.ActionFinish:
		w.emit(events.TypeConversationFinished, map[string]any{"goal": goal.ID})
	}
}

// recordFailure is the HIGH severity path: the failure becomes a system
// message and the conversation returns to idle.
func (w *agent) recordFailure(ctx workflow.Context, operation string, err error, inputID string) {
	werr := NewWorkflowError(operation, ErrorSeverityHigh, err, inputID)
	w.logger.Warn("Turn failed", "error", werr.Error(), "kind", errorKind(err))

	text := fmt.Sprintf("Sorry, something went wrong: %s", errorMessage(err))
	if operation == "plan_turn" {
		text = fmt.Sprintf("Planning failed: %s", errorMessage(err))
	}
	w.state.Fail(text, workflow.Now(ctx))
}

// execute runs the confirmed tool call through pre-governance, the tool
// and post-governance.
func (w *agent) execute(ctx workflow.Context) {
	inv := w.state.PendingToolCall
	if _, ok := w.toolset.Lookup(inv.ToolName); !ok {
		w.state.Fail(fmt.Sprintf("Tool %s is no longer available.", inv.ToolName), workflow.Now(ctx))
		return
	}

	pre, stopped := w.govern(ctx, governance.PhasePre, inv.ToolName, inv.Arguments)
	if stopped {
		w.governanceStop(ctx, inv, governance.PhasePre, pre.Reason)
		return
	}
	args := pre.Payload
	if args == nil {
		args = inv.Arguments
	}

	in := ExecuteToolInput{
		ConversationID: w.state.ConversationID,
		InvocationID:   inv.ID,
		ToolName:       inv.ToolName,
		Arguments:      args,
		Timeout:        w.params.Settings.ToolTimeout,
	}
	// Goal tools go to the provider unless the worker has a handler for them.
	if !toolprovider.IsBuiltin(inv.ToolName) {
		in.Provider = w.goal().Provider
	}

	var res ExecuteToolResult
	ectx := withActivity(ctx, w.params.Settings.ToolTimeout+activityGrace, 3, ErrTypeToolExecution)
	err := workflow.ExecuteActivity(ectx, acts.ExecuteTool, in).Get(ctx, &res)

	out := conversation.Outcome{Result: res.Output}
	if err != nil {
		out = conversation.Outcome{Error: errorMessage(err), Kind: errorKind(err)}
		w.logger.Warn("Tool call failed", "invocation_id", inv.ID, "tool", inv.ToolName, "kind", out.Kind)
	} else {
		post, stopped := w.govern(ctx, governance.PhasePost, inv.ToolName, res.Output)
		if stopped {
			w.governanceStop(ctx, inv, governance.PhasePost, post.Reason)
			return
		}
		if post.Payload != nil {
			out.Result = post.Payload
		}
	}

	if _, err := w.state.CompleteExecution(out, workflow.Now(ctx)); err != nil {
		w.logger.Error("Failed to record tool result", "invocation_id", inv.ID, "error", err)
		return
	}
	w.emit(events.TypeToolExecuted, map[string]any{
		"invocation_id": inv.ID,
		"tool":          inv.ToolName,
		"error":         out.Error,
	})

	if inv.ToolName == toolprovider.ToolChangeGoal && out.Error == "" {
		if id, _ := out.Result["goal_id"].(string); id != "" {
			w.changeGoal(ctx, id)
		}
	}
}

// govern evaluates one governance phase. When the activity itself fails the
// configured failure policy decides.
func (w *agent) govern(ctx workflow.Context, phase governance.Phase, action string, payload map[string]any) (governance.Decision, bool) {
	var d governance.Decision
	gctx := withActivity(ctx, 35*time.Second, 3)
	err := workflow.ExecuteActivity(gctx, acts.EvaluateGovernance, governance.Request{
		Phase:          phase,
		ConversationID: w.state.ConversationID,
		Action:         action,
		Payload:        payload,
	}).Get(ctx, &d)
	if err != nil {
		reason := fmt.Sprintf("governance unavailable: %s", errorMessage(err))
		w.logger.Warn("Governance evaluation failed", "phase", string(phase), "action", action, "error", err)
		if w.params.Settings.GovernanceFailClosed {
			return governance.Decision{Verdict: governance.VerdictStop, Reason: reason}, true
		}
		return governance.Decision{Verdict: governance.VerdictContinue, Reason: reason, Payload: payload}, false
	}
	return d, d.Stopped()
}

func (w *agent) governanceStop(ctx workflow.Context, inv *conversation.ToolInvocation, phase governance.Phase, reason string) {
	w.logger.Warn("Conversation stopped by governance",
		"invocation_id", inv.ID,
		"tool", inv.ToolName,
		"phase", string(phase),
		"reason", reason)
	w.dropped(w.state.GovernanceStop(reason, workflow.Now(ctx)))
	w.emit(events.TypeGovernanceStopped, map[string]any{
		"invocation_id": inv.ID,
		"tool":          inv.ToolName,
		"phase":         string(phase),
		"reason":        reason,
	})
}

func (w *agent) shouldContinue(ctx workflow.Context) bool {
	if w.state.NeedsContinuation() {
		return true
	}
	return !w.state.Ended &&
		w.state.Phase == conversation.PhaseIdle &&
		w.state.PendingToolCall == nil &&
		workflow.GetInfo(ctx).GetContinueAsNewSuggested()
}

// continueAsNew summarizes history and restarts the run with the carryover.
// A failed summary falls back to a deterministic one.
func (w *agent) continueAsNew(ctx workflow.Context) (*Result, error) {
	var summary string
	sctx := withActivity(ctx, 120*time.Second, 2)
	err := workflow.ExecuteActivity(sctx, acts.SummarizeHistory, SummarizeInput{
		Goal:    w.goal(),
		History: w.state.HistoryCopy(),
	}).Get(ctx, &summary)
	if err != nil || strings.TrimSpace(summary) == "" {
		w.logger.Warn("Summarization failed, using fallback summary", "error", err)
		summary = w.state.FallbackSummary()
	}

	// Inputs that arrived during summarization travel with the carryover.
	w.drain(ctx)
	if w.state.Ended {
		return w.finish(ctx), nil
	}

	carry, err := w.state.Continue(summary, workflow.Now(ctx))
	if err != nil {
		return nil, NewWorkflowError("continue_as_new", ErrorSeverityCritical, err, w.state.ConversationID)
	}
	w.emit(events.TypeConversationContinued, map[string]any{
		"generation":     carry.Generation,
		"pending_inputs": len(carry.PendingInputs),
	})
	w.flush(ctx)

	w.logger.Info("Continuing conversation as new",
		"generation", carry.Generation,
		"pending_inputs", len(carry.PendingInputs))

	next := w.params
	next.Goal = carry.ActiveGoal
	next.Carry = &carry
	return nil, workflow.NewContinueAsNewError(ctx, AgentGoalWorkflow, next)
}

// finish releases the provider and publishes the terminal event.
func (w *agent) finish(ctx workflow.Context) *Result {
	if w.provider != nil {
		_ = w.provider.Get(ctx, nil)
		w.provider = nil
	}
	if p := w.goal().Provider; p != nil {
		w.stops = append(w.stops, *p)
	}
	w.emit(events.TypeConversationEnded, map[string]any{"reason": string(w.state.EndReason)})
	w.flush(ctx)

	w.logger.Info("Conversation ended",
		"conversation_id", w.state.ConversationID,
		"reason", string(w.state.EndReason),
		"turns", w.state.TurnCount)
	return &Result{State: w.state.Snapshot(), History: w.state.HistoryCopy()}
}

func (w *agent) emit(typ events.Type, data map[string]any) {
	w.outbox = append(w.outbox, pendingEvent{typ: typ, data: data})
}

// flush runs queued best-effort work: audit events and provider stops.
// Failures are LOW severity and only logged.
func (w *agent) flush(ctx workflow.Context) {
	if len(w.outbox) == 0 && len(w.stops) == 0 {
		return
	}

	var futures []workflow.Future
	pctx := withActivity(ctx, 10*time.Second, 3)
	for _, p := range w.outbox {
		var e events.Event
		now := workflow.Now(ctx)
		id := w.state.ConversationID
		if err := workflow.SideEffect(ctx, func(workflow.Context) any {
			return events.NewEvent(id, p.typ, p.data, now)
		}).Get(&e); err != nil {
			w.logger.Warn("Failed to build event", "type", string(p.typ), "error", err)
			continue
		}
		futures = append(futures, workflow.ExecuteActivity(pctx, acts.PublishEvent, e))
	}
	w.outbox = nil

	sctx := withActivity(ctx, 30*time.Second, 2)
	for _, spec := range w.stops {
		futures = append(futures, workflow.ExecuteActivity(sctx, acts.StopProvider, ProviderInput{
			ConversationID: w.state.ConversationID,
			Spec:           spec,
		}))
	}
	w.stops = nil

	for _, f := range futures {
		if err := f.Get(ctx, nil); err != nil {
			w.logger.Warn("Best-effort activity failed", "error", err)
		}
	}
}
