package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/fyrsmithlabs/agentd/internal/conversation"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/gateway"
	"github.com/fyrsmithlabs/agentd/internal/governance"
	"github.com/fyrsmithlabs/agentd/internal/toolprovider"
)

// ToolRegistry is the part of toolprovider.Registry the activities use.
type ToolRegistry interface {
	EnsureStarted(ctx context.Context, spec catalog.ProviderSpec, holder string) (toolprovider.Handle, error)
	Invoke(ctx context.Context, req toolprovider.InvokeRequest) (toolprovider.Result, error)
	Stop(ctx context.Context, providerID, holder string) error
}

// Activities holds the worker-side dependencies of the conversation
// workflow. One value is registered with the worker and shared by every
// conversation it runs.
type Activities struct {
	Validator  gateway.Validator
	Planner    gateway.Planner
	Summarizer gateway.Summarizer
	Gate       governance.Gate
	Tools      ToolRegistry
	Events     events.Publisher
	Logger     *zap.Logger
}

// NewActivities fills in no-op defaults for the optional dependencies.
func NewActivities(a Activities) *Activities {
	if a.Gate == nil {
		a.Gate = governance.Nop{}
	}
	if a.Events == nil {
		a.Events = events.NopPublisher{}
	}
	if a.Logger == nil {
		a.Logger = zap.NewNop()
	}
	return &a
}

func (a *Activities) logger(ctx context.Context) *zap.Logger {
	info := activity.GetInfo(ctx)
	return a.Logger.With(
		zap.String("conversation.id", info.WorkflowExecution.ID),
		zap.String("workflow.run_id", info.WorkflowExecution.RunID),
		zap.String("activity", info.ActivityType.Name),
		zap.Int32("attempt", info.Attempt),
	)
}

// ValidateInput asks the validation gateway whether raw input may be planned.
func (a *Activities) ValidateInput(ctx context.Context, req gateway.ValidateRequest) (gateway.Validation, error) {
	start := time.Now()
	v, err := a.Validator.Validate(ctx, req)
	recordActivity(ctx, "ValidateInput", time.Since(start).Seconds(), err)
	if err != nil {
		a.logger(ctx).Warn("input validation failed", zap.Error(err))
		return gateway.Validation{}, temporal.NewApplicationError(
			fmt.Sprintf("failed to validate input: %v", err), ErrTypeValidationFailed, err)
	}
	return v, nil
}

// PlanTurn asks the planning gateway for the next decision. Unparseable
// model output is not retried; the gateway has already re-asked once.
func (a *Activities) PlanTurn(ctx context.Context, req gateway.PlanRequest) (conversation.Decision, error) {
	start := time.Now()
	d, err := a.Planner.Plan(ctx, req)
	recordActivity(ctx, "PlanTurn", time.Since(start).Seconds(), err)
	if err != nil {
		a.logger(ctx).Warn("planning failed", zap.String("goal", req.Goal.ID), zap.Error(err))
		msg := fmt.Sprintf("failed to plan turn: %v", err)
		if errors.Is(err, gateway.ErrInvalidDecision) {
			return conversation.Decision{}, temporal.NewNonRetryableApplicationError(msg, ErrTypePlanningFailed, err)
		}
		return conversation.Decision{}, temporal.NewApplicationError(msg, ErrTypePlanningFailed, err)
	}
	a.logger(ctx).Debug("turn planned",
		zap.String("goal", req.Goal.ID),
		zap.String("action", string(d.Action)),
		zap.String("tool", d.ToolName))
	return d, nil
}

// SummarizeHistory condenses history before continuation.
func (a *Activities) SummarizeHistory(ctx context.Context, in SummarizeInput) (string, error) {
	start := time.Now()
	summary, err := a.Summarizer.Summarize(ctx, in.Goal, in.History)
	recordActivity(ctx, "SummarizeHistory", time.Since(start).Seconds(), err)
	if err != nil {
		return "", temporal.NewApplicationError(
			fmt.Sprintf("failed to summarize history: %v", err), ErrTypePlanningFailed, err)
	}
	return summary, nil
}

// EvaluateGovernance runs the governance gate for one phase of a tool call.
func (a *Activities) EvaluateGovernance(ctx context.Context, req governance.Request) (governance.Decision, error) {
	start := time.Now()
	d, err := a.Gate.Evaluate(ctx, req)
	recordActivity(ctx, "EvaluateGovernance", time.Since(start).Seconds(), err)
	if err != nil {
		return governance.Decision{}, temporal.NewApplicationError(
			fmt.Sprintf("failed to evaluate governance: %v", err), ErrTypeGovernance, err)
	}
	governanceCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", string(req.Phase)),
		attribute.String("verdict", string(d.Verdict)),
	))
	if d.Stopped() {
		a.logger(ctx).Warn("governance stopped action",
			zap.String("phase", string(req.Phase)),
			zap.String("action", req.Action),
			zap.String("reason", d.Reason))
	}
	return d, nil
}

// ExecuteTool runs one tool invocation through the registry. The registry
// replays a completed InvocationID instead of calling the tool again.
func (a *Activities) ExecuteTool(ctx context.Context, in ExecuteToolInput) (ExecuteToolResult, error) {
	start := time.Now()
	res, err := a.Tools.Invoke(ctx, toolprovider.InvokeRequest{
		InvocationID: in.InvocationID,
		ToolName:     in.ToolName,
		Arguments:    in.Arguments,
		Provider:     in.Provider,
		Timeout:      in.Timeout,
	})
	recordActivity(ctx, "ExecuteTool", time.Since(start).Seconds(), err)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	toolInvocationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", in.ToolName),
		attribute.String("outcome", outcome),
	))

	logger := a.logger(ctx).With(
		zap.String("invocation_id", in.InvocationID),
		zap.String("tool", in.ToolName))
	if err != nil {
		logger.Warn("tool invocation failed", zap.Error(err))
		return ExecuteToolResult{}, toolError(err)
	}
	logger.Info("tool invocation completed", zap.String("origin", string(res.Origin)))
	return ExecuteToolResult{Output: res.Output, Origin: res.Origin}, nil
}

// toolError maps registry errors onto application error types. Only
// timeouts and unavailable providers are retried.
func toolError(err error) error {
	switch {
	case errors.Is(err, toolprovider.ErrToolTimeout):
		return temporal.NewApplicationError(err.Error(), ErrTypeToolTimeout, err)
	case errors.Is(err, toolprovider.ErrProviderUnavailable):
		return temporal.NewApplicationError(err.Error(), ErrTypeProviderUnavailable, err)
	default:
		msg := err.Error()
		var execErr *toolprovider.ExecutionError
		if errors.As(err, &execErr) {
			msg = execErr.Message
		}
		return temporal.NewNonRetryableApplicationError(msg, ErrTypeToolExecution, err)
	}
}

// StartProvider starts a goal's dynamic provider and returns its tools.
func (a *Activities) StartProvider(ctx context.Context, in ProviderInput) (toolprovider.Handle, error) {
	start := time.Now()
	h, err := a.Tools.EnsureStarted(ctx, in.Spec, in.ConversationID)
	recordActivity(ctx, "StartProvider", time.Since(start).Seconds(), err)
	if err != nil {
		a.logger(ctx).Warn("tool provider failed to start", zap.String("provider", in.Spec.ID), zap.Error(err))
		return h, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeProviderUnavailable, err)
	}
	a.logger(ctx).Info("tool provider ready",
		zap.String("provider", in.Spec.ID),
		zap.Int("tools", len(h.Tools)))
	return h, nil
}

// StopProvider releases the conversation's hold on a provider.
func (a *Activities) StopProvider(ctx context.Context, in ProviderInput) error {
	start := time.Now()
	err := a.Tools.Stop(ctx, in.Spec.ID, in.ConversationID)
	recordActivity(ctx, "StopProvider", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("failed to stop provider %s: %w", in.Spec.ID, err)
	}
	return nil
}

// PublishEvent publishes one audit event.
func (a *Activities) PublishEvent(ctx context.Context, e events.Event) error {
	start := time.Now()
	err := a.Events.Publish(ctx, e)
	recordActivity(ctx, "PublishEvent", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Type, err)
	}
	switch e.Type {
	case events.TypeConversationContinued:
		continuationCounter.Add(ctx, 1)
	case events.TypeInputDropped:
		droppedInputCounter.Add(ctx, 1)
	}
	return nil
}
