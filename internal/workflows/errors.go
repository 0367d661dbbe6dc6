package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
)

// Error severity levels for workflow errors
type ErrorSeverity string

const (
	// ErrorSeverityCritical indicates the workflow must fail
	ErrorSeverityCritical ErrorSeverity = "critical"
	// ErrorSeverityHigh is recorded in history and the conversation continues
	ErrorSeverityHigh ErrorSeverity = "high"
	// ErrorSeverityLow is logged only
	ErrorSeverityLow ErrorSeverity = "low"
)

// Application error types returned by activities.
const (
	ErrTypeToolTimeout         = "ToolTimeout"
	ErrTypeProviderUnavailable = "ToolProviderUnavailable"
	ErrTypeToolExecution       = "ToolExecutionError"
	ErrTypePlanningFailed      = "PlanningFailed"
	ErrTypeValidationFailed    = "ValidationFailed"
	ErrTypeGovernance          = "GovernanceUnavailable"
	ErrTypeUnknownGoal         = "UnknownGoal"
)

// WorkflowError represents a structured error in a workflow
type WorkflowError struct {
	Operation string        // The operation that failed (e.g., "plan_turn", "execute_tool")
	Severity  ErrorSeverity // How severe the error is
	Err       error         // The underlying error
	Context   string        // Additional context about the error
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Operation, e.Err.Error(), e.Context)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Err.Error())
}

// Unwrap allows errors.Is and errors.As to work with WorkflowError
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// NewWorkflowError creates a new workflow error with context
func NewWorkflowError(operation string, severity ErrorSeverity, err error, context string) *WorkflowError {
	return &WorkflowError{
		Operation: operation,
		Severity:  severity,
		Err:       err,
		Context:   context,
	}
}

// errorKind returns the application error type carried by an activity
// failure, or "Timeout" when the activity itself timed out.
func errorKind(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type()
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return ErrTypeToolTimeout
	}
	return ""
}

// errorMessage strips the activity wrapping from err for user-facing text.
func errorMessage(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "timed out"
	}
	return err.Error()
}

// ErrorHandlingGuidelines documents the error handling pattern for the
// conversation workflow.
//
// CRITICAL (Fail the workflow):
//   - Invariant violations that make the conversation meaningless
//   - Pattern: return the WorkflowError from AgentGoalWorkflow
//   - Example: the initial goal is not in the catalog snapshot
//
// HIGH (Record and continue):
//   - Activity failures after retries: validation, planning, tool execution
//   - Pattern: append a system or tool_result message, return to idle
//   - Example: PlanTurn fails with PlanningFailed
//
// LOW (Log only):
//   - Best-effort side work
//   - Pattern: log at Warn, don't touch conversation state
//   - Example: PublishEvent or StopProvider failed
//
// Error Message Format:
//   - Use descriptive operation names: "failed to plan turn" not "plan error"
//   - Include the invocation or input ID where one exists
//   - Use %w for wrapping to preserve error chain: fmt.Errorf("operation failed: %w", err)
