package toolprovider

import (
	"errors"
	"fmt"
)

var (
	// ErrToolTimeout is returned when a tool call exceeds its deadline.
	ErrToolTimeout = errors.New("tool timed out")

	// ErrProviderUnavailable is returned when a provider cannot be started
	// or its session is gone.
	ErrProviderUnavailable = errors.New("tool provider unavailable")

	// ErrUnknownTool is returned when no native handler or provider serves
	// a tool name.
	ErrUnknownTool = errors.New("unknown tool")
)

// ExecutionError is a failure reported by the tool itself. The call ran to
// completion, so it is never retried.
type ExecutionError struct {
	Tool    string
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// IsRetryable reports whether a failed call may be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrToolTimeout) || errors.Is(err, ErrProviderUnavailable)
}
