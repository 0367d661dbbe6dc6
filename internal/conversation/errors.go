package conversation

import "errors"

var (
	// ErrInputQueueSaturated is returned when the pending input queue is full.
	ErrInputQueueSaturated = errors.New("input queue saturated")

	// ErrConversationEnded is returned for inputs submitted after the end.
	ErrConversationEnded = errors.New("conversation ended")

	// ErrPendingToolCall is returned when a tool is proposed while another
	// still awaits resolution.
	ErrPendingToolCall = errors.New("tool call already pending")

	// ErrDuplicateInput is returned when an input ID has already been seen.
	ErrDuplicateInput = errors.New("duplicate input")

	// ErrInvalidTransition is returned when a phase change is not allowed.
	ErrInvalidTransition = errors.New("invalid phase transition")
)
