package gateway

import "errors"

// ErrInvalidDecision is returned when the model's output cannot be parsed
// into a decision, even after asking it to correct itself.
var ErrInvalidDecision = errors.New("invalid planner decision")

// ErrEmptyResponse is returned when the model returns no choices.
var ErrEmptyResponse = errors.New("empty model response")
