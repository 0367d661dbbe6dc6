package workflows

// SignalChannel is the single channel every conversation signal arrives on.
// Temporal preserves order within a channel, so one channel keeps the
// submission order across signal kinds.
const SignalChannel = "conversation"

// Query names.
const (
	QueryState   = "state"
	QueryHistory = "history"
)

// SignalKind identifies what a Signal asks for.
type SignalKind string

const (
	SignalSubmitInput     SignalKind = "submit_input"
	SignalConfirm         SignalKind = "confirm"
	SignalCancel          SignalKind = "cancel"
	SignalChangeGoal      SignalKind = "change_goal"
	SignalEndConversation SignalKind = "end_conversation"
)

// Signal is the envelope carried on SignalChannel. Only the fields relevant
// to Kind are set.
type Signal struct {
	Kind         SignalKind `json:"kind"`
	InputID      string     `json:"input_id,omitempty"`
	Text         string     `json:"text,omitempty"`
	InvocationID string     `json:"invocation_id,omitempty"`
	GoalID       string     `json:"goal_id,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// SubmitInput builds a submit_input signal.
func SubmitInput(id, text string) Signal {
	return Signal{Kind: SignalSubmitInput, InputID: id, Text: text}
}

// Confirm builds a confirm signal. An empty invocationID matches any
// pending call.
func Confirm(invocationID string) Signal {
	return Signal{Kind: SignalConfirm, InvocationID: invocationID}
}

// Cancel builds a cancel signal.
func Cancel(invocationID string) Signal {
	return Signal{Kind: SignalCancel, InvocationID: invocationID}
}

// ChangeGoal builds a change_goal signal.
func ChangeGoal(goalID string) Signal {
	return Signal{Kind: SignalChangeGoal, GoalID: goalID}
}

// EndConversation builds an end_conversation signal.
func EndConversation(reason string) Signal {
	return Signal{Kind: SignalEndConversation, Reason: reason}
}
