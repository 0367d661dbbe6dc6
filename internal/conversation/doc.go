// Package conversation implements the conversation state machine.
//
// State is a plain value owned by exactly one actor. It performs no I/O and
// reads no clocks: every method that records a message takes the timestamp
// from its caller, so the same sequence of calls always yields the same
// state. The durable actor in internal/workflows drives it.
//
// # Phases
//
//	idle -> validating -> planning -> awaiting_confirmation -> executing -> idle
//
// Any phase may move to ended. Validating, planning and executing may fall
// back to idle with a message appended instead of failing the conversation.
//
// # Signal semantics
//
// Signals that arrive in the wrong phase are silent no-ops. Confirm and
// Cancel report whether they took effect so callers can log redundant
// deliveries without treating them as errors.
//
// # Continuation
//
// Continue is the only code path that truncates History. It replaces the
// history with one summary message and returns a Carryover holding
// everything the next generation needs.
package conversation
