package conversation

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
)

// transitions lists the allowed phase changes.
var transitions = map[Phase][]Phase{
	PhaseIdle:                 {PhaseValidating, PhaseEnded},
	PhaseValidating:           {PhasePlanning, PhaseIdle, PhaseEnded},
	PhasePlanning:             {PhaseAwaitingConfirmation, PhaseExecuting, PhaseIdle, PhaseEnded},
	PhaseAwaitingConfirmation: {PhaseExecuting, PhaseIdle, PhaseEnded},
	PhaseExecuting:            {PhaseIdle, PhaseEnded},
	PhaseEnded:                {},
}

// CanTransition reports whether the machine may move from one phase to another.
func CanTransition(from, to Phase) bool {
	return slices.Contains(transitions[from], to)
}

// State is the conversation aggregate. It is owned by a single actor and is
// not safe for concurrent use.
type State struct {
	ConversationID  string
	Generation      int
	History         []Message
	PendingInputs   []PendingInput
	ActiveGoal      string
	PendingToolCall *ToolInvocation
	TurnCount       int
	Phase           Phase
	Ended           bool
	EndReason       EndReason
	SeenInputs      []string
	InvocationSeq   int
	ProviderTools   []catalog.ToolDescriptor
	ProviderState   ProviderState

	settings Settings
}

// New creates the first generation of a conversation.
func New(conversationID, goal string, settings Settings) *State {
	return &State{
		ConversationID: conversationID,
		ActiveGoal:     goal,
		Phase:          PhaseIdle,
		settings:       normalize(settings),
	}
}

// Resume creates a later generation from a carryover. History holds only the
// carried summary and TurnCount starts at zero.
func Resume(conversationID string, c Carryover, settings Settings, now time.Time) *State {
	s := New(conversationID, c.ActiveGoal, settings)
	s.Generation = c.Generation
	s.PendingInputs = slices.Clone(c.PendingInputs)
	s.SeenInputs = slices.Clone(c.SeenInputs)
	s.ProviderTools = slices.Clone(c.ProviderTools)
	s.ProviderState = c.ProviderState
	s.History = []Message{{Actor: ActorSystem, Kind: KindSummary, Text: c.Summary, At: now}}
	return s
}

func normalize(s Settings) Settings {
	d := DefaultSettings()
	if s.ContinuationThreshold <= 0 {
		s.ContinuationThreshold = d.ContinuationThreshold
	}
	if s.MaxPendingInputs <= 0 {
		s.MaxPendingInputs = d.MaxPendingInputs
	}
	if s.SeenWindow <= 0 {
		s.SeenWindow = d.SeenWindow
	}
	return s
}

// Settings returns the settings in effect.
func (s *State) Settings() Settings {
	return s.settings
}

func (s *State) transition(to Phase) error {
	if !CanTransition(s.Phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Phase, to)
	}
	s.Phase = to
	return nil
}

func (s *State) append(m Message) {
	s.History = append(s.History, m)
	if m.Actor == ActorUser || m.Actor == ActorAgent {
		s.TurnCount++
	}
}

func (s *State) system(kind MessageKind, text string, now time.Time) {
	s.append(Message{Actor: ActorSystem, Kind: kind, Text: text, At: now})
}

// Submit enqueues a user input. It never processes the input.
func (s *State) Submit(in PendingInput) error {
	if s.Ended {
		return ErrConversationEnded
	}
	if in.ID != "" && slices.Contains(s.SeenInputs, in.ID) {
		return ErrDuplicateInput
	}
	if len(s.PendingInputs) >= s.settings.MaxPendingInputs {
		return ErrInputQueueSaturated
	}
	s.PendingInputs = append(s.PendingInputs, in)
	if in.ID != "" {
		s.SeenInputs = append(s.SeenInputs, in.ID)
		if over := len(s.SeenInputs) - s.settings.SeenWindow; over > 0 {
			s.SeenInputs = slices.Delete(s.SeenInputs, 0, over)
		}
	}
	return nil
}

// Note appends a system message without changing phase.
func (s *State) Note(kind MessageKind, text string, now time.Time) {
	s.system(kind, text, now)
}

// RecordRejectedInput notes an input the queue could not accept.
func (s *State) RecordRejectedInput(in PendingInput, err error, now time.Time) {
	s.system(KindInputDropped, fmt.Sprintf("Input %q was not accepted: %v", in.Text, err), now)
}

// NextInput dequeues the oldest pending input when idle and records it as a
// user message. The machine moves to validating.
func (s *State) NextInput(now time.Time) (PendingInput, bool) {
	if s.Phase != PhaseIdle || len(s.PendingInputs) == 0 {
		return PendingInput{}, false
	}
	if s.NeedsContinuation() {
		return PendingInput{}, false
	}
	in := s.PendingInputs[0]
	s.PendingInputs = slices.Delete(s.PendingInputs, 0, 1)
	s.append(Message{Actor: ActorUser, Text: in.Text, At: now})
	s.Phase = PhaseValidating
	return in, true
}

// Reject records a validation rejection and returns to idle.
func (s *State) Reject(reason string, now time.Time) error {
	if s.Phase != PhaseValidating {
		return fmt.Errorf("%w: reject in %s", ErrInvalidTransition, s.Phase)
	}
	s.append(Message{Actor: ActorAgent, Text: reason, At: now})
	return s.transition(PhaseIdle)
}

// Accept moves a validated input on to planning.
func (s *State) Accept() error {
	if s.Phase != PhaseValidating {
		return fmt.Errorf("%w: accept in %s", ErrInvalidTransition, s.Phase)
	}
	return s.transition(PhasePlanning)
}

// ApplyDecision records the planner's decision. For a tool proposal it
// creates the pending ToolInvocation and returns it; requiresConfirmation is
// the descriptor flag and is combined with the ConfirmAll setting.
func (s *State) ApplyDecision(d Decision, requiresConfirmation bool, now time.Time) (*ToolInvocation, error) {
	if s.Phase != PhasePlanning {
		return nil, fmt.Errorf("%w: decision in %s", ErrInvalidTransition, s.Phase)
	}

	switch d.Action {
	case ActionAskQuestion, ActionFinish:
		s.append(Message{Actor: ActorAgent, Text: d.Message, At: now})
		return nil, s.transition(PhaseIdle)

	case ActionProposeTool:
		if s.PendingToolCall != nil {
			s.system(KindError, fmt.Sprintf("Tool %s was proposed while %s is pending", d.ToolName, s.PendingToolCall.ToolName), now)
			s.Phase = PhaseIdle
			return nil, ErrPendingToolCall
		}
		s.InvocationSeq++
		inv := &ToolInvocation{
			ID:                   fmt.Sprintf("%s-%d-%d", s.ConversationID, s.Generation, s.InvocationSeq),
			ToolName:             d.ToolName,
			Arguments:            maps.Clone(d.Arguments),
			ProposedAt:           now,
			RequiresConfirmation: requiresConfirmation || s.settings.ConfirmAll,
		}
		s.PendingToolCall = inv
		if inv.RequiresConfirmation {
			s.append(Message{
				Actor: ActorAgent,
				Kind:  KindToolProposal,
				Text:  d.Message,
				Tool:  d.ToolName,
				Data:  maps.Clone(d.Arguments),
				At:    now,
			})
			return inv, s.transition(PhaseAwaitingConfirmation)
		}
		return inv, s.transition(PhaseExecuting)

	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, d.Action)
	}
}

// Fail records a recoverable failure during validating, planning or
// executing and returns to idle. Any pending tool call is discarded.
func (s *State) Fail(text string, now time.Time) {
	if s.Ended {
		return
	}
	s.system(KindError, text, now)
	s.PendingToolCall = nil
	s.Phase = PhaseIdle
}

// Confirm approves the pending tool call. An empty invocationID matches any
// pending call. It returns false when there is nothing to confirm.
func (s *State) Confirm(invocationID string) bool {
	if !s.matchesPending(invocationID) {
		return false
	}
	return s.transition(PhaseExecuting) == nil
}

// Cancel discards the pending tool call. It returns false when there is
// nothing to cancel.
func (s *State) Cancel(invocationID string, now time.Time) bool {
	if !s.matchesPending(invocationID) {
		return false
	}
	name := s.PendingToolCall.ToolName
	s.PendingToolCall = nil
	s.system(KindCancelled, fmt.Sprintf("Tool call %s was cancelled.", name), now)
	s.Phase = PhaseIdle
	return true
}

func (s *State) matchesPending(invocationID string) bool {
	if s.Phase != PhaseAwaitingConfirmation || s.PendingToolCall == nil {
		return false
	}
	return invocationID == "" || invocationID == s.PendingToolCall.ID
}

// CompleteExecution records the outcome of the pending tool call and
// returns to idle. The outcome is always recorded, success or not.
func (s *State) CompleteExecution(out Outcome, now time.Time) (*ToolInvocation, error) {
	if s.Phase != PhaseExecuting || s.PendingToolCall == nil {
		return nil, fmt.Errorf("%w: complete in %s", ErrInvalidTransition, s.Phase)
	}
	inv := s.PendingToolCall
	msg := Message{
		Actor: ActorToolResult,
		Tool:  inv.ToolName,
		Data:  maps.Clone(out.Result),
		Error: out.Error,
		At:    now,
	}
	if out.Error != "" {
		msg.Text = fmt.Sprintf("Tool %s failed: %s", inv.ToolName, out.Error)
	} else {
		msg.Text = fmt.Sprintf("Tool %s completed.", inv.ToolName)
	}
	s.append(msg)
	s.PendingToolCall = nil
	return inv, s.transition(PhaseIdle)
}

// ChangeGoal switches the active goal. It applies only when idle. The
// provider tools of the previous goal are dropped.
func (s *State) ChangeGoal(goal catalog.Goal, now time.Time) bool {
	if s.Phase != PhaseIdle || s.Ended {
		return false
	}
	if goal.ID == s.ActiveGoal {
		return false
	}
	s.ActiveGoal = goal.ID
	s.ProviderTools = nil
	s.ProviderState = ProviderNone
	text := goal.StarterMessage
	if text == "" {
		text = fmt.Sprintf("Switched to %s.", goal.ID)
	}
	s.append(Message{Actor: ActorSystem, Kind: KindGoalChanged, Text: text, Data: map[string]any{"goal_id": goal.ID}, At: now})
	return true
}

// SetProviderTools records the active provider's lifecycle and tools.
func (s *State) SetProviderTools(state ProviderState, tools []catalog.ToolDescriptor) {
	s.ProviderState = state
	s.ProviderTools = slices.Clone(tools)
}

// End terminates the conversation. Pending inputs are dropped, each one
// recorded as a system message, and returned so callers can audit them.
// Calling End on an ended conversation does nothing.
func (s *State) End(reason EndReason, text string, now time.Time) []PendingInput {
	if s.Ended {
		return nil
	}
	dropped := s.PendingInputs
	s.PendingInputs = nil
	for _, in := range dropped {
		s.system(KindInputDropped, fmt.Sprintf("Dropped queued input: %s", in.Text), now)
	}
	if s.PendingToolCall != nil {
		s.system(KindCancelled, fmt.Sprintf("Tool call %s was discarded.", s.PendingToolCall.ToolName), now)
		s.PendingToolCall = nil
	}
	kind := KindEnded
	if reason == EndReasonGovernance {
		kind = KindGovernanceBlocked
	}
	s.system(kind, text, now)
	s.Ended = true
	s.EndReason = reason
	s.Phase = PhaseEnded
	return dropped
}

// GovernanceStop ends the conversation because policy blocked an action.
// The pending tool call is cleared without a result.
func (s *State) GovernanceStop(reason string, now time.Time) []PendingInput {
	s.PendingToolCall = nil
	text := "Blocked by governance policy."
	if reason != "" {
		text = fmt.Sprintf("Blocked by governance policy: %s", reason)
	}
	return s.End(EndReasonGovernance, text, now)
}

// NeedsContinuation reports whether history should be compacted before any
// further input is processed.
func (s *State) NeedsContinuation() bool {
	return !s.Ended &&
		s.Phase == PhaseIdle &&
		s.PendingToolCall == nil &&
		s.TurnCount >= s.settings.ContinuationThreshold
}

// Continue replaces history with a single summary message, resets the turn
// count and advances the generation. It returns the carryover for the next
// run. It is only valid when idle.
func (s *State) Continue(summary string, now time.Time) (Carryover, error) {
	if s.Phase != PhaseIdle || s.PendingToolCall != nil || s.Ended {
		return Carryover{}, fmt.Errorf("%w: continue in %s", ErrInvalidTransition, s.Phase)
	}
	s.Generation++
	s.History = []Message{{Actor: ActorSystem, Kind: KindSummary, Text: summary, At: now}}
	s.TurnCount = 0
	s.InvocationSeq = 0
	return Carryover{
		Summary:       summary,
		PendingInputs: slices.Clone(s.PendingInputs),
		ActiveGoal:    s.ActiveGoal,
		SeenInputs:    slices.Clone(s.SeenInputs),
		Generation:    s.Generation,
		ProviderTools: slices.Clone(s.ProviderTools),
		ProviderState: s.ProviderState,
	}, nil
}

// FallbackSummary builds a summary without a model. It is used when the
// summarizer is unavailable so continuation never blocks.
func (s *State) FallbackSummary() string {
	counts := map[Actor]int{}
	var lastUser, lastAgent string
	for _, m := range s.History {
		counts[m.Actor]++
		switch m.Actor {
		case ActorUser:
			lastUser = m.Text
		case ActorAgent:
			lastAgent = m.Text
		}
	}
	summary := fmt.Sprintf("Conversation so far on goal %s: %d user messages, %d agent messages, %d tool results.",
		s.ActiveGoal, counts[ActorUser], counts[ActorAgent], counts[ActorToolResult])
	if lastUser != "" {
		summary += fmt.Sprintf(" Last user message: %q.", lastUser)
	}
	if lastAgent != "" {
		summary += fmt.Sprintf(" Last agent message: %q.", lastAgent)
	}
	return summary
}

// Snapshot returns a copy of the observable state.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		ConversationID: s.ConversationID,
		Generation:     s.Generation,
		Phase:          s.Phase,
		ActiveGoal:     s.ActiveGoal,
		PendingInputs:  slices.Clone(s.PendingInputs),
		TurnCount:      s.TurnCount,
		HistoryLength:  len(s.History),
		Ended:          s.Ended,
		EndReason:      s.EndReason,
		ProviderState:  s.ProviderState,
	}
	if snap.PendingInputs == nil {
		snap.PendingInputs = []PendingInput{}
	}
	if s.PendingToolCall != nil {
		call := *s.PendingToolCall
		call.Arguments = maps.Clone(call.Arguments)
		snap.PendingToolCall = &call
	}
	for _, t := range s.ProviderTools {
		snap.ProviderTools = append(snap.ProviderTools, t.Name)
	}
	return snap
}

// HistoryCopy returns a copy of the history.
func (s *State) HistoryCopy() []Message {
	out := make([]Message, len(s.History))
	copy(out, s.History)
	return out
}

// RecentHistory returns up to n of the most recent messages.
func (s *State) RecentHistory(n int) []Message {
	if n <= 0 || n >= len(s.History) {
		return s.HistoryCopy()
	}
	return slices.Clone(s.History[len(s.History)-n:])
}
