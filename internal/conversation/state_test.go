package conversation

import (
	"fmt"
	"testing"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newState(t *testing.T) *State {
	t.Helper()
	return New("conv-1", "travel", Settings{ContinuationThreshold: 10, MaxPendingInputs: 3})
}

// planTool drives s from idle to a tool proposal for the next input.
func planTool(t *testing.T, s *State, requires bool) *ToolInvocation {
	t.Helper()
	_, ok := s.NextInput(t0)
	require.True(t, ok)
	require.NoError(t, s.Accept())
	inv, err := s.ApplyDecision(Decision{
		Action:    ActionProposeTool,
		Message:   "Search flights to CDG?",
		ToolName:  "SearchFlights",
		Arguments: map[string]any{"origin": "SFO", "destination": "CDG"},
	}, requires, t0)
	require.NoError(t, err)
	require.NotNil(t, inv)
	return inv
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(PhaseIdle, PhaseValidating))
	assert.True(t, CanTransition(PhasePlanning, PhaseAwaitingConfirmation))
	assert.True(t, CanTransition(PhaseExecuting, PhaseIdle))
	assert.False(t, CanTransition(PhaseIdle, PhaseExecuting))
	assert.False(t, CanTransition(PhaseEnded, PhaseIdle))

	for from := range transitions {
		if from != PhaseEnded {
			assert.True(t, CanTransition(from, PhaseEnded), "%s must be able to end", from)
		}
	}
}

func TestSubmit_PreservesOrder(t *testing.T) {
	s := New("conv-1", "travel", Settings{MaxPendingInputs: 10})
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Submit(PendingInput{ID: fmt.Sprintf("in-%d", i), Text: fmt.Sprintf("msg %d", i)}))
	}

	var got []string
	for {
		in, ok := s.NextInput(t0)
		if !ok {
			break
		}
		got = append(got, in.Text)
		require.NoError(t, s.Accept())
		_, err := s.ApplyDecision(Decision{Action: ActionAskQuestion, Message: "ok"}, false, t0)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"msg 0", "msg 1", "msg 2", "msg 3", "msg 4"}, got)

	var users []string
	for _, m := range s.History {
		if m.Actor == ActorUser {
			users = append(users, m.Text)
		}
	}
	assert.Equal(t, got, users)
}

func TestSubmit_Errors(t *testing.T) {
	s := newState(t)

	require.NoError(t, s.Submit(PendingInput{ID: "a", Text: "one"}))
	assert.ErrorIs(t, s.Submit(PendingInput{ID: "a", Text: "one again"}), ErrDuplicateInput)

	require.NoError(t, s.Submit(PendingInput{ID: "b"}))
	require.NoError(t, s.Submit(PendingInput{ID: "c"}))
	assert.ErrorIs(t, s.Submit(PendingInput{ID: "d"}), ErrInputQueueSaturated)
	assert.Len(t, s.PendingInputs, 3)

	s.End(EndReasonUser, "bye", t0)
	assert.ErrorIs(t, s.Submit(PendingInput{ID: "e"}), ErrConversationEnded)
}

func TestSubmit_SeenWindowIsBounded(t *testing.T) {
	s := New("conv-1", "travel", Settings{MaxPendingInputs: 100, SeenWindow: 2})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Submit(PendingInput{ID: id}))
	}
	assert.Equal(t, []string{"b", "c"}, s.SeenInputs)
}

func TestReject_ReturnsToIdle(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.Submit(PendingInput{ID: "a", Text: "gibberish"}))
	_, ok := s.NextInput(t0)
	require.True(t, ok)

	require.NoError(t, s.Reject("I can only help with travel.", t0))
	assert.Equal(t, PhaseIdle, s.Phase)
	last := s.History[len(s.History)-1]
	assert.Equal(t, ActorAgent, last.Actor)
	assert.Equal(t, "I can only help with travel.", last.Text)
	assert.Equal(t, 2, s.TurnCount)
}

func TestApplyDecision_ConfirmationFlow(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.Submit(PendingInput{ID: "a", Text: "Book a flight to Paris"}))

	inv := planTool(t, s, true)
	assert.Equal(t, "conv-1-0-1", inv.ID)
	assert.Equal(t, PhaseAwaitingConfirmation, s.Phase)
	assert.Equal(t, KindToolProposal, s.History[len(s.History)-1].Kind)

	assert.True(t, s.Confirm(""))
	assert.Equal(t, PhaseExecuting, s.Phase)
	assert.False(t, s.Confirm(""), "second confirm is a no-op")

	done, err := s.CompleteExecution(Outcome{Result: map[string]any{"flights": 3}}, t0)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, done.ID)
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Nil(t, s.PendingToolCall)
	last := s.History[len(s.History)-1]
	assert.Equal(t, ActorToolResult, last.Actor)
	assert.Equal(t, 3, last.Data["flights"])
}

func TestApplyDecision_NoConfirmation(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.Submit(PendingInput{ID: "a"}))
	planTool(t, s, false)
	assert.Equal(t, PhaseExecuting, s.Phase)
}

func TestApplyDecision_ConfirmAll(t *testing.T) {
	s := New("conv-1", "travel", Settings{ConfirmAll: true})
	require.NoError(t, s.Submit(PendingInput{ID: "a"}))
	inv := planTool(t, s, false)
	assert.True(t, inv.RequiresConfirmation)
	assert.Equal(t, PhaseAwaitingConfirmation, s.Phase)
}

func TestApplyDecision_RejectsSecondProposal(t *testing.T) {
	s := newState(t)
	s.Phase = PhasePlanning
	s.PendingToolCall = &ToolInvocation{ID: "existing", ToolName: "BookFlight"}

	_, err := s.ApplyDecision(Decision{Action: ActionProposeTool, ToolName: "SearchFlights"}, true, t0)
	assert.ErrorIs(t, err, ErrPendingToolCall)
	assert.Equal(t, "existing", s.PendingToolCall.ID, "pending call is never overwritten")
}

func TestApplyDecision_Finish(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.Submit(PendingInput{ID: "a"}))
	_, _ = s.NextInput(t0)
	require.NoError(t, s.Accept())
	inv, err := s.ApplyDecision(Decision{Action: ActionFinish, Message: "All done."}, false, t0)
	require.NoError(t, err)
	assert.Nil(t, inv)
	assert.Equal(t, PhaseIdle, s.Phase)

	s.Phase = PhasePlanning
	_, err = s.ApplyDecision(Decision{Action: "dance"}, false, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancel_IsIdempotent(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.Submit(PendingInput{ID: "a"}))
	inv := planTool(t, s, true)

	assert.False(t, s.Cancel("other-id", t0), "mismatched invocation is ignored")
	assert.True(t, s.Cancel(inv.ID, t0))
	historyLen := len(s.History)

	assert.False(t, s.Cancel(inv.ID, t0))
	assert.False(t, s.Confirm(inv.ID))
	assert.Len(t, s.History, historyLen)
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Equal(t, KindCancelled, s.History[historyLen-1].Kind)
}

func TestConfirm_NoPendingIsNoop(t *testing.T) {
	s := newState(t)
	assert.False(t, s.Confirm(""))
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Empty(t, s.History)
}

func TestAtMostOnePendingCall(t *testing.T) {
	s := New("conv-1", "travel", Settings{MaxPendingInputs: 10})
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Submit(PendingInput{ID: fmt.Sprintf("%d", i)}))
	}
	planTool(t, s, true)

	_, ok := s.NextInput(t0)
	assert.False(t, ok, "inputs wait while a call awaits confirmation")
	assert.Len(t, s.PendingInputs, 2)
}

func TestGovernanceStop(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.Submit(PendingInput{ID: "a"}))
	planTool(t, s, false)
	require.NoError(t, s.Submit(PendingInput{ID: "b", Text: "later"}))

	dropped := s.GovernanceStop("payments disabled", t0)

	assert.True(t, s.Ended)
	assert.Equal(t, EndReasonGovernance, s.EndReason)
	assert.Nil(t, s.PendingToolCall)
	assert.Equal(t, PhaseEnded, s.Phase)
	require.Len(t, dropped, 1)
	assert.Equal(t, "later", dropped[0].Text)
	last := s.History[len(s.History)-1]
	assert.Equal(t, KindGovernanceBlocked, last.Kind)
	assert.Contains(t, last.Text, "payments disabled")
}

func TestEnd_RecordsDroppedInputs(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.Submit(PendingInput{ID: "a", Text: "one"}))
	require.NoError(t, s.Submit(PendingInput{ID: "b", Text: "two"}))

	dropped := s.End(EndReasonUser, "Conversation ended.", t0)
	assert.Len(t, dropped, 2)
	assert.Empty(t, s.PendingInputs)

	var droppedMsgs int
	for _, m := range s.History {
		if m.Kind == KindInputDropped {
			droppedMsgs++
		}
	}
	assert.Equal(t, 2, droppedMsgs)

	assert.Nil(t, s.End(EndReasonUser, "again", t0))
	assert.False(t, s.ChangeGoal(catalog.Goal{ID: "other"}, t0))
}

func TestChangeGoal(t *testing.T) {
	s := newState(t)
	s.SetProviderTools(ProviderReady, []catalog.ToolDescriptor{{Name: "search"}})

	ok := s.ChangeGoal(catalog.Goal{ID: "research", StarterMessage: "What should I look into?"}, t0)
	require.True(t, ok)
	assert.Equal(t, "research", s.ActiveGoal)
	assert.Nil(t, s.ProviderTools)
	last := s.History[len(s.History)-1]
	assert.Equal(t, KindGoalChanged, last.Kind)
	assert.Equal(t, "What should I look into?", last.Text)
	assert.Equal(t, 0, s.TurnCount, "system messages do not count as turns")

	assert.False(t, s.ChangeGoal(catalog.Goal{ID: "research"}, t0), "same goal")

	require.NoError(t, s.Submit(PendingInput{ID: "a"}))
	planTool(t, s, true)
	assert.False(t, s.ChangeGoal(catalog.Goal{ID: "travel"}, t0), "only when idle")
}

func TestFail_ReturnsToIdle(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.Submit(PendingInput{ID: "a"}))
	planTool(t, s, false)

	s.Fail("planner unavailable", t0)
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Nil(t, s.PendingToolCall)
	assert.Equal(t, KindError, s.History[len(s.History)-1].Kind)
}

func TestNote_KeepsPhase(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.Submit(PendingInput{ID: "a"}))
	inv := planTool(t, s, true)

	s.Note(KindError, "no goal named nowhere", t0)
	assert.Equal(t, PhaseAwaitingConfirmation, s.Phase)
	assert.Equal(t, inv, s.PendingToolCall)
	assert.Equal(t, 2, s.TurnCount, "system notes are not turns")
}

func TestContinue(t *testing.T) {
	s := New("conv-1", "travel", Settings{ContinuationThreshold: 4, MaxPendingInputs: 10})
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Submit(PendingInput{ID: fmt.Sprintf("%d", i), Text: "hi"}))
		_, _ = s.NextInput(t0)
		require.NoError(t, s.Accept())
		_, err := s.ApplyDecision(Decision{Action: ActionAskQuestion, Message: "hello"}, false, t0)
		require.NoError(t, err)
	}
	require.NoError(t, s.Submit(PendingInput{ID: "queued", Text: "still here"}))

	assert.True(t, s.NeedsContinuation())
	_, ok := s.NextInput(t0)
	assert.False(t, ok, "no input is processed before continuation")

	carry, err := s.Continue("We said hello twice.", t0)
	require.NoError(t, err)

	assert.Len(t, s.History, 1)
	assert.Equal(t, KindSummary, s.History[0].Kind)
	assert.Equal(t, 0, s.TurnCount)
	assert.Equal(t, 1, s.Generation)
	assert.Equal(t, "travel", carry.ActiveGoal)
	require.Len(t, carry.PendingInputs, 1)
	assert.Equal(t, "still here", carry.PendingInputs[0].Text)

	next := Resume("conv-1", carry, s.Settings(), t0)
	assert.Len(t, next.History, 1)
	assert.Equal(t, "We said hello twice.", next.History[0].Text)
	assert.Equal(t, 0, next.TurnCount)
	assert.Equal(t, 1, next.Generation)
	assert.Equal(t, carry.PendingInputs, next.PendingInputs)
	assert.ErrorIs(t, next.Submit(PendingInput{ID: "queued"}), ErrDuplicateInput, "dedup window survives continuation")

	in, ok := next.NextInput(t0)
	require.True(t, ok)
	assert.Equal(t, "still here", in.Text)
	require.NoError(t, next.Accept())
	inv, err := next.ApplyDecision(Decision{Action: ActionProposeTool, ToolName: "SearchFlights"}, false, t0)
	require.NoError(t, err)
	assert.Equal(t, "conv-1-1-1", inv.ID, "invocation ids are unique across generations")
}

func TestContinue_RequiresIdle(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.Submit(PendingInput{ID: "a"}))
	planTool(t, s, true)
	_, err := s.Continue("summary", t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFallbackSummary(t *testing.T) {
	s := newState(t)
	s.History = []Message{
		{Actor: ActorUser, Text: "Book a flight"},
		{Actor: ActorAgent, Text: "Where to?"},
		{Actor: ActorToolResult, Text: "done"},
	}
	summary := s.FallbackSummary()
	assert.Contains(t, summary, "1 user messages")
	assert.Contains(t, summary, `"Book a flight"`)
	assert.Contains(t, summary, `"Where to?"`)
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.Submit(PendingInput{ID: "a", Text: "x"}))
	planTool(t, s, true)

	snap := s.Snapshot()
	snap.PendingToolCall.Arguments["origin"] = "LAX"
	assert.Equal(t, "SFO", s.PendingToolCall.Arguments["origin"])
	assert.Equal(t, PhaseAwaitingConfirmation, snap.Phase)
	assert.NotNil(t, snap.PendingInputs)

	hist := s.HistoryCopy()
	hist[0].Text = "changed"
	assert.NotEqual(t, "changed", s.History[0].Text)
	assert.Len(t, s.RecentHistory(1), 1)
}
