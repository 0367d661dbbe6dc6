package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/fyrsmithlabs/agentd/internal/conversation"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/workflows"
)

type encodedValue struct{ data []byte }

func (v encodedValue) HasValue() bool { return len(v.data) > 0 }

func (v encodedValue) Get(valuePtr interface{}) error { return json.Unmarshal(v.data, valuePtr) }

type fakeRun struct {
	client.WorkflowRun
	id string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return "run-" + r.id }

type fakeWorkflow struct {
	params  workflows.Params
	snap    conversation.Snapshot
	history []conversation.Message
	signals []workflows.Signal
}

// fakeClient keeps conversations in memory. Signals are recorded but do
// not change the snapshot unless a test does so.
type fakeClient struct {
	mu        sync.Mutex
	workflows map[string]*fakeWorkflow
	queryErr  error
	startErr  error
	starts    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{workflows: map[string]*fakeWorkflow{}}
}

func (f *fakeClient) start(id string, params workflows.Params) {
	f.starts++
	f.workflows[id] = &fakeWorkflow{
		params: params,
		snap: conversation.Snapshot{
			ConversationID: id,
			Phase:          conversation.PhaseIdle,
			ActiveGoal:     params.Goal,
		},
	}
}

func (f *fakeClient) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, _ interface{}, args ...interface{}) (client.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.start(opts.ID, args[0].(workflows.Params))
	return fakeRun{id: opts.ID}, nil
}

func (f *fakeClient) SignalWithStartWorkflow(_ context.Context, id string, _ string, arg interface{},
	opts client.StartWorkflowOptions, _ interface{}, args ...interface{}) (client.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	if _, ok := f.workflows[id]; !ok {
		f.start(opts.ID, args[0].(workflows.Params))
	}
	wf := f.workflows[id]
	wf.signals = append(wf.signals, arg.(workflows.Signal))
	return fakeRun{id: id}, nil
}

func (f *fakeClient) SignalWorkflow(_ context.Context, id string, _ string, _ string, arg interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return serviceerror.NewNotFound("workflow not found")
	}
	wf.signals = append(wf.signals, arg.(workflows.Signal))
	return nil
}

func (f *fakeClient) QueryWorkflow(_ context.Context, id string, _ string, queryType string, _ ...interface{}) (converter.EncodedValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	wf, ok := f.workflows[id]
	if !ok {
		return nil, serviceerror.NewNotFound("workflow not found")
	}
	var v interface{} = wf.snap
	if queryType == workflows.QueryHistory {
		v = wf.history
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return encodedValue{data: data}, nil
}

func (f *fakeClient) workflow(id string) *fakeWorkflow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workflows[id]
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(
		catalog.Goal{ID: "travel", Name: "Travel Agent", Description: "Book trips"},
		catalog.Goal{ID: "research", Name: "Researcher", Description: "Find things out"},
	)
	require.NoError(t, err)
	return cat
}

func newTestService(t *testing.T) (*Service, *fakeClient, *logging.TestLogger) {
	t.Helper()
	fc := newFakeClient()
	logger := logging.NewTestLogger()
	opts := Options{
		TaskQueue:   "test-queue",
		DefaultGoal: "travel",
		Settings:    workflows.DefaultSettings(),
	}
	opts.Settings.Conversation.MaxPendingInputs = 2
	svc, err := NewService(fc, testCatalog(t), opts, logger.Underlying())
	require.NoError(t, err)
	return svc, fc, logger
}

func TestNewService(t *testing.T) {
	cat := testCatalog(t)

	t.Run("defaults", func(t *testing.T) {
		svc, err := NewService(newFakeClient(), cat, Options{}, nil)
		require.NoError(t, err)
		assert.Equal(t, workflows.DefaultTaskQueue, svc.opts.TaskQueue)
		assert.Equal(t, "travel", svc.opts.DefaultGoal, "first declared goal")
		assert.Equal(t, workflows.DefaultSettings(), svc.opts.Settings)
	})

	t.Run("unknown default goal", func(t *testing.T) {
		_, err := NewService(newFakeClient(), cat, Options{DefaultGoal: "nowhere"}, nil)
		assert.ErrorIs(t, err, catalog.ErrUnknownGoal)
	})

	t.Run("requires client", func(t *testing.T) {
		_, err := NewService(nil, cat, Options{}, nil)
		assert.Error(t, err)
	})
}

func TestStart(t *testing.T) {
	ctx := context.Background()

	t.Run("without input", func(t *testing.T) {
		svc, fc, logger := newTestService(t)
		snap, err := svc.Start(ctx, StartRequest{Goal: "research"})
		require.NoError(t, err)
		require.NotEmpty(t, snap.ConversationID)
		assert.Equal(t, "research", snap.ActiveGoal)

		wf := fc.workflow(snap.ConversationID)
		require.NotNil(t, wf)
		assert.Equal(t, "research", wf.params.Goal)
		assert.Len(t, wf.params.Goals, 2)
		assert.Equal(t, 2, wf.params.Settings.Conversation.MaxPendingInputs)
		assert.Empty(t, wf.signals)
		logger.AssertLogged(t, zapcore.InfoLevel, "conversation started")
	})

	t.Run("with input", func(t *testing.T) {
		svc, fc, _ := newTestService(t)
		snap, err := svc.Start(ctx, StartRequest{ConversationID: "conv-1", Input: "  Paris please "})
		require.NoError(t, err)
		assert.Equal(t, "conv-1", snap.ConversationID)
		assert.Equal(t, "travel", snap.ActiveGoal)

		wf := fc.workflow("conv-1")
		require.Len(t, wf.signals, 1)
		assert.Equal(t, workflows.SignalSubmitInput, wf.signals[0].Kind)
		assert.Equal(t, "Paris please", wf.signals[0].Text)
		assert.NotEmpty(t, wf.signals[0].InputID)
	})

	t.Run("unknown goal", func(t *testing.T) {
		svc, fc, _ := newTestService(t)
		_, err := svc.Start(ctx, StartRequest{Goal: "nowhere"})
		assert.ErrorIs(t, err, catalog.ErrUnknownGoal)
		assert.Zero(t, fc.starts)
	})

	t.Run("falls back to the initial state when not queryable", func(t *testing.T) {
		svc, fc, _ := newTestService(t)
		fc.queryErr = errors.New("workflow task not started")
		snap, err := svc.Start(ctx, StartRequest{ConversationID: "conv-2"})
		require.NoError(t, err)
		assert.Equal(t, conversation.PhaseIdle, snap.Phase)
		assert.Equal(t, "travel", snap.ActiveGoal)
	})

	t.Run("client failure", func(t *testing.T) {
		svc, fc, _ := newTestService(t)
		fc.startErr = errors.New("frontend unavailable")
		_, err := svc.Start(ctx, StartRequest{})
		assert.ErrorContains(t, err, "frontend unavailable")
	})
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("starts unknown conversation", func(t *testing.T) {
		svc, fc, _ := newTestService(t)
		snap, err := svc.Submit(ctx, "conv-1", "in-1", "Find me flights")
		require.NoError(t, err)
		assert.Equal(t, "conv-1", snap.ConversationID)
		assert.Equal(t, 1, fc.starts)

		wf := fc.workflow("conv-1")
		require.Len(t, wf.signals, 1)
		assert.Equal(t, workflows.SubmitInput("in-1", "Find me flights"), wf.signals[0])
	})

	t.Run("signals running conversation", func(t *testing.T) {
		svc, fc, _ := newTestService(t)
		_, err := svc.Start(ctx, StartRequest{ConversationID: "conv-1"})
		require.NoError(t, err)

		_, err = svc.Submit(ctx, "conv-1", "", "hello")
		require.NoError(t, err)
		assert.Equal(t, 1, fc.starts)
		wf := fc.workflow("conv-1")
		require.Len(t, wf.signals, 1)
		assert.NotEmpty(t, wf.signals[0].InputID, "input id is generated")
	})

	t.Run("saturated queue", func(t *testing.T) {
		svc, fc, logger := newTestService(t)
		_, err := svc.Start(ctx, StartRequest{ConversationID: "conv-1"})
		require.NoError(t, err)
		fc.workflow("conv-1").snap.PendingInputs = []conversation.PendingInput{{ID: "a"}, {ID: "b"}}

		snap, err := svc.Submit(ctx, "conv-1", "in-3", "one more")
		assert.ErrorIs(t, err, conversation.ErrInputQueueSaturated)
		assert.Len(t, snap.PendingInputs, 2)
		assert.Empty(t, fc.workflow("conv-1").signals)
		logger.AssertLogged(t, zapcore.WarnLevel, "queue saturated")
	})

	t.Run("ended conversation", func(t *testing.T) {
		svc, fc, _ := newTestService(t)
		_, err := svc.Start(ctx, StartRequest{ConversationID: "conv-1"})
		require.NoError(t, err)
		wf := fc.workflow("conv-1")
		wf.snap.Ended = true
		wf.snap.EndReason = conversation.EndReasonUser

		_, err = svc.Submit(ctx, "conv-1", "in-1", "hello?")
		assert.ErrorIs(t, err, conversation.ErrConversationEnded)
		assert.Empty(t, wf.signals)
		assert.Equal(t, 1, fc.starts, "an ended conversation is not restarted")
	})

	t.Run("blank text", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.Submit(ctx, "conv-1", "in-1", "   ")
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("query failure", func(t *testing.T) {
		svc, fc, _ := newTestService(t)
		fc.queryErr = errors.New("deadline exceeded")
		_, err := svc.Submit(ctx, "conv-1", "in-1", "hello")
		assert.ErrorContains(t, err, "deadline exceeded")
		assert.Zero(t, fc.starts)
	})
}

func TestSignals(t *testing.T) {
	ctx := context.Background()
	svc, fc, _ := newTestService(t)
	_, err := svc.Start(ctx, StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, "conv-1", "conv-1-0-1")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, "conv-1", "conv-1-0-2")
	require.NoError(t, err)
	_, err = svc.ChangeGoal(ctx, "conv-1", "research")
	require.NoError(t, err)
	snap, err := svc.End(ctx, "conv-1", "done")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", snap.ConversationID)

	assert.Equal(t, []workflows.Signal{
		workflows.Confirm("conv-1-0-1"),
		workflows.Cancel("conv-1-0-2"),
		workflows.ChangeGoal("research"),
		workflows.EndConversation("done"),
	}, fc.workflow("conv-1").signals)
}

func TestSignalErrors(t *testing.T) {
	ctx := context.Background()
	svc, fc, _ := newTestService(t)
	_, err := svc.Start(ctx, StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)

	_, err = svc.ChangeGoal(ctx, "conv-1", "nowhere")
	assert.ErrorIs(t, err, catalog.ErrUnknownGoal)

	_, err = svc.Confirm(ctx, "conv-1", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Cancel(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = svc.End(ctx, "", "done")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Empty(t, fc.workflow("conv-1").signals)
}

func TestStateAndHistory(t *testing.T) {
	ctx := context.Background()
	svc, fc, _ := newTestService(t)
	_, err := svc.Start(ctx, StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)
	fc.workflow("conv-1").history = []conversation.Message{
		{Actor: conversation.ActorUser, Text: "hi"},
	}

	history, err := svc.History(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Text)

	_, err = svc.State(ctx, "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = svc.History(ctx, "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	assert.Len(t, svc.Goals(), 2)
}
