// Package control is the caller-facing surface over running conversations.
//
// Every call goes through the Temporal client: inputs and decisions are
// delivered as signals on the conversation channel and state is read back
// through the workflow's queries. Boundary errors (unknown conversation,
// unknown goal, saturated queue, bad request) are returned as sentinels so
// transports can map them onto status codes.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/fyrsmithlabs/agentd/internal/conversation"
	"github.com/fyrsmithlabs/agentd/internal/workflows"
)

var (
	// ErrConversationNotFound is returned when no workflow exists for an ID.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrInvalidRequest is returned for malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")
)

// WorkflowClient is the part of client.Client the service uses.
type WorkflowClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	SignalWithStartWorkflow(ctx context.Context, workflowID string, signalName string, signalArg interface{},
		options client.StartWorkflowOptions, workflow interface{}, workflowArgs ...interface{}) (client.WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID string, runID string, signalName string, arg interface{}) error
	QueryWorkflow(ctx context.Context, workflowID string, runID string, queryType string, args ...interface{}) (converter.EncodedValue, error)
}

// Options configure a Service.
type Options struct {
	TaskQueue   string
	DefaultGoal string
	Settings    workflows.Settings
}

// StartRequest opens a conversation. Empty fields take defaults: a fresh
// uuid, the default goal and no initial input.
type StartRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Goal           string `json:"goal,omitempty"`
	Input          string `json:"input,omitempty"`
}

// Service delivers caller actions to conversation workflows.
type Service struct {
	client  WorkflowClient
	catalog *catalog.Catalog
	opts    Options
	logger  *zap.Logger
}

// NewService creates a Service. The default goal must exist in the catalog.
func NewService(c WorkflowClient, cat *catalog.Catalog, opts Options, logger *zap.Logger) (*Service, error) {
	if c == nil {
		return nil, fmt.Errorf("workflow client is required")
	}
	if cat == nil || cat.Len() == 0 {
		return nil, fmt.Errorf("goal catalog is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TaskQueue == "" {
		opts.TaskQueue = workflows.DefaultTaskQueue
	}
	if opts.DefaultGoal == "" {
		opts.DefaultGoal = cat.Goals()[0].ID
	}
	if !cat.Has(opts.DefaultGoal) {
		return nil, fmt.Errorf("default goal %q: %w", opts.DefaultGoal, catalog.ErrUnknownGoal)
	}
	if opts.Settings.Conversation.MaxPendingInputs == 0 {
		opts.Settings = workflows.DefaultSettings()
	}
	return &Service{client: c, catalog: cat, opts: opts, logger: logger}, nil
}

// Goals lists the catalog.
func (s *Service) Goals() []catalog.Goal {
	return s.catalog.Goals()
}

// Start opens a conversation and returns its first snapshot.
func (s *Service) Start(ctx context.Context, req StartRequest) (conversation.Snapshot, error) {
	id := strings.TrimSpace(req.ConversationID)
	if id == "" {
		id = uuid.NewString()
	}
	goal := req.Goal
	if goal == "" {
		goal = s.opts.DefaultGoal
	}
	if !s.catalog.Has(goal) {
		return conversation.Snapshot{}, fmt.Errorf("goal %q: %w", goal, catalog.ErrUnknownGoal)
	}

	params := s.params(id, goal)
	var err error
	if text := strings.TrimSpace(req.Input); text != "" {
		_, err = s.client.SignalWithStartWorkflow(ctx, id, workflows.SignalChannel,
			workflows.SubmitInput(uuid.NewString(), text), s.startOptions(id), workflows.WorkflowName, params)
	} else {
		_, err = s.client.ExecuteWorkflow(ctx, s.startOptions(id), workflows.WorkflowName, params)
	}
	if err != nil {
		return conversation.Snapshot{}, fmt.Errorf("failed to start conversation %s: %w", id, err)
	}
	s.logger.Info("conversation started", zap.String("conversation.id", id), zap.String("goal", goal))
	return s.stateOrInitial(ctx, id, goal), nil
}

// Submit delivers user input. The first input for an unknown conversation
// starts it on the default goal. An empty inputID is replaced with a uuid;
// callers that retry should pass their own so redelivery is deduplicated.
func (s *Service) Submit(ctx context.Context, id, inputID, text string) (conversation.Snapshot, error) {
	text = strings.TrimSpace(text)
	if id == "" || text == "" {
		return conversation.Snapshot{}, fmt.Errorf("%w: conversation id and text are required", ErrInvalidRequest)
	}
	if inputID == "" {
		inputID = uuid.NewString()
	}
	sig := workflows.SubmitInput(inputID, text)

	snap, err := s.State(ctx, id)
	switch {
	case errors.Is(err, ErrConversationNotFound):
		_, err = s.client.SignalWithStartWorkflow(ctx, id, workflows.SignalChannel, sig,
			s.startOptions(id), workflows.WorkflowName, s.params(id, s.opts.DefaultGoal))
		if err != nil {
			return conversation.Snapshot{}, fmt.Errorf("failed to start conversation %s: %w", id, err)
		}
		s.logger.Info("conversation started by input", zap.String("conversation.id", id))
		return s.stateOrInitial(ctx, id, s.opts.DefaultGoal), nil
	case err != nil:
		return conversation.Snapshot{}, err
	case snap.Ended:
		return snap, fmt.Errorf("%w: %s", conversation.ErrConversationEnded, snap.EndReason)
	case len(snap.PendingInputs) >= s.opts.Settings.Conversation.MaxPendingInputs:
		s.logger.Warn("input rejected, queue saturated",
			zap.String("conversation.id", id),
			zap.Int("pending", len(snap.PendingInputs)))
		return snap, conversation.ErrInputQueueSaturated
	}

	return s.signal(ctx, id, sig)
}

// Confirm approves the pending tool call.
func (s *Service) Confirm(ctx context.Context, id, invocationID string) (conversation.Snapshot, error) {
	if invocationID == "" {
		return conversation.Snapshot{}, fmt.Errorf("%w: invocation id is required", ErrInvalidRequest)
	}
	return s.signal(ctx, id, workflows.Confirm(invocationID))
}

// Cancel rejects the pending tool call.
func (s *Service) Cancel(ctx context.Context, id, invocationID string) (conversation.Snapshot, error) {
	if invocationID == "" {
		return conversation.Snapshot{}, fmt.Errorf("%w: invocation id is required", ErrInvalidRequest)
	}
	return s.signal(ctx, id, workflows.Cancel(invocationID))
}

// ChangeGoal switches the active goal.
func (s *Service) ChangeGoal(ctx context.Context, id, goalID string) (conversation.Snapshot, error) {
	if goalID == "" {
		return conversation.Snapshot{}, fmt.Errorf("%w: goal is required", ErrInvalidRequest)
	}
	if !s.catalog.Has(goalID) {
		return conversation.Snapshot{}, fmt.Errorf("goal %q: %w", goalID, catalog.ErrUnknownGoal)
	}
	return s.signal(ctx, id, workflows.ChangeGoal(goalID))
}

// End closes the conversation.
func (s *Service) End(ctx context.Context, id, reason string) (conversation.Snapshot, error) {
	return s.signal(ctx, id, workflows.EndConversation(reason))
}

// State returns the current snapshot.
func (s *Service) State(ctx context.Context, id string) (conversation.Snapshot, error) {
	var snap conversation.Snapshot
	if err := s.query(ctx, id, workflows.QueryState, &snap); err != nil {
		return conversation.Snapshot{}, err
	}
	return snap, nil
}

// History returns the message history of the current generation.
func (s *Service) History(ctx context.Context, id string) ([]conversation.Message, error) {
	var history []conversation.Message
	if err := s.query(ctx, id, workflows.QueryHistory, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (s *Service) signal(ctx context.Context, id string, sig workflows.Signal) (conversation.Snapshot, error) {
	if id == "" {
		return conversation.Snapshot{}, fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}
	if err := s.client.SignalWorkflow(ctx, id, "", workflows.SignalChannel, sig); err != nil {
		if isNotFound(err) {
			return conversation.Snapshot{}, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return conversation.Snapshot{}, fmt.Errorf("failed to signal conversation %s: %w", id, err)
	}
	s.logger.Debug("signal delivered",
		zap.String("conversation.id", id),
		zap.String("kind", string(sig.Kind)))
	return s.State(ctx, id)
}

func (s *Service) query(ctx context.Context, id, queryType string, out interface{}) error {
	if id == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}
	val, err := s.client.QueryWorkflow(ctx, id, "", queryType)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return fmt.Errorf("failed to query %s of conversation %s: %w", queryType, id, err)
	}
	if err := val.Get(out); err != nil {
		return fmt.Errorf("failed to decode %s of conversation %s: %w", queryType, id, err)
	}
	return nil
}

// stateOrInitial queries a conversation that was just started. The first
// workflow task may not have run yet, so a failed query falls back to the
// state the workflow starts in.
func (s *Service) stateOrInitial(ctx context.Context, id, goal string) conversation.Snapshot {
	snap, err := s.State(ctx, id)
	if err == nil {
		return snap
	}
	s.logger.Debug("state not yet queryable", zap.String("conversation.id", id), zap.Error(err))
	return conversation.Snapshot{
		ConversationID: id,
		Phase:          conversation.PhaseIdle,
		ActiveGoal:     goal,
	}
}

func (s *Service) params(id, goal string) workflows.Params {
	return workflows.Params{
		ConversationID: id,
		Goal:           goal,
		Goals:          s.catalog.Goals(),
		Settings:       s.opts.Settings,
	}
}

func (s *Service) startOptions(id string) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: s.opts.TaskQueue,
	}
}

func isNotFound(err error) bool {
	var nf *serviceerror.NotFound
	return errors.As(err, &nf)
}
