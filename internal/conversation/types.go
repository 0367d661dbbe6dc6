package conversation

import (
	"time"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
)

// Phase is a state of the conversation machine.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseValidating           Phase = "validating"
	PhasePlanning             Phase = "planning"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseExecuting            Phase = "executing"
	PhaseEnded                Phase = "ended"
)

// Actor identifies who produced a message.
type Actor string

const (
	ActorUser       Actor = "user"
	ActorAgent      Actor = "agent"
	ActorToolResult Actor = "tool_result"
	ActorSystem     Actor = "system"
)

// MessageKind tags system and agent messages for consumers that render them.
type MessageKind string

const (
	KindText              MessageKind = ""
	KindToolProposal      MessageKind = "tool_proposal"
	KindCancelled         MessageKind = "cancelled"
	KindGoalChanged       MessageKind = "goal_changed"
	KindGovernanceBlocked MessageKind = "governance_blocked"
	KindInputDropped      MessageKind = "input_dropped"
	KindError             MessageKind = "error"
	KindSummary           MessageKind = "summary"
	KindEnded             MessageKind = "ended"
)

// EndReason records why a conversation ended.
type EndReason string

const (
	EndReasonNone       EndReason = ""
	EndReasonUser       EndReason = "user"
	EndReasonGovernance EndReason = "governance"
	EndReasonInternal   EndReason = "internal"
)

// Action is the planner's chosen next step.
type Action string

const (
	ActionAskQuestion Action = "ask-question"
	ActionProposeTool Action = "propose-tool"
	ActionFinish      Action = "finish"
)

// ProviderState mirrors the lifecycle of the active goal's tool provider.
type ProviderState string

const (
	ProviderNone     ProviderState = ""
	ProviderStarting ProviderState = "starting"
	ProviderReady    ProviderState = "ready"
	ProviderFailed   ProviderState = "failed"
	ProviderStopped  ProviderState = "stopped"
)

// Message is one entry of conversation history. Messages are never mutated
// after they are appended.
type Message struct {
	Actor Actor          `json:"actor"`
	Kind  MessageKind    `json:"kind,omitempty"`
	Text  string         `json:"text"`
	Tool  string         `json:"tool,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
	At    time.Time      `json:"at"`
}

// PendingInput is a raw user input waiting to be planned.
type PendingInput struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// ToolInvocation is a tool call proposed by the planner. Its ID is the
// idempotency key for execution.
type ToolInvocation struct {
	ID                   string         `json:"id"`
	ToolName             string         `json:"tool_name"`
	Arguments            map[string]any `json:"arguments,omitempty"`
	ProposedAt           time.Time      `json:"proposed_at"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
}

// Decision is the planner's output for one turn.
type Decision struct {
	Action    Action         `json:"action"`
	Message   string         `json:"message"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Outcome is the result of executing a ToolInvocation.
type Outcome struct {
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Kind   string         `json:"kind,omitempty"`
}

// Settings tune a conversation. They are fixed for a workflow run.
type Settings struct {
	ContinuationThreshold int  `json:"continuation_threshold"`
	MaxPendingInputs      int  `json:"max_pending_inputs"`
	ConfirmAll            bool `json:"confirm_all"`
	SeenWindow            int  `json:"seen_window"`
}

// DefaultSettings returns the stock conversation settings.
func DefaultSettings() Settings {
	return Settings{
		ContinuationThreshold: 250,
		MaxPendingInputs:      32,
		SeenWindow:            256,
	}
}

// Carryover is the state handed from one generation to the next.
type Carryover struct {
	Summary       string                   `json:"summary"`
	PendingInputs []PendingInput           `json:"pending_inputs,omitempty"`
	ActiveGoal    string                   `json:"active_goal"`
	SeenInputs    []string                 `json:"seen_inputs,omitempty"`
	Generation    int                      `json:"generation"`
	ProviderTools []catalog.ToolDescriptor `json:"provider_tools,omitempty"`
	ProviderState ProviderState            `json:"provider_state,omitempty"`
}

// Snapshot is a read-only view of State returned by queries.
type Snapshot struct {
	ConversationID  string          `json:"conversation_id"`
	Generation      int             `json:"generation"`
	Phase           Phase           `json:"phase"`
	ActiveGoal      string          `json:"active_goal"`
	PendingInputs   []PendingInput  `json:"pending_inputs"`
	PendingToolCall *ToolInvocation `json:"pending_tool_call,omitempty"`
	TurnCount       int             `json:"turn_count"`
	HistoryLength   int             `json:"history_length"`
	Ended           bool            `json:"ended"`
	EndReason       EndReason       `json:"end_reason,omitempty"`
	ProviderState   ProviderState   `json:"provider_state,omitempty"`
	ProviderTools   []string        `json:"provider_tools,omitempty"`
}
