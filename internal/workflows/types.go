// Package workflows runs each conversation as a Temporal workflow.
//
// This file contains the workflow parameters and the activity payloads.
package workflows

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/conversation"
	"github.com/fyrsmithlabs/agentd/internal/toolprovider"
)

// DefaultTaskQueue is the task queue used when none is configured.
const DefaultTaskQueue = "agent-task-queue"

// WorkflowName is the registered name of AgentGoalWorkflow.
const WorkflowName = "AgentGoalWorkflow"

// Settings are fixed for one workflow run and carried across continuations.
type Settings struct {
	Conversation         conversation.Settings `json:"conversation"`
	ToolTimeout          time.Duration         `json:"tool_timeout"`
	ProviderStartTimeout time.Duration         `json:"provider_start_timeout"`
	GovernanceFailClosed bool                  `json:"governance_fail_closed"`
}

// DefaultSettings returns the stock workflow settings.
func DefaultSettings() Settings {
	return Settings{
		Conversation:         conversation.DefaultSettings(),
		ToolTimeout:          30 * time.Second,
		ProviderStartTimeout: 30 * time.Second,
	}
}

// SettingsFromConfig derives workflow settings from the loaded config.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()
	if cfg == nil {
		return s
	}
	if cfg.Agent.ContinuationThreshold > 0 {
		s.Conversation.ContinuationThreshold = cfg.Agent.ContinuationThreshold
	}
	if cfg.Agent.MaxPendingInputs > 0 {
		s.Conversation.MaxPendingInputs = cfg.Agent.MaxPendingInputs
	}
	s.Conversation.ConfirmAll = cfg.Agent.ConfirmAll
	if d := cfg.Agent.ToolTimeout.Duration(); d > 0 {
		s.ToolTimeout = d
	}
	if d := cfg.Providers.StartTimeout.Duration(); d > 0 {
		s.ProviderStartTimeout = d
	}
	s.GovernanceFailClosed = cfg.Governance.Enabled && cfg.Governance.FailMode == config.FailClosed
	return s
}

// Params start one generation of a conversation. Goals is the catalog
// snapshot the conversation runs against; it keeps goal lookups
// deterministic on replay.
type Params struct {
	ConversationID string                  `json:"conversation_id"`
	Goal           string                  `json:"goal"`
	Goals          []catalog.Goal          `json:"goals"`
	Settings       Settings                `json:"settings"`
	Carry          *conversation.Carryover `json:"carry,omitempty"`
}

// Validate checks that all required fields are set.
func (p *Params) Validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("ConversationID is required")
	}
	if len(p.Goals) == 0 {
		return fmt.Errorf("Goals is required")
	}
	goal := p.Goal
	if p.Carry != nil && p.Carry.ActiveGoal != "" {
		goal = p.Carry.ActiveGoal
	}
	for _, g := range p.Goals {
		if g.ID == goal {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", catalog.ErrUnknownGoal, goal)
}

// Result is returned when a conversation ends.
type Result struct {
	State   conversation.Snapshot  `json:"state"`
	History []conversation.Message `json:"history"`
}

// SummarizeInput is the input to SummarizeHistory.
type SummarizeInput struct {
	Goal    catalog.Goal           `json:"goal"`
	History []conversation.Message `json:"history"`
}

// ExecuteToolInput is the input to ExecuteTool. InvocationID is the
// idempotency key.
type ExecuteToolInput struct {
	ConversationID string                `json:"conversation_id"`
	InvocationID   string                `json:"invocation_id"`
	ToolName       string                `json:"tool_name"`
	Arguments      map[string]any        `json:"arguments,omitempty"`
	Provider       *catalog.ProviderSpec `json:"provider,omitempty"`
	Timeout        time.Duration         `json:"timeout"`
}

// ExecuteToolResult is the output of ExecuteTool.
type ExecuteToolResult struct {
	Output map[string]any      `json:"output,omitempty"`
	Origin toolprovider.Origin `json:"origin"`
}

// ProviderInput names a provider and the conversation holding it.
type ProviderInput struct {
	ConversationID string               `json:"conversation_id"`
	Spec           catalog.ProviderSpec `json:"spec"`
}
