package http

import (
	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/fyrsmithlabs/agentd/internal/conversation"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SubmitRequest is the request body for POST /api/v1/conversations/:id/inputs.
type SubmitRequest struct {
	InputID string `json:"input_id,omitempty"`
	Text    string `json:"text"`
}

// InvocationRequest is the request body for the confirm and cancel routes.
type InvocationRequest struct {
	InvocationID string `json:"invocation_id"`
}

// GoalRequest is the request body for POST /api/v1/conversations/:id/goal.
type GoalRequest struct {
	Goal string `json:"goal"`
}

// EndRequest is the request body for POST /api/v1/conversations/:id/end.
type EndRequest struct {
	Reason string `json:"reason,omitempty"`
}

// StateResponse wraps a conversation snapshot. Error is set when the
// action was refused but the state could still be read.
type StateResponse struct {
	conversation.Snapshot
	Error string `json:"error,omitempty"`
}

// HistoryResponse is the response body for GET /api/v1/conversations/:id/history.
type HistoryResponse struct {
	ConversationID string                 `json:"conversation_id"`
	Messages       []conversation.Message `json:"messages"`
}

// GoalsResponse is the response body for GET /api/v1/goals.
type GoalsResponse struct {
	Goals []catalog.Goal `json:"goals"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
