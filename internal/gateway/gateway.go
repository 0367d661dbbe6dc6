// Package gateway adapts a completion model into the planner, validator and
// summarizer the conversation workflow calls through activities.
//
// All calls share one rate limiter and carry a per-call timeout. The
// gateway does not retry transport failures; activity retry policies do.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/fyrsmithlabs/agentd/internal/conversation"
)

// PlanRequest is the input to one planning turn.
type PlanRequest struct {
	Goal    catalog.Goal             `json:"goal"`
	History []conversation.Message   `json:"history"`
	Tools   []catalog.ToolDescriptor `json:"tools"`
}

// ValidateRequest is the input to input validation.
type ValidateRequest struct {
	Input         string                 `json:"input"`
	Goal          catalog.Goal           `json:"goal"`
	RecentHistory []conversation.Message `json:"recent_history"`
}

// Validation is the validator's verdict.
type Validation struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Planner chooses the next step of a conversation.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (conversation.Decision, error)
}

// Validator approves or rejects raw user input before planning.
type Validator interface {
	Validate(ctx context.Context, req ValidateRequest) (Validation, error)
}

// Summarizer condenses history for continuation.
type Summarizer interface {
	Summarize(ctx context.Context, goal catalog.Goal, history []conversation.Message) (string, error)
}

// Options tune a Gateway.
type Options struct {
	Temperature       float64
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Gateway implements Planner, Validator and Summarizer on an llms.Model.
type Gateway struct {
	model   llms.Model
	limiter *rate.Limiter
	opts    Options
	logger  *zap.Logger
}

var (
	_ Planner    = (*Gateway)(nil)
	_ Validator  = (*Gateway)(nil)
	_ Summarizer = (*Gateway)(nil)
)

// New creates a Gateway.
func New(model llms.Model, opts Options, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Gateway{
		model:   model,
		limiter: rate.NewLimiter(limit, opts.Burst),
		opts:    opts,
		logger:  logger,
	}
}

func (g *Gateway) complete(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	options = append(options, llms.WithTemperature(g.opts.Temperature))
	resp, err := g.model.GenerateContent(ctx, messages, options...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

// Plan asks the model for the next decision. Output that cannot be parsed
// is sent back once with a correction request before ErrInvalidDecision is
// returned.
func (g *Gateway) Plan(ctx context.Context, req PlanRequest) (conversation.Decision, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, plannerPrompt(req.Goal, req.Tools)),
	}
	messages = append(messages, historyMessages(req.History)...)

	text, err := g.complete(ctx, messages)
	if err != nil {
		return conversation.Decision{}, err
	}
	d, err := parseDecision(text)
	if err == nil {
		return d, nil
	}

	g.logger.Debug("planner output rejected, asking for correction",
		zap.String("goal", req.Goal.ID),
		zap.Error(err))
	messages = append(messages,
		llms.TextParts(llms.ChatMessageTypeAI, text),
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf("That response was not valid (%v). %s", err, decisionFormat)),
	)
	text, err = g.complete(ctx, messages)
	if err != nil {
		return conversation.Decision{}, err
	}
	return parseDecision(text)
}

// Validate asks the model whether input fits the goal.
func (g *Gateway) Validate(ctx context.Context, req ValidateRequest) (Validation, error) {
	if strings.TrimSpace(req.Input) == "" {
		return Validation{Accepted: false, Reason: "Please enter a message."}, nil
	}

	var sb strings.Builder
	sb.WriteString(validationFormat)
	fmt.Fprintf(&sb, "\n\nGoal: %s\n", firstNonEmpty(req.Goal.Description, req.Goal.Name, req.Goal.ID))
	if len(req.RecentHistory) > 0 {
		sb.WriteString("\nRecent conversation:\n")
		sb.WriteString(transcript(req.RecentHistory))
	}

	text, err := g.complete(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, sb.String()),
		llms.TextParts(llms.ChatMessageTypeHuman, req.Input),
	})
	if err != nil {
		return Validation{}, err
	}

	body, err := extractJSON(text)
	if err != nil {
		return Validation{}, fmt.Errorf("parsing validation: %w", err)
	}
	var raw struct {
		Valid    *bool  `json:"valid"`
		Accepted *bool  `json:"accepted"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Validation{}, fmt.Errorf("parsing validation: %w", err)
	}
	switch {
	case raw.Valid != nil:
		return Validation{Accepted: *raw.Valid, Reason: raw.Reason}, nil
	case raw.Accepted != nil:
		return Validation{Accepted: *raw.Accepted, Reason: raw.Reason}, nil
	default:
		return Validation{}, errors.New("parsing validation: missing verdict")
	}
}

// Summarize condenses history into a plain-text summary.
func (g *Gateway) Summarize(ctx context.Context, goal catalog.Goal, history []conversation.Message) (string, error) {
	text, err := g.complete(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, summaryInstruction),
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf("Goal: %s\n\n%s", firstNonEmpty(goal.Description, goal.ID), transcript(history))),
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
