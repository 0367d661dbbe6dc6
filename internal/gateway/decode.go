package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/agentd/internal/conversation"
)

type rawDecision struct {
	Action    string         `json:"action"`
	Next      string         `json:"next"`
	Message   string         `json:"message"`
	Response  string         `json:"response"`
	Tool      string         `json:"tool"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Args      map[string]any `json:"args"`
}

// parseDecision extracts a decision from model output. It tolerates code
// fences, surrounding prose and the older {next, response, tool, args} shape.
func parseDecision(text string) (conversation.Decision, error) {
	body, err := extractJSON(text)
	if err != nil {
		return conversation.Decision{}, err
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return conversation.Decision{}, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}

	d := conversation.Decision{
		Action:    normalizeAction(firstNonEmpty(raw.Action, raw.Next)),
		Message:   firstNonEmpty(raw.Message, raw.Response),
		ToolName:  firstNonEmpty(raw.ToolName, raw.Tool),
		Arguments: raw.Arguments,
	}
	if d.Arguments == nil {
		d.Arguments = raw.Args
	}

	switch d.Action {
	case conversation.ActionProposeTool:
		if d.ToolName == "" {
			return conversation.Decision{}, fmt.Errorf("%w: propose-tool without a tool name", ErrInvalidDecision)
		}
	case conversation.ActionAskQuestion, conversation.ActionFinish:
		if d.Message == "" {
			return conversation.Decision{}, fmt.Errorf("%w: %s without a message", ErrInvalidDecision, d.Action)
		}
		d.ToolName = ""
		d.Arguments = nil
	default:
		return conversation.Decision{}, fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, firstNonEmpty(raw.Action, raw.Next))
	}
	return d, nil
}

func normalizeAction(s string) conversation.Action {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", "-", " ", "-").Replace(s)
	switch s {
	case "ask-question", "question", "ask":
		return conversation.ActionAskQuestion
	case "propose-tool", "confirm", "tool", "call-tool", "propose":
		return conversation.ActionProposeTool
	case "finish", "done", "end":
		return conversation.ActionFinish
	}
	return conversation.Action(s)
}

// extractJSON returns the outermost JSON object in text.
func extractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON object in response", ErrInvalidDecision)
	}
	return text[start : end+1], nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
