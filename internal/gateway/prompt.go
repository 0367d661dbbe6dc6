package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/fyrsmithlabs/agentd/internal/conversation"
)

const decisionFormat = `Respond with a single JSON object and nothing else:
{"action": "ask-question" | "propose-tool" | "finish", "message": "<text for the user>", "tool_name": "<tool, only for propose-tool>", "arguments": {<arguments, only for propose-tool>}}
Use propose-tool only with a tool from the list and only when every required argument is known. Otherwise ask a question.`

const validationFormat = `Decide whether the user's message is relevant to the goal below or is a reasonable reply in the conversation so far.
Respond with a single JSON object and nothing else: {"valid": true | false, "reason": "<short explanation for the user when invalid>"}`

const summaryInstruction = `Summarize the conversation below so it can continue without the full history. Keep the user's intent, every fact gathered so far (names, dates, places, ids), tool results that matter and any open question. Respond with plain text, no more than 300 words.`

// plannerPrompt renders the system prompt for a planning turn.
func plannerPrompt(goal catalog.Goal, tools []catalog.ToolDescriptor) string {
	var sb strings.Builder
	if goal.PromptTemplate != "" {
		sb.WriteString(strings.TrimSpace(goal.PromptTemplate))
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Goal: %s\n", firstNonEmpty(goal.Description, goal.Name, goal.ID))

	sb.WriteString("\nAvailable tools:\n")
	if len(tools) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, t := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		for _, a := range t.Arguments {
			req := "optional"
			if a.Required {
				req = "required"
			}
			fmt.Fprintf(&sb, "    %s (%s, %s) %s\n", a.Name, firstNonEmpty(a.Type, "string"), req, a.Description)
		}
	}

	if goal.ExampleTranscript != "" {
		sb.WriteString("\nExample conversation:\n")
		sb.WriteString(strings.TrimSpace(goal.ExampleTranscript))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(decisionFormat)
	return sb.String()
}

// historyMessages maps conversation history onto chat messages.
func historyMessages(history []conversation.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(history))
	for _, m := range history {
		switch m.Actor {
		case conversation.ActorUser:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Text))
		case conversation.ActorAgent:
			out = append(out, llms.TextParts(llms.ChatMessageTypeAI, m.Text))
		case conversation.ActorToolResult:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, toolResultText(m)))
		case conversation.ActorSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, m.Text))
		}
	}
	return out
}

func toolResultText(m conversation.Message) string {
	if m.Error != "" {
		return fmt.Sprintf("Tool %s returned an error: %s", m.Tool, m.Error)
	}
	data, err := json.Marshal(m.Data)
	if err != nil {
		return fmt.Sprintf("Tool %s result: %s", m.Tool, m.Text)
	}
	return fmt.Sprintf("Tool %s result: %s", m.Tool, data)
}

// transcript renders history as plain text.
func transcript(history []conversation.Message) string {
	var sb strings.Builder
	for _, m := range history {
		switch m.Actor {
		case conversation.ActorToolResult:
			fmt.Fprintf(&sb, "%s: %s\n", m.Actor, toolResultText(m))
		default:
			fmt.Fprintf(&sb, "%s: %s\n", m.Actor, m.Text)
		}
	}
	return sb.String()
}
