package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentd/internal/control"
	httpapi "github.com/fyrsmithlabs/agentd/internal/http"
)

func conversationPath(id, suffix string) string {
	return "/api/v1/conversations/" + url.PathEscape(id) + suffix
}

// post sends an action and prints the resulting state.
func post(cmd *cobra.Command, path string, body interface{}) error {
	var resp httpapi.StateResponse
	if err := newClient().do(cmd.Context(), http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	return printJSON(cmd, resp)
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check agentd server health",
		Long: `Check the health status of the agentd HTTP server.

Examples:
  # Check health
  agentctl health

  # Check health on a different server
  agentctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			var resp httpapi.HealthResponse
			if err := newClient().do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", serverURL)
			return nil
		},
	}
}

func newGoalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goals",
		Short: "List available goals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpapi.GoalsResponse
			if err := newClient().do(cmd.Context(), http.MethodGet, "/api/v1/goals", nil, &resp); err != nil {
				return err
			}
			for _, g := range resp.Goals {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", g.ID, g.Description)
			}
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	var req control.StartRequest
	cmd := &cobra.Command{
		Use:   "start [input...]",
		Short: "Start a conversation",
		Long: `Start a conversation, optionally with a first input.

Examples:
  # Start on the default goal
  agentctl start

  # Start on a goal with a first message
  agentctl start --goal travel Book a flight to Paris`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Input = strings.Join(args, " ")
			return post(cmd, "/api/v1/conversations", req)
		},
	}
	cmd.Flags().StringVar(&req.Goal, "goal", "", "goal to start on (default: server default)")
	cmd.Flags().StringVar(&req.ConversationID, "id", "", "conversation id (default: generated)")
	return cmd
}

func newSendCmd() *cobra.Command {
	var inputID string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text...>",
		Short: "Send user input to a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post(cmd, conversationPath(args[0], "/inputs"), httpapi.SubmitRequest{
				InputID: inputID,
				Text:    strings.Join(args[1:], " "),
			})
		},
	}
	cmd.Flags().StringVar(&inputID, "input-id", "", "idempotency key for the input")
	return cmd
}

// pendingInvocation returns the explicit invocation id or, when omitted,
// the conversation's pending tool call.
func pendingInvocation(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 1 {
		return args[1], nil
	}
	var state httpapi.StateResponse
	if err := newClient().do(cmd.Context(), http.MethodGet, conversationPath(args[0], ""), nil, &state); err != nil {
		return "", err
	}
	if state.PendingToolCall == nil {
		return "", fmt.Errorf("conversation %s has no pending tool call", args[0])
	}
	return state.PendingToolCall.ID, nil
}

func newConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <conversation-id> [invocation-id]",
		Short: "Confirm the pending tool call",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := pendingInvocation(cmd, args)
			if err != nil {
				return err
			}
			return post(cmd, conversationPath(args[0], "/confirm"), httpapi.InvocationRequest{InvocationID: id})
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <conversation-id> [invocation-id]",
		Short: "Cancel the pending tool call",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := pendingInvocation(cmd, args)
			if err != nil {
				return err
			}
			return post(cmd, conversationPath(args[0], "/cancel"), httpapi.InvocationRequest{InvocationID: id})
		},
	}
}

func newGoalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goal <conversation-id> <goal-id>",
		Short: "Switch a conversation to another goal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post(cmd, conversationPath(args[0], "/goal"), httpapi.GoalRequest{Goal: args[1]})
		},
	}
}

func newEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <conversation-id> [reason...]",
		Short: "End a conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post(cmd, conversationPath(args[0], "/end"), httpapi.EndRequest{Reason: strings.Join(args[1:], " ")})
		},
	}
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <conversation-id>",
		Short: "Show conversation state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpapi.StateResponse
			if err := newClient().do(cmd.Context(), http.MethodGet, conversationPath(args[0], ""), nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Show conversation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpapi.HistoryResponse
			if err := newClient().do(cmd.Context(), http.MethodGet, conversationPath(args[0], "/history"), nil, &resp); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, resp)
			}
			for _, m := range resp.Messages {
				line := m.Text
				if m.Tool != "" {
					line = fmt.Sprintf("[%s] %s", m.Tool, line)
				}
				if m.Error != "" {
					line += " (error: " + m.Error + ")"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", m.Actor+":", line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}
