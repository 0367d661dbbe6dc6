package toolprovider

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
)

// Built-in tool names.
const (
	ToolListGoals  = "list_goals"
	ToolChangeGoal = "change_goal"
)

// NativeFunc implements a tool in-process.
type NativeFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Builtins returns the descriptors of the tools every goal gets.
func Builtins() []catalog.ToolDescriptor {
	return []catalog.ToolDescriptor{
		{
			Name:        ToolListGoals,
			Description: "List the goals (agents) the user can switch to.",
		},
		{
			Name:        ToolChangeGoal,
			Description: "Switch the conversation to another goal.",
			Arguments: []catalog.Argument{
				{Name: "goal_id", Type: "string", Description: "ID of the goal to switch to", Required: true},
			},
			RequiresConfirmation: true,
		},
	}
}

// IsBuiltin reports whether name is a built-in tool.
func IsBuiltin(name string) bool {
	return name == ToolListGoals || name == ToolChangeGoal
}

// RegisterBuiltins installs the built-in tools backed by cat.
func RegisterBuiltins(r *Registry, cat *catalog.Catalog) {
	r.RegisterNative(ToolListGoals, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		goals := make([]map[string]any, 0, cat.Len())
		for _, g := range cat.Goals() {
			goals = append(goals, map[string]any{
				"id":          g.ID,
				"name":        g.Name,
				"description": g.Description,
			})
		}
		return map[string]any{"goals": goals}, nil
	})

	r.RegisterNative(ToolChangeGoal, func(_ context.Context, args map[string]any) (map[string]any, error) {
		id, _ := args["goal_id"].(string)
		if id == "" {
			return nil, &ExecutionError{Tool: ToolChangeGoal, Message: "goal_id is required"}
		}
		goal, err := cat.Goal(id)
		if err != nil {
			return nil, &ExecutionError{Tool: ToolChangeGoal, Message: fmt.Sprintf("no goal named %q", id)}
		}
		return map[string]any{"goal_id": goal.ID, "starter_message": goal.StarterMessage}, nil
	})
}
