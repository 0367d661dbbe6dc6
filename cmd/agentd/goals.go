package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/toolprovider"
)

func newGoalsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "goals",
		Short: "Print the loaded goal catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cat, err := catalog.Load(cfg.Agent.GoalsFile)
			if err != nil {
				return fmt.Errorf("loading goals: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cat.Goals())
			}
			return printGoals(cmd, cat, cfg.Agent.DefaultGoal)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print goals as JSON")
	return cmd
}

func printGoals(cmd *cobra.Command, cat *catalog.Catalog, defaultGoal string) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTOOLS\tPROVIDER")
	builtins := len(toolprovider.Builtins())
	for _, g := range cat.Goals() {
		id := g.ID
		if id == defaultGoal {
			id += " (default)"
		}
		provider := "-"
		if g.Provider != nil {
			provider = g.Provider.ID
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", id, g.Name, len(g.Tools)+builtins, provider)
	}
	return tw.Flush()
}
