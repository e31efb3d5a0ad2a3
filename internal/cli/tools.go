package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List registered tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, eng, _, err := setup()
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		tools := eng.Registry().List()
		sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })

		fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-14s %-10s %s\n", "ID", "CATEGORY", "RISK", "DESCRIPTION")
		for _, def := range tools {
			fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-14s %-10s %s\n",
				def.ID, def.Category, def.RiskLevel, def.Description)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, eng, _, err := setup()
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		stats := eng.Statistics()
		fmt.Fprintf(cmd.OutOrStdout(), "tools: %d\n", stats.TotalTools)
		for cat, n := range stats.ToolsByCategory {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d\n", cat, n)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "executions: %d (completed %d, failed %d)\n",
			stats.TotalExecutions, stats.Completed, stats.Failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(statsCmd)
}
