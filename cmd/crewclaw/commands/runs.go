package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// newRunsCmd creates the `crewclaw runs` command group.
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect persisted subagent executions",
		Long: `Query the execution history recorded by the run store.

Examples:
  crewclaw runs list
  crewclaw runs list --days 30
  crewclaw runs prune --days 90`,
	}

	cmd.AddCommand(newRunsListCmd(), newRunsPruneCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			days, _ := cmd.Flags().GetInt("days")
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			records := store.Recent(days)
			if len(records) == 0 {
				fmt.Printf("No executions in the last %d days.\n", days)
				return nil
			}

			for _, rec := range records {
				fmt.Printf("%-10s %-16s %-10s %8s  %s\n",
					rec.ID, rec.Role, rec.Status,
					rec.Duration().Round(100*time.Millisecond),
					rec.Description)
			}
			return nil
		},
	}

	cmd.Flags().Int("days", 7, "how many days back to list")
	return cmd
}

func newRunsPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete execution records older than a cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			days, _ := cmd.Flags().GetInt("days")
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			pruned := store.Prune(days)
			fmt.Printf("Pruned %d records older than %d days.\n", pruned, days)
			return nil
		},
	}

	cmd.Flags().Int("days", 30, "delete records older than this many days")
	return cmd
}

// openStore opens the run store without the rest of the stack.
func openStore(cmd *cobra.Command) (*orchestrator.RunStore, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := buildLogger(cmd, cfg)
	return orchestrator.OpenRunStore(cfg.RunDBPath(), logger)
}
