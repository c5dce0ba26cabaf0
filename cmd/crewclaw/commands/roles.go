package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// newRolesCmd creates the `crewclaw roles` command group.
func newRolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect delegation roles",
		Long: `List and show the agent roles the lead can delegate to: builtins
plus any .md role files under ~/.crewclaw/agents and <workspace>/.crewclaw/agents.

Examples:
  crewclaw roles list
  crewclaw roles show builder`,
	}

	cmd.AddCommand(newRolesListCmd(), newRolesShowCmd())
	return cmd
}

func newRolesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered roles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := loadRegistry(cmd)
			if err != nil {
				return err
			}

			for _, def := range registry.All() {
				tools := "unrestricted"
				if !def.Unrestricted() {
					tools = fmt.Sprintf("%d tools", len(def.Tools))
				}
				fmt.Printf("%-20s %-10s %-14s %s\n", def.Name, def.Source, tools, def.Description)
			}
			return nil
		},
	}
}

func newRolesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <role>",
		Short: "Show one role in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := loadRegistry(cmd)
			if err != nil {
				return err
			}

			def, ok := registry.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown role %q", args[0])
			}

			fmt.Printf("Name:         %s\n", def.Name)
			fmt.Printf("Source:       %s\n", def.Source)
			fmt.Printf("Description:  %s\n", def.Description)
			if def.Model != "" {
				fmt.Printf("Model:        %s\n", def.Model)
			}
			if def.MaxRounds > 0 {
				fmt.Printf("Max rounds:   %d\n", def.MaxRounds)
			}
			fmt.Printf("Fork context: %v\n", def.ForkContext)
			if def.Unrestricted() {
				fmt.Println("Tools:        unrestricted")
			} else {
				fmt.Printf("Tools:        %s\n", strings.Join(def.Tools, ", "))
			}
			if len(def.VisibleAgents) > 0 {
				fmt.Printf("Can delegate: %s\n", strings.Join(def.VisibleAgents, ", "))
			}
			if def.Prompt != "" {
				fmt.Printf("\n%s\n", def.Prompt)
			}
			return nil
		},
	}
}

// loadRegistry builds a registry without the rest of the stack.
func loadRegistry(cmd *cobra.Command) (*orchestrator.AgentRegistry, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := buildLogger(cmd, cfg)

	registry := orchestrator.NewAgentRegistry(logger)
	registry.Reload(cfg.WorkspaceDir())
	return registry, nil
}
