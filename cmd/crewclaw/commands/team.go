package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// newTeamCmd creates the `crewclaw team` command group.
func newTeamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Manage persistent teams",
		Long: `Inspect and manage long-lived teams. Teams created here start
their member loops immediately, exactly as if the lead had created them
with the team_create tool.

Examples:
  crewclaw team list
  crewclaw team create backend --member api:builder:"own the REST layer"
  crewclaw team send backend api "switch to the auth branch"
  crewclaw team delete backend`,
	}

	cmd.AddCommand(
		newTeamListCmd(),
		newTeamShowCmd(),
		newTeamCreateCmd(),
		newTeamSendCmd(),
		newTeamDeleteCmd(),
	)
	return cmd
}

func newTeamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				teams := a.teams.Teams()
				if len(teams) == 0 {
					fmt.Println("No teams. Create one with 'crewclaw team create'.")
					return nil
				}
				for _, t := range teams {
					fmt.Printf("%-20s %2d members  created %s\n",
						t.Name, len(t.Members), t.CreatedAt.Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}
}

func newTeamShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <team>",
		Short: "Show team members and mailboxes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				team, ok := a.teams.Get(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", orchestrator.ErrTeamNotFound, args[0])
				}

				fmt.Printf("Team: %s\n", team.Name)
				if team.Description != "" {
					fmt.Printf("  %s\n", team.Description)
				}
				fmt.Printf("Created: %s\n\n", team.CreatedAt.Format("2006-01-02 15:04"))

				for _, m := range team.Members {
					unread, _ := a.mailboxes.ReadUnread(team.Name, m.Name)
					fmt.Printf("  %-16s role=%-16s unread=%d", m.Name, m.Role, len(unread))
					if m.Heartbeat != "" {
						fmt.Printf("  heartbeat=%q", m.Heartbeat)
					}
					fmt.Println()
				}

				leadBox := a.cfg.Teams.LeadMailbox
				if leadBox == "" {
					leadBox = "team-lead"
				}
				leadMail, _ := a.mailboxes.ReadUnread(team.Name, leadBox)
				if len(leadMail) > 0 {
					fmt.Printf("\nLead mailbox (%d unread):\n", len(leadMail))
					for _, msg := range leadMail {
						fmt.Printf("  [%s] %s: %s\n",
							msg.Timestamp.Format("15:04"), msg.From, msg.Text)
					}
				}
				return nil
			})
		},
	}
}

func newTeamCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <team>",
		Short: "Create a team and start its members",
		Long: `Create a team. Each --member takes name:role[:prompt]; the prompt
defaults to the role's own system prompt.

Example:
  crewclaw team create backend \
    --member api:builder:"own the REST layer" \
    --member qa:explorer:"review every change api makes"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, _ := cmd.Flags().GetStringArray("member")
			desc, _ := cmd.Flags().GetString("description")
			if len(specs) == 0 {
				return fmt.Errorf("at least one --member is required")
			}

			members := make([]orchestrator.TeamMemberSpec, 0, len(specs))
			for _, spec := range specs {
				member, err := parseMemberSpec(spec)
				if err != nil {
					return err
				}
				members = append(members, member)
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				team, err := a.teams.CreateTeam(ctx, args[0], desc, members)
				if err != nil {
					return err
				}
				fmt.Printf("Team %s created with %d members.\n", team.Name, len(team.Members))
				return nil
			})
		},
	}

	cmd.Flags().StringArrayP("member", "M", nil, "member spec name:role[:prompt], repeatable")
	cmd.Flags().StringP("description", "d", "", "team description")
	return cmd
}

func newTeamSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <team> <member> <message>",
		Short: "Send a message to a member's mailbox",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.teams.SendMessage(ctx, args[0], args[1], "operator", args[2]); err != nil {
					return err
				}
				fmt.Printf("Delivered to %s/%s.\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newTeamDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <team>",
		Short: "Disband a team and remove its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.teams.DeleteTeam(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Team %s disbanded.\n", args[0])
				return nil
			})
		},
	}
}

// parseMemberSpec parses name:role[:prompt].
func parseMemberSpec(spec string) (orchestrator.TeamMemberSpec, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return orchestrator.TeamMemberSpec{}, fmt.Errorf("invalid member spec %q, want name:role[:prompt]", spec)
	}
	member := orchestrator.TeamMemberSpec{Name: parts[0], Role: parts[1]}
	if len(parts) == 3 {
		member.Prompt = parts[2]
	}
	return member, nil
}

// withApp builds the stack, runs fn, and tears the stack down.
func withApp(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdown(context.Background())

	return fn(ctx, a)
}
