package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"agenthive/internal/entitlement"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents [query]",
	Short: "List or search marketplace agents",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAgents,
}

var agentCmd = &cobra.Command{
	Use:   "agent <agent-id>",
	Short: "Show an agent profile, its plans and your access",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgent,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List your chat sessions",
	RunE:  runSessions,
}

func runAgents(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	query := ""
	if len(args) == 1 {
		query = args[0]
	}

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	agents, err := a.client.ListAgents(ctx, query)
	if err != nil {
		return describe(err)
	}

	out := cmd.OutOrStdout()
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agents found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tRATING\tPRICE/MSG")
	for _, ag := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\n", ag.ID, ag.Name, ag.Category, ag.Rating, ag.PricePerMsg.StringFixed(2))
	}
	return w.Flush()
}

func runAgent(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	agentID := args[0]

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	ag, err := a.client.GetAgent(ctx, agentID)
	if err != nil {
		return describe(err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, ag.Name)
	fmt.Fprintln(out, strings.Repeat("─", 50))
	if ag.Description != "" {
		fmt.Fprintln(out, ag.Description)
	}
	fmt.Fprintf(out, "Creator:   %s\n", ag.Creator)
	fmt.Fprintf(out, "Category:  %s\n", ag.Category)
	fmt.Fprintf(out, "Rating:    %.1f\n", ag.Rating)
	fmt.Fprintf(out, "Price/msg: %s credits\n", ag.PricePerMsg.StringFixed(2))

	plans := ag.Plans
	if len(plans) == 0 {
		if plans, err = a.client.ListPlans(ctx, agentID); err != nil {
			return describe(err)
		}
	}
	if len(plans) > 0 {
		fmt.Fprintln(out, "\nPlans:")
		for _, p := range plans {
			fmt.Fprintf(out, "  %-12s %-16s %8s credits  %d msgs / %d days\n",
				p.ID, p.Name, p.Price.StringFixed(2), p.MaxMessages, p.DurationDays)
		}
	}

	if !a.auth.LoggedIn() {
		return nil
	}
	m, err := a.machine(ctx, agentID)
	if err != nil {
		return err
	}
	v := m.Snapshot()
	fmt.Fprintln(out)
	switch v.State {
	case entitlement.Licensed, entitlement.Chatting:
		if v.License == nil {
			fmt.Fprintln(out, "Access:    licensed")
			break
		}
		fmt.Fprintf(out, "Access:    licensed (%s)\n", v.License.Key)
		fmt.Fprintf(out, "Usage:     %d/%d messages\n", v.License.MessagesUsed, v.License.MaxMessages)
	case entitlement.TrialExhausted:
		fmt.Fprintf(out, "Access:    trial used up. Run `hive hire %s`.\n", agentID)
	default:
		fmt.Fprintf(out, "Access:    free trial, %d of %d messages left. Run `hive trial %s`.\n",
			v.TrialRemaining, v.TrialMax, agentID)
	}
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireLogin(); err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	sessions, err := a.client.ListSessions(ctx)
	if err != nil {
		return describe(err)
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}
	fmt.Fprintf(out, "Sessions (%d):\n", len(sessions))
	fmt.Fprintln(out, strings.Repeat("─", 50))
	for _, s := range sessions {
		marker := " "
		if s.Active {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s  agent=%s  messages=%d  %s\n",
			marker, s.ID, s.AgentID, s.MessageCount, s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}
