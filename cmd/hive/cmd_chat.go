package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agenthive/cmd/hive/ui"
	"agenthive/internal/api"
	"agenthive/internal/chat"
	"agenthive/internal/config"
	"agenthive/internal/entitlement"
	"agenthive/internal/errclass"
	"agenthive/internal/usage"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	chatSession string
	chatMessage string
	hirePlan    string
)

var chatCmd = &cobra.Command{
	Use:   "chat <agent-id>",
	Short: "Chat with a hired agent",
	Long: `Opens a licensed chat with an agent. Messages appear immediately and are
reconciled with the server once it answers; replies from other devices show
up through background polling.

With --message a single message is sent and the reply printed.`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

var trialCmd = &cobra.Command{
	Use:   "trial <agent-id> [message]",
	Short: "Try an agent for free",
	Long: `Sends free trial messages to an agent. Every agent grants a small
number of trial messages per account; hire the agent to keep going.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTrial,
}

var hireCmd = &cobra.Command{
	Use:   "hire <agent-id>",
	Short: "Hire an agent with credits",
	Args:  cobra.ExactArgs(1),
	RunE:  runHire,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Resume an existing session")
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "Send one message and print the reply")
	hireCmd.Flags().StringVar(&hirePlan, "plan", "", "Purchase a specific pricing plan")
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireLogin(); err != nil {
		return err
	}
	agentID := args[0]

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	setupCtx, cancel := context.WithTimeout(ctx, 2*cfg.GetAPITimeout())
	defer cancel()
	agent, err := a.client.GetAgent(setupCtx, agentID)
	if err != nil {
		return describe(err)
	}
	m, err := a.machine(setupCtx, agentID)
	if err != nil {
		return err
	}
	if s := m.State(); s != entitlement.Licensed && s != entitlement.Chatting {
		return fmt.Errorf("%s\nRun `hive trial %s` to try it or `hive hire %s` to hire it",
			errclass.Describe(&api.Error{Code: api.CodeNoLicense}), agentID, agentID)
	}

	var p *chat.Pipeline
	if chatSession != "" {
		p, err = m.ResumeChat(setupCtx, chatSession)
	} else {
		p, err = m.EnterChat(setupCtx)
	}
	if err != nil {
		return describe(err)
	}
	logger.Info("chat session ready", zap.String("agent", agentID), zap.String("session", p.SessionID()))

	tracker := usageTracker(cmd)
	p.OnCommit(func(res api.SendResult) {
		if tracker != nil {
			tracker.Record(agentID, res, agent.PricePerMsg)
		}
		if _, err := a.credits.Refresh(ctx); err != nil {
			logger.Debug("credit refresh after send failed", zap.Error(err))
		}
	})
	if _, err := a.credits.Refresh(setupCtx); err != nil {
		logger.Debug("initial credit refresh failed", zap.Error(err))
	}

	if chatMessage != "" {
		return sendOnce(ctx, cmd, a, p, chatMessage)
	}
	return runChatTUI(ctx, cmd, a, p, agent.Name)
}

// usageTracker returns the ledger opened by the root command, if any.
func usageTracker(cmd *cobra.Command) *usage.Tracker {
	if ctx := cmd.Context(); ctx != nil {
		return usage.FromContext(ctx)
	}
	return nil
}

// sendOnce pushes one message through the pipeline and prints the reply.
func sendOnce(ctx context.Context, cmd *cobra.Command, a *app, p *chat.Pipeline, content string) error {
	out := cmd.OutOrStdout()
	if err := p.Submit(ctx, content); err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			return err
		}
		v := p.Snapshot()
		switch {
		case v.NeedsTopUp:
			fmt.Fprintln(out, "Run `hive credits topup <amount>` to add credits.")
		case v.Redirect != "":
			fmt.Fprintf(out, "Run `hive hire %s` to regain access.\n", v.AgentID)
		}
		return describe(err)
	}

	v := p.Snapshot()
	if n := len(v.Messages); n > 0 && v.Messages[n-1].Role == api.RoleAssistant {
		fmt.Fprintln(out, v.Messages[n-1].Content)
	}
	if bal, ok := a.credits.Balance(); ok {
		fmt.Fprintf(out, "\n[%s credits left]\n", bal.Balance.StringFixed(2))
	}
	return nil
}

func runChatTUI(ctx context.Context, cmd *cobra.Command, a *app, p *chat.Pipeline, agentName string) error {
	model := ui.NewChatModel(ctx, ui.ChatConfig{
		Pipeline:  p,
		Credits:   a.credits,
		AgentName: agentName,
		Interval:  cfg.GetPollInterval(config.PollMessages),
		Pulse:     cfg.GetActivityPulse(),
		Styles:    a.styles,
	})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	// A logout elsewhere ends the chat.
	remove := a.auth.OnLogout(func() { program.Quit() })
	defer remove()
	if cfg.API.Token == "" {
		if _, err := a.auth.Watch(ctx); err != nil {
			logger.Debug("credential watch disabled", zap.Error(err))
		}
	}

	final, err := program.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("chat UI failed: %w", err)
	}
	if cm, ok := final.(ui.ChatModel); ok && cm.Redirect() != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Access to this agent ended. Run `hive hire %s` to continue.\n", p.Snapshot().AgentID)
	}
	if !a.auth.LoggedIn() {
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
	}
	return nil
}

func runTrial(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireLogin(); err != nil {
		return err
	}
	agentID := args[0]

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	setupCtx, cancel := context.WithTimeout(ctx, 2*cfg.GetAPITimeout())
	defer cancel()
	m, err := a.machine(setupCtx, agentID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch m.State() {
	case entitlement.Licensed, entitlement.Chatting:
		fmt.Fprintf(out, "You already hired this agent. Run `hive chat %s`.\n", agentID)
		return nil
	case entitlement.TrialExhausted:
		return fmt.Errorf("%s\nRun `hive hire %s`",
			errclass.Describe(&api.Error{Code: api.CodeTrialExhausted}), agentID)
	}

	if len(args) > 1 {
		reply, err := m.SendTrial(ctx, strings.Join(args[1:], " "))
		if err != nil {
			if m.State() == entitlement.TrialExhausted {
				fmt.Fprintf(out, "Run `hive hire %s` to keep chatting.\n", agentID)
			}
			return describe(err)
		}
		fmt.Fprintln(out, reply.Response)
		fmt.Fprintf(out, "\n[%d trial messages left]\n", reply.MessagesRemaining)
		if reply.MessagesRemaining == 0 {
			fmt.Fprintf(out, "Trial used up. Run `hive hire %s` to continue.\n", agentID)
		}
		return nil
	}

	name := agentID
	if agent, err := a.client.GetAgent(setupCtx, agentID); err == nil {
		name = agent.Name
	}
	program := tea.NewProgram(ui.NewTrialModel(ctx, m, name, a.styles), tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := program.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("trial UI failed: %w", err)
	}
	if tm, ok := final.(ui.TrialModel); ok && tm.Redirect() != "" {
		fmt.Fprintf(out, "Run `hive hire %s` to keep chatting.\n", agentID)
	}
	return nil
}

func runHire(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireLogin(); err != nil {
		return err
	}
	agentID := args[0]

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	m, err := a.machine(ctx, agentID)
	if err != nil {
		return err
	}

	var res *api.PurchaseResult
	if hirePlan != "" {
		res, err = m.Purchase(ctx, hirePlan)
	} else {
		res, err = m.Hire(ctx)
	}
	out := cmd.OutOrStdout()
	if errors.Is(err, entitlement.ErrAlreadyLicensed) {
		fmt.Fprintf(out, "Already hired. Run `hive chat %s`.\n", agentID)
		return nil
	}
	if err != nil {
		if m.Snapshot().NeedsTopUp {
			fmt.Fprintln(out, "Run `hive credits topup <amount>` to add credits.")
		}
		return describe(err)
	}

	fmt.Fprintf(out, "Hired %s.\n", agentID)
	fmt.Fprintln(out, strings.Repeat("─", 50))
	fmt.Fprintf(out, "License key: %s\n", res.LicenseKey)
	if res.ProxyURL != "" {
		fmt.Fprintf(out, "Proxy URL:   %s\n", res.ProxyURL)
	}
	if res.SetupInstructions != "" {
		fmt.Fprintf(out, "\n%s\n", res.SetupInstructions)
	}
	if bal, ok := a.credits.Balance(); ok {
		fmt.Fprintf(out, "\nBalance: %s credits\n", bal.Balance.StringFixed(2))
	}
	fmt.Fprintf(out, "Run `hive chat %s` to start.\n", agentID)
	return nil
}
