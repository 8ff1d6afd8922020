package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"agenthive/internal/api"
	"agenthive/internal/config"
	"agenthive/internal/poll"
	"agenthive/internal/task"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	taskTitle       string
	taskDescription string
	taskBudget      string
	taskDeadline    time.Duration
	taskAgent       string
	taskReason      string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Post and follow tasks",
}

var taskPostCmd = &cobra.Command{
	Use:   "post",
	Short: "Post a new task",
	RunE:  runTaskPost,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task and its event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskWatchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Follow a task until it finishes",
	Long: `Polls the task and its event log until the task reaches a terminal
status (completed, failed, expired or cancelled). Press Ctrl+C to stop early.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskWatch,
}

var taskAcceptCmd = &cobra.Command{
	Use:   "accept <task-id>",
	Short: "Accept a completed task result",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAccept,
}

var taskRejectCmd = &cobra.Command{
	Use:   "reject <task-id>",
	Short: "Reject a completed task result",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskReject,
}

func init() {
	taskPostCmd.Flags().StringVarP(&taskTitle, "title", "t", "", "Task title (required)")
	taskPostCmd.Flags().StringVarP(&taskDescription, "description", "d", "", "Task description")
	taskPostCmd.Flags().StringVar(&taskBudget, "budget", "0", "Budget in credits")
	taskPostCmd.Flags().DurationVar(&taskDeadline, "deadline", 0, "Deadline from now, e.g. 24h")
	taskPostCmd.Flags().StringVar(&taskAgent, "agent", "", "Assign to a specific agent")
	taskRejectCmd.Flags().StringVar(&taskReason, "reason", "", "Why the result is rejected")

	taskCmd.AddCommand(taskPostCmd, taskShowCmd, taskWatchCmd, taskAcceptCmd, taskRejectCmd)
}

func runTaskPost(cmd *cobra.Command, args []string) error {
	budget, err := decimal.NewFromString(taskBudget)
	if err != nil {
		return fmt.Errorf("invalid budget %q: %w", taskBudget, err)
	}
	nt := api.NewTask{
		Title:       taskTitle,
		Description: taskDescription,
		Budget:      budget,
		AgentID:     taskAgent,
	}
	if taskDeadline > 0 {
		d := time.Now().Add(taskDeadline).UTC()
		nt.Deadline = &d
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireLogin(); err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	t, err := task.Post(ctx, a.client, nt)
	if err != nil {
		return describe(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Posted task %s (%s)\n", t.ID, t.Status)
	fmt.Fprintf(cmd.OutOrStdout(), "Run `hive task watch %s` to follow it.\n", t.ID)
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireLogin(); err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	tr, err := task.Load(ctx, a.client, args[0])
	if err != nil {
		return describe(err)
	}
	printTask(cmd.OutOrStdout(), tr.Snapshot())
	return nil
}

func printTask(out io.Writer, v task.View) {
	t := v.Task
	fmt.Fprintln(out, t.Title)
	fmt.Fprintln(out, strings.Repeat("─", 50))
	fmt.Fprintf(out, "ID:     %s\n", t.ID)
	fmt.Fprintf(out, "Status: %s\n", t.Status)
	fmt.Fprintf(out, "Budget: %s credits\n", t.Budget.StringFixed(2))
	if t.AgentID != "" {
		fmt.Fprintf(out, "Agent:  %s\n", t.AgentID)
	}
	if t.Deadline != nil {
		fmt.Fprintf(out, "Due:    %s\n", t.Deadline.Local().Format("2006-01-02 15:04"))
	}
	if t.BuyerAccepted != nil {
		verdict := "rejected"
		if *t.BuyerAccepted {
			verdict = "accepted"
		}
		fmt.Fprintf(out, "Review: %s\n", verdict)
	}
	if t.Result != "" {
		fmt.Fprintf(out, "\nResult:\n%s\n", t.Result)
	}
	if len(v.Events) > 0 {
		fmt.Fprintln(out, "\nEvents:")
		for _, e := range v.Events {
			printEvent(out, e)
		}
	}
	if v.CanDecide {
		fmt.Fprintf(out, "\nAwaiting your review: `hive task accept %s` or `hive task reject %s`.\n", t.ID, t.ID)
	}
}

func printEvent(out io.Writer, e api.TaskEvent) {
	fmt.Fprintf(out, "  %s  %-12s %s\n", e.CreatedAt.Local().Format("15:04:05"), e.Kind, e.Detail)
}

func runTaskWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireLogin(); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	tr, err := task.Load(ctx, a.client, args[0])
	if err != nil {
		return describe(err)
	}
	out := cmd.OutOrStdout()
	first := tr.Snapshot()
	printTask(out, first)
	if settled(first.Task) {
		return nil
	}

	var mu sync.Mutex
	status := first.Task.Status
	seen := make(map[string]bool, len(first.Events))
	for _, e := range first.Events {
		seen[e.ID] = true
	}
	tr.OnUpdate(func(v task.View) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range v.Events {
			if !seen[e.ID] {
				seen[e.ID] = true
				printEvent(out, e)
			}
		}
		if v.Task.Status != status {
			status = v.Task.Status
			fmt.Fprintf(out, "Status: %s\n", status)
		}
	})

	// Reviews go through task accept/reject, so stop once the result is in.
	sub := task.Watch(ctx, tr, cfg.GetPollInterval(config.PollTasks),
		poll.WithTerminal(func(s task.Snapshot) bool { return settled(s.Task) }))
	defer sub.Stop()
	select {
	case <-sub.Done():
	case <-ctx.Done():
		return nil
	}

	final := tr.Snapshot()
	if final.Task.Result != "" {
		fmt.Fprintf(out, "\nResult:\n%s\n", final.Task.Result)
	}
	if final.CanDecide {
		fmt.Fprintf(out, "\nAwaiting your review: `hive task accept %s` or `hive task reject %s`.\n", final.Task.ID, final.Task.ID)
	}
	return nil
}

func settled(t api.Task) bool {
	return task.IsTerminal(t) || task.AwaitingReview(t)
}

func runTaskAccept(cmd *cobra.Command, args []string) error {
	return runTaskDecision(cmd, args[0], func(ctx context.Context, tr *task.Tracker) error {
		return tr.Accept(ctx)
	}, "accepted")
}

func runTaskReject(cmd *cobra.Command, args []string) error {
	return runTaskDecision(cmd, args[0], func(ctx context.Context, tr *task.Tracker) error {
		return tr.Reject(ctx, taskReason)
	}, "rejected")
}

func runTaskDecision(cmd *cobra.Command, taskID string, decide func(context.Context, *task.Tracker) error, verb string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireLogin(); err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	tr, err := task.Load(ctx, a.client, taskID)
	if err != nil {
		return describe(err)
	}
	if !tr.CanDecide() {
		return fmt.Errorf("task %s is not awaiting review (status %s)", taskID, tr.Snapshot().Task.Status)
	}
	if err := decide(ctx, tr); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %s %s.\n", taskID, verb)
	return nil
}
