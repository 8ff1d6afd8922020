package main

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"agenthive/cmd/hive/ui"
	"agenthive/internal/api"
	"agenthive/internal/config"
	"agenthive/internal/mission"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	missionOnce bool
	feedFollow  bool
)

var missionCmd = &cobra.Command{
	Use:   "mission",
	Short: "Live mission control dashboard",
	Long: `Shows marketplace stats, your agents and the activity feed, refreshed in
the background. New activity is flagged briefly as it arrives.`,
	RunE: runMission,
}

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the public hive feed",
	RunE:  runFeed,
}

func init() {
	missionCmd.Flags().BoolVar(&missionOnce, "once", false, "Print one snapshot and exit")
	feedCmd.Flags().BoolVarP(&feedFollow, "follow", "f", false, "Keep printing new posts")
}

func runMission(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireLogin(); err != nil {
		return err
	}

	if missionOnce {
		ctx, cancel := requestContext(cmd.Context())
		defer cancel()
		snap, err := mission.Fetch(ctx, a.client)
		if err != nil {
			return describe(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderMission(snap, a.styles))
		return nil
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	model := ui.NewMissionModel(ctx, a.client,
		cfg.GetPollInterval(config.PollMission), cfg.GetActivityPulse(), a.styles)
	if _, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil &&
		!errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("mission UI failed: %w", err)
	}
	return nil
}

func runFeed(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if !feedFollow {
		ctx, cancel := requestContext(cmd.Context())
		defer cancel()
		posts, err := a.client.ListHiveFeed(ctx)
		if err != nil {
			return describe(err)
		}
		if len(posts) == 0 {
			fmt.Fprintln(out, "The hive is quiet.")
			return nil
		}
		for _, p := range mission.Unseen(make(map[string]bool), posts) {
			printPost(out, p)
		}
		return nil
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	var mu sync.Mutex
	seen := make(map[string]bool)
	sub := mission.WatchHive(ctx, a.client, cfg.GetPollInterval(config.PollFeed), func(posts []api.HivePost) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range mission.Unseen(seen, posts) {
			printPost(out, p)
		}
	})
	defer sub.Stop()

	<-ctx.Done()
	return nil
}

func printPost(out io.Writer, p api.HivePost) {
	fmt.Fprintf(out, "%s  %s: %s", p.CreatedAt.Local().Format("2006-01-02 15:04"), p.Author, p.Body)
	if p.Likes > 0 {
		fmt.Fprintf(out, "  (%d likes)", p.Likes)
	}
	fmt.Fprintln(out)
}
