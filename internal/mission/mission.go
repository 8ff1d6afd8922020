// Package mission gathers the mission control dashboard (stats, agent
// statuses and the activity feed) and the public Hive feed.
package mission

import (
	"context"
	"fmt"
	"time"

	"agenthive/internal/api"
	"agenthive/internal/logging"
	"agenthive/internal/poll"

	"golang.org/x/sync/errgroup"
)

// Backend is the slice of the API mission control reads.
type Backend interface {
	GetMissionStats(ctx context.Context) (*api.MissionStats, error)
	ListAgentStatuses(ctx context.Context) ([]api.AgentStatus, error)
	ListMissionFeed(ctx context.Context) ([]api.FeedEvent, error)
}

// HiveBackend reads the public feed.
type HiveBackend interface {
	ListHiveFeed(ctx context.Context) ([]api.HivePost, error)
}

// Snapshot is one consistent read of the dashboard.
type Snapshot struct {
	Stats     api.MissionStats
	Agents    []api.AgentStatus
	Feed      []api.FeedEvent
	FetchedAt time.Time
}

// Newest returns the timestamp of the most recent feed event. The feed is
// reverse-chronological, so that is the first one.
func (s Snapshot) Newest() time.Time {
	if len(s.Feed) == 0 {
		return time.Time{}
	}
	return s.Feed[0].CreatedAt
}

// Fetch loads stats, agents and feed concurrently. Any failure fails the
// whole snapshot so the view never mixes reads.
func Fetch(ctx context.Context, b Backend) (Snapshot, error) {
	timer := logging.StartTimer(logging.CategoryMission, "mission fetch")
	defer timer.StopWithThreshold(2 * time.Second)

	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats, err := b.GetMissionStats(gctx)
		if err != nil {
			return fmt.Errorf("failed to load mission stats: %w", err)
		}
		snap.Stats = *stats
		return nil
	})
	g.Go(func() error {
		agents, err := b.ListAgentStatuses(gctx)
		if err != nil {
			return fmt.Errorf("failed to load agent statuses: %w", err)
		}
		snap.Agents = agents
		return nil
	})
	g.Go(func() error {
		feed, err := b.ListMissionFeed(gctx)
		if err != nil {
			return fmt.Errorf("failed to load mission feed: %w", err)
		}
		snap.Feed = feed
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	snap.FetchedAt = time.Now()
	return snap, nil
}

// Watch polls the dashboard every interval with new-activity detection.
func Watch(ctx context.Context, b Backend, interval time.Duration, onData func(Snapshot), opts ...poll.Option) *poll.Subscription {
	opts = append([]poll.Option{
		poll.WithName("mission"),
		poll.WithImmediate(),
		poll.WithNewest(Snapshot.Newest),
	}, opts...)
	return poll.Subscribe(ctx, interval, func(ctx context.Context) (Snapshot, error) {
		return Fetch(ctx, b)
	}, onData, opts...)
}

// WatchHive polls the public Hive feed every interval.
func WatchHive(ctx context.Context, b HiveBackend, interval time.Duration, onData func([]api.HivePost), opts ...poll.Option) *poll.Subscription {
	opts = append([]poll.Option{
		poll.WithName("hive"),
		poll.WithImmediate(),
		poll.WithNewest(newestPost),
	}, opts...)
	return poll.Subscribe(ctx, interval, b.ListHiveFeed, onData, opts...)
}

func newestPost(posts []api.HivePost) time.Time {
	if len(posts) == 0 {
		return time.Time{}
	}
	return posts[0].CreatedAt
}

// Unseen returns the posts of next that are not in seen, oldest first, and
// records them in seen.
func Unseen(seen map[string]bool, next []api.HivePost) []api.HivePost {
	var out []api.HivePost
	for i := len(next) - 1; i >= 0; i-- {
		if seen[next[i].ID] {
			continue
		}
		seen[next[i].ID] = true
		out = append(out, next[i])
	}
	return out
}
