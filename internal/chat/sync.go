package chat

import (
	"context"
	"time"

	"agenthive/internal/api"
	"agenthive/internal/poll"
)

type historySnapshot struct {
	epoch    uint64
	messages []api.Message
}

// Sync keeps p in step with the server's history of its session. The
// epoch is captured before each fetch so a response that started before a
// commit or rollback cannot overwrite it.
func Sync(ctx context.Context, p *Pipeline, interval time.Duration, opts ...poll.Option) *poll.Subscription {
	sessionID := p.SessionID()
	fetch := func(ctx context.Context) (historySnapshot, error) {
		epoch := p.Epoch()
		hist, err := p.backend.GetSession(ctx, sessionID)
		if err != nil {
			return historySnapshot{}, err
		}
		return historySnapshot{epoch: epoch, messages: hist.Messages}, nil
	}
	opts = append([]poll.Option{
		poll.WithName("chat:" + sessionID),
		poll.WithNewest(func(s historySnapshot) time.Time { return newestMessage(s.messages) }),
	}, opts...)
	return poll.Subscribe(ctx, interval, fetch, func(s historySnapshot) {
		p.ApplySnapshot(s.epoch, s.messages)
	}, opts...)
}

func newestMessage(msgs []api.Message) time.Time {
	var newest time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	return newest
}
