// Package poll keeps a view's copy of a server resource fresh by refetching
// a full snapshot on a fixed interval.
//
// A Subscription guarantees that:
//   - a snapshot older than one already delivered is never delivered;
//   - failed fetches are logged and retried on the next tick, never surfaced;
//   - a terminal snapshot ends polling;
//   - Stop (or cancelling the parent context) leaves no timers or goroutines.
package poll

import (
	"context"
	"sync"
	"time"

	"agenthive/internal/logging"
)

// DefaultPulse is how long the "new activity" signal stays on.
const DefaultPulse = 2 * time.Second

// Fetcher loads one authoritative snapshot.
type Fetcher[T any] func(ctx context.Context) (T, error)

type settings struct {
	name       string
	immediate  bool
	pulse      time.Duration
	newest     func(any) time.Time
	terminal   func(any) bool
	onActivity func(active bool)
}

// Option configures a Subscription.
type Option func(*settings)

// WithName labels log lines.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithImmediate fetches once at subscribe time instead of waiting for the
// first tick.
func WithImmediate() Option {
	return func(s *settings) { s.immediate = true }
}

// WithPulse sets how long the activity signal stays on.
func WithPulse(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.pulse = d
		}
	}
}

// WithNewest enables new-activity detection: newest returns the timestamp of
// the most recent item in a snapshot.
func WithNewest[T any](newest func(T) time.Time) Option {
	return func(s *settings) {
		s.newest = func(v any) time.Time { return newest(v.(T)) }
	}
}

// WithTerminal stops the subscription after delivering a snapshot for
// which done returns true.
func WithTerminal[T any](done func(T) bool) Option {
	return func(s *settings) {
		s.terminal = func(v any) bool { return done(v.(T)) }
	}
}

// OnActivity is called with true when new activity is detected and with
// false when the pulse expires.
func OnActivity(fn func(active bool)) Option {
	return func(s *settings) { s.onActivity = fn }
}

// Subscription is a running poll loop.
type Subscription struct {
	cfg    settings
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	// deliverMu serializes staleness checks with onData so deliveries are
	// observed in sequence order.
	deliverMu sync.Mutex

	mu         sync.Mutex
	stopped    bool
	issued     uint64
	applied    uint64
	haveNewest bool
	newest     time.Time
	active     bool
	pulse      *time.Timer
}

// Subscribe starts polling fetch every interval and hands each fresh
// snapshot to onData. onData runs on a poll goroutine and must not call
// Stop on its own subscription.
func Subscribe[T any](ctx context.Context, interval time.Duration, fetch Fetcher[T], onData func(T), opts ...Option) *Subscription {
	cfg := settings{name: "poll", pulse: DefaultPulse}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run(ctx, interval, func(ctx context.Context, seq uint64) {
		v, err := fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logging.Get(logging.CategoryPoll).Debug("%s: fetch #%d failed, retrying next tick: %v", cfg.name, seq, err)
			}
			return
		}
		s.deliver(seq, v, func() { onData(v) })
	})
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
	return s
}

func (s *Subscription) run(ctx context.Context, interval time.Duration, fetch func(context.Context, uint64)) {
	defer s.wg.Done()
	defer s.halt()

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if s.cfg.immediate {
		s.tick(ctx, fetch)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, fetch)
		}
	}
}

// tick launches one fetch. Fetches run concurrently so a slow response
// never delays the next tick; deliver sorts out the ordering.
func (s *Subscription) tick(ctx context.Context, fetch func(context.Context, uint64)) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.issued++
	seq := s.issued
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fetch(ctx, seq)
	}()
}

func (s *Subscription) deliver(seq uint64, v any, onData func()) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if seq < s.applied {
		s.mu.Unlock()
		logging.Get(logging.CategoryPoll).Debug("%s: dropping stale fetch #%d (applied #%d)", s.cfg.name, seq, s.applied)
		return
	}
	s.applied = seq
	fresh := s.observeNewestLocked(v)
	terminal := s.cfg.terminal != nil && s.cfg.terminal(v)
	if terminal {
		// No tick may issue another fetch while onData runs.
		s.haltLocked()
	}
	s.mu.Unlock()

	onData()

	if fresh && s.cfg.onActivity != nil {
		s.cfg.onActivity(true)
	}
	if terminal {
		logging.Get(logging.CategoryPoll).Debug("%s: terminal snapshot, stopping", s.cfg.name)
		s.cancel()
	}
}

// observeNewestLocked compares the snapshot's newest timestamp with the
// previous one and (re)arms the pulse timer when it advanced.
func (s *Subscription) observeNewestLocked(v any) bool {
	if s.cfg.newest == nil {
		return false
	}
	ts := s.cfg.newest(v)
	if !s.haveNewest {
		s.haveNewest = true
		s.newest = ts
		return false
	}
	if !ts.After(s.newest) {
		return false
	}
	s.newest = ts
	s.active = true

	if s.pulse != nil && s.pulse.Stop() {
		s.wg.Done()
	}
	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(s.cfg.pulse, func() {
		defer s.wg.Done()
		s.mu.Lock()
		if s.pulse != timer {
			s.mu.Unlock()
			return
		}
		s.active = false
		s.pulse = nil
		s.mu.Unlock()
		if s.cfg.onActivity != nil {
			s.cfg.onActivity(false)
		}
	})
	s.pulse = timer
	return true
}

// halt marks the subscription stopped and disarms the pulse timer.
func (s *Subscription) halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haltLocked()
}

func (s *Subscription) haltLocked() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.active = false
	if s.pulse != nil && s.pulse.Stop() {
		s.wg.Done()
	}
	s.pulse = nil
}

// Activity reports whether new data arrived within the last pulse window.
func (s *Subscription) Activity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stopped reports whether polling has ended.
func (s *Subscription) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Done is closed once every poll goroutine and timer has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Stop cancels in-flight fetches and waits for teardown. Safe to call more
// than once.
func (s *Subscription) Stop() {
	s.halt()
	s.cancel()
	<-s.done
}
