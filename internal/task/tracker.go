// Package task follows a posted task until it settles and carries the
// buyer's one-shot accept/reject decision on a completed result.
package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"agenthive/internal/api"
	"agenthive/internal/logging"
	"agenthive/internal/poll"

	"golang.org/x/sync/errgroup"
)

// ErrDecisionClosed is returned by Accept and Reject when the task is not
// awaiting review, or a decision is in flight or already recorded.
var ErrDecisionClosed = errors.New("task is not awaiting a decision")

// Backend is the slice of the API the tracker uses.
type Backend interface {
	GetTask(ctx context.Context, taskID string) (*api.Task, error)
	ListTaskEvents(ctx context.Context, taskID string) ([]api.TaskEvent, error)
	AcceptTask(ctx context.Context, taskID string) (*api.Task, error)
	RejectTask(ctx context.Context, taskID, reason string) (*api.Task, error)
}

// IsTerminal reports whether t will not change any more: failed, expired
// and cancelled tasks, and completed tasks the buyer has reviewed.
func IsTerminal(t api.Task) bool {
	switch t.Status {
	case api.TaskFailed, api.TaskExpired, api.TaskCancelled:
		return true
	case api.TaskCompleted:
		return t.BuyerAccepted != nil
	default:
		return false
	}
}

// AwaitingReview reports whether t is completed and undecided.
func AwaitingReview(t api.Task) bool {
	return t.Status == api.TaskCompleted && t.BuyerAccepted == nil
}

// Snapshot is one poll result.
type Snapshot struct {
	Task   api.Task
	Events []api.TaskEvent
}

// View is a copy of the tracker state for rendering.
type View struct {
	Task      api.Task
	Events    []api.TaskEvent
	CanDecide bool
	Deciding  bool
	Error     string
}

// Tracker holds the latest copy of one task.
type Tracker struct {
	backend Backend

	mu        sync.Mutex
	task      api.Task
	events    []api.TaskEvent
	decided   bool
	deciding  bool
	errText   string
	listeners []func(View)
}

// NewTracker starts tracking t.
func NewTracker(backend Backend, t api.Task) *Tracker {
	return &Tracker{backend: backend, task: t}
}

// Load fetches a task and its events.
func Load(ctx context.Context, backend Backend, taskID string) (*Tracker, error) {
	snap, err := fetch(ctx, backend, taskID)
	if err != nil {
		return nil, err
	}
	tr := NewTracker(backend, snap.Task)
	tr.Apply(snap)
	return tr, nil
}

func fetch(ctx context.Context, backend Backend, taskID string) (Snapshot, error) {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := backend.GetTask(gctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", taskID, err)
		}
		snap.Task = *t
		return nil
	})
	g.Go(func() error {
		events, err := backend.ListTaskEvents(gctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to load events of task %s: %w", taskID, err)
		}
		snap.Events = events
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// ID returns the tracked task id.
func (tr *Tracker) ID() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.task.ID
}

// OnUpdate registers fn to receive the state after every applied snapshot.
// Register before Watch.
func (tr *Tracker) OnUpdate(fn func(View)) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.listeners = append(tr.listeners, fn)
}

// Apply replaces the tracked copy with a fresh snapshot.
func (tr *Tracker) Apply(s Snapshot) {
	tr.mu.Lock()
	tr.task = s.Task
	tr.events = append([]api.TaskEvent(nil), s.Events...)
	fns := slices.Clone(tr.listeners)
	tr.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	v := tr.Snapshot()
	for _, fn := range fns {
		fn(v)
	}
}

// Snapshot copies the current state.
func (tr *Tracker) Snapshot() View {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return View{
		Task:      tr.task,
		Events:    append([]api.TaskEvent(nil), tr.events...),
		CanDecide: tr.canDecideLocked(),
		Deciding:  tr.deciding,
		Error:     tr.errText,
	}
}

// CanDecide reports whether Accept or Reject may still be called.
func (tr *Tracker) CanDecide() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.canDecideLocked()
}

func (tr *Tracker) canDecideLocked() bool {
	return !tr.decided && !tr.deciding && AwaitingReview(tr.task)
}

// Accept approves the completed result.
func (tr *Tracker) Accept(ctx context.Context) error {
	return tr.decide(ctx, "accept", func(id string) (*api.Task, error) {
		return tr.backend.AcceptTask(ctx, id)
	})
}

// Reject turns down the completed result.
func (tr *Tracker) Reject(ctx context.Context, reason string) error {
	reason = strings.TrimSpace(reason)
	return tr.decide(ctx, "reject", func(id string) (*api.Task, error) {
		return tr.backend.RejectTask(ctx, id, reason)
	})
}

// decide runs one decision request. It is never retried automatically; a
// failure leaves the task undecided so the buyer may try again.
func (tr *Tracker) decide(ctx context.Context, what string, call func(id string) (*api.Task, error)) error {
	tr.mu.Lock()
	if !tr.canDecideLocked() {
		tr.mu.Unlock()
		return ErrDecisionClosed
	}
	tr.deciding = true
	tr.errText = ""
	id := tr.task.ID
	tr.mu.Unlock()

	log := logging.Get(logging.CategoryTasks).With("task_id", id)
	updated, err := call(id)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.deciding = false
	if err != nil {
		tr.errText = err.Error()
		log.Warn("%s failed: %v", what, err)
		return err
	}
	tr.decided = true
	tr.task = *updated
	log.Info("%s recorded", what)
	return nil
}

// Watch polls the task and its event log every interval until the task is
// terminal.
func Watch(ctx context.Context, tr *Tracker, interval time.Duration, opts ...poll.Option) *poll.Subscription {
	id := tr.ID()
	opts = append([]poll.Option{
		poll.WithName("task:" + id),
		poll.WithTerminal(func(s Snapshot) bool { return IsTerminal(s.Task) }),
		poll.WithNewest(func(s Snapshot) time.Time { return newestEvent(s.Events) }),
	}, opts...)
	return poll.Subscribe(ctx, interval, func(ctx context.Context) (Snapshot, error) {
		return fetch(ctx, tr.backend, id)
	}, tr.Apply, opts...)
}

func newestEvent(events []api.TaskEvent) time.Time {
	var newest time.Time
	for _, e := range events {
		if e.CreatedAt.After(newest) {
			newest = e.CreatedAt
		}
	}
	return newest
}

// Poster creates tasks.
type Poster interface {
	CreateTask(ctx context.Context, t api.NewTask) (*api.Task, error)
}

// Post validates and submits a new task.
func Post(ctx context.Context, p Poster, nt api.NewTask) (*api.Task, error) {
	nt.Title = strings.TrimSpace(nt.Title)
	if nt.Title == "" {
		return nil, errors.New("task title is required")
	}
	if nt.Budget.IsNegative() {
		return nil, errors.New("task budget cannot be negative")
	}
	if nt.Deadline != nil && nt.Deadline.Before(time.Now()) {
		return nil, errors.New("task deadline is in the past")
	}
	t, err := p.CreateTask(ctx, nt)
	if err != nil {
		return nil, fmt.Errorf("failed to post task: %w", err)
	}
	logging.Get(logging.CategoryTasks).Info("posted task %s", t.ID)
	return t, nil
}
