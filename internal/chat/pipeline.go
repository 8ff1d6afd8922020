// Package chat implements the optimistic message pipeline for one chat
// session: a sent message shows up immediately under a temporary id and is
// either swapped for the persisted pair or rolled back with a classified
// inline error.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"agenthive/internal/api"
	"agenthive/internal/errclass"
	"agenthive/internal/logging"

	"github.com/google/uuid"
)

var (
	// ErrEmptyMessage is returned by Submit for blank input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSendInFlight is returned by Submit while a previous send is pending.
	ErrSendInFlight = errors.New("a message is already being sent")
)

// SendState is the lifecycle of the current send operation.
type SendState int

const (
	StateIdle SendState = iota
	StatePending
	StateCommitted
	StateRolledBack
)

func (s SendState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "idle"
	}
}

// Backend is the slice of the marketplace API the pipeline needs.
type Backend interface {
	SendMessage(ctx context.Context, sessionID, content string) (*api.SendResult, error)
	GetSession(ctx context.Context, sessionID string) (*api.SessionHistory, error)
}

// View is an immutable copy of the pipeline state for rendering.
type View struct {
	SessionID    string
	AgentID      string
	Messages     []api.Message
	Input        string
	Sending      bool
	InputFocused bool
	State        SendState
	Epoch        uint64

	// Error is the inline error from the last rollback, if any.
	Error      string
	ErrorClass errclass.Class
	// NeedsTopUp asks the view to offer a credit top-up.
	NeedsTopUp bool
	// Redirect is a navigation target (the agent's hire page) set when the
	// caller lost access.
	Redirect string
}

// Pipeline owns the message list of one session.
type Pipeline struct {
	backend Backend

	mu           sync.Mutex
	session      api.Session
	messages     []api.Message
	input        string
	sending      bool
	inputFocused bool
	state        SendState
	epoch        uint64
	pending      *api.Message
	// ids already listed when pending was submitted
	pendingBase  map[string]bool
	errText      string
	errClass     errclass.Class
	needsTopUp   bool
	redirect     string

	obsMu     sync.Mutex
	nextObs   int
	observers map[int]func(View)
	onCommit  []func(api.SendResult)
}

// New builds a pipeline for session seeded with history.
func New(backend Backend, session api.Session, history []api.Message) *Pipeline {
	return &Pipeline{
		backend:      backend,
		session:      session,
		messages:     append([]api.Message(nil), history...),
		inputFocused: true,
		observers:    make(map[int]func(View)),
	}
}

// Open loads an existing session and its history.
func Open(ctx context.Context, backend Backend, sessionID string) (*Pipeline, error) {
	hist, err := backend.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return New(backend, hist.Session, hist.Messages), nil
}

// Observe registers fn to receive a View after every state change.
func (p *Pipeline) Observe(fn func(View)) (cancel func()) {
	p.obsMu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.obsMu.Unlock()
	return func() {
		p.obsMu.Lock()
		delete(p.observers, id)
		p.obsMu.Unlock()
	}
}

// OnCommit registers fn to run after each successful send.
func (p *Pipeline) OnCommit(fn func(api.SendResult)) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.onCommit = append(p.onCommit, fn)
}

func (p *Pipeline) notify() {
	v := p.Snapshot()
	p.obsMu.Lock()
	fns := make([]func(View), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.obsMu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// SetInput replaces the composer text.
func (p *Pipeline) SetInput(s string) {
	p.mu.Lock()
	p.input = s
	p.mu.Unlock()
}

// SetFocus records whether the composer has focus.
func (p *Pipeline) SetFocus(focused bool) {
	p.mu.Lock()
	p.inputFocused = focused
	p.mu.Unlock()
}

// ClearRedirect acknowledges a pending navigation.
func (p *Pipeline) ClearRedirect() {
	p.mu.Lock()
	p.redirect = ""
	p.mu.Unlock()
}

// Epoch returns the current pipeline epoch. A poll fetch captures it when
// it starts and hands it back to ApplySnapshot.
func (p *Pipeline) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// SessionID returns the id of the session this pipeline belongs to.
func (p *Pipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.ID
}

// Snapshot copies the current state.
func (p *Pipeline) Snapshot() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return View{
		SessionID:    p.session.ID,
		AgentID:      p.session.AgentID,
		Messages:     append([]api.Message(nil), p.messages...),
		Input:        p.input,
		Sending:      p.sending,
		InputFocused: p.inputFocused,
		State:        p.state,
		Epoch:        p.epoch,
		Error:        p.errText,
		ErrorClass:   p.errClass,
		NeedsTopUp:   p.needsTopUp,
		Redirect:     p.redirect,
	}
}

// Submit sends content through the optimistic pipeline. It blocks until
// the server answers; observers see the temporary message right away.
func (p *Pipeline) Submit(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	p.mu.Lock()
	if p.sending {
		p.mu.Unlock()
		return ErrSendInFlight
	}
	temp := api.Message{
		ID:        newLocalID(),
		SessionID: p.session.ID,
		Role:      api.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	p.pendingBase = make(map[string]bool, len(p.messages))
	for _, m := range p.messages {
		p.pendingBase[m.ID] = true
	}
	p.messages = append(p.messages, temp)
	p.pending = &temp
	p.input = ""
	p.sending = true
	p.state = StatePending
	p.errText = ""
	p.errClass = errclass.Generic
	p.needsTopUp = false
	p.redirect = ""
	sessionID := p.session.ID
	p.mu.Unlock()
	p.notify()

	defer func() {
		p.mu.Lock()
		p.sending = false
		p.inputFocused = true
		p.mu.Unlock()
		p.notify()
	}()

	log := logging.Get(logging.CategoryChat).With("session_id", sessionID)
	log.Debug("submit %s (%d chars)", temp.ID, len(content))

	res, err := p.backend.SendMessage(ctx, sessionID, content)
	if err != nil {
		p.rollback(temp.ID, content, err)
		return err
	}
	p.commit(temp.ID, *res)
	return nil
}

// commit swaps the temporary message for the persisted pair in place.
func (p *Pipeline) commit(tempID string, res api.SendResult) {
	p.mu.Lock()
	// A poll may already have merged the persisted pair.
	kept := removeID(removeID(p.messages, res.UserMessage.ID), res.AssistantMessage.ID)
	pair := []api.Message{res.UserMessage, res.AssistantMessage}
	if at := indexOf(kept, tempID); at >= 0 {
		kept = append(kept[:at], append(pair, kept[at+1:]...)...)
	} else {
		kept = append(kept, pair...)
	}
	p.messages = kept
	p.pending = nil
	p.pendingBase = nil
	p.state = StateCommitted
	p.epoch++
	p.session.MessageCount += 2
	p.mu.Unlock()

	logging.Get(logging.CategoryChat).Debug("committed %s as %s/%s", tempID, res.UserMessage.ID, res.AssistantMessage.ID)

	p.obsMu.Lock()
	hooks := slices.Clone(p.onCommit)
	p.obsMu.Unlock()
	for _, fn := range hooks {
		fn(res)
	}
}

// rollback removes the temporary message and records the classified error.
func (p *Pipeline) rollback(tempID, content string, err error) {
	class := errclass.Classify(err)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.messages = removeID(p.messages, tempID)
	p.pending = nil
	p.pendingBase = nil
	p.state = StateRolledBack
	p.epoch++
	p.errClass = class
	p.errText = errclass.Describe(err)

	switch class {
	case errclass.OutOfCredits:
		p.needsTopUp = true
	case errclass.Entitlement:
		p.redirect = HirePath(p.session.AgentID)
	}
	if class.Retryable() || class == errclass.Canceled {
		p.input = content
	}

	logging.Get(logging.CategoryChat).Warn("rolled back %s (%s): %v", tempID, class, err)
}

// ApplySnapshot merges a polled history fetched at epoch. Snapshots older
// than the last commit or rollback are ignored. The in-flight temporary
// message, if any, is kept at the end unless the snapshot already carries
// its persisted copy.
func (p *Pipeline) ApplySnapshot(epoch uint64, msgs []api.Message) bool {
	p.mu.Lock()
	if epoch < p.epoch {
		p.mu.Unlock()
		logging.Get(logging.CategoryChat).Debug("ignoring snapshot from epoch %d (now %d)", epoch, p.epoch)
		return false
	}
	next := make([]api.Message, 0, len(msgs)+1)
	next = append(next, msgs...)
	if p.pending != nil && !p.persistedLocked(msgs) {
		next = append(next, *p.pending)
	}
	p.messages = next
	p.mu.Unlock()
	p.notify()
	return true
}

// persistedLocked reports whether msgs holds a user message that is new
// since the pending send started and has the same content.
func (p *Pipeline) persistedLocked(msgs []api.Message) bool {
	for _, m := range msgs {
		if m.Role == api.RoleUser && !p.pendingBase[m.ID] && m.Content == p.pending.Content {
			return true
		}
	}
	return false
}

// HirePath is the navigation target for an agent's hire page.
func HirePath(agentID string) string {
	return "/agents/" + agentID + "/hire"
}

func removeID(msgs []api.Message, id string) []api.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func indexOf(msgs []api.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func newLocalID() string {
	return fmt.Sprintf("%s%d_%s", api.LocalIDPrefix, time.Now().UnixNano(), uuid.NewString()[:8])
}
