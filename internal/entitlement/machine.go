// Package entitlement tracks what a caller may do with one agent: try it
// for free, hire it, or chat under a license. Trial counts always come
// from the server; the machine never increments them locally.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"agenthive/internal/api"
	"agenthive/internal/chat"
	"agenthive/internal/errclass"
	"agenthive/internal/logging"
)

// DefaultTrialLimit is the number of free messages per agent.
const DefaultTrialLimit = 3

var (
	// ErrTrialUnavailable is returned by SendTrial once the trial is used up
	// or the caller already holds a license.
	ErrTrialUnavailable = errors.New("trial is not available")
	// ErrAlreadyLicensed is returned by Hire and Purchase for licensed callers.
	ErrAlreadyLicensed = errors.New("already licensed for this agent")
	// ErrNotLicensed is returned by EnterChat without a license.
	ErrNotLicensed = errors.New("a license is required to chat")
	// ErrBusy is returned while another request of the machine is running.
	ErrBusy = errors.New("another request is in progress")
)

// State of the (agent, caller) pair.
type State int

const (
	NoEntitlement State = iota
	Trialing
	TrialExhausted
	Licensed
	Chatting
)

func (s State) String() string {
	switch s {
	case Trialing:
		return "trialing"
	case TrialExhausted:
		return "trial_exhausted"
	case Licensed:
		return "licensed"
	case Chatting:
		return "chatting"
	default:
		return "no_entitlement"
	}
}

// licensed states are never downgraded.
func (s State) licensed() bool {
	return s == Licensed || s == Chatting
}

// Backend is the slice of the API the machine drives.
type Backend interface {
	chat.Backend
	GetLicenseStatus(ctx context.Context, agentID string) (*api.LicenseStatus, error)
	GetTrialStatus(ctx context.Context, agentID string) (*api.TrialStatus, error)
	SendTrialMessage(ctx context.Context, agentID, content string) (*api.TrialReply, error)
	HireAgent(ctx context.Context, agentID string) (*api.PurchaseResult, error)
	PurchaseAccess(ctx context.Context, agentID, planID string) (*api.PurchaseResult, error)
	ListPlans(ctx context.Context, agentID string) ([]api.PricingPlan, error)
	CreateSession(ctx context.Context, agentID string) (*api.Session, error)
}

// BalanceRefresher is satisfied by credits.Cache.
type BalanceRefresher interface {
	Refresh(ctx context.Context) (api.CreditBalance, error)
}

// TrialExchange is one prompt/reply pair of a trial conversation.
type TrialExchange struct {
	Prompt string
	Reply  string
}

// View is a copy of the machine state for rendering.
type View struct {
	AgentID        string
	State          State
	TrialUsed      int
	TrialRemaining int
	TrialMax       int
	Transcript     []TrialExchange
	Input          string
	InputDisabled  bool
	Busy           bool
	Error          string
	ErrorClass     errclass.Class
	NeedsTopUp     bool
	Redirect       string
	License        *api.License
	Purchase       *api.PurchaseResult
}

// Option configures a Machine.
type Option func(*Machine)

// WithCredits refreshes the shared balance after a hire or purchase.
func WithCredits(r BalanceRefresher) Option {
	return func(m *Machine) { m.credits = r }
}

// WithTrialLimit overrides the trial size used until the server reports one.
func WithTrialLimit(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.trialMax = n
		}
	}
}

// Machine is the entitlement state machine for one agent.
type Machine struct {
	backend Backend
	credits BalanceRefresher
	agentID string

	mu             sync.Mutex
	state          State
	trialUsed      int
	trialRemaining int
	trialMax       int
	transcript     []TrialExchange
	input          string
	busy           bool
	errText        string
	errClass       errclass.Class
	needsTopUp     bool
	redirect       string
	license        *api.License
	purchase       *api.PurchaseResult
}

// New creates a machine in NoEntitlement. Call Load to sync with the server.
func New(backend Backend, agentID string, opts ...Option) *Machine {
	m := &Machine{
		backend:        backend,
		agentID:        agentID,
		trialMax:       DefaultTrialLimit,
		trialRemaining: DefaultTrialLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.trialRemaining = m.trialMax
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot copies the current state.
func (m *Machine) Snapshot() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return View{
		AgentID:        m.agentID,
		State:          m.state,
		TrialUsed:      m.trialUsed,
		TrialRemaining: m.trialRemaining,
		TrialMax:       m.trialMax,
		Transcript:     append([]TrialExchange(nil), m.transcript...),
		Input:          m.input,
		InputDisabled:  m.state == TrialExhausted || m.busy,
		Busy:           m.busy,
		Error:          m.errText,
		ErrorClass:     m.errClass,
		NeedsTopUp:     m.needsTopUp,
		Redirect:       m.redirect,
		License:        m.license,
		Purchase:       m.purchase,
	}
}

// SetInput replaces the trial composer text.
func (m *Machine) SetInput(s string) {
	m.mu.Lock()
	m.input = s
	m.mu.Unlock()
}

// ClearRedirect acknowledges a pending navigation.
func (m *Machine) ClearRedirect() {
	m.mu.Lock()
	m.redirect = ""
	m.mu.Unlock()
}

// Load derives the state from the server: an active license first, then
// the server's trial counters.
func (m *Machine) Load(ctx context.Context) error {
	log := logging.Get(logging.CategoryEntitlement).With("agent_id", m.agentID)

	status, err := m.backend.GetLicenseStatus(ctx, m.agentID)
	if err != nil {
		return fmt.Errorf("failed to load license status: %w", err)
	}
	if status.HasLicense {
		m.mu.Lock()
		if !m.state.licensed() {
			m.state = Licensed
		}
		m.license = status.License
		m.mu.Unlock()
		log.Info("license active")
		return nil
	}

	trial, err := m.backend.GetTrialStatus(ctx, m.agentID)
	if err != nil {
		return fmt.Errorf("failed to load trial status: %w", err)
	}

	m.mu.Lock()
	if trial.MaxMessages > 0 {
		m.trialMax = trial.MaxMessages
	}
	m.adoptTrialLocked(trial.MessagesUsed, trial.MessagesRemaining)
	state := m.state
	m.mu.Unlock()

	log.Info("trial %d/%d used, state %s", trial.MessagesUsed, trial.MaxMessages, state)
	return nil
}

// adoptTrialLocked takes the server's counters verbatim.
func (m *Machine) adoptTrialLocked(used, remaining int) {
	m.trialUsed = used
	m.trialRemaining = remaining
	if m.state.licensed() {
		return
	}
	switch {
	case remaining <= 0 || used >= m.trialMax:
		m.state = TrialExhausted
	case used > 0:
		m.state = Trialing
	default:
		m.state = NoEntitlement
	}
}

// SendTrial sends one free message.
func (m *Machine) SendTrial(ctx context.Context, content string) (*api.TrialReply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, chat.ErrEmptyMessage
	}

	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	if (m.state != NoEntitlement && m.state != Trialing) || m.trialUsed >= m.trialMax {
		m.mu.Unlock()
		return nil, ErrTrialUnavailable
	}
	m.busy = true
	m.input = ""
	m.clearErrorLocked()
	m.mu.Unlock()

	reply, err := m.backend.SendTrialMessage(ctx, m.agentID, content)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false

	log := logging.Get(logging.CategoryEntitlement).With("agent_id", m.agentID)
	if err != nil {
		class := m.setErrorLocked(err)
		switch class {
		case errclass.Exhausted:
			if !m.state.licensed() {
				m.state = TrialExhausted
			}
			m.trialUsed = m.trialMax
			m.trialRemaining = 0
		case errclass.Entitlement:
			m.redirect = chat.HirePath(m.agentID)
		}
		if class.Retryable() || class == errclass.Canceled {
			m.input = content
		}
		log.Warn("trial send failed (%s): %v", class, err)
		return nil, err
	}

	m.transcript = append(m.transcript, TrialExchange{Prompt: content, Reply: reply.Response})
	m.adoptTrialLocked(reply.MessagesUsed, reply.MessagesRemaining)
	log.Info("trial reply, %d remaining", reply.MessagesRemaining)
	return reply, nil
}

// Plans lists the agent's pricing plans.
func (m *Machine) Plans(ctx context.Context) ([]api.PricingPlan, error) {
	plans, err := m.backend.ListPlans(ctx, m.agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}

// Hire licenses the agent at its default terms.
func (m *Machine) Hire(ctx context.Context) (*api.PurchaseResult, error) {
	return m.acquire(ctx, "hire", func() (*api.PurchaseResult, error) {
		return m.backend.HireAgent(ctx, m.agentID)
	})
}

// Purchase licenses the agent under planID.
func (m *Machine) Purchase(ctx context.Context, planID string) (*api.PurchaseResult, error) {
	return m.acquire(ctx, "purchase "+planID, func() (*api.PurchaseResult, error) {
		return m.backend.PurchaseAccess(ctx, m.agentID, planID)
	})
}

func (m *Machine) acquire(ctx context.Context, what string, do func() (*api.PurchaseResult, error)) (*api.PurchaseResult, error) {
	m.mu.Lock()
	if m.state.licensed() {
		m.mu.Unlock()
		return nil, ErrAlreadyLicensed
	}
	if m.busy {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.busy = true
	m.clearErrorLocked()
	m.mu.Unlock()

	log := logging.Get(logging.CategoryEntitlement).With("agent_id", m.agentID)
	res, err := do()

	m.mu.Lock()
	m.busy = false
	if err != nil {
		class := m.setErrorLocked(err)
		if class == errclass.OutOfCredits {
			m.needsTopUp = true
		}
		m.mu.Unlock()
		log.Warn("%s failed (%s): %v", what, class, err)
		return nil, err
	}
	m.state = Licensed
	m.purchase = res
	m.redirect = ChatPath(m.agentID)
	m.mu.Unlock()
	log.Info("%s succeeded, license %s", what, res.LicenseKey)

	if m.credits != nil {
		if _, err := m.credits.Refresh(ctx); err != nil {
			log.Warn("credit refresh after %s failed: %v", what, err)
		}
	}
	return res, nil
}

// EnterChat opens a fresh licensed session and returns its pipeline.
func (m *Machine) EnterChat(ctx context.Context) (*chat.Pipeline, error) {
	if !m.State().licensed() {
		return nil, ErrNotLicensed
	}
	sess, err := m.backend.CreateSession(ctx, m.agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	m.enterChatting()
	logging.Get(logging.CategoryEntitlement).Info("chatting with %s in session %s", m.agentID, sess.ID)
	return chat.New(m.backend, *sess, nil), nil
}

// ResumeChat reopens an existing session of this agent.
func (m *Machine) ResumeChat(ctx context.Context, sessionID string) (*chat.Pipeline, error) {
	if !m.State().licensed() {
		return nil, ErrNotLicensed
	}
	p, err := chat.Open(ctx, m.backend, sessionID)
	if err != nil {
		return nil, err
	}
	if agent := p.Snapshot().AgentID; agent != m.agentID {
		return nil, fmt.Errorf("session %s belongs to agent %s", sessionID, agent)
	}
	m.enterChatting()
	return p, nil
}

func (m *Machine) enterChatting() {
	m.mu.Lock()
	m.state = Chatting
	m.redirect = ""
	m.mu.Unlock()
}

func (m *Machine) clearErrorLocked() {
	m.errText = ""
	m.errClass = errclass.Generic
	m.needsTopUp = false
	m.redirect = ""
}

func (m *Machine) setErrorLocked(err error) errclass.Class {
	m.errClass = errclass.Classify(err)
	m.errText = errclass.Describe(err)
	return m.errClass
}

// ChatPath is the navigation target for an agent's chat view.
func ChatPath(agentID string) string {
	return "/agents/" + agentID + "/chat"
}
