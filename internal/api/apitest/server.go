// Package apitest is an in-memory fake of the marketplace API for tests.
// It speaks the same JSON routes as the real backend, served by chi.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"agenthive/internal/api"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TrialLimit is the number of free messages per (caller, agent).
const TrialLimit = 3

// Server is a fake marketplace backend.
type Server struct {
	*httptest.Server

	// Token, when non-empty, is required as the bearer credential on
	// every non-public route.
	Token string

	mu        sync.Mutex
	agents    map[string]*api.Agent
	sessions  map[string]*api.Session
	messages  map[string][]api.Message
	trials    map[string]int
	licenses  map[string]*api.License
	balance   decimal.Decimal
	purchases []api.CreditPurchase
	tasks     map[string]*api.Task
	events    map[string][]api.TaskEvent
	stats     api.MissionStats
	statuses  []api.AgentStatus
	feed      []api.FeedEvent
	hive      []api.HivePost

	calls    map[string]int
	failures map[string][]*api.Error
	holds    map[string]chan struct{}
	replyFn  func(content string) string
}

// NewServer starts a fake with one agent ("agent-1") and a zero balance.
// It is closed automatically when the test ends.
func NewServer(tb testing.TB) *Server {
	tb.Helper()
	s := &Server{
		agents:   make(map[string]*api.Agent),
		sessions: make(map[string]*api.Session),
		messages: make(map[string][]api.Message),
		trials:   make(map[string]int),
		licenses: make(map[string]*api.License),
		tasks:    make(map[string]*api.Task),
		events:   make(map[string][]api.TaskEvent),
		calls:    make(map[string]int),
		failures: make(map[string][]*api.Error),
		holds:    make(map[string]chan struct{}),
		replyFn: func(content string) string {
			return "echo: " + content
		},
	}
	s.agents["agent-1"] = &api.Agent{
		ID:          "agent-1",
		Name:        "Research Bee",
		Description: "Summarises papers",
		Creator:     "hive-labs",
		PricePerMsg: decimal.RequireFromString("0.5"),
		Plans: []api.PricingPlan{
			{ID: "plan-basic", Name: "Basic", Price: decimal.NewFromInt(10), MaxMessages: 100, MaxTokens: 50000, DurationDays: 30},
		},
	}
	s.Server = httptest.NewServer(s.routes())
	tb.Cleanup(s.Close)
	return s
}

// Close releases any held requests and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for key, ch := range s.holds {
		close(ch)
		delete(s.holds, key)
	}
	s.mu.Unlock()
	s.Server.Close()
}

// =============================================================================
// TEST CONTROLS
// =============================================================================

// SetBalance replaces the caller's credit balance.
func (s *Server) SetBalance(d decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = d
}

// Balance returns the caller's credit balance.
func (s *Server) Balance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// AddAgent registers another agent.
func (s *Server) AddAgent(a api.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = &a
}

// GrantLicense gives the caller an active license for agentID.
func (s *Server) GrantLicense(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.licenses[agentID] = &api.License{Key: "lic-" + agentID, Status: "active", MaxMessages: 100}
}

// SetTrialUsed sets the server-side trial counter for agentID.
func (s *Server) SetTrialUsed(agentID string, used int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trials[agentID] = used
}

// PutTask stores or replaces a task.
func (s *Server) PutTask(t api.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = &t
}

// Task returns a copy of a stored task.
func (s *Server) Task(id string) (api.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return api.Task{}, false
	}
	return *t, true
}

// AddTaskEvent appends to a task's event log.
func (s *Server) AddTaskEvent(taskID, kind, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[taskID] = append(s.events[taskID], api.TaskEvent{
		ID: uuid.NewString(), TaskID: taskID, Kind: kind, Detail: detail, CreatedAt: time.Now().UTC(),
	})
}

// SetMission replaces the mission snapshot.
func (s *Server) SetMission(stats api.MissionStats, statuses []api.AgentStatus, feed []api.FeedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
	s.statuses = statuses
	s.feed = feed
}

// PushFeed prepends a mission feed event.
func (s *Server) PushFeed(e api.FeedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = append([]api.FeedEvent{e}, s.feed...)
}

// PushHive prepends a post to the public feed.
func (s *Server) PushHive(p api.HivePost) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hive = append([]api.HivePost{p}, s.hive...)
}

// SetReply overrides the assistant reply generator.
func (s *Server) SetReply(fn func(content string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyFn = fn
}

// Messages returns the persisted messages of a session.
func (s *Server) Messages(sessionID string) []api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.Message(nil), s.messages[sessionID]...)
}

// FailNext makes the next request matching "METHOD /path" fail with e.
func (s *Server) FailNext(route string, e *api.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], e)
}

// Hold blocks requests matching route until the returned func is called.
func (s *Server) Hold(route string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[route] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[route] == ch {
				delete(s.holds, route)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

// Calls returns how many requests matched route.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// =============================================================================
// ROUTING
// =============================================================================

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.intercept)

	// Public
	r.Get("/agents", s.listAgents)
	r.Get("/agents/{agentID}", s.getAgent)
	r.Get("/agents/{agentID}/plans", s.listPlans)
	r.Get("/hive/feed", s.listHive)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Post("/sessions", s.createSession)
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{sessionID}", s.getSession)
		r.Post("/sessions/{sessionID}/messages", s.sendMessage)

		r.Get("/agents/{agentID}/trial", s.trialStatus)
		r.Post("/agents/{agentID}/trial", s.sendTrial)
		r.Post("/agents/{agentID}/hire", s.hire)

		r.Get("/licenses/status", s.licenseStatus)
		r.Post("/licenses/purchase", s.purchase)

		r.Get("/credits/balance", s.getBalance)
		r.Get("/credits/purchases", s.listPurchases)
		r.Post("/credits/checkout", s.checkout)

		r.Post("/tasks", s.createTask)
		r.Get("/tasks/{taskID}", s.getTask)
		r.Get("/tasks/{taskID}/events", s.listTaskEvents)
		r.Post("/tasks/{taskID}/accept", s.acceptTask)
		r.Post("/tasks/{taskID}/reject", s.rejectTask)

		r.Get("/mission/stats", s.missionStats)
		r.Get("/mission/agents", s.missionAgents)
		r.Get("/mission/feed", s.missionFeed)
	})
	return r
}

// intercept counts calls, applies holds and injected failures.
func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path

		s.mu.Lock()
		s.calls[route]++
		hold := s.holds[route]
		s.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}

		s.mu.Lock()
		var injected *api.Error
		if q := s.failures[route]; len(q) > 0 {
			injected = q[0]
			s.failures[route] = q[1:]
		}
		s.mu.Unlock()

		if injected != nil {
			status := injected.Status
			if status == 0 {
				status = http.StatusInternalServerError
			}
			writeError(w, status, injected.Code, injected.Message)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, api.CodeUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &api.Error{Code: code, Message: message})
}

func decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []api.Agent{}
	for _, a := range s.agents {
		if q == "" || strings.Contains(strings.ToLower(a.Name+" "+a.Description), q) {
			out = append(out, *a)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[chi.URLParam(r, "agentID")]
	if !ok {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "Agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[chi.URLParam(r, "agentID")]
	if !ok {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "Agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a.Plans)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.licenses[body.AgentID]; !ok {
		writeError(w, http.StatusForbidden, api.CodeNoLicense, "No active license for this agent")
		return
	}
	sess := &api.Session{ID: "sess-" + uuid.NewString()[:8], AgentID: body.AgentID, CreatedAt: time.Now().UTC(), Active: true}
	s.sessions[sess.ID] = sess
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []api.Session{}
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "sessionID")
	sess, ok := s.sessions[id]
	if !ok {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "Session not found")
		return
	}
	msgs := append([]api.Message{}, s.messages[id]...)
	writeJSON(w, http.StatusOK, api.SessionHistory{Session: *sess, Messages: msgs})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "sessionID")
	sess, ok := s.sessions[id]
	if !ok {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "Session not found")
		return
	}
	if _, ok := s.licenses[sess.AgentID]; !ok {
		writeError(w, http.StatusForbidden, api.CodeNoLicense, "No active license for this agent")
		return
	}
	price := decimal.Zero
	if a, ok := s.agents[sess.AgentID]; ok {
		price = a.PricePerMsg
	}
	if s.balance.LessThan(price) {
		writeError(w, http.StatusPaymentRequired, api.CodeInsufficientCredits, "Insufficient credits to send message")
		return
	}
	s.balance = s.balance.Sub(price)

	now := time.Now().UTC()
	user := api.Message{ID: "msg-" + uuid.NewString()[:8], SessionID: id, Role: api.RoleUser, Content: body.Content, CreatedAt: now}
	reply := api.Message{ID: "msg-" + uuid.NewString()[:8], SessionID: id, Role: api.RoleAssistant, Content: s.replyFn(body.Content), TokensUsed: len(body.Content) + 10, CreatedAt: now.Add(time.Millisecond)}
	s.messages[id] = append(s.messages[id], user, reply)
	sess.MessageCount = len(s.messages[id])
	writeJSON(w, http.StatusOK, api.SendResult{UserMessage: user, AssistantMessage: reply})
}

func (s *Server) trialStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := s.trials[chi.URLParam(r, "agentID")]
	writeJSON(w, http.StatusOK, api.TrialStatus{MessagesUsed: used, MessagesRemaining: TrialLimit - used, MaxMessages: TrialLimit})
}

func (s *Server) sendTrial(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	agentID := chi.URLParam(r, "agentID")
	if _, ok := s.agents[agentID]; !ok {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "Agent not found")
		return
	}
	if s.trials[agentID] >= TrialLimit {
		writeError(w, http.StatusForbidden, api.CodeTrialExhausted, "Trial limit reached")
		return
	}
	s.trials[agentID]++
	used := s.trials[agentID]
	writeJSON(w, http.StatusOK, api.TrialReply{Response: s.replyFn(body.Message), MessagesUsed: used, MessagesRemaining: TrialLimit - used})
}

func (s *Server) licenseStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lic, ok := s.licenses[r.URL.Query().Get("agent_id")]
	if !ok {
		writeJSON(w, http.StatusOK, api.LicenseStatus{})
		return
	}
	l := *lic
	writeJSON(w, http.StatusOK, api.LicenseStatus{HasLicense: true, License: &l})
}

// buyLocked charges price and issues a license. Caller holds s.mu.
func (s *Server) buyLocked(w http.ResponseWriter, agentID string, plan *api.PricingPlan, price decimal.Decimal) {
	if s.balance.LessThan(price) {
		writeError(w, http.StatusPaymentRequired, api.CodeInsufficientCredits, "Insufficient credits for this purchase")
		return
	}
	s.balance = s.balance.Sub(price)
	lic := &api.License{Key: "lic-" + uuid.NewString()[:8], Status: "active"}
	if plan != nil {
		lic.PlanID = plan.ID
		lic.MaxMessages = plan.MaxMessages
		lic.MaxTokens = plan.MaxTokens
	}
	lic.ProxyURL = fmt.Sprintf("%s/proxy/%s", s.URL, agentID)
	s.licenses[agentID] = lic
	writeJSON(w, http.StatusOK, api.PurchaseResult{
		LicenseKey:        lic.Key,
		ProxyURL:          lic.ProxyURL,
		SetupInstructions: "Use the license key as a bearer token against the proxy URL.",
	})
}

func (s *Server) hire(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agentID := chi.URLParam(r, "agentID")
	a, ok := s.agents[agentID]
	if !ok {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "Agent not found")
		return
	}
	var plan *api.PricingPlan
	price := decimal.Zero
	if len(a.Plans) > 0 {
		plan = &a.Plans[0]
		price = plan.Price
	}
	s.buyLocked(w, agentID, plan, price)
}

func (s *Server) purchase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		PlanID  string `json:"plan_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[body.AgentID]
	if !ok {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "Agent not found")
		return
	}
	for i := range a.Plans {
		if a.Plans[i].ID == body.PlanID {
			s.buyLocked(w, body.AgentID, &a.Plans[i], a.Plans[i].Price)
			return
		}
	}
	writeError(w, http.StatusNotFound, api.CodeNotFound, "Pricing plan not found")
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, api.CreditBalance{Balance: s.balance, UpdatedAt: time.Now().UTC()})
}

func (s *Server) listPurchases(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]api.CreditPurchase{}, s.purchases...)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &body); err != nil || !body.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "", "amount must be positive")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := "cs_" + uuid.NewString()[:8]
	s.purchases = append(s.purchases, api.CreditPurchase{
		ID: id, Amount: body.Amount, Credits: body.Amount.Mul(decimal.NewFromInt(10)), Status: "pending", CreatedAt: time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, api.CheckoutSession{ID: id, URL: "https://checkout.example.com/" + id})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body api.NewTask
	if err := decode(r, &body); err != nil || body.Title == "" {
		writeError(w, http.StatusBadRequest, "", "title is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &api.Task{
		ID: "task-" + uuid.NewString()[:8], Title: body.Title, Description: body.Description,
		Status: api.TaskPosted, Budget: body.Budget, Deadline: body.Deadline, AgentID: body.AgentID,
		CreatedAt: time.Now().UTC(),
	}
	s.tasks[t.ID] = t
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[chi.URLParam(r, "taskID")]
	if !ok {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listTaskEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]api.TaskEvent{}, s.events[chi.URLParam(r, "taskID")]...)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[chi.URLParam(r, "taskID")]
	if !ok {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "Task not found")
		return
	}
	if t.Status != api.TaskCompleted || t.BuyerAccepted != nil {
		writeError(w, http.StatusConflict, "", "Task result cannot be reviewed in its current state")
		return
	}
	t.BuyerAccepted = &accepted
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) acceptTask(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) rejectTask(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

func (s *Server) missionStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.stats)
}

func (s *Server) missionAgents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]api.AgentStatus{}, s.statuses...)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) missionFeed(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]api.FeedEvent{}, s.feed...)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listHive(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]api.HivePost{}, s.hive...)
	writeJSON(w, http.StatusOK, out)
}
