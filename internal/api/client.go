// Package api is the typed HTTP client for the agent marketplace API.
// Every piece of state the hive client shows comes from here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agenthive/internal/logging"

	"github.com/shopspring/decimal"
)

// TokenSource supplies the bearer credential for authenticated calls.
type TokenSource interface {
	Token() string
}

// Client talks to the marketplace REST API.
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.client = h
	}
}

// NewClient creates a client rooted at baseURL. tokens may be nil for
// anonymous access to public resources.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// SESSIONS
// =============================================================================

// CreateSession starts a chat session with an agent.
func (c *Client) CreateSession(ctx context.Context, agentID string) (*Session, error) {
	var s Session
	body := map[string]string{"agent_id": agentID}
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession fetches a session and its message history.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionHistory, error) {
	var h SessionHistory
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListSessions returns the caller's sessions, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a user message and returns it together with the reply.
func (c *Client) SendMessage(ctx context.Context, sessionID, content string) (*SendResult, error) {
	var r SendResult
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/messages", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// TRIAL
// =============================================================================

// SendTrialMessage sends one free trial message to an agent.
func (c *Client) SendTrialMessage(ctx context.Context, agentID, content string) (*TrialReply, error) {
	var r TrialReply
	body := map[string]string{"message": content}
	if err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/trial", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetTrialStatus returns the server's count of trial messages for the caller.
func (c *Client) GetTrialStatus(ctx context.Context, agentID string) (*TrialStatus, error) {
	var s TrialStatus
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/trial", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// =============================================================================
// AGENTS & LICENSING
// =============================================================================

// ListAgents browses the marketplace. An empty query lists everything.
func (c *Client) ListAgents(ctx context.Context, query string) ([]Agent, error) {
	path := "/agents"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	var out []Agent
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAgent fetches one agent profile including its pricing plans.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListPlans returns the pricing plans of an agent.
func (c *Client) ListPlans(ctx context.Context, agentID string) ([]PricingPlan, error) {
	var out []PricingPlan
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/plans", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetLicenseStatus reports whether the caller holds a license for agentID.
func (c *Client) GetLicenseStatus(ctx context.Context, agentID string) (*LicenseStatus, error) {
	var s LicenseStatus
	if err := c.do(ctx, http.MethodGet, "/licenses/status?agent_id="+url.QueryEscape(agentID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PurchaseAccess buys a license for agentID under planID.
func (c *Client) PurchaseAccess(ctx context.Context, agentID, planID string) (*PurchaseResult, error) {
	var r PurchaseResult
	body := map[string]string{"agent_id": agentID, "plan_id": planID}
	if err := c.do(ctx, http.MethodPost, "/licenses/purchase", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// HireAgent hires an agent at its default terms.
func (c *Client) HireAgent(ctx context.Context, agentID string) (*PurchaseResult, error) {
	var r PurchaseResult
	if err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/hire", struct{}{}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// CREDITS
// =============================================================================

// GetBalance fetches the caller's credit balance.
func (c *Client) GetBalance(ctx context.Context) (*CreditBalance, error) {
	var b CreditBalance
	if err := c.do(ctx, http.MethodGet, "/credits/balance", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListPurchases returns the credit purchase history.
func (c *Client) ListPurchases(ctx context.Context) ([]CreditPurchase, error) {
	var out []CreditPurchase
	if err := c.do(ctx, http.MethodGet, "/credits/purchases", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateCheckout opens a hosted checkout for a credit top-up.
func (c *Client) CreateCheckout(ctx context.Context, amount decimal.Decimal) (*CheckoutSession, error) {
	var s CheckoutSession
	body := map[string]decimal.Decimal{"amount": amount}
	if err := c.do(ctx, http.MethodPost, "/credits/checkout", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// =============================================================================
// TASKS
// =============================================================================

// CreateTask posts a new task.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodPost, "/tasks", t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTaskEvents fetches the event log of a task.
func (c *Client) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	var out []TaskEvent
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptTask accepts a completed task's result.
func (c *Client) AcceptTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/accept", struct{}{}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// RejectTask rejects a completed task's result.
func (c *Client) RejectTask(ctx context.Context, taskID, reason string) (*Task, error) {
	var t Task
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/reject", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// MISSION CONTROL & FEEDS
// =============================================================================

// GetMissionStats fetches aggregate mission statistics.
func (c *Client) GetMissionStats(ctx context.Context) (*MissionStats, error) {
	var s MissionStats
	if err := c.do(ctx, http.MethodGet, "/mission/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListAgentStatuses fetches per-agent status rows.
func (c *Client) ListAgentStatuses(ctx context.Context) ([]AgentStatus, error) {
	var out []AgentStatus
	if err := c.do(ctx, http.MethodGet, "/mission/agents", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMissionFeed fetches the mission event feed, newest first.
func (c *Client) ListMissionFeed(ctx context.Context) ([]FeedEvent, error) {
	var out []FeedEvent
	if err := c.do(ctx, http.MethodGet, "/mission/feed", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListHiveFeed fetches the public Hive feed, newest first.
func (c *Client) ListHiveFeed(ctx context.Context) ([]HivePost, error) {
	var out []HivePost
	if err := c.do(ctx, http.MethodGet, "/hive/feed", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

// do performs one JSON round trip. A nil body sends no payload; a nil out
// discards the response body.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	timer := logging.StartTimer(logging.CategoryAPI, method+" "+path)
	defer timer.StopWithThreshold(5 * time.Second)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError turns an error response into *Error. Both {"error": "..."}
// and {"detail": "..."} bodies are understood; anything else becomes the
// raw body text.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &Error{Status: resp.StatusCode}

	var payload struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		apiErr.Code = payload.Code
		switch {
		case payload.Error != "":
			apiErr.Message = payload.Error
		case payload.Detail != "":
			apiErr.Message = payload.Detail
		case payload.Message != "":
			apiErr.Message = payload.Message
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}

	logging.Get(logging.CategoryAPI).Debug("%s %s -> %d %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, apiErr.Message)
	return apiErr
}
