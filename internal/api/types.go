package api

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// LocalIDPrefix marks client-fabricated message ids. The server never issues
// ids with this prefix.
const LocalIDPrefix = "local_"

// Session is a chat thread between a caller and one agent.
type Session struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"total_messages"`
	Active       bool      `json:"is_active"`
}

// SessionHistory is a session together with its ordered messages.
type SessionHistory struct {
	Session  Session   `json:"session"`
	Messages []Message `json:"messages"`
}

// Message belongs to exactly one Session.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	TokensUsed int       `json:"tokens_used"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsLocal reports whether the message was fabricated by the client.
func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// SendResult is the server's answer to a chat send: the persisted user
// message and the generated assistant reply.
type SendResult struct {
	UserMessage      Message `json:"user_message"`
	AssistantMessage Message `json:"assistant_message"`
}

// TrialReply is the result of one free trial message.
type TrialReply struct {
	Response          string `json:"response"`
	MessagesUsed      int    `json:"messages_used"`
	MessagesRemaining int    `json:"messages_remaining"`
}

// TrialStatus is the server-side trial usage for (agent, caller).
type TrialStatus struct {
	MessagesUsed      int `json:"messages_used"`
	MessagesRemaining int `json:"messages_remaining"`
	MaxMessages       int `json:"max_messages"`
}

// Agent is a marketplace listing.
type Agent struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Creator     string          `json:"creator"`
	Category    string          `json:"category"`
	Rating      float64         `json:"rating"`
	PricePerMsg decimal.Decimal `json:"price_per_message"`
	Plans       []PricingPlan   `json:"plans,omitempty"`
}

// PricingPlan bounds the usage a License grants.
type PricingPlan struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	MaxMessages  int             `json:"max_messages"`
	MaxTokens    int             `json:"max_tokens"`
	DurationDays int             `json:"duration_days"`
}

// License grants a buyer bounded usage of an agent.
type License struct {
	Key          string     `json:"license_key"`
	Status       string     `json:"status"`
	PlanID       string     `json:"plan_id"`
	MessagesUsed int        `json:"messages_used"`
	MaxMessages  int        `json:"max_messages"`
	TokensUsed   int        `json:"tokens_used"`
	MaxTokens    int        `json:"max_tokens"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ProxyURL     string     `json:"proxy_url,omitempty"`
}

// LicenseStatus answers "may this caller use this agent".
type LicenseStatus struct {
	HasLicense bool     `json:"has_license"`
	License    *License `json:"license,omitempty"`
}

// PurchaseResult is returned by hire and purchase.
type PurchaseResult struct {
	LicenseKey        string `json:"license_key"`
	ProxyURL          string `json:"proxy_url"`
	SetupInstructions string `json:"setup_instructions"`
}

// CreditBalance is the caller's server-owned credit scalar.
type CreditBalance struct {
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CreditPurchase is one entry of the purchase history.
type CreditPurchase struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Credits   decimal.Decimal `json:"credits"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// CheckoutSession is a hosted top-up page.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPosted     TaskStatus = "posted"
	TaskAssigned   TaskStatus = "assigned"
	TaskDispatched TaskStatus = "dispatched"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskExpired    TaskStatus = "expired"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is a unit of work posted by a buyer.
type Task struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Status        TaskStatus      `json:"status"`
	Budget        decimal.Decimal `json:"budget"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	Result        string          `json:"result,omitempty"`
	BuyerAccepted *bool           `json:"buyer_accepted"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewTask is the body of a task posting.
type NewTask struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Budget      decimal.Decimal `json:"budget"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
}

// TaskEvent is one entry of a task's event log.
type TaskEvent struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"event_type"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// MissionStats aggregates marketplace activity for the caller.
type MissionStats struct {
	ActiveAgents      int             `json:"active_agents"`
	RunningTasks      int             `json:"running_tasks"`
	CompletedToday    int             `json:"completed_today"`
	CreditsSpentToday decimal.Decimal `json:"credits_spent_today"`
}

// AgentStatus is one row of the mission control agent list.
type AgentStatus struct {
	AgentID     string    `json:"agent_id"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	CurrentTask string    `json:"current_task,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// FeedEvent is an entry of the reverse-chronological mission feed.
type FeedEvent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"event_type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// HivePost is an entry of the public social feed.
type HivePost struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Likes     int       `json:"likes"`
	CreatedAt time.Time `json:"created_at"`
}
