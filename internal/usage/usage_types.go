package usage

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageData is the root structure stored in usage.json.
type UsageData struct {
	Version   string          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds counters broken down by agent, session and day.
type AggregatedStats struct {
	Total     TokenCounts            `json:"total"`
	ByAgent   map[string]TokenCounts `json:"by_agent"`
	BySession map[string]TokenCounts `json:"by_session"`
	ByDay     map[string]TokenCounts `json:"by_day"` // YYYY-MM-DD, UTC
}

// TokenCounts sums one dimension of the ledger.
type TokenCounts struct {
	Messages     int64           `json:"messages"`
	PromptTokens int64           `json:"prompt_tokens"`
	ReplyTokens  int64           `json:"reply_tokens"`
	Total        int64           `json:"total"`
	Credits      decimal.Decimal `json:"credits_est"`
}

// Add counts one exchange.
func (tc *TokenCounts) Add(prompt, reply int, credits decimal.Decimal) {
	tc.Messages++
	tc.PromptTokens += int64(prompt)
	tc.ReplyTokens += int64(reply)
	tc.Total += int64(prompt + reply)
	tc.Credits = tc.Credits.Add(credits)
}
