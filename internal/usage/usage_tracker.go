// Package usage keeps a local ledger of the tokens and credits spent in
// licensed chats, fed from committed sends.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agenthive/internal/api"
	"agenthive/internal/logging"

	"github.com/shopspring/decimal"
)

type contextKey struct{}

// autoSaveDelay debounces writes after Record.
const autoSaveDelay = 5 * time.Second

// Tracker manages usage recording and persistence.
type Tracker struct {
	mu            sync.Mutex
	data          UsageData
	filePath      string
	dirty         bool
	autoSaveTimer *time.Timer
	saveDelay     time.Duration
}

// NewTracker opens (or creates) the ledger at path.
func NewTracker(path string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create usage dir: %w", err)
	}

	t := &Tracker{
		filePath:  path,
		saveDelay: autoSaveDelay,
		data:      UsageData{Version: "1.0", Aggregate: newAggregate()},
	}

	if err := t.Load(); err != nil {
		// A corrupt ledger is not worth failing a chat over.
		logging.Get(logging.CategoryUsage).Warn("ignoring unreadable usage file %s: %v", path, err)
		t.data = UsageData{Version: "1.0", Aggregate: newAggregate()}
	}
	return t, nil
}

func newAggregate() AggregatedStats {
	return AggregatedStats{
		ByAgent:   make(map[string]TokenCounts),
		BySession: make(map[string]TokenCounts),
		ByDay:     make(map[string]TokenCounts),
	}
}

// Load reads the usage data from disk. A missing file is not an error.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	// Ensure maps are initialized if file was empty/partial
	if t.data.Aggregate.ByAgent == nil {
		t.data.Aggregate.ByAgent = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.BySession == nil {
		t.data.Aggregate.BySession = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByDay == nil {
		t.data.Aggregate.ByDay = make(map[string]TokenCounts)
	}
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, t.filePath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	t.dirty = false
	return nil
}

// Record adds one committed exchange with agentID at pricePerMsg.
func (t *Tracker) Record(agentID string, res api.SendResult, pricePerMsg decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prompt := res.UserMessage.TokensUsed
	reply := res.AssistantMessage.TokensUsed
	day := res.AssistantMessage.CreatedAt.UTC().Format("2006-01-02")

	t.data.Aggregate.Total.Add(prompt, reply, pricePerMsg)
	addToMap(t.data.Aggregate.ByAgent, agentID, prompt, reply, pricePerMsg)
	addToMap(t.data.Aggregate.BySession, res.AssistantMessage.SessionID, prompt, reply, pricePerMsg)
	addToMap(t.data.Aggregate.ByDay, day, prompt, reply, pricePerMsg)
	t.data.UpdatedAt = time.Now().UTC()

	logging.Get(logging.CategoryUsage).Debug("recorded %d+%d tokens for %s", prompt, reply, agentID)

	// Debounced auto-save. A failed save stays dirty and is retried by the
	// next Record or by Close.
	t.dirty = true
	if t.autoSaveTimer == nil {
		t.autoSaveTimer = time.AfterFunc(t.saveDelay, func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.autoSaveTimer = nil
			if !t.dirty {
				return
			}
			if err := t.saveLocked(); err != nil {
				logging.Get(logging.CategoryUsage).Error("usage autosave failed: %v", err)
			}
		})
	}
}

// Close flushes pending changes and stops the autosave timer.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.autoSaveTimer != nil {
		t.autoSaveTimer.Stop()
		t.autoSaveTimer = nil
	}
	if !t.dirty {
		return nil
	}
	return t.saveLocked()
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByAgent = copyTokenCountsMap(stats.ByAgent)
	stats.BySession = copyTokenCountsMap(stats.BySession)
	stats.ByDay = copyTokenCountsMap(stats.ByDay)
	return stats
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, prompt, reply int, credits decimal.Decimal) {
	entry := m[key]
	entry.Add(prompt, reply, credits)
	m[key] = entry
}

// Context Helpers

// NewContext returns a new context carrying the tracker.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext retrieves the tracker from the context.
func FromContext(ctx context.Context) *Tracker {
	val := ctx.Value(contextKey{})
	if val == nil {
		return nil
	}
	return val.(*Tracker)
}
