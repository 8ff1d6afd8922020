package usage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agenthive/internal/api"

	"github.com/shopspring/decimal"
)

func exchange(session string, prompt, reply int) api.SendResult {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return api.SendResult{
		UserMessage:      api.Message{ID: "u", SessionID: session, Role: api.RoleUser, TokensUsed: prompt, CreatedAt: at},
		AssistantMessage: api.Message{ID: "a", SessionID: session, Role: api.RoleAssistant, TokensUsed: reply, CreatedAt: at},
	}
}

func TestTracker_RecordAggregatesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "usage.json")
	tracker, err := NewTracker(path)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	// Keep the debounce timer out of the way; Close flushes.
	tracker.saveDelay = time.Hour

	price := decimal.RequireFromString("0.5")
	tracker.Record("agent-1", exchange("sess_1", 10, 5), price)
	tracker.Record("agent-1", exchange("sess_1", 2, 3), price)
	tracker.Record("agent-2", exchange("sess_2", 1, 1), decimal.Zero)

	stats := tracker.Stats()
	if stats.Total.Messages != 3 || stats.Total.Total != 22 {
		t.Fatalf("Total=%+v, want messages=3 total=22", stats.Total)
	}
	if got := stats.ByAgent["agent-1"]; got.Total != 20 || !got.Credits.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("ByAgent[agent-1]=%+v, want total=20 credits=1", got)
	}
	if got := stats.BySession["sess_2"]; got.PromptTokens != 1 || got.ReplyTokens != 1 {
		t.Fatalf("BySession[sess_2]=%+v", got)
	}
	if got := stats.ByDay["2026-03-01"]; got.Messages != 3 {
		t.Fatalf("ByDay=%+v, want 3 messages", got)
	}

	if err := tracker.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read usage.json: %v", err)
	}
	var persisted UsageData
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal usage.json: %v", err)
	}
	if persisted.Aggregate.Total.Total != 22 {
		t.Fatalf("persisted total=%d, want 22", persisted.Aggregate.Total.Total)
	}

	reopened, err := NewTracker(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Stats().ByAgent["agent-1"].Messages; got != 2 {
		t.Fatalf("reopened agent-1 messages=%d, want 2", got)
	}
}

func TestTracker_AutoSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	tracker, err := NewTracker(path)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tracker.saveDelay = 10 * time.Millisecond

	tracker.Record("agent-1", exchange("s", 1, 1), decimal.Zero)

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("usage.json not written by autosave")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestTracker_FailedSaveStaysDirty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.json")
	tracker, err := NewTracker(path)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tracker.saveDelay = time.Hour

	// A directory in the ledger's place makes the rename fail.
	if err := os.MkdirAll(filepath.Join(path, "blocker"), 0755); err != nil {
		t.Fatal(err)
	}
	tracker.Record("agent-1", exchange("s", 4, 2), decimal.Zero)
	if err := tracker.Save(); err == nil {
		t.Fatalf("Save succeeded with a directory in the way")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	if err := os.RemoveAll(path); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := NewTracker(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Stats().Total.Total; got != 6 {
		t.Fatalf("persisted total=%d, want 6", got)
	}
}

func TestTracker_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	tracker, err := NewTracker(path)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if got := tracker.Stats().Total.Messages; got != 0 {
		t.Fatalf("messages=%d, want 0", got)
	}
}

func TestTracker_ContextHelpers(t *testing.T) {
	tracker, err := NewTracker(filepath.Join(t.TempDir(), "usage.json"))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	ctx := NewContext(context.Background(), tracker)
	if got := FromContext(ctx); got != tracker {
		t.Fatalf("FromContext mismatch")
	}
	if got := FromContext(context.Background()); got != nil {
		t.Fatalf("FromContext on empty context = %v, want nil", got)
	}
}
