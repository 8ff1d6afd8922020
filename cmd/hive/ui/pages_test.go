package ui

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agenthive/internal/api"
	"agenthive/internal/api/apitest"
	"agenthive/internal/chat"
	"agenthive/internal/credits"
	"agenthive/internal/entitlement"
	"agenthive/internal/mission"
	"agenthive/internal/usage"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runUntil executes cmd (flattening batches) and returns the first message
// accepted by match.
func runUntil[T tea.Msg](t *testing.T, cmd tea.Cmd) (T, bool) {
	t.Helper()
	var zero T
	if cmd == nil {
		return zero, false
	}
	switch msg := cmd().(type) {
	case T:
		return msg, true
	case tea.BatchMsg:
		for _, c := range msg {
			if got, ok := runUntil[T](t, c); ok {
				return got, true
			}
		}
	}
	return zero, false
}

func newChatPage(t *testing.T) (ChatModel, *apitest.Server) {
	t.Helper()
	srv := apitest.NewServer(t)
	srv.GrantLicense("agent-1")
	srv.SetBalance(decimal.NewFromInt(3))
	client := api.NewClient(srv.URL, nil, 5*time.Second)

	sess, err := client.CreateSession(context.Background(), "agent-1")
	require.NoError(t, err)
	cache := credits.NewCache(client)
	_, err = cache.Refresh(context.Background())
	require.NoError(t, err)

	m := NewChatModel(context.Background(), ChatConfig{
		Pipeline:  chat.New(client, *sess, nil),
		Credits:   cache,
		AgentName: "Research Bee",
		Interval:  time.Hour,
		Pulse:     time.Second,
		Styles:    NewStyles(LightTheme()),
	})
	t.Cleanup(m.shutdown)
	// Plain text keeps assertions independent of the markdown styling.
	m.renderer = nil
	return m, srv
}

func TestChatModel_SendAndQuit(t *testing.T) {
	m, _ := newChatPage(t)
	assert.Contains(t, m.View(), "3.00 credits")

	m.textarea.SetValue("Hello")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(ChatModel)
	assert.Empty(t, m.textarea.Value(), "composer clears on submit")

	done, ok := runUntil[submitDoneMsg](t, cmd)
	require.True(t, ok, "enter should run a submit")
	require.NoError(t, done.err)

	next, _ = m.Update(done)
	m = next.(ChatModel)
	require.Len(t, m.Pipeline().Messages, 2)
	assert.Contains(t, m.View(), "echo: Hello")

	next, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(ChatModel)
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.True(t, m.rt.sub.Stopped(), "quitting stops the poll subscription")
}

func TestChatModel_ActivityBadgeComesAndGoes(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.GrantLicense("agent-1")
	client := api.NewClient(srv.URL, nil, 5*time.Second)
	ctx := context.Background()
	sess, err := client.CreateSession(ctx, "agent-1")
	require.NoError(t, err)

	m := NewChatModel(ctx, ChatConfig{
		Pipeline: chat.New(client, *sess, nil),
		Interval: 10 * time.Millisecond,
		Pulse:    80 * time.Millisecond,
		Styles:   NewStyles(LightTheme()),
	})
	t.Cleanup(m.shutdown)
	m.renderer = nil

	// First applied poll is the baseline.
	_, ok := runUntil[updateMsg[chat.View]](t, m.rt.views.wait())
	require.True(t, ok)

	_, err = client.SendMessage(ctx, sess.ID, "from another device")
	require.NoError(t, err)

	on, ok := runUntil[updateMsg[bool]](t, m.rt.activity.wait())
	require.True(t, ok)
	require.True(t, on.value)
	next, _ := m.Update(on)
	m = next.(ChatModel)
	assert.Contains(t, m.View(), "● new")

	off, ok := runUntil[updateMsg[bool]](t, m.rt.activity.wait())
	require.True(t, ok)
	require.False(t, off.value)
	next, _ = m.Update(off)
	m = next.(ChatModel)
	assert.NotContains(t, m.View(), "● new")
}

func TestChatModel_RedirectOnLostLicense(t *testing.T) {
	m, srv := newChatPage(t)
	srv.FailNext("POST /sessions/"+m.Pipeline().SessionID+"/messages",
		&api.Error{Status: http.StatusForbidden, Code: api.CodeNoLicense, Message: "No active license for this agent"})

	m.textarea.SetValue("Hello")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(ChatModel)
	done, ok := runUntil[submitDoneMsg](t, cmd)
	require.True(t, ok)
	require.Error(t, done.err)

	next, cmd = m.Update(done)
	m = next.(ChatModel)
	assert.Equal(t, "/agents/agent-1/hire", m.Redirect())
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, m.textarea.Value())
}

func TestChatModel_RestoresInputOnOutOfCredits(t *testing.T) {
	m, srv := newChatPage(t)
	srv.SetBalance(decimal.Zero)

	m.textarea.SetValue("Hello")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(ChatModel)
	done, ok := runUntil[submitDoneMsg](t, cmd)
	require.True(t, ok)

	next, _ = m.Update(done)
	m = next.(ChatModel)
	assert.Equal(t, "Hello", m.textarea.Value())
	assert.Contains(t, m.View(), "out of credits")
	assert.Contains(t, m.View(), "hive credits topup")
}

func TestChatModel_MarkdownReplies(t *testing.T) {
	m := ChatModel{renderer: newRenderer(NewStyles(DarkTheme()), 60)}
	require.NotNil(t, m.renderer)
	out := m.markdown("# Title\n\nsome *body*")
	assert.NotEmpty(t, out)
	assert.NotContains(t, out, "# Title")

	m.renderer = nil
	assert.Equal(t, "plain", m.markdown("plain"))
}

func TestTrialModel_ExhaustedDisablesInput(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.SetTrialUsed("agent-1", 2)
	client := api.NewClient(srv.URL, nil, 5*time.Second)
	machine := entitlement.New(client, "agent-1")
	require.NoError(t, machine.Load(context.Background()))

	m := NewTrialModel(context.Background(), machine, "Research Bee", NewStyles(LightTheme()))
	assert.Contains(t, m.View(), "2/3 used")

	m.input.SetValue("last one")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(TrialModel)
	done, ok := runUntil[trialDoneMsg](t, cmd)
	require.True(t, ok)
	require.NoError(t, done.err)

	next, _ = m.Update(done)
	m = next.(TrialModel)
	assert.Contains(t, m.View(), "3/3 used")
	assert.Contains(t, m.View(), "free trial is used up")
	assert.Contains(t, m.View(), "echo: last one")

	m.input.SetValue("more")
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd, "no sends once the trial is exhausted")
	assert.Equal(t, 1, srv.Calls("POST /agents/agent-1/trial"))
}

func TestRenderMission(t *testing.T) {
	snap := mission.Snapshot{
		Stats:  api.MissionStats{ActiveAgents: 2, RunningTasks: 1, CreditsSpentToday: decimal.RequireFromString("1.5")},
		Agents: []api.AgentStatus{{Name: "Research Bee", State: "busy", CurrentTask: "t-9"}},
		Feed:   []api.FeedEvent{{Kind: "task_completed", Summary: "finished t-8", CreatedAt: time.Now()}},
	}
	out := RenderMission(snap, NewStyles(LightTheme()))
	assert.Contains(t, out, "Active agents:    2")
	assert.Contains(t, out, "1.50")
	assert.Contains(t, out, "Research Bee")
	assert.Contains(t, out, "t-9")
	assert.Contains(t, out, "finished t-8")
}

func TestMissionModel_StopsOnQuit(t *testing.T) {
	srv := apitest.NewServer(t)
	client := api.NewClient(srv.URL, nil, 5*time.Second)

	m := NewMissionModel(context.Background(), client, time.Hour, time.Second, NewStyles(LightTheme()))
	snap, ok := runUntil[updateMsg[mission.Snapshot]](t, m.snaps.wait())
	require.True(t, ok)

	next, _ := m.Update(snap)
	m = next.(MissionModel)
	assert.Contains(t, m.View(), "Overview")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.True(t, m.sub.Stopped())
}

func TestRenderUsage(t *testing.T) {
	tracker, err := usage.NewTracker(filepath.Join(t.TempDir(), "usage.json"))
	require.NoError(t, err)
	tracker.Record("agent-1", api.SendResult{
		UserMessage:      api.Message{SessionID: "s-1", TokensUsed: 4},
		AssistantMessage: api.Message{SessionID: "s-1", TokensUsed: 6, CreatedAt: time.Now()},
	}, decimal.RequireFromString("0.5"))
	t.Cleanup(func() { _ = tracker.Close() })

	out := RenderUsage(tracker.Stats(), NewStyles(LightTheme()))
	assert.Contains(t, out, "Total tokens:  10")
	assert.Contains(t, out, "By Agent")
	assert.True(t, strings.Contains(out, "agent-1"))
	assert.Contains(t, out, "0.50")
}
