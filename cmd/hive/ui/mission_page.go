package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agenthive/internal/mission"
	"agenthive/internal/poll"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// feedRows is how many feed events the page shows.
const feedRows = 15

// MissionModel is the live mission control dashboard.
type MissionModel struct {
	styles   Styles
	sub      *poll.Subscription
	snaps    *mailbox[mission.Snapshot]
	pulses   *mailbox[bool]
	viewport viewport.Model

	snap   mission.Snapshot
	loaded bool
	active bool
}

// NewMissionModel starts watching the dashboard.
func NewMissionModel(ctx context.Context, b mission.Backend, interval, pulse time.Duration, styles Styles) MissionModel {
	m := MissionModel{
		styles:   styles,
		snaps:    newMailbox[mission.Snapshot](),
		pulses:   newMailbox[bool](),
		viewport: viewport.New(80, 20),
	}
	m.sub = mission.Watch(ctx, b, interval, m.snaps.push,
		poll.WithPulse(pulse),
		poll.OnActivity(m.pulses.push),
	)
	m.viewport.SetContent(styles.Muted.Render("Loading mission control..."))
	return m
}

// Init starts listening for snapshots.
func (m MissionModel) Init() tea.Cmd {
	return tea.Batch(m.snaps.wait(), m.pulses.wait())
}

func (m MissionModel) shutdown() {
	m.sub.Stop()
	m.snaps.close()
	m.pulses.close()
}

// Update handles messages.
func (m MissionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-3, 3)
		m.render()
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.shutdown()
			return m, tea.Quit
		}
	case updateMsg[mission.Snapshot]:
		m.snap = msg.value
		m.loaded = true
		m.render()
		return m, m.snaps.wait()
	case updateMsg[bool]:
		m.active = msg.value
		return m, m.pulses.wait()
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *MissionModel) render() {
	if !m.loaded {
		return
	}
	m.viewport.SetContent(RenderMission(m.snap, m.styles))
}

// RenderMission formats a dashboard snapshot.
func RenderMission(snap mission.Snapshot, s Styles) string {
	var sb strings.Builder

	st := snap.Stats
	sb.WriteString(s.Title.Render("Overview"))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Active agents:    %d\n", st.ActiveAgents))
	sb.WriteString(fmt.Sprintf("Running tasks:    %d\n", st.RunningTasks))
	sb.WriteString(fmt.Sprintf("Completed today:  %d\n", st.CompletedToday))
	sb.WriteString(fmt.Sprintf("Credits today:    %s\n\n", st.CreditsSpentToday.StringFixed(2)))

	sb.WriteString(s.Title.Render("Agents"))
	sb.WriteString("\n")
	if len(snap.Agents) == 0 {
		sb.WriteString(s.Muted.Render("No agents reporting.") + "\n")
	}
	for _, a := range snap.Agents {
		line := fmt.Sprintf("%-24s %-10s", truncate(a.Name, 24), a.State)
		if a.CurrentTask != "" {
			line += " " + a.CurrentTask
		}
		sb.WriteString(line + "\n")
	}
	sb.WriteString("\n")

	sb.WriteString(s.Title.Render("Activity"))
	sb.WriteString("\n")
	if len(snap.Feed) == 0 {
		sb.WriteString(s.Muted.Render("Nothing yet.") + "\n")
	}
	for i, e := range snap.Feed {
		if i == feedRows {
			break
		}
		sb.WriteString(fmt.Sprintf("%s  %s  %s\n",
			s.Muted.Render(e.CreatedAt.Local().Format("15:04:05")),
			s.Info.Render(fmt.Sprintf("%-16s", e.Kind)),
			e.Summary))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncate(s string, l int) string {
	if len(s) > l {
		return s[:l-3] + "..."
	}
	return s
}

// View renders the page.
func (m MissionModel) View() string {
	header := m.styles.Header.Render(" Mission Control ")
	if m.active {
		header = lipgloss.JoinHorizontal(lipgloss.Top, header, " ", m.styles.Pulse.Render("● new activity"))
	}
	updated := ""
	if m.loaded {
		updated = "updated " + m.snap.FetchedAt.Local().Format("15:04:05") + " · "
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.styles.Footer.Render(updated+"q quit"),
	)
}
