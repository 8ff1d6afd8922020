package ui

import (
	"fmt"
	"sort"
	"strings"

	"agenthive/internal/usage"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// UsagePageModel handles the rendering of the token usage ledger.
type UsagePageModel struct {
	viewport viewport.Model
	tracker  *usage.Tracker
	styles   Styles
}

// NewUsagePageModel creates a new usage page component.
func NewUsagePageModel(tracker *usage.Tracker, styles Styles) UsagePageModel {
	m := UsagePageModel{
		viewport: viewport.New(80, 20),
		tracker:  tracker,
		styles:   styles,
	}
	m.UpdateContent()
	return m
}

// UpdateContent refreshes the viewport content from the tracker data.
func (m *UsagePageModel) UpdateContent() {
	if m.tracker == nil {
		m.viewport.SetContent("Usage tracking not available.")
		return
	}
	m.viewport.SetContent(RenderUsage(m.tracker.Stats(), m.styles))
}

// RenderUsage formats ledger stats as tables.
func RenderUsage(stats usage.AggregatedStats, s Styles) string {
	var sb strings.Builder

	sb.WriteString(s.Title.Render("Token Usage"))
	sb.WriteString("\n")

	total := stats.Total
	sb.WriteString(fmt.Sprintf("Messages:      %d\n", total.Messages))
	sb.WriteString(fmt.Sprintf("Prompt tokens: %d\n", total.PromptTokens))
	sb.WriteString(fmt.Sprintf("Reply tokens:  %d\n", total.ReplyTokens))
	sb.WriteString(fmt.Sprintf("Total tokens:  %d\n", total.Total))
	sb.WriteString(fmt.Sprintf("Credits (est): %s\n\n", total.Credits.StringFixed(2)))

	renderTable := func(title string, data map[string]usage.TokenCounts) {
		if len(data) == 0 {
			return
		}
		sb.WriteString(s.Title.Render(title))
		sb.WriteString("\n")

		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(fmt.Sprintf("%-20s | %-8s | %-10s | %-10s\n", "Name", "Msgs", "Tokens", "Credits"))
		sb.WriteString(strings.Repeat("-", 58) + "\n")
		for _, k := range keys {
			c := data[k]
			sb.WriteString(fmt.Sprintf("%-20s | %-8d | %-10d | %-10s\n", truncate(k, 20), c.Messages, c.Total, c.Credits.StringFixed(2)))
		}
		sb.WriteString("\n")
	}

	renderTable("By Agent", stats.ByAgent)
	renderTable("By Session", stats.BySession)
	renderTable("By Day", stats.ByDay)

	return strings.TrimRight(sb.String(), "\n")
}

// Init implements tea.Model.
func (m UsagePageModel) Init() tea.Cmd { return nil }

// Update handles messages.
func (m UsagePageModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 2
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		case "r":
			m.UpdateContent()
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the page.
func (m UsagePageModel) View() string {
	return m.viewport.View() + "\n" + m.styles.Footer.Render("r refresh · q quit")
}
