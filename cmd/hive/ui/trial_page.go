package ui

import (
	"context"
	"fmt"
	"strings"

	"agenthive/internal/entitlement"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type trialDoneMsg struct{ err error }

// TrialModel is the free-trial chat page.
type TrialModel struct {
	ctx     context.Context
	machine *entitlement.Machine
	styles  Styles
	name    string

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	view     entitlement.View
	redirect string
}

// NewTrialModel builds the page for an already loaded machine.
func NewTrialModel(ctx context.Context, machine *entitlement.Machine, agentName string, styles Styles) TrialModel {
	ti := textinput.New()
	ti.Placeholder = "Ask a question..."
	ti.Prompt = "| "
	ti.CharLimit = 2000
	ti.PromptStyle = styles.Prompt
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	m := TrialModel{
		ctx:      ctx,
		machine:  machine,
		styles:   styles,
		name:     agentName,
		input:    ti,
		viewport: viewport.New(80, 16),
		spinner:  sp,
	}
	m.sync()
	return m
}

// Init starts the cursor blink.
func (m TrialModel) Init() tea.Cmd {
	return textinput.Blink
}

// Redirect is the navigation requested when the page quit, if any.
func (m TrialModel) Redirect() string {
	return m.redirect
}

func (m *TrialModel) sync() {
	m.view = m.machine.Snapshot()
	if m.view.InputDisabled {
		m.input.Blur()
	} else {
		m.input.Focus()
	}
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

// Update handles messages.
func (m TrialModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-8, 3)
		m.input.Width = msg.Width - 4

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			content := strings.TrimSpace(m.input.Value())
			if content == "" || m.view.InputDisabled {
				return m, nil
			}
			m.input.Reset()
			machine, ctx := m.machine, m.ctx
			m.view.Busy = true
			return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
				_, err := machine.SendTrial(ctx, content)
				return trialDoneMsg{err: err}
			})
		}

	case trialDoneMsg:
		m.sync()
		if m.view.Input != "" {
			m.input.SetValue(m.view.Input)
		}
		if m.view.Redirect != "" {
			m.redirect = m.view.Redirect
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		if !m.view.Busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m TrialModel) renderTranscript() string {
	if len(m.view.Transcript) == 0 {
		return m.styles.Muted.Render(fmt.Sprintf("You have %d free messages with this agent.", m.view.TrialRemaining))
	}
	var sb strings.Builder
	for _, ex := range m.view.Transcript {
		sb.WriteString(m.styles.Prompt.Render("You") + " " + m.styles.UserMessage.Render(ex.Prompt) + "\n")
		sb.WriteString(m.styles.AgentResponse.Render(ex.Reply) + "\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// View renders the page.
func (m TrialModel) View() string {
	s := m.styles
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		s.Header.Render(" Trial · "+m.name+" "),
		" ",
		s.Badge.Render(fmt.Sprintf("%d/%d used", m.view.TrialUsed, m.view.TrialMax)),
	)

	var status string
	switch {
	case m.view.Busy:
		status = m.spinner.View() + " " + s.Muted.Render("Waiting for the agent...")
	case m.view.State == entitlement.TrialExhausted:
		status = s.Warning.Render("Your free trial is used up.") + " " +
			s.Muted.Render(fmt.Sprintf("Run `hive hire %s` to keep chatting.", m.view.AgentID))
	case m.view.Error != "":
		status = s.Error.Render(m.view.Error)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		status,
		m.input.View(),
		s.Footer.Render("Enter send · Esc quit"),
	)
}
