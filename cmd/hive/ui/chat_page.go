package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agenthive/internal/api"
	"agenthive/internal/chat"
	"agenthive/internal/credits"
	"agenthive/internal/logging"
	"agenthive/internal/poll"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// ChatConfig wires a ChatModel.
type ChatConfig struct {
	Pipeline  *chat.Pipeline
	Credits   *credits.Cache // optional
	AgentName string
	Interval  time.Duration
	Pulse     time.Duration
	Styles    Styles
}

type submitDoneMsg struct{ err error }

type chatRuntime struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *poll.Subscription
	views    *mailbox[chat.View]
	balances *mailbox[api.CreditBalance]
	activity *mailbox[bool]
	unsub    []func()
}

// ChatModel is the licensed chat page.
type ChatModel struct {
	cfg ChatConfig
	rt  *chatRuntime

	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	view     chat.View
	balance  string
	active   bool
	redirect string
	width    int
	height   int
}

// NewChatModel builds the page and starts syncing the session. The sync
// stops when the page quits.
func NewChatModel(ctx context.Context, cfg ChatConfig) ChatModel {
	ctx, cancel := context.WithCancel(ctx)
	rt := &chatRuntime{
		ctx:      ctx,
		cancel:   cancel,
		views:    newMailbox[chat.View](),
		balances: newMailbox[api.CreditBalance](),
		activity: newMailbox[bool](),
	}

	ta := textarea.New()
	ta.Placeholder = "Message the agent... (Enter to send, Alt+Enter for newline, Esc to leave)"
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = cfg.Styles.Spinner

	m := ChatModel{
		cfg:      cfg,
		rt:       rt,
		textarea: ta,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		renderer: newRenderer(cfg.Styles, 80),
		view:     cfg.Pipeline.Snapshot(),
	}

	rt.unsub = append(rt.unsub, cfg.Pipeline.Observe(rt.views.push))
	if cfg.Credits != nil {
		if bal, ok := cfg.Credits.Balance(); ok {
			m.balance = bal.Balance.StringFixed(2)
		}
		rt.unsub = append(rt.unsub, cfg.Credits.Subscribe(rt.balances.push))
	}
	rt.sub = chat.Sync(ctx, cfg.Pipeline, cfg.Interval,
		poll.WithPulse(cfg.Pulse),
		poll.OnActivity(rt.activity.push))

	m.refresh()
	return m
}

func newRenderer(s Styles, width int) *glamour.TermRenderer {
	style := "light"
	if s.Theme.IsDark {
		style = "dark"
	}
	r, err := glamour.NewTermRenderer(glamour.WithStylePath(style), glamour.WithWordWrap(width))
	if err != nil {
		logging.Get(logging.CategoryUI).Warn("markdown renderer unavailable: %v", err)
		return nil
	}
	return r
}

// Init starts the cursor, the spinner and the update listeners.
func (m ChatModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick, m.rt.views.wait(), m.rt.balances.wait(), m.rt.activity.wait())
}

// Redirect is the navigation requested when the page quit, if any.
func (m ChatModel) Redirect() string {
	return m.redirect
}

// Pipeline returns the latest pipeline state shown by the page.
func (m ChatModel) Pipeline() chat.View {
	return m.view
}

func (m ChatModel) shutdown() {
	for _, fn := range m.rt.unsub {
		fn()
	}
	m.rt.cancel()
	m.rt.sub.Stop()
	m.rt.views.close()
	m.rt.balances.close()
	m.rt.activity.close()
}

// Update handles messages.
func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-9, 3)
		m.textarea.SetWidth(msg.Width - 2)
		m.renderer = newRenderer(m.cfg.Styles, max(msg.Width-6, 20))
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.shutdown()
			return m, tea.Quit
		case tea.KeyEnter:
			if msg.Alt {
				break
			}
			content := strings.TrimSpace(m.textarea.Value())
			if content == "" || m.view.Sending {
				return m, nil
			}
			m.textarea.Reset()
			p, ctx := m.cfg.Pipeline, m.rt.ctx
			return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
				return submitDoneMsg{err: p.Submit(ctx, content)}
			})
		}

	case updateMsg[chat.View]:
		m.view = msg.value
		m.refresh()
		return m, m.rt.views.wait()

	case updateMsg[api.CreditBalance]:
		m.balance = msg.value.Balance.StringFixed(2)
		return m, m.rt.balances.wait()

	case updateMsg[bool]:
		m.active = msg.value
		return m, m.rt.activity.wait()

	case submitDoneMsg:
		m.view = m.cfg.Pipeline.Snapshot()
		if m.view.Input != "" && m.textarea.Value() == "" {
			m.textarea.SetValue(m.view.Input)
		}
		m.textarea.Focus()
		m.refresh()
		if m.view.Redirect != "" {
			m.redirect = m.view.Redirect
			m.shutdown()
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		if !m.view.Sending {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *ChatModel) refresh() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func (m ChatModel) renderMessages() string {
	s := m.cfg.Styles
	if len(m.view.Messages) == 0 {
		return s.Muted.Render("No messages yet. Say hello.")
	}
	var sb strings.Builder
	for _, msg := range m.view.Messages {
		switch {
		case msg.IsLocal():
			sb.WriteString(s.Prompt.Render("You") + " " + s.Pending.Render(msg.Content+"  (sending)"))
		case msg.Role == api.RoleUser:
			sb.WriteString(s.Prompt.Render("You") + " " + s.UserMessage.Render(msg.Content))
		default:
			sb.WriteString(s.AgentResponse.Render(m.markdown(msg.Content)))
		}
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (m ChatModel) markdown(content string) string {
	if m.renderer == nil {
		return content
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimSpace(out)
}

// View renders the page.
func (m ChatModel) View() string {
	s := m.cfg.Styles

	title := m.cfg.AgentName
	if title == "" {
		title = m.view.AgentID
	}
	header := s.Header.Render(" " + title + " ")
	if m.balance != "" {
		header = lipgloss.JoinHorizontal(lipgloss.Top, header, " ", s.Badge.Render(m.balance+" credits"))
	}
	if m.active {
		header = lipgloss.JoinHorizontal(lipgloss.Top, header, " ", s.Pulse.Render("● new"))
	}

	status := ""
	switch {
	case m.view.Sending:
		status = m.spinner.View() + " " + s.Muted.Render("Sending...")
	case m.view.Error != "":
		status = s.Error.Render(m.view.Error)
		if m.view.NeedsTopUp {
			status += "  " + s.Muted.Render("Run `hive credits topup <amount>` to add credits.")
		}
	}

	footer := s.Footer.Render(fmt.Sprintf("session %s · Enter send · Esc quit", m.view.SessionID))
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		status,
		m.textarea.View(),
		footer,
	)
}
