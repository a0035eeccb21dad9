// Package app contains the root terminal model. It follows the login, the
// mounted queue and the logged-out page, and renders whatever the driver
// currently asks for.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/zjrosen/screenqueue/internal/driver"
	"github.com/zjrosen/screenqueue/internal/engine"
	"github.com/zjrosen/screenqueue/internal/keys"
	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/pubsub"
	"github.com/zjrosen/screenqueue/internal/screens"
	"github.com/zjrosen/screenqueue/internal/session"
	"github.com/zjrosen/screenqueue/internal/touchlink"
)

// Host is what the model renders. *engine.Engine implements it.
type Host interface {
	Mount() *pubsub.Value[*engine.Mount]
	Login() *pubsub.Value[session.Login]
	Retry(ctx context.Context) error
}

// Options configure the model.
type Options struct {
	// Page is the logged-out page from touch-link resolution. Optional.
	Page *pubsub.Value[touchlink.Page]
	// Screens receives terminal size changes.
	Screens *screens.Context
	// Debug enables the log overlay (Ctrl+X toggle).
	Debug bool
}

// unseen is a version no Value ever reports, so the first watch fires
// immediately with the current contents.
const unseen = ^uint64(0)

// renderMsg carries one driver render tied to the mount that produced it.
type renderMsg struct {
	mount   *engine.Mount
	state   driver.RenderState
	version uint64
}

type retryDoneMsg struct{ err error }

type countdownMsg struct{}

// Model is the root application state.
type Model struct {
	ctx  context.Context
	host Host
	opts Options

	width  int
	height int

	spinner spinner.Model

	login session.Login
	page  touchlink.Page
	mount *engine.Mount

	render    driver.RenderState
	component tea.Model
	key       string

	retrying bool
	retryErr error
	now      func() time.Time

	overlay logOverlay
}

// New creates the root model. ctx bounds every background watch.
func New(ctx context.Context, host Host, opts Options) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return Model{
		ctx:     ctx,
		host:    host,
		opts:    opts,
		spinner: s,
		login:   host.Login().Get(),
		now:     time.Now,
		overlay: newLogOverlay(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.spinner.Tick,
		pubsub.WatchValueCmd(m.ctx, m.host.Login(), unseen),
		pubsub.WatchValueCmd(m.ctx, m.host.Mount(), unseen),
	}
	if m.opts.Page != nil {
		cmds = append(cmds, pubsub.WatchValueCmd(m.ctx, m.opts.Page, unseen))
	}
	if m.opts.Debug {
		// Init has a value receiver, so the listener is stored when
		// logStartedMsg arrives.
		cmds = append(cmds, startLogListener(m.ctx))
	}
	return tea.Batch(cmds...)
}

// logStartedMsg hands the freshly subscribed listener to Update.
type logStartedMsg struct{ listener *log.LogListener }

func startLogListener(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		l := log.NewListener(ctx)
		if l == nil {
			return nil
		}
		return logStartedMsg{listener: l}
	}
}

func watchRender(ctx context.Context, mount *engine.Mount, seen uint64) tea.Cmd {
	return func() tea.Msg {
		state, version, err := pubsub.WaitChange(ctx, mount.Driver.Render(), seen)
		if err != nil {
			return nil
		}
		return renderMsg{mount: mount, state: state, version: version}
	}
}

func countdown() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return countdownMsg{} })
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.overlay.SetSize(msg.Width, msg.Height)
		if m.opts.Screens != nil {
			m.opts.Screens.Size.Set(screens.Size{Width: msg.Width, Height: m.contentHeight()})
		}
		return m.forward(tea.WindowSizeMsg{Width: msg.Width, Height: m.contentHeight()})

	case logStartedMsg:
		m.overlay.listener = msg.listener
		return m, msg.listener.Listen()

	case log.LogEvent:
		var cmd tea.Cmd
		m.overlay, cmd = m.overlay.Update(msg)
		return m, cmd

	case pubsub.ValueMsg[session.Login]:
		m.login = msg.Value
		return m, pubsub.WatchValueCmd(m.ctx, m.host.Login(), msg.Version)

	case pubsub.ValueMsg[touchlink.Page]:
		m.page = msg.Value
		return m, pubsub.WatchValueCmd(m.ctx, m.opts.Page, msg.Version)

	case pubsub.ValueMsg[*engine.Mount]:
		cmds := []tea.Cmd{pubsub.WatchValueCmd(m.ctx, m.host.Mount(), msg.Version)}
		if msg.Value != m.mount {
			m.mount = msg.Value
			m.render = driver.RenderState{}
			m.component = nil
			m.key = ""
			m.retryErr = nil
			if m.mount != nil {
				log.Debug(log.CatUI, "Following new mount")
				cmds = append(cmds, watchRender(m.ctx, m.mount, unseen))
			}
		}
		return m, tea.Batch(cmds...)

	case renderMsg:
		if msg.mount != m.mount {
			return m, nil
		}
		cmd := m.applyRender(msg.state)
		return m, tea.Batch(cmd, watchRender(m.ctx, msg.mount, msg.version))

	case retryDoneMsg:
		m.retrying = false
		m.retryErr = msg.err
		if msg.err != nil {
			log.ErrorErr(log.CatUI, "Retry failed", msg.err)
		}
		return m, nil

	case countdownMsg:
		if m.render.Phase == driver.PhaseError && m.waitingToRetry() {
			return m, countdown()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m.forward(msg)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, keys.App.Quit) {
		return m, tea.Quit
	}
	if m.opts.Debug && key.Matches(msg, keys.App.ToggleLog) {
		m.overlay.Toggle()
		return m, nil
	}
	if m.overlay.Visible() {
		var cmd tea.Cmd
		m.overlay, cmd = m.overlay.Update(msg)
		return m, cmd
	}
	if m.mount != nil && m.render.Phase == driver.PhaseError && key.Matches(msg, keys.App.Retry) {
		if m.retrying || m.waitingToRetry() {
			return m, nil
		}
		m.retrying = true
		m.retryErr = nil
		ctx, host := m.ctx, m.host
		return m, func() tea.Msg {
			return retryDoneMsg{err: host.Retry(ctx)}
		}
	}
	return m.forward(msg)
}

// applyRender installs a new render state. A new Key replaces the
// component; an unchanged Key keeps the updated copy the model holds.
func (m *Model) applyRender(state driver.RenderState) tea.Cmd {
	prev := m.render.Phase
	m.render = state
	var cmds []tea.Cmd

	if state.Phase == driver.PhaseError {
		m.retrying = false
		if prev != driver.PhaseError && m.waitingToRetry() {
			cmds = append(cmds, countdown())
		}
	} else {
		m.retryErr = nil
	}

	if state.Phase.ShowsComponent() && state.Key != m.key {
		log.Debug(log.CatUI, "Showing screen", "slug", state.Slug, "key", state.Key)
		m.key = state.Key
		m.component = state.Component
		if m.component != nil {
			cmds = append(cmds, m.component.Init())
			if m.width > 0 {
				var cmd tea.Cmd
				m.component, cmd = m.component.Update(tea.WindowSizeMsg{Width: m.width, Height: m.contentHeight()})
				cmds = append(cmds, cmd)
			}
		}
	}
	if !state.Phase.ShowsComponent() && state.Phase != driver.PhaseFinishingPop {
		m.component = nil
		m.key = ""
	}
	return tea.Batch(cmds...)
}

// forward hands msg to the shown component. A finishing pop keeps the
// component alive for its pending commands but it is not rendered.
func (m Model) forward(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.component == nil {
		return m, nil
	}
	var cmd tea.Cmd
	m.component, cmd = m.component.Update(msg)
	return m, cmd
}

func (m Model) waitingToRetry() bool {
	return !m.render.RetryAt.IsZero() && m.now().Before(m.render.RetryAt)
}

func (m Model) contentHeight() int {
	return max(m.height-1, 0)
}

// View implements tea.Model.
func (m Model) View() string {
	body := m.body()
	if m.width > 0 {
		body = lipgloss.NewStyle().Width(m.width).MaxHeight(m.contentHeight()).Render(body)
	}
	view := lipgloss.JoinVertical(lipgloss.Left, body, m.statusBar())
	if m.opts.Debug && m.overlay.Visible() {
		return m.overlay.Overlay(view)
	}
	return view
}

func (m Model) body() string {
	switch m.login.State {
	case session.StateLoading:
		return m.spinnerLine("Loading session")
	case session.StateLoggedOut:
		return m.loggedOutView()
	}
	if m.mount == nil {
		return m.spinnerLine("Starting")
	}
	switch {
	case m.render.Phase == driver.PhaseError:
		return m.errorView()
	case m.render.Phase.ShowsComponent() && m.component != nil:
		return m.component.View()
	case m.render.Phase == driver.PhaseFinishingPop:
		return m.spinnerLine("")
	default:
		return m.spinnerLine("Loading")
	}
}

func (m Model) spinnerLine(label string) string {
	if label == "" {
		return m.spinner.View()
	}
	return m.spinner.View() + " " + mutedStyle.Render(label)
}

func (m Model) loggedOutView() string {
	if m.page.Loading {
		return m.spinnerLine("Opening link")
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("You're signed out"))
	b.WriteString("\n\n")
	if p := m.page.Page; p != nil {
		fmt.Fprintf(&b, "Link %s opens %s.\n", p.Code, p.PageIdentifier)
		if len(p.PageExtra) > 0 && string(p.PageExtra) != "null" {
			b.WriteString(mutedStyle.Render(string(p.PageExtra)))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render("Run `screenqueue login` to continue."))
	return panelStyle.Render(b.String())
}

func (m Model) errorView() string {
	var b strings.Builder
	b.WriteString(errorTitleStyle.Render("Something went wrong"))
	b.WriteString("\n\n")
	desc := m.render.Description
	if desc == "" && m.render.Err != nil {
		desc = m.render.Err.Error()
	}
	b.WriteString(desc)
	b.WriteString("\n\n")
	switch {
	case m.retrying:
		b.WriteString(m.spinnerLine("Retrying"))
	case m.waitingToRetry():
		wait := m.render.RetryAt.Sub(m.now()).Round(time.Second)
		b.WriteString(mutedStyle.Render(fmt.Sprintf("Retry available in %s", wait)))
	default:
		b.WriteString(mutedStyle.Render("Press r to retry"))
	}
	if m.retryErr != nil {
		b.WriteString("\n")
		b.WriteString(errorTitleStyle.Render(m.retryErr.Error()))
	}
	return errorPanelStyle.Render(b.String())
}

func (m Model) statusBar() string {
	var parts []string
	switch m.login.State {
	case session.StateLoggedIn:
		who := m.login.User.Email
		if who == "" {
			who = m.login.User.Sub
		}
		parts = append(parts, who)
	case session.StateLoggedOut:
		parts = append(parts, "signed out")
	default:
		parts = append(parts, "loading")
	}
	if m.mount != nil {
		parts = append(parts, m.render.Phase.String())
		if m.render.Slug != "" {
			parts = append(parts, m.render.Slug)
		}
	}
	bindings := keys.App.ShortHelp()
	if m.opts.Debug {
		bindings = append(bindings, keys.App.ToggleLog)
	}
	hints := make([]string, 0, len(bindings))
	for _, b := range bindings {
		hints = append(hints, b.Help().Key+" "+b.Help().Desc)
	}
	parts = append(parts, strings.Join(hints, "  "))

	line := strings.Join(parts, " · ")
	if m.width > 0 {
		line = runewidth.Truncate(line, m.width, "…")
	}
	return statusBarStyle.Render(line)
}
