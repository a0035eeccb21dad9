package app

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/zjrosen/screenqueue/internal/log"
)

const (
	viewportMaxHeight = 25  // Fixed viewport height in lines
	viewportMinHeight = 5   // Minimum viewport height for very small screens
	boxMaxWidth       = 160 // Maximum box width in characters
	boxMinWidth       = 40  // Minimum box width in characters
	maxLogEntries     = 1000
)

// logOverlay shows recent log entries without leaving the TUI. Entries
// arrive through Append from the log broker.
type logOverlay struct {
	listener *log.LogListener
	visible  bool
	minLevel log.Level
	entries  []string
	width    int
	height   int
	viewport viewport.Model
}

func newLogOverlay() logOverlay {
	return logOverlay{minLevel: log.LevelDebug}
}

// Append adds an entry, dropping the oldest past maxLogEntries.
func (m *logOverlay) Append(entry string) {
	m.entries = append(m.entries, strings.TrimSuffix(entry, "\n"))
	if over := len(m.entries) - maxLogEntries; over > 0 {
		m.entries = append([]string(nil), m.entries[over:]...)
	}
	if m.visible {
		m.refreshViewport()
	}
}

func (m logOverlay) Update(msg tea.Msg) (logOverlay, tea.Cmd) {
	switch msg := msg.(type) {
	case log.LogEvent:
		m.Append(msg.Payload)
		if m.listener != nil {
			return m, m.listener.Listen()
		}
	case tea.KeyMsg:
		switch msg.String() {
		case "c":
			m.entries = nil
		case "d":
			m.minLevel = log.LevelDebug
		case "i":
			m.minLevel = log.LevelInfo
		case "w":
			m.minLevel = log.LevelWarn
		case "e":
			m.minLevel = log.LevelError
		case "j", "down":
			m.viewport.ScrollDown(1)
			return m, nil
		case "k", "up":
			m.viewport.ScrollUp(1)
			return m, nil
		case "g":
			m.viewport.GotoTop()
			return m, nil
		case "G":
			m.viewport.GotoBottom()
			return m, nil
		case "esc", "ctrl+x":
			m.visible = false
			return m, nil
		default:
			return m, nil
		}
		m.refreshViewport()
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)
	}
	return m, nil
}

func (m logOverlay) View() string {
	if !m.visible {
		return ""
	}
	boxWidth := m.boxWidth()
	divider := lipgloss.NewStyle().Foreground(BorderDefaultColor).Render(strings.Repeat("─", boxWidth))

	var b strings.Builder
	b.WriteString(titleStyle.PaddingLeft(1).Render("Logs"))
	b.WriteString("\n" + divider + "\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n" + divider + "\n")
	b.WriteString(m.filterHint())

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(BorderDefaultColor).
		Width(boxWidth).
		Render(b.String())
}

// Overlay centers the box over bg when visible.
func (m logOverlay) Overlay(bg string) string {
	if !m.visible {
		return bg
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.View())
}

func (m logOverlay) Visible() bool { return m.visible }

func (m *logOverlay) Toggle() {
	m.visible = !m.visible
	if m.visible {
		m.refreshViewport()
		m.viewport.GotoBottom()
	}
}

func (m *logOverlay) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.refreshViewport()
}

func (m logOverlay) boxWidth() int {
	return max(min(m.width-4, boxMaxWidth), boxMinWidth)
}

func (m *logOverlay) refreshViewport() {
	if m.width == 0 || m.height == 0 {
		return
	}
	contentWidth := m.boxWidth() - 2
	// header, footer and borders take six lines
	height := max(min(viewportMaxHeight, m.height-6), viewportMinHeight)
	m.viewport = viewport.New(contentWidth, height)
	m.viewport.SetContent(m.content(contentWidth))
}

func (m logOverlay) content(width int) string {
	var lines []string
	for _, entry := range m.entries {
		if levelOf(entry) >= m.minLevel {
			lines = append(lines, colorize(entry, width))
		}
	}
	if len(lines) == 0 {
		return mutedStyle.Italic(true).Render("No logs to display")
	}
	return strings.Join(lines, "\n")
}

// levelOf reads the level tag written by log.Format. Untagged lines count
// as errors so they are never filtered out.
func levelOf(entry string) log.Level {
	switch {
	case strings.Contains(entry, "[DEBUG]"):
		return log.LevelDebug
	case strings.Contains(entry, "[INFO]"):
		return log.LevelInfo
	case strings.Contains(entry, "[WARN]"):
		return log.LevelWarn
	default:
		return log.LevelError
	}
}

func colorize(entry string, width int) string {
	if ansi.StringWidth(entry) > width {
		entry = ansi.Truncate(entry, width-3, "...")
	}
	var color lipgloss.TerminalColor = TextPrimaryColor
	switch levelOf(entry) {
	case log.LevelError:
		color = StatusErrorColor
	case log.LevelWarn:
		color = StatusWarningColor
	case log.LevelInfo:
		color = StatusInfoColor
	case log.LevelDebug:
		color = TextMutedColor
	}
	return lipgloss.NewStyle().Foreground(color).Render(entry)
}

func (m logOverlay) filterHint() string {
	active := lipgloss.NewStyle().Foreground(TextPrimaryColor).Bold(true)
	hint := func(level log.Level, label string) string {
		if m.minLevel == level {
			return active.Render(label)
		}
		return mutedStyle.Render(label)
	}
	return strings.Join([]string{
		mutedStyle.Render("[c] Clear"),
		hint(log.LevelDebug, "[d] Debug"),
		hint(log.LevelInfo, "[i] Info"),
		hint(log.LevelWarn, "[w] Warn"),
		hint(log.LevelError, "[e] Error"),
	}, "  ")
}
