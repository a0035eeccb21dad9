// Package catalog holds the screens the terminal host knows how to show.
package catalog

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zjrosen/screenqueue/internal/screens"
)

// ExitDelay is how long a screen keeps rendering after it starts a pop,
// standing in for an exit animation.
const ExitDelay = 250 * time.Millisecond

// All returns every catalog screen.
func All() []screens.Screen {
	return []screens.Screen{
		Confirmation(),
		Markdown(),
		Choice(),
	}
}

// NewRegistry registers the whole catalog.
func NewRegistry() (*screens.Registry, error) {
	return screens.NewRegistry(All()...)
}

// exitDoneMsg fires when a component's exit delay elapses.
type exitDoneMsg struct{ key string }

func exitAfter(key string, d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return exitDoneMsg{key: key} })
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#1F2937", Dark: "#F9FAFB"})
	bodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#374151", Dark: "#D1D5DB"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6B7280"})
	ctaStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1).
			Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#7C3AED"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#DC2626", Dark: "#F87171"})
	cardStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#D1D5DB", Dark: "#4B5563"}).Padding(1, 2)
)

// contentWidth leaves room for the card border and padding.
func contentWidth(total int) int {
	return max(total-8, 20)
}
