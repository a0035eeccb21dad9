package app

import "github.com/charmbracelet/lipgloss"

var (
	TextPrimaryColor   = lipgloss.AdaptiveColor{Light: "#1F2937", Dark: "#CCCCCC"} // Main text
	TextMutedColor     = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#696969"} // Hints, footers
	BorderDefaultColor = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#696969"}
	StatusWarningColor = lipgloss.AdaptiveColor{Light: "#FECA57", Dark: "#FECA57"}
	StatusErrorColor   = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}
	StatusInfoColor    = lipgloss.AdaptiveColor{Light: "#3498DB", Dark: "#54A0FF"}
	AccentColor        = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}

	statusBarStyle = lipgloss.NewStyle().Foreground(TextMutedColor)
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(AccentColor)
	mutedStyle     = lipgloss.NewStyle().Foreground(TextMutedColor)
	spinnerStyle   = lipgloss.NewStyle().Foreground(AccentColor)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderDefaultColor).
			Padding(1, 2)

	errorPanelStyle = panelStyle.BorderForeground(StatusErrorColor)
	errorTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(StatusErrorColor)
)
