// Package keys contains keybinding definitions.
package keys

import "github.com/charmbracelet/bubbles/key"

// AppKeyMap defines the bindings the host handles itself.
type AppKeyMap struct {
	Quit      key.Binding
	Retry     key.Binding
	ToggleLog key.Binding
}

// DefaultAppKeyMap returns the host keybindings.
func DefaultAppKeyMap() AppKeyMap {
	return AppKeyMap{
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "quit"),
		),
		Retry: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "retry"),
		),
		ToggleLog: key.NewBinding(
			key.WithKeys("ctrl+x"),
			key.WithHelp("ctrl+x", "logs"),
		),
	}
}

// ShortHelp returns keybindings for the status bar.
func (k AppKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Quit}
}

// ScreenKeyMap defines the bindings shared by the catalog screens.
type ScreenKeyMap struct {
	// Navigation
	Up   key.Binding
	Down key.Binding

	// Actions
	Confirm key.Binding
	Refresh key.Binding
}

// DefaultScreenKeyMap returns the screen keybindings.
func DefaultScreenKeyMap() ScreenKeyMap {
	return ScreenKeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "move up"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "move down"),
		),
		Confirm: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "continue"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
	}
}

// FullHelp returns keybindings grouped for a help view.
func (k ScreenKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},         // Navigation
		{k.Confirm, k.Refresh}, // Actions
	}
}

// App and Screen are the default bindings.
var (
	App    = DefaultAppKeyMap()
	Screen = DefaultScreenKeyMap()
)
