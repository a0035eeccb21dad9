package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/zjrosen/screenqueue/internal/keys"
	"github.com/zjrosen/screenqueue/internal/queuestate"
	"github.com/zjrosen/screenqueue/internal/screens"
)

// ChoiceOption is one answer. Choosing it pops with a trigger named Slug.
type ChoiceOption struct {
	Slug       string          `json:"slug"`
	Label      string          `json:"label"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ChoiceParams are the parameters of the choice screen.
type ChoiceParams struct {
	Prompt  string         `json:"prompt"`
	Options []ChoiceOption `json:"options"`
}

func (p ChoiceParams) validate() error {
	if len(p.Options) == 0 {
		return errors.New("choice: at least one option is required")
	}
	seen := make(map[string]bool, len(p.Options))
	for i, opt := range p.Options {
		if opt.Slug == "" || opt.Label == "" {
			return fmt.Errorf("choice: option %d needs a slug and a label", i)
		}
		if seen[opt.Slug] {
			return fmt.Errorf("choice: duplicate option %q", opt.Slug)
		}
		seen[opt.Slug] = true
	}
	return nil
}

// choiceResources carries pop failures back to the component.
type choiceResources struct {
	*screens.BasicResources
	failures chan error
	done     chan struct{}
}

func newChoiceResources(*screens.Context, ChoiceParams, screens.RefreshFunc) *choiceResources {
	res := &choiceResources{
		failures: make(chan error, 1),
		done:     make(chan struct{}),
	}
	res.BasicResources = screens.NewResources(func() { close(res.done) })
	res.MarkReady()
	return res
}

func (r *choiceResources) fail(err error) {
	select {
	case r.failures <- err:
	default:
	}
}

type popFailedMsg struct {
	key string
	err error
}

// waitFailure resolves when the pop fails, or to nil once the screen is
// gone.
func (r *choiceResources) waitFailure(screenKey string) tea.Cmd {
	return func() tea.Msg {
		select {
		case err := <-r.failures:
			return popFailedMsg{key: screenKey, err: err}
		case <-r.done:
			return nil
		}
	}
}

// Choice asks a question and pops with the chosen option as trigger. A
// failed pop keeps the screen up and shows the error.
func Choice() screens.Screen {
	return screens.Define("choice",
		screens.JSONParams(ChoiceParams.validate),
		newChoiceResources,
		func(props screens.Props, params ChoiceParams, res *choiceResources) tea.Model {
			return choiceModel{props: props, params: params, res: res}
		},
	)
}

type choiceModel struct {
	props  screens.Props
	params ChoiceParams
	res    *choiceResources

	cursor  int
	leaving bool
	finish  screens.FinishPop
	err     error
}

func (m choiceModel) Init() tea.Cmd { return nil }

func (m choiceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.leaving {
			return m, nil
		}
		switch {
		case key.Matches(msg, keys.Screen.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Screen.Down):
			if m.cursor < len(m.params.Options)-1 {
				m.cursor++
			}
		case key.Matches(msg, keys.Screen.Confirm):
			return m.choose()
		}
	case exitDoneMsg:
		if msg.key == m.props.Key && m.finish != nil {
			m.finish()
		}
	case popFailedMsg:
		if msg.key == m.props.Key {
			m.leaving = false
			m.finish = nil
			m.err = msg.err
		}
	}
	return m, nil
}

func (m choiceModel) choose() (tea.Model, tea.Cmd) {
	opt := m.params.Options[m.cursor]
	m.props.Trace(map[string]any{"type": "choice", "option": opt.Slug})

	params := any(json.RawMessage(`{}`))
	if len(opt.Parameters) > 0 {
		params = opt.Parameters
	}
	m.leaving = true
	m.err = nil
	m.finish = m.props.StartPop(screens.PopRequest{
		Trigger: &queuestate.Trigger{Slug: opt.Slug, Parameters: params},
		OnError: m.res.fail,
	})
	return m, tea.Batch(m.res.waitFailure(m.props.Key), exitAfter(m.props.Key, ExitDelay))
}

func (m choiceModel) View() string {
	var b strings.Builder
	if m.params.Prompt != "" {
		b.WriteString(headerStyle.Render(m.params.Prompt))
		b.WriteString("\n\n")
	}
	for i, opt := range m.params.Options {
		line := "  " + opt.Label
		switch {
		case i == m.cursor && m.leaving:
			line = mutedStyle.Render("› " + opt.Label + "…")
		case i == m.cursor:
			line = ctaStyle.Render("› " + opt.Label)
		default:
			line = bodyStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Couldn't save your choice: " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("↑/↓ select · enter choose"))
	return cardStyle.Render(b.String())
}
