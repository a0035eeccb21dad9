package catalog

import (
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/reflow/wordwrap"

	"github.com/zjrosen/screenqueue/internal/keys"
	"github.com/zjrosen/screenqueue/internal/screens"
)

// ConfirmationParams are the parameters of the confirmation screen.
type ConfirmationParams struct {
	Header  string `json:"header"`
	Message string `json:"message"`
	CTA     string `json:"cta"`
}

func (p ConfirmationParams) validate() error {
	if strings.TrimSpace(p.Header) == "" {
		return errors.New("confirmation: header is required")
	}
	return nil
}

// Confirmation shows a header, a message and a single call to action.
// Enter pops with the server's default trigger.
func Confirmation() screens.Screen {
	return screens.Define("confirmation",
		screens.JSONParams(ConfirmationParams.validate),
		func(*screens.Context, ConfirmationParams, screens.RefreshFunc) *screens.BasicResources {
			return screens.ReadyResources()
		},
		func(props screens.Props, params ConfirmationParams, _ *screens.BasicResources) tea.Model {
			return confirmationModel{
				props:  props,
				params: params,
				width:  props.Ctx.Size.Get().Width,
			}
		},
	)
}

type confirmationModel struct {
	props  screens.Props
	params ConfirmationParams
	width  int

	leaving bool
	finish  screens.FinishPop
}

func (m confirmationModel) Init() tea.Cmd { return nil }

func (m confirmationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		if key.Matches(msg, keys.Screen.Confirm) && !m.leaving {
			m.leaving = true
			m.finish = m.props.StartPop(screens.PopRequest{})
			return m, exitAfter(m.props.Key, ExitDelay)
		}
	case exitDoneMsg:
		if msg.key == m.props.Key && m.finish != nil {
			m.finish()
		}
	}
	return m, nil
}

func (m confirmationModel) View() string {
	w := contentWidth(m.width)
	var b strings.Builder
	b.WriteString(headerStyle.Render(m.params.Header))
	if m.params.Message != "" {
		b.WriteString("\n\n")
		b.WriteString(bodyStyle.Render(wordwrap.String(m.params.Message, w)))
	}
	cta := m.params.CTA
	if cta == "" {
		cta = "Continue"
	}
	b.WriteString("\n\n")
	if m.leaving {
		b.WriteString(mutedStyle.Render(cta + "…"))
	} else {
		b.WriteString(ctaStyle.Render(cta) + mutedStyle.Render("  enter"))
	}
	return cardStyle.Width(w + 4).Render(b.String())
}
