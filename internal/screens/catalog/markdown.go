package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"go.uber.org/atomic"

	"github.com/zjrosen/screenqueue/internal/keys"
	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/screens"
)

// MarkdownCacheTTL bounds how long a rendered document is reused.
const MarkdownCacheTTL = 30 * time.Minute

// noMarginStyle removes glamour's document margins.
const noMarginStyle = `{
	"document": {
		"margin": 0,
		"block_prefix": "",
		"block_suffix": ""
	}
}`

// MarkdownParams are the parameters of the markdown screen.
type MarkdownParams struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (p MarkdownParams) validate() error {
	if strings.TrimSpace(p.Body) == "" {
		return errors.New("markdown: body is required")
	}
	return nil
}

// renderMarkdown renders body with glamour. style is "dark" or "light".
// DarkStyle and LightStyle are used instead of auto detection so no
// terminal queries leak into the input stream.
func renderMarkdown(style string, width int, body string) (string, error) {
	if style == "" {
		style = "dark"
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithStylesFromJSONBytes([]byte(noMarginStyle)),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("creating markdown renderer: %w", err)
	}
	return r.Render(body)
}

func markdownCacheKey(style string, width int, body string) string {
	sum := sha256.Sum256([]byte(body))
	return fmt.Sprintf("markdown:%s:%d:%s", style, width, hex.EncodeToString(sum[:8]))
}

// markdownResources renders the document off the update loop. Ready once
// the document (or its error) is available.
type markdownResources struct {
	*screens.BasicResources
	refresh  screens.RefreshFunc
	disposed *atomic.Bool

	mu       sync.Mutex
	rendered string
	err      error
}

func newMarkdownResources(ctx *screens.Context, params MarkdownParams, refresh screens.RefreshFunc) *markdownResources {
	res := &markdownResources{refresh: refresh, disposed: atomic.NewBool(false)}
	res.BasicResources = screens.NewResources(func() { res.disposed.Store(true) })

	width := contentWidth(ctx.Size.Get().Width)
	cacheKey := markdownCacheKey(ctx.MarkdownStyle, width, params.Body)
	if cached, ok := ctx.Cache.GetWithRefresh(context.Background(), cacheKey, MarkdownCacheTTL); ok {
		res.set(cached.(string), nil)
		return res
	}

	go func() {
		out, err := renderMarkdown(ctx.MarkdownStyle, width, params.Body)
		if err != nil {
			log.ErrorErr(log.CatUI, "Markdown render failed", err)
		} else {
			ctx.Cache.Set(context.Background(), cacheKey, out, MarkdownCacheTTL)
		}
		if res.disposed.Load() {
			return
		}
		res.set(out, err)
	}()
	return res
}

func (r *markdownResources) set(out string, err error) {
	r.mu.Lock()
	r.rendered, r.err = out, err
	r.mu.Unlock()
	r.MarkReady()
}

func (r *markdownResources) document() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rendered, r.err
}

// Markdown shows a pre-rendered markdown document. Enter pops straight
// away; r asks for a fresh peek.
func Markdown() screens.Screen {
	return screens.Define("markdown",
		screens.JSONParams(MarkdownParams.validate),
		newMarkdownResources,
		func(props screens.Props, params MarkdownParams, res *markdownResources) tea.Model {
			return markdownModel{props: props, params: params, res: res}
		},
	)
}

type refreshResultMsg struct {
	key string
	err error
}

type markdownModel struct {
	props  screens.Props
	params MarkdownParams
	res    *markdownResources

	leaving bool
	notice  string
}

func (m markdownModel) Init() tea.Cmd { return nil }

func (m markdownModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.leaving {
			return m, nil
		}
		switch {
		case key.Matches(msg, keys.Screen.Confirm):
			m.leaving = true
			m.props.StartPop(screens.PopRequest{})()
		case key.Matches(msg, keys.Screen.Refresh):
			k, refresh := m.props.Key, m.res.refresh
			return m, func() tea.Msg {
				return refreshResultMsg{key: k, err: refresh(context.Background())}
			}
		}
	case refreshResultMsg:
		if msg.key == m.props.Key && msg.err != nil {
			m.notice = msg.err.Error()
		}
	}
	return m, nil
}

func (m markdownModel) View() string {
	var b strings.Builder
	if m.params.Title != "" {
		b.WriteString(headerStyle.Render(m.params.Title))
		b.WriteString("\n\n")
	}
	doc, err := m.res.document()
	if err != nil {
		b.WriteString(bodyStyle.Render(m.params.Body))
	} else {
		b.WriteString(strings.TrimRight(doc, "\n"))
	}
	b.WriteString("\n\n")
	if m.notice != "" {
		b.WriteString(errorStyle.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render("enter continue · r refresh"))
	return b.String()
}
