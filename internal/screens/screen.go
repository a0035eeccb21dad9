// Package screens defines what a server-declared screen must provide to be
// shown: a parameter mapper, a resource initializer and a component. The
// driver owns every resource bundle it creates and disposes each one
// exactly once through a Handle.
package screens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zjrosen/screenqueue/internal/cachemanager"
	"github.com/zjrosen/screenqueue/internal/pubsub"
	"github.com/zjrosen/screenqueue/internal/queuestate"
)

var (
	// ErrRefreshUnsupported is returned by a refresh hook handed to
	// resources created while a pop is being finished.
	ErrRefreshUnsupported = errors.New("screens: refresh not supported while popping")
	// ErrScreenReplaced is returned by a refresh hook whose screen is no
	// longer shown.
	ErrScreenReplaced = errors.New("screens: screen replaced")
)

// Size is the space available to a component.
type Size struct {
	Width  int
	Height int
}

// Context is shared by every screen for the life of the host.
type Context struct {
	// Cache holds expensive resource results across instances, so a
	// prefetched instance warms it for the one that is later shown.
	Cache cachemanager.CacheManager[string, any]
	// Size tracks the terminal size.
	Size *pubsub.Value[Size]
	// MarkdownStyle is a glamour style name.
	MarkdownStyle string
}

// NewContext creates a context with an in-memory cache.
func NewContext(markdownStyle string) *Context {
	return &Context{
		Cache:         cachemanager.NewInMemoryCacheManager[string, any]("screens", 30*time.Minute, cachemanager.DefaultCleanupInterval),
		Size:          pubsub.NewValue(Size{Width: 80, Height: 24}),
		MarkdownStyle: markdownStyle,
	}
}

// Instance is a peeked screen with mapped parameters.
type Instance struct {
	Slug   string
	Params any
}

// Resources is what a screen loads before it can be shown. Ready must only
// ever move from false to true. Dispose is called exactly once.
type Resources interface {
	Ready() *pubsub.Value[bool]
	Dispose()
}

// RefreshFunc asks the driver for a fresh peek. A nil return means the
// request was accepted and this instance will be replaced.
type RefreshFunc func(ctx context.Context) error

// PopRequest is what a component passes to StartPop. A nil Trigger lets
// the server decide; an empty Endpoint uses the default pop path. OnError,
// when set, receives a failed pop instead of the shared error state.
type PopRequest struct {
	Trigger  *queuestate.Trigger
	Endpoint string
	OnError  func(error)
}

// FinishPop tells the driver the outgoing component may stop rendering.
type FinishPop func()

// StartPopFunc begins a pop and returns the matching FinishPop. It never
// blocks.
type StartPopFunc func(req PopRequest) FinishPop

// Props are handed to a component.
type Props struct {
	Ctx       *Context
	Instance  Instance
	Resources Resources
	StartPop  StartPopFunc
	// Trace posts an event for this screen; it never blocks.
	Trace func(event any)
	// Key identifies this component instance.
	Key string
}

// Screen is a registered screen implementation.
type Screen interface {
	Slug() string
	MapParams(raw json.RawMessage) (any, error)
	InitInstanceResources(ctx *Context, inst Instance, refresh RefreshFunc) Resources
	Component(props Props) tea.Model
}

type typedScreen[P any, R Resources] struct {
	slug      string
	mapParams func(raw json.RawMessage) (P, error)
	init      func(ctx *Context, params P, refresh RefreshFunc) R
	component func(props Props, params P, res R) tea.Model
}

// Define builds a Screen from typed functions.
func Define[P any, R Resources](
	slug string,
	mapParams func(raw json.RawMessage) (P, error),
	init func(ctx *Context, params P, refresh RefreshFunc) R,
	component func(props Props, params P, res R) tea.Model,
) Screen {
	return &typedScreen[P, R]{slug: slug, mapParams: mapParams, init: init, component: component}
}

// JSONParams decodes parameters into P and runs validate when non-nil.
func JSONParams[P any](validate func(P) error) func(json.RawMessage) (P, error) {
	return func(raw json.RawMessage) (P, error) {
		var p P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return p, fmt.Errorf("decoding parameters: %w", err)
			}
		}
		if validate != nil {
			if err := validate(p); err != nil {
				return p, err
			}
		}
		return p, nil
	}
}

func (s *typedScreen[P, R]) Slug() string { return s.slug }

func (s *typedScreen[P, R]) MapParams(raw json.RawMessage) (any, error) {
	return s.mapParams(raw)
}

func (s *typedScreen[P, R]) InitInstanceResources(ctx *Context, inst Instance, refresh RefreshFunc) Resources {
	return s.init(ctx, inst.Params.(P), refresh)
}

func (s *typedScreen[P, R]) Component(props Props) tea.Model {
	return s.component(props, props.Instance.Params.(P), props.Resources.(R))
}

// BasicResources is a ready flag plus an optional dispose hook.
type BasicResources struct {
	ready   *pubsub.Value[bool]
	dispose func()
}

// NewResources creates resources that are not ready yet.
func NewResources(dispose func()) *BasicResources {
	return &BasicResources{
		ready:   pubsub.NewValue(false, pubsub.WithEqual(func(a, b bool) bool { return a == b })),
		dispose: dispose,
	}
}

// ReadyResources creates resources that are ready immediately.
func ReadyResources() *BasicResources {
	r := NewResources(nil)
	r.MarkReady()
	return r
}

// MarkReady flips ready to true.
func (r *BasicResources) MarkReady() { r.ready.Set(true) }

// Ready implements Resources.
func (r *BasicResources) Ready() *pubsub.Value[bool] { return r.ready }

// Dispose implements Resources.
func (r *BasicResources) Dispose() {
	if r.dispose != nil {
		r.dispose()
	}
}
