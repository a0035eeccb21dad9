package screens

import (
	"context"

	"go.uber.org/atomic"

	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/pubsub"
)

// Handle owns one resource bundle. Its ready signal latches: once the
// bundle reports ready, ReadyC stays closed even if the bundle misbehaves.
// Dispose forwards to the bundle exactly once.
type Handle struct {
	screen   Screen
	instance Instance
	res      Resources

	ready    *atomic.Bool
	readyC   chan struct{}
	disposed *atomic.Bool
	stop     context.CancelFunc
}

// NewHandle initializes resources for inst.
func NewHandle(ctx *Context, screen Screen, inst Instance, refresh RefreshFunc) *Handle {
	watchCtx, stop := context.WithCancel(context.Background())
	h := &Handle{
		screen:   screen,
		instance: inst,
		res:      screen.InitInstanceResources(ctx, inst, refresh),
		ready:    atomic.NewBool(false),
		readyC:   make(chan struct{}),
		disposed: atomic.NewBool(false),
		stop:     stop,
	}
	if h.res.Ready().Get() {
		h.latch()
		stop()
		return h
	}
	go func() {
		if _, err := pubsub.WaitFor(watchCtx, h.res.Ready(), func(v bool) bool { return v }); err == nil {
			h.latch()
		}
	}()
	return h
}

func (h *Handle) latch() {
	if h.ready.CompareAndSwap(false, true) {
		close(h.readyC)
	}
}

// Screen returns the screen the bundle belongs to.
func (h *Handle) Screen() Screen { return h.screen }

// Instance returns the mapped instance.
func (h *Handle) Instance() Instance { return h.instance }

// Resources returns the bundle. Undefined after Dispose.
func (h *Handle) Resources() Resources { return h.res }

// IsReady reports whether the bundle has been ready at least once.
func (h *Handle) IsReady() bool { return h.ready.Load() }

// ReadyC is closed once the bundle is ready.
func (h *Handle) ReadyC() <-chan struct{} { return h.readyC }

// Disposed reports whether Dispose has run.
func (h *Handle) Disposed() bool { return h.disposed.Load() }

// Dispose releases the bundle. Later calls are ignored and logged.
func (h *Handle) Dispose() {
	if !h.disposed.CompareAndSwap(false, true) {
		log.Error(log.CatDriver, "Resources disposed twice", "slug", h.instance.Slug)
		return
	}
	h.stop()
	h.res.Dispose()
}

// DisposeAll disposes every handle not yet disposed. Nil entries are skipped.
func DisposeAll(handles []*Handle) {
	for _, h := range handles {
		if h != nil && !h.Disposed() {
			h.Dispose()
		}
	}
}
