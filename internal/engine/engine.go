// Package engine supervises the screen queue for one host. While the user
// is logged in it mounts a queue machine and a driver; logging out tears
// both down and disposes whatever the driver owned.
package engine

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/screenqueue/internal/driver"
	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/pubsub"
	"github.com/zjrosen/screenqueue/internal/queuestate"
	"github.com/zjrosen/screenqueue/internal/screens"
	"github.com/zjrosen/screenqueue/internal/session"
	"github.com/zjrosen/screenqueue/internal/touchlink"
)

// Config bundles the tunables of the mounted machine and driver.
type Config struct {
	Queue  queuestate.Config
	Driver driver.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Queue:  queuestate.DefaultConfig(),
		Driver: driver.DefaultConfig(),
	}
}

// Visitor is the visitor identity the engine loads and hands to the queue.
// *session.VisitorSource implements it.
type Visitor interface {
	queuestate.VisitorIdentity
	Load(ctx context.Context) error
}

// Mount is the machine and driver of one logged-in session.
type Mount struct {
	Machine *queuestate.Machine
	Driver  *driver.Driver
}

// Deps are the engine's collaborators. Resolver may be nil, in which case
// every session opens with a plain peek.
type Deps struct {
	Client   queuestate.Caller
	Login    *pubsub.Value[session.Login]
	Visitor  Visitor
	Resolver *touchlink.Resolver
	Registry *screens.Registry
	Screens  *screens.Context
	Tracer   trace.Tracer
}

// Engine is the mount supervisor.
type Engine struct {
	cfg  Config
	deps Deps

	mount *pubsub.Value[*Mount]
}

// New creates an engine. Nothing runs until Run.
func New(cfg Config, deps Deps) *Engine {
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return &Engine{
		cfg:   cfg,
		deps:  deps,
		mount: pubsub.NewValue[*Mount](nil),
	}
}

// Mount is the current session's machine and driver, nil while logged out
// or still loading.
func (e *Engine) Mount() *pubsub.Value[*Mount] {
	return e.mount
}

// Login is the login value the engine follows.
func (e *Engine) Login() *pubsub.Value[session.Login] {
	return e.deps.Login
}

// Resolver is the touch-link resolver, possibly nil.
func (e *Engine) Resolver() *touchlink.Resolver {
	return e.deps.Resolver
}

// Retry issues a fresh peek on the mounted machine.
func (e *Engine) Retry(ctx context.Context) error {
	m := e.mount.Get()
	if m == nil {
		return errors.New("engine: not mounted")
	}
	_, err := m.Machine.Peek(ctx)
	if queuestate.IsSilent(err) {
		return nil
	}
	return err
}

// Run starts the resolver and visitor, then mounts and unmounts the queue
// as the login changes, until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if e.deps.Resolver != nil {
		g.Go(func() error {
			if err := e.deps.Resolver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.ErrorErr(log.CatTouch, "Touch link resolution failed", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		_ = e.deps.Visitor.Load(ctx)
		return nil
	})
	g.Go(func() error {
		return e.supervise(ctx)
	})
	return g.Wait()
}

func (e *Engine) supervise(ctx context.Context) error {
	for {
		login, err := pubsub.WaitFor(ctx, e.deps.Login, func(l session.Login) bool {
			return l.State == session.StateLoggedIn
		})
		if err != nil {
			return nil
		}
		log.Info(log.CatSession, "Mounting queue", "sub", login.User.Sub)
		e.runMounted(ctx)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// runMounted runs one session until logout or ctx ends.
func (e *Engine) runMounted(ctx context.Context) {
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	machine := queuestate.New(e.cfg.Queue, e.deps.Client, e.deps.Login, e.deps.Visitor,
		queuestate.WithTracer(e.deps.Tracer))
	d := driver.New(e.cfg.Driver, machine, e.deps.Registry, e.deps.Screens)
	e.mount.Set(&Mount{Machine: machine, Driver: d})

	var src queuestate.FirstPeekSource
	if e.deps.Resolver != nil {
		src = e.deps.Resolver
	}

	g, gctx := errgroup.WithContext(mctx)
	transitions := d.Transitions().Subscribe(gctx)
	g.Go(func() error {
		logTransitions(transitions)
		return nil
	})
	g.Go(func() error {
		if err := machine.Start(gctx, src); err != nil {
			log.ErrorErr(log.CatQueue, "First call failed", err)
		}
		return nil
	})
	g.Go(func() error {
		return runDriver(gctx, machine, d)
	})

	_, _ = pubsub.WaitFor(ctx, e.deps.Login, func(l session.Login) bool {
		return l.State == session.StateLoggedOut
	})
	log.Info(log.CatSession, "Unmounting queue")
	cancel()
	if err := g.Wait(); err != nil {
		log.ErrorErr(log.CatDriver, "Driver exited with error", err)
	}
	machine.WaitTraces()
	if e.deps.Screens != nil && e.deps.Screens.Cache != nil {
		// Rendered screens belong to the user who just left.
		_ = e.deps.Screens.Cache.Flush(context.WithoutCancel(ctx))
	}
	e.mount.Set(nil)
}

// runDriver keeps the driver running for the session. After too many skips
// the error stays on screen until the queue value changes (a retry), then
// the driver starts over with a fresh skip count.
func runDriver(ctx context.Context, machine *queuestate.Machine, d *driver.Driver) error {
	for {
		err := d.Run(ctx)
		if !errors.Is(err, driver.ErrTooManySkips) {
			return err
		}
		log.ErrorErr(log.CatDriver, "Driver stopped; waiting for retry", err)
		stuck := machine.Value().Get()
		if _, err := pubsub.WaitFor(ctx, machine.Value(), func(s *queuestate.State) bool { return s != stuck }); err != nil {
			return nil
		}
		log.Info(log.CatDriver, "Queue changed after skip limit; restarting driver")
	}
}

// logTransitions writes each render phase change to the debug log until the
// subscription closes, noting when the broker dropped some.
func logTransitions(events <-chan pubsub.Event[driver.RenderState]) {
	var last uint64
	for ev := range events {
		if last != 0 && ev.Seq != last+1 {
			log.Warn(log.CatDriver, "Render transitions dropped", "missed", ev.Seq-last-1)
		}
		last = ev.Seq
		log.Debug(log.CatDriver, "Render transition", "seq", ev.Seq, "phase", ev.Payload.Phase.String(), "slug", ev.Payload.Slug)
	}
}
