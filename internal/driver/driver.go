// Package driver renders the screen queue. Each settled success value of
// the queue is one loop iteration: resolve the active screen, load its
// resources and those of the prefetch candidates, show it, and negotiate
// the two-phase pop with the component.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/pubsub"
	"github.com/zjrosen/screenqueue/internal/queuestate"
	"github.com/zjrosen/screenqueue/internal/screens"
)

// DefaultSkipLimit is how many unknown active screens in a row are popped
// with a skip trigger before giving up.
const DefaultSkipLimit = 10

// ErrTooManySkips ends Run when the skip limit is exceeded.
var ErrTooManySkips = errors.New("driver: too many skips in a row")

// Config tunes a Driver.
type Config struct {
	SkipLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{SkipLimit: DefaultSkipLimit}
}

// Queue is the state machine the driver reads and advances.
// *queuestate.Machine implements it.
type Queue interface {
	Value() *pubsub.Value[*queuestate.State]
	Peek(ctx context.Context) (*queuestate.State, error)
	Pop(ctx context.Context, from *queuestate.State, trigger *queuestate.Trigger, endpoint string, onError func(error)) (*queuestate.State, error)
	Trace(ctx context.Context, from *queuestate.State, event any)
	Endpoints() queuestate.Endpoints
}

// Driver is the render loop. It must be the only caller of Peek and Pop on
// its queue; traces from elsewhere are fine.
type Driver struct {
	cfg      Config
	queue    Queue
	registry *screens.Registry
	sctx     *screens.Context

	render      *pubsub.Value[RenderState]
	transitions *pubsub.Broker[RenderState]
	gen         *atomic.Uint64
	effect      string
	loops       int
}

// New creates a driver rendering loading-queue until Run starts.
func New(cfg Config, queue Queue, registry *screens.Registry, sctx *screens.Context) *Driver {
	if cfg.SkipLimit < 1 {
		cfg.SkipLimit = DefaultSkipLimit
	}
	transitions := pubsub.NewBroker[RenderState]()
	render := pubsub.NewValue(RenderState{Phase: PhaseLoadingQueue},
		pubsub.WithEqual(sameRender), pubsub.WithPublisher[RenderState](transitions))
	return &Driver{
		cfg:         cfg,
		queue:       queue,
		registry:    registry,
		sctx:        sctx,
		render:      render,
		transitions: transitions,
		gen:         atomic.NewUint64(0),
	}
}

// Render is the observable render state.
func (d *Driver) Render() *pubsub.Value[RenderState] {
	return d.render
}

// Transitions streams every render state in the order it was set, which
// Render's waiters may coalesce.
func (d *Driver) Transitions() pubsub.Subscriber[RenderState] {
	return d.transitions
}

// Run drives the loop until ctx ends, disposing everything it owns on the
// way out. It returns nil on cancellation and ErrTooManySkips when the
// server keeps sending screens this client does not know.
func (d *Driver) Run(ctx context.Context) error {
	d.effect = uuid.NewString()
	log.Info(log.CatDriver, "Driver mounting", "effect", d.effect)
	defer func() {
		d.gen.Inc()
		log.Info(log.CatDriver, "Driver unmounting", "effect", d.effect)
	}()

	skips := 0
	for {
		state, err := d.settled(ctx)
		if err != nil {
			return nil
		}

		if state.Kind == queuestate.KindError {
			log.Error(log.CatDriver, "Queue error", "effect", d.effect, "description", state.Description)
			d.render.Set(RenderState{
				Phase:       PhaseError,
				Description: state.Description,
				Err:         state.Err,
				RetryAt:     state.RetryAt,
			})
			if _, err := pubsub.WaitFor(ctx, d.queue.Value(), func(s *queuestate.State) bool { return s != state }); err != nil {
				return nil
			}
			continue
		}

		if err := d.runPeeked(ctx, state, &skips); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// settled waits for a non-loading queue value, showing loading-queue
// while it waits.
func (d *Driver) settled(ctx context.Context) (*queuestate.State, error) {
	if cur := d.queue.Value().Get(); cur.Kind != queuestate.KindLoading {
		return cur, nil
	}
	log.Info(log.CatDriver, "loading-queue", "effect", d.effect)
	d.render.Set(RenderState{Phase: PhaseLoadingQueue})
	return pubsub.WaitFor(ctx, d.queue.Value(), func(s *queuestate.State) bool {
		return s.Kind != queuestate.KindLoading
	})
}

// iteration is one loop iteration's signals. Ending it invalidates the
// callbacks handed to its screens.
type iteration struct {
	gen     uint64
	current *atomic.Uint64
	ended   *atomic.Bool

	repeekOnce sync.Once
	repeek     chan struct{}

	popStarted *atomic.Bool
	startPop   chan popRequest
}

type popRequest struct {
	screens.PopRequest
	finish chan struct{}
}

func (d *Driver) newIteration() *iteration {
	return &iteration{
		gen:        d.gen.Inc(),
		current:    d.gen,
		ended:      atomic.NewBool(false),
		repeek:     make(chan struct{}),
		popStarted: atomic.NewBool(false),
		startPop:   make(chan popRequest, 1),
	}
}

func (it *iteration) end() { it.ended.Store(true) }

// live reports whether callbacks from this iteration may still act. A newer
// iteration supersedes it even before it is released.
func (it *iteration) live() bool {
	return !it.ended.Load() && it.current.Load() == it.gen
}

func (it *iteration) refresh(context.Context) error {
	if !it.live() {
		return screens.ErrScreenReplaced
	}
	it.repeekOnce.Do(func() { close(it.repeek) })
	return nil
}

func (it *iteration) startPopFunc(slug string) screens.StartPopFunc {
	return func(req screens.PopRequest) screens.FinishPop {
		if !it.live() || !it.popStarted.CompareAndSwap(false, true) {
			log.Warn(log.CatDriver, "startPop called on disposed instance", "slug", slug)
			return func() {}
		}
		finish := make(chan struct{})
		var once sync.Once
		it.startPop <- popRequest{PopRequest: req, finish: finish}
		return func() {
			if it.ended.Load() {
				log.Warn(log.CatDriver, "finishPop called on ended iteration", "slug", slug)
				return
			}
			once.Do(func() { close(finish) })
		}
	}
}

// resetPop lets the component call startPop again after a handled failure.
func (it *iteration) resetPop() { it.popStarted.Store(false) }

func unsupportedRefresh(context.Context) error { return screens.ErrRefreshUnsupported }

// handles creates resources for each known candidate; unknown ones are
// omitted.
func (d *Driver) handles(candidates []queuestate.PeekedScreen, refresh screens.RefreshFunc) []*screens.Handle {
	out := make([]*screens.Handle, 0, len(candidates))
	for _, c := range candidates {
		screen, inst, ok := d.registry.Instantiate(c)
		if !ok {
			continue
		}
		out = append(out, screens.NewHandle(d.sctx, screen, inst, refresh))
	}
	return out
}

type popOutcome struct {
	state *queuestate.State
	err   error
}

// runPeeked is the core loop for consecutive success values. It returns
// nil when the loop must reinitialize from the queue's current value.
func (d *Driver) runPeeked(ctx context.Context, state *queuestate.State, skips *int) error {
	log.Info(log.CatDriver, "Core loop initializing", "effect", d.effect)

	var release func()
	releaseLast := func() {
		if release != nil {
			release()
			release = nil
		}
	}
	defer releaseLast()

	for {
		d.loops++
		loop := d.loops
		it := d.newIteration()
		slug := state.Active.Slug
		log.Info(log.CatDriver, "Core loop iteration", "effect", d.effect, "loop", loop, "slug", slug)

		screen, inst, ok := d.registry.Instantiate(state.Active)
		if !ok {
			*skips++
			if *skips > d.cfg.SkipLimit {
				log.Error(log.CatDriver, "Too many skips in a row", "effect", d.effect, "loop", loop)
				d.render.Set(RenderState{Phase: PhaseError, Description: "Too many skips in a row", Err: ErrTooManySkips})
				return ErrTooManySkips
			}
			log.Warn(log.CatDriver, "Screen not supported; skipping", "effect", d.effect, "loop", loop, "slug", slug)
			releaseLast()
			_, _ = d.queue.Pop(ctx, state, queuestate.SkipTrigger(), d.queue.Endpoints().Pop, nil)
			return nil
		}
		*skips = 0

		active := screens.NewHandle(d.sctx, screen, inst, it.refresh)
		prefetch := d.handles(state.Prefetch, it.refresh)
		log.Debug(log.CatDriver, "Attached resource requests", "effect", d.effect, "loop", loop, "prefetch", len(prefetch))
		releaseLast()

		disposeIteration := func() {
			it.end()
			screens.DisposeAll([]*screens.Handle{active})
			screens.DisposeAll(prefetch)
		}
		if ctx.Err() != nil {
			disposeIteration()
			return nil
		}

		if !active.IsReady() {
			log.Info(log.CatDriver, "Spinner while resources load", "effect", d.effect, "loop", loop, "slug", slug)
			d.render.Set(RenderState{Phase: PhaseSpinner})
			select {
			case <-active.ReadyC():
			case <-ctx.Done():
				disposeIteration()
				return nil
			case <-it.repeek:
				log.Warn(log.CatDriver, "Repeek during initial load; peeking and reinitializing", "effect", d.effect, "loop", loop)
				disposeIteration()
				_, _ = d.queue.Peek(ctx)
				return nil
			}
		}

		key := fmt.Sprintf("%s-%d", d.effect, loop)
		from := state
		component := screen.Component(screens.Props{
			Ctx:       d.sctx,
			Instance:  inst,
			Resources: active.Resources(),
			StartPop:  it.startPopFunc(slug),
			Trace:     func(event any) { d.queue.Trace(ctx, from, event) },
			Key:       key,
		})
		shown := func(phase Phase) RenderState {
			return RenderState{Phase: phase, Component: component, Key: key, Slug: slug}
		}

		log.Info(log.CatDriver, "Showing active screen", "effect", d.effect, "loop", loop, "slug", slug)
		d.render.Set(shown(PhaseSuccess))

	wait:
		for {
			select {
			case <-ctx.Done():
				disposeIteration()
				return nil

			case req := <-it.startPop:
				endpoint := req.Endpoint
				if endpoint == "" {
					endpoint = d.queue.Endpoints().Pop
				}
				log.Info(log.CatDriver, "Preparing pop", "effect", d.effect, "loop", loop,
					"endpoint", endpoint, "handled", req.OnError != nil)
				d.render.Set(shown(PhasePreparingPop))

				popDone := make(chan popOutcome, 1)
				go func() {
					s, err := d.queue.Pop(ctx, from, req.Trigger, endpoint, req.OnError)
					popDone <- popOutcome{state: s, err: err}
				}()

				var out popOutcome
				finished := false
				select {
				case out = <-popDone:
				case <-req.finish:
					finished = true
				case <-ctx.Done():
					disposeIteration()
					return nil
				}

				if finished {
					log.Info(log.CatDriver, "Screen left before pop finished; finishing-pop", "effect", d.effect, "loop", loop)
					if req.OnError == nil {
						screens.DisposeAll([]*screens.Handle{active})
					}
					d.render.Set(shown(PhaseFinishingPop))
					select {
					case out = <-popDone:
					case <-ctx.Done():
						disposeIteration()
						return nil
					}
				}
				if ctx.Err() != nil {
					disposeIteration()
					return nil
				}

				if out.err != nil || out.state == nil || out.state.Kind != queuestate.KindSuccess {
					if req.OnError == nil {
						log.Warn(log.CatDriver, "Pop failed; peeking and reinitializing", "effect", d.effect, "loop", loop, "error", out.err)
						disposeIteration()
						_, _ = d.queue.Peek(ctx)
						return nil
					}
					if d.queue.Value().Get() != from {
						log.Warn(log.CatDriver, "Handled pop failed and queue changed; reinitializing", "effect", d.effect, "loop", loop)
						disposeIteration()
						return nil
					}
					log.Info(log.CatDriver, "Handled pop failed; back to success", "effect", d.effect, "loop", loop)
					it.resetPop()
					d.render.Set(shown(PhaseSuccess))
					continue
				}

				next := out.state
				if finished {
					log.Info(log.CatDriver, "Pop finished after screen left; next iteration", "effect", d.effect, "loop", loop)
					screens.DisposeAll([]*screens.Handle{active})
					old := prefetch
					release = func() {
						it.end()
						screens.DisposeAll(old)
					}
					state = next
					break wait
				}

				log.Info(log.CatDriver, "Pop finished while screen is leaving; prefetching next", "effect", d.effect, "loop", loop)
				warm := d.handles(append([]queuestate.PeekedScreen{next.Active}, next.Prefetch...), unsupportedRefresh)
				screens.DisposeAll(prefetch)
				d.render.Set(shown(PhasePreparedPop))

				select {
				case <-req.finish:
				case <-ctx.Done():
					it.end()
					screens.DisposeAll([]*screens.Handle{active})
					screens.DisposeAll(warm)
					return nil
				}
				log.Info(log.CatDriver, "finishPop called; next iteration", "effect", d.effect, "loop", loop)
				release = func() {
					it.end()
					screens.DisposeAll([]*screens.Handle{active})
					screens.DisposeAll(warm)
				}
				state = next
				break wait

			case <-it.repeek:
				log.Info(log.CatDriver, "Repeek requested by active screen", "effect", d.effect, "loop", loop)
				next, err := d.queue.Peek(ctx)
				if ctx.Err() != nil {
					disposeIteration()
					return nil
				}
				if err != nil || next == nil || next.Kind != queuestate.KindSuccess {
					log.Warn(log.CatDriver, "Repeek failed; reinitializing", "effect", d.effect, "loop", loop)
					disposeIteration()
					return nil
				}
				release = disposeIteration
				state = next
				break wait
			}
		}
	}
}
