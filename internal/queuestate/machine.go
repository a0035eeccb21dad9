// Package queuestate owns the screen queue value: peek, pop and trace calls
// against the queue service, with at most one call in flight and every call
// moving the value to loading before the network round trip starts.
package queuestate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/protocol"
	"github.com/zjrosen/screenqueue/internal/pubsub"
	"github.com/zjrosen/screenqueue/internal/session"
	"github.com/zjrosen/screenqueue/internal/tracing"
)

const flightKey = "queue"

// Endpoints are the queue service paths.
type Endpoints struct {
	Peek       string
	Pop        string
	Trace      string
	MergeToken string
	Checkout   string
	TouchLink  string
}

// DefaultEndpoints returns the production paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Peek:       "/api/1/users/me/screens/peek",
		Pop:        "/api/1/users/me/screens/pop",
		Trace:      "/api/1/users/me/screens/trace",
		MergeToken: "/api/1/users/me/screens/empty_with_merge_token",
		Checkout:   "/api/1/users/me/screens/empty_with_checkout_uid",
		TouchLink:  "/api/1/users/me/screens/apply_touch_link",
	}
}

// Config tunes a Machine.
type Config struct {
	Endpoints Endpoints
	// ExpiryBuffer is how close to expiry an id token may be and still be used.
	ExpiryBuffer time.Duration
	// TraceTimeout bounds fire-and-forget trace calls.
	TraceTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Endpoints:    DefaultEndpoints(),
		ExpiryBuffer: session.DefaultExpiryBuffer,
		TraceTimeout: 10 * time.Second,
	}
}

// Caller performs protocol calls. *protocol.Client implements it.
type Caller interface {
	Call(ctx context.Context, req protocol.Request) (*protocol.Envelope, error)
	Send(ctx context.Context, req protocol.Request) error
}

// VisitorIdentity is the visitor value plus its write-back hook.
// *session.VisitorSource implements it.
type VisitorIdentity interface {
	Value() *pubsub.Value[session.Visitor]
	SetVisitor(ctx context.Context, uid string)
}

// Machine is the queue state machine. Create one per logged-in session.
type Machine struct {
	cfg     Config
	client  Caller
	login   *pubsub.Value[session.Login]
	visitor VisitorIdentity
	tracer  trace.Tracer
	now     func() time.Time

	value  *pubsub.Value[*State]
	group  singleflight.Group
	traces sync.WaitGroup
}

// Option customizes a Machine.
type Option func(*Machine)

// WithTracer records spans for every call.
func WithTracer(t trace.Tracer) Option {
	return func(m *Machine) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a machine whose value starts out loading.
func New(cfg Config, client Caller, login *pubsub.Value[session.Login], visitor VisitorIdentity, opts ...Option) *Machine {
	m := &Machine{
		cfg:     cfg,
		client:  client,
		login:   login,
		visitor: visitor,
		tracer:  noop.NewTracerProvider().Tracer("noop"),
		now:     time.Now,
		value:   pubsub.NewValue(loadingState(), pubsub.WithEqual(sameState)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Value is the observable queue state.
func (m *Machine) Value() *pubsub.Value[*State] {
	return m.value
}

// Endpoints returns the configured paths.
func (m *Machine) Endpoints() Endpoints {
	return m.cfg.Endpoints
}

// Peek fetches the current active and prefetch screens.
// On failure the returned state is the error value now published.
func (m *Machine) Peek(ctx context.Context) (*State, error) {
	return m.call(ctx, call{
		span: tracing.SpanQueuePeek,
		path: m.cfg.Endpoints.Peek,
	})
}

// Pop advances the queue from from, which must be the current success
// value. A nil trigger lets the server decide. An empty endpoint uses the
// default pop path. When onError is non-nil a failure restores from,
// invokes onError, and returns ErrHandled.
func (m *Machine) Pop(ctx context.Context, from *State, trigger *Trigger, endpoint string, onError func(error)) (*State, error) {
	if from == nil || from.Kind != KindSuccess {
		return nil, fmt.Errorf("queuestate: pop requires a success state")
	}
	if endpoint == "" {
		endpoint = m.cfg.Endpoints.Pop
	}
	return m.call(ctx, call{
		span:    tracing.SpanQueuePop,
		path:    endpoint,
		from:    from,
		body:    popBody{ScreenJWT: from.ActiveJWT, Trigger: trigger},
		trigger: trigger,
		onError: onError,
	})
}

// Trace posts event for from's active screen without waiting. It survives
// cancellation of ctx and failures are only logged.
func (m *Machine) Trace(ctx context.Context, from *State, event any) {
	if from == nil || from.Kind != KindSuccess {
		log.Warn(log.CatQueue, "Dropping trace for non-success state")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.TraceTimeout)
	m.traces.Add(1)
	go func() {
		defer m.traces.Done()
		defer cancel()
		ctx, span := m.tracer.Start(ctx, tracing.SpanQueueTrace,
			trace.WithAttributes(attribute.String(tracing.AttrQueueSlug, from.Active.Slug)))
		defer span.End()

		err := m.client.Send(ctx, protocol.Request{
			Path: m.cfg.Endpoints.Trace,
			Body: event,
			Auth: from.ActiveJWT,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Debug(log.CatQueue, "Trace failed", "slug", from.Active.Slug, "error", err)
		}
	}()
}

// WaitTraces blocks until in-flight traces finish.
func (m *Machine) WaitTraces() {
	m.traces.Wait()
}

type call struct {
	span    string
	path    string
	body    any
	from    *State
	trigger *Trigger
	onError func(error)
}

type flightResult struct {
	state *State
	err   error
}

// call coalesces overlapping calls: a caller arriving while another call
// is in flight receives that call's outcome instead of issuing its own.
func (m *Machine) call(ctx context.Context, c call) (*State, error) {
	ch := m.group.DoChan(flightKey, func() (any, error) {
		state, err := m.run(ctx, c)
		return flightResult{state: state, err: err}, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		r := res.Val.(flightResult)
		return r.state, r.err
	}
}

func (m *Machine) run(ctx context.Context, c call) (*State, error) {
	login, visitor, err := m.prepare(ctx)
	if err != nil {
		return nil, err
	}

	prev := m.value.Get()
	if c.from != nil && prev != c.from {
		log.Warn(log.CatQueue, "Refusing pop from superseded state", "path", c.path)
		return nil, ErrStaleState
	}
	m.value.Set(loadingState())

	ctx, span := m.tracer.Start(ctx, c.span, trace.WithAttributes(
		attribute.String(tracing.AttrQueueEndpoint, c.path),
		attribute.Bool(tracing.AttrQueueHandled, c.onError != nil),
	))
	defer span.End()
	if c.trigger != nil {
		span.SetAttributes(attribute.String(tracing.AttrQueueTrigger, c.trigger.Slug))
	}

	env, err := m.client.Call(ctx, protocol.Request{
		Path:    c.path,
		Body:    c.body,
		Auth:    login.Tokens.IDToken,
		Visitor: visitor.UID,
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		m.restore(prev)
		span.SetStatus(codes.Error, "canceled")
		return nil, ctxErr
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, protocol.Describe(err))
		if c.onError != nil {
			m.restore(prev)
			span.AddEvent(tracing.EventStateRestored)
			log.Info(log.CatQueue, "Call failed; handed to caller", "path", c.path, "error", err)
			c.onError(err)
			return nil, ErrHandled
		}
		state := errorState(err, m.now())
		if state.Retryable() {
			span.SetAttributes(attribute.Int64(tracing.AttrQueueRetryAfter, state.RetryAt.Sub(m.now()).Milliseconds()))
		}
		log.Warn(log.CatQueue, "Call failed", "path", c.path, "description", state.Description,
			"retryable", state.Retryable())
		m.value.Set(state)
		return state, err
	}

	if env.Visitor != "" && env.Visitor != visitor.UID {
		span.AddEvent(tracing.EventVisitorAssigned)
		m.visitor.SetVisitor(ctx, env.Visitor)
	}

	state := successState(env)
	span.SetAttributes(
		attribute.String(tracing.AttrQueueSlug, state.Active.Slug),
		attribute.Int(tracing.AttrQueuePrefetch, len(state.Prefetch)),
	)
	span.SetStatus(codes.Ok, "")
	log.Debug(log.CatQueue, "Queue advanced", "path", c.path, "active", state.Active.Slug,
		"prefetch", len(state.Prefetch))
	m.value.Set(state)
	return state, nil
}

// restore puts prev back if nothing replaced our loading value.
func (m *Machine) restore(prev *State) {
	m.value.Swap(func(cur *State) bool { return cur.Kind == KindLoading }, prev)
}

// prepare waits until the login is settled and fresh and the visitor is
// known.
func (m *Machine) prepare(ctx context.Context) (session.Login, session.Visitor, error) {
	login, err := pubsub.WaitFor(ctx, m.login, func(l session.Login) bool {
		switch l.State {
		case session.StateLoading:
			return false
		case session.StateLoggedIn:
			return l.FreshAt(m.now(), m.cfg.ExpiryBuffer)
		default:
			return true
		}
	})
	if err != nil {
		return session.Login{}, session.Visitor{}, err
	}
	if login.State != session.StateLoggedIn {
		return session.Login{}, session.Visitor{}, ErrLoggedOut
	}

	visitor, err := pubsub.WaitFor(ctx, m.visitor.Value(), func(v session.Visitor) bool { return !v.Loading })
	if err != nil {
		return session.Login{}, session.Visitor{}, err
	}
	return login, visitor, nil
}

// IsSilent reports errors that should never be surfaced: cancellation,
// logout, and handled failures.
func IsSilent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrLoggedOut) ||
		errors.Is(err, ErrHandled)
}
