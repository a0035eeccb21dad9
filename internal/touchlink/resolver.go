// Package touchlink decides how a session's first queue call is made: a
// merge token or checkout uid from the launch URL, a touch link code from
// the URL or from storage, or a plain peek. While logged out it follows a
// touch link code through a side channel so the host can pick a landing
// page, and it persists the code so a later login can still apply it.
package touchlink

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
	"go.uber.org/atomic"

	"github.com/zjrosen/screenqueue/internal/cachemanager"
	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/protocol"
	"github.com/zjrosen/screenqueue/internal/pubsub"
	"github.com/zjrosen/screenqueue/internal/queuestate"
	"github.com/zjrosen/screenqueue/internal/session"
	"github.com/zjrosen/screenqueue/internal/tracing"
)

// DefaultInfoPath is the logged-out side channel.
const DefaultInfoPath = "/api/1/notifications/complete"

// Config tunes a Resolver.
type Config struct {
	InfoPath string
	// StaleAfter is how old a stored record may be before a different URL
	// code (or none) wins over it.
	StaleAfter time.Duration
	// CacheTTL bounds how long side-channel answers are reused by code.
	CacheTTL time.Duration
	Backoff  protocol.Backoff
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		InfoPath:   DefaultInfoPath,
		StaleAfter: 2 * time.Hour,
		CacheTTL:   cachemanager.DefaultExpiration,
		Backoff:    protocol.DefaultBackoff(),
	}
}

// InfoFetcher resolves a code without login. *protocol.Client implements it.
type InfoFetcher interface {
	NotificationInfo(ctx context.Context, path, code, visitor string) (*protocol.LinkInfo, error)
}

type infoRequest struct {
	code    string
	visitor string
}

// Resolver owns the pending link and logged-out page values.
type Resolver struct {
	cfg     Config
	loc     Location
	store   Store
	fetcher InfoFetcher
	login   *pubsub.Value[session.Login]
	visitor *pubsub.Value[session.Visitor]
	tracer  trace.Tracer
	now     func() time.Time

	info *cachemanager.ReadThroughCache[string, *protocol.LinkInfo, infoRequest]

	pending       *pubsub.Value[Pending]
	loggedOutPage *pubsub.Value[Page]

	mergeApplied    *atomic.Bool
	checkoutApplied *atomic.Bool
	mu              sync.Mutex
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithTracer records a span per resolution.
func WithTracer(t trace.Tracer) Option {
	return func(r *Resolver) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithCache uses cache for side-channel answers instead of a private one.
func WithCache(cache cachemanager.CacheManager[string, *protocol.LinkInfo]) Option {
	return func(r *Resolver) {
		r.info = cachemanager.NewReadThroughCache[string, *protocol.LinkInfo, infoRequest](cache, r.fetchInfo, false)
	}
}

// NewResolver creates a resolver for loc. Both values start out loading
// until Run decides them.
func NewResolver(cfg Config, loc Location, store Store, fetcher InfoFetcher,
	login *pubsub.Value[session.Login], visitor *pubsub.Value[session.Visitor], opts ...Option) *Resolver {
	r := &Resolver{
		cfg:             cfg,
		loc:             loc,
		store:           store,
		fetcher:         fetcher,
		login:           login,
		visitor:         visitor,
		tracer:          noop.NewTracerProvider().Tracer("noop"),
		now:             time.Now,
		pending:         pubsub.NewValue(Pending{Loading: true}),
		loggedOutPage:   pubsub.NewValue(Page{Loading: true}),
		mergeApplied:    atomic.NewBool(false),
		checkoutApplied: atomic.NewBool(false),
	}
	cache := cachemanager.NewInMemoryCacheManager[string, *protocol.LinkInfo](
		"touch-link-info", cfg.CacheTTL, cachemanager.DefaultCleanupInterval)
	r.info = cachemanager.NewReadThroughCache[string, *protocol.LinkInfo, infoRequest](cache, r.fetchInfo, false)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pending is the pending link value.
func (r *Resolver) Pending() *pubsub.Value[Pending] {
	return r.pending
}

// LoggedOutPage is the logged-out landing page value.
func (r *Resolver) LoggedOutPage() *pubsub.Value[Page] {
	return r.loggedOutPage
}

// Location returns the launch location.
func (r *Resolver) Location() Location {
	return r.loc
}

// Run decides the pending link and the logged-out page. It returns once
// both are settled; errors have already settled them to nil.
func (r *Resolver) Run(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, tracing.SpanTouchResolve)
	defer span.End()

	err := r.resolve(ctx, span)
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Resolver) resolve(ctx context.Context, span trace.Span) error {
	urlCode := r.loc.Code
	code := urlCode

	stored := r.loadStored(ctx)
	if stored != nil && code != stored.Link.Code && r.now().Sub(stored.SeenAt) > r.cfg.StaleAfter {
		log.Info(log.CatTouch, "Ignoring stale stored touch link", "stored", stored.Link.Code, "url", code)
		stored = nil
	}
	if code != "" && stored != nil && stored.Link.Code != code {
		log.Info(log.CatTouch, "URL touch link does not match stored; ignoring stored", "stored", stored.Link.Code, "url", code)
		stored = nil
	}
	if code == "" && stored != nil {
		log.Info(log.CatTouch, "Recovering unconsumed touch link from storage", "code", stored.Link.Code)
		code = stored.Link.Code
	}

	if code == "" {
		log.Debug(log.CatTouch, "No touch link present or stored")
		r.settle(nil, nil)
		return nil
	}
	span.SetAttributes(attribute.String(tracing.AttrTouchCode, code))

	if urlCode == "" {
		// recovered from storage; the URL never pointed at it
		r.settle(&PendingLink{Code: stored.Link.Code, ClickUID: stored.Link.ClickUID}, nil)
		return nil
	}

	login, err := pubsub.WaitFor(ctx, r.login, func(l session.Login) bool { return l.State != session.StateLoading })
	if err != nil {
		return err
	}

	link := &PendingLink{Code: code}
	switch {
	case stored != nil:
		link.ClickUID = stored.Link.ClickUID
		log.Info(log.CatTouch, "Reusing stored link information", "code", code)
		r.settle(link, pageOf(stored.Link))
		return nil

	case login.State != session.StateLoggedIn:
		log.Info(log.CatTouch, "Following touch link while logged out", "code", code)
		rec, err := r.followLoggedOut(ctx, code)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.ErrorErr(log.CatTouch, "Ignoring touch link; logged-out follow failed", err, "code", code)
			r.settle(nil, nil)
			return err
		}
		link.ClickUID = rec.Link.ClickUID
		r.settle(link, pageOf(rec.Link))
		return nil

	default:
		log.Debug(log.CatTouch, "Logged in without stored info; queue applies the code", "code", code)
		r.settle(link, nil)
		return nil
	}
}

func (r *Resolver) loadStored(ctx context.Context) *Record {
	if r.store == nil {
		return nil
	}
	rec, err := r.store.LoadTouchLink(ctx)
	if err != nil {
		log.ErrorErr(log.CatTouch, "Failed to read stored touch link", err)
		return nil
	}
	return rec
}

// followLoggedOut asks the side channel where code leads and persists the
// answer for the next login.
func (r *Resolver) followLoggedOut(ctx context.Context, code string) (*Record, error) {
	visitor, err := pubsub.WaitFor(ctx, r.visitor, func(v session.Visitor) bool { return !v.Loading })
	if err != nil {
		return nil, err
	}

	info, err := r.info.Get(ctx, code, infoRequest{code: code, visitor: visitor.UID}, r.cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("resolving touch link %s: %w", code, err)
	}

	rec := &Record{
		Link: Link{
			Code:           code,
			PageIdentifier: info.PageIdentifier,
			PageExtra:      info.PageExtra,
			ClickUID:       info.ClickUID,
			VisitorUID:     visitor.UID,
		},
		SeenAt: r.now(),
	}
	if r.store != nil {
		if err := r.store.SaveTouchLink(ctx, rec); err != nil {
			return nil, fmt.Errorf("storing touch link %s: %w", code, err)
		}
	}
	return rec, nil
}

func (r *Resolver) fetchInfo(ctx context.Context, req infoRequest) (*protocol.LinkInfo, error) {
	var info *protocol.LinkInfo
	err := r.cfg.Backoff.Do(ctx, "touch link info", func(ctx context.Context) error {
		var err error
		info, err = r.fetcher.NotificationInfo(ctx, r.cfg.InfoPath, req.code, req.visitor)
		return err
	})
	return info, err
}

func (r *Resolver) settle(link *PendingLink, page *LoggedOutPage) {
	r.loggedOutPage.Set(Page{Page: page})
	r.pending.Set(Pending{Link: link})
}

func pageOf(l Link) *LoggedOutPage {
	return &LoggedOutPage{Code: l.Code, PageIdentifier: l.PageIdentifier, PageExtra: l.PageExtra}
}

// MarkApplied records that link was applied to a logged-in queue. Only the
// link currently pending is cleared, and its stored record with it.
func (r *Resolver) MarkApplied(ctx context.Context, link *PendingLink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied := r.pending.Swap(func(cur Pending) bool { return cur.Link == link }, Pending{})
	if !applied {
		log.Warn(log.CatTouch, "Applied touch link is not the pending one", "code", link.Code)
		return
	}
	log.Info(log.CatTouch, "Touch link applied; erasing stored copy", "code", link.Code)
	r.info.Forget(ctx, link.Code)
	if r.store == nil {
		return
	}
	if err := r.store.SaveTouchLink(context.WithoutCancel(ctx), nil); err != nil {
		log.ErrorErr(log.CatTouch, "Failed to erase stored touch link", err, "code", link.Code)
	}
}

// FirstPeek chooses the first queue call: merge token, then checkout, then
// the pending touch link, then a plain peek. URL parameters are used once.
// It blocks until the pending link is decided.
func (r *Resolver) FirstPeek(ctx context.Context) (queuestate.FirstPeek, error) {
	if r.loc.MergeToken != "" && !r.mergeApplied.Load() {
		return queuestate.MergeToken(r.loc.MergeToken, func(context.Context) {
			r.mergeApplied.Store(true)
		}), nil
	}
	if r.loc.CheckoutUID != "" && !r.checkoutApplied.Load() {
		return queuestate.CheckoutSession(r.loc.CheckoutUID, func(context.Context) {
			r.checkoutApplied.Store(true)
		}), nil
	}

	p, err := pubsub.WaitFor(ctx, r.pending, func(p Pending) bool { return !p.Loading })
	if err != nil {
		return queuestate.FirstPeek{}, err
	}
	if p.Link == nil {
		return queuestate.Plain(), nil
	}
	link := p.Link
	return queuestate.TouchLink(link.Code, link.ClickUID, func(ctx context.Context) {
		r.MarkApplied(ctx, link)
	}), nil
}

var _ queuestate.FirstPeekSource = (*Resolver)(nil)
