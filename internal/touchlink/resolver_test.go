package touchlink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/screenqueue/internal/cachemanager"
	"github.com/zjrosen/screenqueue/internal/protocol"
	"github.com/zjrosen/screenqueue/internal/pubsub"
	"github.com/zjrosen/screenqueue/internal/queuestate"
	"github.com/zjrosen/screenqueue/internal/session"
)

type memStore struct {
	mu     sync.Mutex
	rec    *Record
	saves  []*Record
	loadFn func() (*Record, error)
}

func (s *memStore) LoadTouchLink(context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadFn != nil {
		return s.loadFn()
	}
	return s.rec, nil
}

func (s *memStore) SaveTouchLink(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
	s.saves = append(s.saves, rec)
	return nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	errs  []error
	info  protocol.LinkInfo
}

func (f *fakeFetcher) NotificationInfo(_ context.Context, path, code, visitor string) (*protocol.LinkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path+" "+code+" "+visitor)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	info := f.info
	return &info, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type harness struct {
	store   *memStore
	fetcher *fakeFetcher
	login   *pubsub.Value[session.Login]
	visitor *pubsub.Value[session.Visitor]
}

func newHarness(state session.State) *harness {
	login := session.NewLoginValue()
	login.Set(session.Login{State: state})
	return &harness{
		store: &memStore{},
		fetcher: &fakeFetcher{info: protocol.LinkInfo{
			PageIdentifier: "share_journey",
			PageExtra:      json.RawMessage(`{"journey":"j1"}`),
			ClickUID:       "click-1",
		}},
		login:   login,
		visitor: pubsub.NewValue(session.Visitor{UID: "visitor-1"}),
	}
}

func (h *harness) resolver(loc Location, opts ...Option) *Resolver {
	cfg := DefaultConfig()
	cfg.Backoff = protocol.Backoff{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewResolver(cfg, loc, h.store, h.fetcher, h.login, h.visitor, opts...)
}

func TestResolve_NothingToDo(t *testing.T) {
	h := newHarness(session.StateLoggedIn)
	r := h.resolver(Location{})

	require.NoError(t, r.Run(context.Background()))
	require.Equal(t, Pending{}, r.Pending().Get())
	require.Equal(t, Page{}, r.LoggedOutPage().Get())

	fp, err := r.FirstPeek(context.Background())
	require.NoError(t, err)
	require.Equal(t, queuestate.StrategyPlain, fp.Strategy)
}

func TestResolve_LoggedOutFollowsSideChannel(t *testing.T) {
	h := newHarness(session.StateLoggedOut)
	r := h.resolver(Location{Code: "abc"})

	require.NoError(t, r.Run(context.Background()))

	require.Equal(t, []string{DefaultInfoPath + " abc visitor-1"}, h.fetcher.calls)

	page := r.LoggedOutPage().Get().Page
	require.NotNil(t, page)
	require.Equal(t, "share_journey", page.PageIdentifier)
	require.JSONEq(t, `{"journey":"j1"}`, string(page.PageExtra))

	pending := r.Pending().Get().Link
	require.Equal(t, &PendingLink{Code: "abc", ClickUID: "click-1"}, pending)

	require.NotNil(t, h.store.rec)
	require.Equal(t, "abc", h.store.rec.Link.Code)
	require.Equal(t, "click-1", h.store.rec.Link.ClickUID)
	require.Equal(t, "visitor-1", h.store.rec.Link.VisitorUID)
	require.Empty(t, h.store.rec.Link.UserSub)
	require.Equal(t, testNow, h.store.rec.SeenAt)
}

func TestResolve_LoggedInLeavesCodeToQueue(t *testing.T) {
	h := newHarness(session.StateLoggedIn)
	r := h.resolver(Location{Code: "abc"})

	require.NoError(t, r.Run(context.Background()))
	require.Zero(t, h.fetcher.callCount())
	require.Equal(t, &PendingLink{Code: "abc"}, r.Pending().Get().Link)
	require.Nil(t, r.LoggedOutPage().Get().Page)
}

func TestResolve_WaitsForLogin(t *testing.T) {
	h := newHarness(session.StateLoading)
	r := h.resolver(Location{Code: "abc"})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	require.True(t, r.Pending().Get().Loading)

	h.login.Set(session.Login{State: session.StateLoggedIn})
	require.NoError(t, <-done)
	require.False(t, r.Pending().Get().Loading)
}

func TestResolve_StoredLinkHandling(t *testing.T) {
	stored := func(code string, age time.Duration) *Record {
		return &Record{
			Link:   Link{Code: code, PageIdentifier: "stored_page", ClickUID: "stored-click"},
			SeenAt: testNow.Add(-age),
		}
	}

	tests := []struct {
		name        string
		urlCode     string
		stored      *Record
		wantCode    string
		wantClick   string
		wantPage    string
		wantFetches int
	}{
		{"same code reuses stored info", "abc", stored("abc", 5*time.Hour), "abc", "stored-click", "stored_page", 0},
		{"fresh mismatch discards stored", "new", stored("old", time.Minute), "new", "click-1", "share_journey", 1},
		{"stale mismatch discards stored", "new", stored("old", 3*time.Hour), "new", "click-1", "share_journey", 1},
		{"no url code recovers fresh stored", "", stored("old", time.Hour), "old", "stored-click", "", 0},
		{"no url code drops stale stored", "", stored("old", 3*time.Hour), "", "", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(session.StateLoggedOut)
			h.store.rec = tt.stored
			r := h.resolver(Location{Code: tt.urlCode})

			require.NoError(t, r.Run(context.Background()))
			require.Equal(t, tt.wantFetches, h.fetcher.callCount())

			link := r.Pending().Get().Link
			if tt.wantCode == "" {
				require.Nil(t, link)
			} else {
				require.Equal(t, &PendingLink{Code: tt.wantCode, ClickUID: tt.wantClick}, link)
			}

			page := r.LoggedOutPage().Get().Page
			if tt.wantPage == "" {
				require.Nil(t, page)
			} else {
				require.NotNil(t, page)
				require.Equal(t, tt.wantPage, page.PageIdentifier)
			}
		})
	}
}

func TestResolve_SideChannelFailureDropsLink(t *testing.T) {
	h := newHarness(session.StateLoggedOut)
	h.fetcher.errs = []error{&protocol.StatusError{StatusCode: http.StatusNotFound, Description: "unknown code"}}
	r := h.resolver(Location{Code: "abc"})

	err := r.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, h.fetcher.callCount(), "4xx is not retried")
	require.Equal(t, Pending{}, r.Pending().Get())
	require.Equal(t, Page{}, r.LoggedOutPage().Get())
	require.Empty(t, h.store.saves)
}

func TestResolve_SideChannelRetriesTransientFailures(t *testing.T) {
	h := newHarness(session.StateLoggedOut)
	h.fetcher.errs = []error{
		&protocol.StatusError{StatusCode: http.StatusServiceUnavailable, RetryAfter: 5 * time.Second},
		&protocol.TransportError{Op: "complete", Err: errors.New("reset")},
	}
	r := h.resolver(Location{Code: "abc"})

	require.NoError(t, r.Run(context.Background()))
	require.Equal(t, 3, h.fetcher.callCount())
	require.Equal(t, "click-1", r.Pending().Get().Link.ClickUID)
}

func TestResolve_SharedCacheSkipsSecondFetch(t *testing.T) {
	cache := cachemanager.NewInMemoryCacheManager[string, *protocol.LinkInfo]("test", time.Minute, time.Minute)

	h := newHarness(session.StateLoggedOut)
	require.NoError(t, h.resolver(Location{Code: "abc"}, WithCache(cache)).Run(context.Background()))

	h.store.rec = nil
	r := h.resolver(Location{Code: "abc"}, WithCache(cache))
	require.NoError(t, r.Run(context.Background()))

	require.Equal(t, 1, h.fetcher.callCount())
	require.Equal(t, "share_journey", r.LoggedOutPage().Get().Page.PageIdentifier)
}

func TestMarkApplied_ClearsStoreOnce(t *testing.T) {
	ctx := context.Background()
	cache := cachemanager.NewInMemoryCacheManager[string, *protocol.LinkInfo]("test", time.Minute, time.Minute)
	h := newHarness(session.StateLoggedOut)
	r := h.resolver(Location{Code: "abc"}, WithCache(cache))
	require.NoError(t, r.Run(ctx))
	link := r.Pending().Get().Link
	require.NotNil(t, link)
	saves := len(h.store.saves)
	_, cached := cache.Get(ctx, "abc")
	require.True(t, cached)

	r.MarkApplied(ctx, &PendingLink{Code: "abc", ClickUID: "click-1"})
	require.Same(t, link, r.Pending().Get().Link, "equal but different link is ignored")
	require.Len(t, h.store.saves, saves)
	_, cached = cache.Get(ctx, "abc")
	require.True(t, cached)

	r.MarkApplied(ctx, link)
	require.Nil(t, r.Pending().Get().Link)
	require.Nil(t, h.store.rec)
	require.Len(t, h.store.saves, saves+1)
	_, cached = cache.Get(ctx, "abc")
	require.False(t, cached, "applied link info is forgotten")

	r.MarkApplied(context.Background(), link)
	require.Len(t, h.store.saves, saves+1)
}

func TestFirstPeek_DecisionOrder(t *testing.T) {
	h := newHarness(session.StateLoggedIn)
	r := h.resolver(Location{Code: "abc", MergeToken: "tok", CheckoutUID: "chk"})
	require.NoError(t, r.Run(context.Background()))
	ctx := context.Background()

	fp, err := r.FirstPeek(ctx)
	require.NoError(t, err)
	require.Equal(t, queuestate.StrategyMergeToken, fp.Strategy)

	fp2, err := r.FirstPeek(ctx)
	require.NoError(t, err)
	require.Equal(t, queuestate.StrategyMergeToken, fp2.Strategy, "not consumed until applied")
	fp.OnApplied(ctx)

	fp, err = r.FirstPeek(ctx)
	require.NoError(t, err)
	require.Equal(t, queuestate.StrategyCheckout, fp.Strategy)
	fp.OnApplied(ctx)

	fp, err = r.FirstPeek(ctx)
	require.NoError(t, err)
	require.Equal(t, queuestate.StrategyTouchLink, fp.Strategy)
	fp.OnApplied(ctx)

	fp, err = r.FirstPeek(ctx)
	require.NoError(t, err)
	require.Equal(t, queuestate.StrategyPlain, fp.Strategy)
}

func TestFirstPeek_BlocksUntilDecided(t *testing.T) {
	h := newHarness(session.StateLoggedIn)
	r := h.resolver(Location{Code: "abc"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.FirstPeek(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, r.Run(context.Background()))
	fp, err := r.FirstPeek(context.Background())
	require.NoError(t, err)
	require.Equal(t, queuestate.StrategyTouchLink, fp.Strategy)
}
