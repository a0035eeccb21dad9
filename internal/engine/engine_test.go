package engine

import (
	"context"
	"net/http"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/screenqueue/internal/driver"
	"github.com/zjrosen/screenqueue/internal/infrastructure/sqlite"
	"github.com/zjrosen/screenqueue/internal/protocol"
	"github.com/zjrosen/screenqueue/internal/pubsub"
	"github.com/zjrosen/screenqueue/internal/screens"
	"github.com/zjrosen/screenqueue/internal/screens/catalog"
	"github.com/zjrosen/screenqueue/internal/session"
	"github.com/zjrosen/screenqueue/internal/testutil"
	"github.com/zjrosen/screenqueue/internal/touchlink"
)

var loggedIn = session.Login{
	State:  session.StateLoggedIn,
	User:   session.UserAttributes{Sub: "user-1"},
	Tokens: session.Tokens{IDToken: "id-token"},
}

type harness struct {
	srv      *testutil.QueueServer
	login    *pubsub.Value[session.Login]
	links    *sqlite.TouchLinkRepository
	resolver *touchlink.Resolver
	screens  *screens.Context
	engine   *Engine
	errC     chan error
	cancel   context.CancelFunc
}

func start(t *testing.T, srv *testutil.QueueServer, initial session.Login, loc touchlink.Location) *harness {
	t.Helper()
	conn := testutil.NewTestDB(t)
	require.NoError(t, sqlite.Migrate(conn))
	links := sqlite.NewTouchLinkRepository(conn)

	client, err := protocol.NewClient(protocol.Config{BaseURL: srv.URL(), Platform: "cli", Version: "test"})
	require.NoError(t, err)

	login := session.NewLoginValue()
	login.Set(initial)
	visitor := session.NewVisitorSource(sqlite.NewVisitorRepository(conn))
	resolver := touchlink.NewResolver(touchlink.DefaultConfig(), loc, links, client, login, visitor.Value())

	registry, err := catalog.NewRegistry()
	require.NoError(t, err)

	sctx := screens.NewContext("dark")
	e := New(DefaultConfig(), Deps{
		Client:   client,
		Login:    login,
		Visitor:  visitor,
		Resolver: resolver,
		Registry: registry,
		Screens:  sctx,
	})

	ctx, cancel := context.WithCancel(t.Context())
	h := &harness{srv: srv, login: login, links: links, resolver: resolver, screens: sctx, engine: e, errC: make(chan error, 1), cancel: cancel}
	go func() { h.errC <- e.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) stop(t *testing.T) {
	h.cancel()
	select {
	case err := <-h.errC:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func waitValue[T any](t *testing.T, v *pubsub.Value[T], pred func(T) bool) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	got, err := pubsub.WaitFor(ctx, v, pred)
	require.NoError(t, err, "timed out; last value %+v", v.Get())
	return got
}

func (h *harness) mounted(t *testing.T) *Mount {
	t.Helper()
	return waitValue(t, h.engine.Mount(), func(m *Mount) bool { return m != nil })
}

func showing(slug string) func(driver.RenderState) bool {
	return func(rs driver.RenderState) bool {
		return rs.Phase == driver.PhaseSuccess && rs.Slug == slug
	}
}

func TestEngine_TouchLinkWhileLoggedOutIsAppliedAfterLogin(t *testing.T) {
	srv := testutil.NewQueueServer(t).
		WithScreens(testutil.Screen("confirmation", testutil.Params(map[string]any{"header": "Home"}))).
		WithLink("abc", testutil.LinkInfo{PageIdentifier: "gift", ClickUID: "click-1"}).
		WithFlow("abc", testutil.Screen("confirmation", testutil.Params(map[string]any{"header": "Your gift"})))
	h := start(t, srv, session.LoggedOut, touchlink.Location{Code: "abc"})

	page := waitValue(t, h.resolver.LoggedOutPage(), func(p touchlink.Page) bool { return !p.Loading })
	require.NotNil(t, page.Page)
	require.Equal(t, "gift", page.Page.PageIdentifier)

	stored, err := h.links.LoadTouchLink(t.Context())
	require.NoError(t, err)
	require.NotNil(t, stored, "link persisted for the next login")
	require.Equal(t, "abc", stored.Link.Code)
	require.Equal(t, "click-1", stored.Link.ClickUID)

	require.Nil(t, h.engine.Mount().Get())
	require.Empty(t, srv.Requests(testutil.PathTouchLink), "not applied while logged out")
	require.Empty(t, srv.Requests(testutil.PathPeek))

	h.login.Set(loggedIn)
	m := h.mounted(t)
	rs := waitValue(t, m.Driver.Render(), showing("confirmation"))
	require.Contains(t, rs.Component.View(), "Your gift")

	applied := srv.Requests(testutil.PathTouchLink)
	require.Len(t, applied, 1)
	require.Equal(t, "abc", applied[0].Body["code"])
	require.Equal(t, "click-1", applied[0].Body["click_uid"])
	require.Empty(t, srv.Requests(testutil.PathPeek), "touch link replaced the plain peek")

	require.Eventually(t, func() bool {
		rec, err := h.links.LoadTouchLink(t.Context())
		return err == nil && rec == nil
	}, 5*time.Second, 10*time.Millisecond, "stored link cleared after apply")

	h.screens.Cache.Set(t.Context(), "rendered", "for user-1", time.Minute)
	h.login.Set(session.LoggedOut)
	waitValue(t, h.engine.Mount(), func(m *Mount) bool { return m == nil })
	_, ok := h.screens.Cache.Get(t.Context(), "rendered")
	require.False(t, ok, "screen cache flushed on logout")
}

// pressEnter sends enter to the shown component and runs the command it
// returns, feeding the result back like the host would.
func pressEnter(t *testing.T, rs driver.RenderState) {
	t.Helper()
	model, cmd := rs.Component.Update(tea.KeyMsg{Type: tea.KeyEnter})
	for cmd != nil {
		msg := cmd()
		if msg == nil {
			return
		}
		model, cmd = model.Update(msg)
	}
}

func TestEngine_WalksTheQueue(t *testing.T) {
	srv := testutil.NewQueueServer(t).WithStandardQueue()
	h := start(t, srv, loggedIn, touchlink.Location{})

	m := h.mounted(t)
	rs := waitValue(t, m.Driver.Render(), showing("confirmation"))
	require.Contains(t, rs.Component.View(), "Welcome")

	pressEnter(t, rs)
	rs = waitValue(t, m.Driver.Render(), showing("markdown"))

	pressEnter(t, rs)
	waitValue(t, m.Driver.Render(), showing("choice"))

	require.Len(t, srv.Requests(testutil.PathPeek), 1)
	pops := srv.Requests(testutil.PathPop)
	require.Len(t, pops, 2)
	for _, p := range pops {
		require.Equal(t, "bearer id-token", p.Authorization)
		require.Equal(t, "visitor-1", p.Visitor)
	}
	require.Equal(t, []string{"choice"}, srv.Remaining())
}

func TestEngine_RetryAfterError(t *testing.T) {
	srv := testutil.NewQueueServer(t).
		WithStandardQueue().
		FailNext(testutil.PathPeek, http.StatusServiceUnavailable, testutil.Body(`{"message":"down for maintenance"}`))
	h := start(t, srv, loggedIn, touchlink.Location{})

	m := h.mounted(t)
	rs := waitValue(t, m.Driver.Render(), func(rs driver.RenderState) bool { return rs.Phase == driver.PhaseError })
	require.Equal(t, "down for maintenance", rs.Description)
	require.False(t, rs.RetryAt.IsZero(), "503 is retryable")

	require.NoError(t, h.engine.Retry(t.Context()))
	waitValue(t, m.Driver.Render(), showing("confirmation"))
}

func TestEngine_RetryWhileLoggedOut(t *testing.T) {
	h := start(t, testutil.NewQueueServer(t), session.LoggedOut, touchlink.Location{})
	require.Error(t, h.engine.Retry(t.Context()))
}

func TestEngine_RetryRecoversFromSkipLimit(t *testing.T) {
	queue := make([]testutil.ScreenData, 0, driver.DefaultSkipLimit+2)
	for range driver.DefaultSkipLimit + 1 {
		queue = append(queue, testutil.Screen("mystery"))
	}
	queue = append(queue, testutil.Screen("confirmation", testutil.Params(map[string]any{"header": "Back on track"})))
	srv := testutil.NewQueueServer(t).WithScreens(queue...)
	h := start(t, srv, loggedIn, touchlink.Location{})

	m := h.mounted(t)
	rs := waitValue(t, m.Driver.Render(), func(rs driver.RenderState) bool { return rs.Phase == driver.PhaseError })
	require.ErrorIs(t, rs.Err, driver.ErrTooManySkips)
	require.Len(t, srv.Requests(testutil.PathPop), driver.DefaultSkipLimit)

	require.NoError(t, h.engine.Retry(t.Context()))
	rs = waitValue(t, m.Driver.Render(), showing("confirmation"))
	require.Contains(t, rs.Component.View(), "Back on track")
	require.Len(t, srv.Requests(testutil.PathPop), driver.DefaultSkipLimit+1, "one more skip after the retry")
	require.Same(t, m, h.engine.Mount().Get(), "same session")
}
