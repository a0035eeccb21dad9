package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Paths served by QueueServer.
const (
	PathPeek        = "/api/1/users/me/screens/peek"
	PathPop         = "/api/1/users/me/screens/pop"
	PathTrace       = "/api/1/users/me/screens/trace"
	PathMergeToken  = "/api/1/users/me/screens/empty_with_merge_token"
	PathCheckout    = "/api/1/users/me/screens/empty_with_checkout_uid"
	PathTouchLink   = "/api/1/users/me/screens/apply_touch_link"
	PathLinkInfo    = "/api/1/notifications/complete"
	EmptyScreenSlug = "empty"
)

// RecordedRequest is one request the server saw.
type RecordedRequest struct {
	Path          string
	Authorization string
	Visitor       string
	Platform      string
	Version       string
	Body          map[string]any
}

// LinkInfo is a scripted side-channel answer.
type LinkInfo struct {
	PageIdentifier string
	PageExtra      any
	ClickUID       string
}

// QueueServer is a scripted fake of the queue service. Peek returns the
// head of the queue as active and the following entries as prefetch; pop
// checks the JWT against the last one issued and drops the head. A pop
// whose trigger names a registered flow pushes that flow's screens in
// front instead.
type QueueServer struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	queue     []ScreenData
	flows     map[string][]ScreenData
	links     map[string]LinkInfo
	failures  map[string][]failure
	prefetch  int
	visitor   string
	jwtSeq    int
	activeJWT string
	requests  []RecordedRequest
}

// NewQueueServer starts a server that is closed when the test ends.
func NewQueueServer(t *testing.T) *QueueServer {
	t.Helper()
	s := &QueueServer{
		t:        t,
		flows:    make(map[string][]ScreenData),
		links:    make(map[string]LinkInfo),
		failures: make(map[string][]failure),
		prefetch: 1,
		visitor:  "visitor-1",
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the server's base URL.
func (s *QueueServer) URL() string {
	return s.srv.URL
}

// WithScreens appends entries to the queue.
func (s *QueueServer) WithScreens(screens ...ScreenData) *QueueServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, screens...)
	return s
}

// WithFlow registers screens pushed when a pop's trigger names slug.
func (s *QueueServer) WithFlow(slug string, screens ...ScreenData) *QueueServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[slug] = screens
	return s
}

// WithLink scripts the side-channel answer for code.
func (s *QueueServer) WithLink(code string, info LinkInfo) *QueueServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[code] = info
	return s
}

// WithPrefetch sets how many following entries are returned as prefetch.
func (s *QueueServer) WithPrefetch(n int) *QueueServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefetch = n
	return s
}

// WithVisitor sets the visitor uid returned with every envelope.
func (s *QueueServer) WithVisitor(uid string) *QueueServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visitor = uid
	return s
}

// FailNext makes the next request to path fail with status.
func (s *QueueServer) FailNext(path string, status int, opts ...FailureOption) *QueueServer {
	f := failure{status: status}
	for _, opt := range opts {
		opt(&f)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], f)
	return s
}

// Requests returns the recorded requests to path, or all when path is "".
func (s *QueueServer) Requests(path string) []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecordedRequest
	for _, r := range s.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Remaining returns the slugs still queued.
func (s *QueueServer) Remaining() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	slugs := make([]string, 0, len(s.queue))
	for _, sc := range s.queue {
		slugs = append(slugs, sc.Slug)
	}
	return slugs
}

func (s *QueueServer) handle(w http.ResponseWriter, r *http.Request) {
	rec := RecordedRequest{
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		Visitor:       r.Header.Get("Visitor"),
		Platform:      r.URL.Query().Get("platform"),
		Version:       r.URL.Query().Get("version"),
	}
	if raw, err := io.ReadAll(r.Body); err == nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, &rec.Body)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, rec)

	if fs := s.failures[rec.Path]; len(fs) > 0 {
		f := fs[0]
		s.failures[rec.Path] = fs[1:]
		if f.retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(f.retryAfter.Seconds())))
		}
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, f.body)
		return
	}

	switch rec.Path {
	case PathPeek, PathMergeToken, PathCheckout:
		s.writeEnvelope(w)
	case PathTouchLink:
		if code, _ := rec.Body["code"].(string); code != "" {
			s.queue = append(append([]ScreenData(nil), s.flows[code]...), s.queue...)
		}
		s.writeEnvelope(w)
	case PathPop:
		if !s.checkJWT(w, rec) {
			return
		}
		s.advance(rec.Body)
		s.writeEnvelope(w)
	case PathTrace:
		if !s.checkJWT(w, rec) {
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case PathLinkInfo:
		code, _ := rec.Body["code"].(string)
		info, ok := s.links[code]
		if !ok {
			http.Error(w, `{"message":"unknown code"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"page_identifier": info.PageIdentifier,
			"page_extra":      info.PageExtra,
			"click_uid":       info.ClickUID,
		})
	default:
		http.NotFound(w, r)
	}
}

func (s *QueueServer) checkJWT(w http.ResponseWriter, rec RecordedRequest) bool {
	jwt, _ := rec.Body["screen_jwt"].(string)
	if rec.Path == PathTrace {
		jwt = strings.TrimPrefix(rec.Authorization, "bearer ")
	}
	if jwt == "" || jwt != s.activeJWT {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"message":"stale screen jwt"}`)
		return false
	}
	return true
}

func (s *QueueServer) advance(body map[string]any) {
	if trigger, ok := body["trigger"].(map[string]any); ok {
		if slug, _ := trigger["slug"].(string); slug != "" {
			if flow, ok := s.flows[slug]; ok {
				rest := s.queue
				if len(rest) > 0 {
					rest = rest[1:]
				}
				s.queue = append(append([]ScreenData(nil), flow...), rest...)
				return
			}
		}
	}
	if len(s.queue) > 0 {
		s.queue = s.queue[1:]
	}
}

func (s *QueueServer) writeEnvelope(w http.ResponseWriter) {
	active := Screen(EmptyScreenSlug)
	var prefetch []ScreenData
	if len(s.queue) > 0 {
		active = s.queue[0]
		end := min(1+s.prefetch, len(s.queue))
		prefetch = s.queue[1:end]
	}

	s.jwtSeq++
	s.activeJWT = fmt.Sprintf("jwt-%d-%s", s.jwtSeq, active.Slug)

	screen := func(d ScreenData) map[string]any {
		return map[string]any{"slug": d.Slug, "parameters": d.Parameters}
	}
	pf := make([]map[string]any, 0, len(prefetch))
	for _, p := range prefetch {
		pf = append(pf, screen(p))
	}
	writeJSON(w, map[string]any{
		"visitor": s.visitor,
		"screen": map[string]any{
			"active":     screen(active),
			"active_jwt": s.activeJWT,
			"prefetch":   pf,
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
