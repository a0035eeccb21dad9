package testutil

import (
	"encoding/json"
	"time"
)

// ScreenData is one scripted queue entry.
type ScreenData struct {
	Slug       string
	Parameters json.RawMessage
}

// ScreenOption configures a ScreenData.
type ScreenOption func(*ScreenData)

// Screen creates a queue entry with empty parameters.
func Screen(slug string, opts ...ScreenOption) ScreenData {
	s := ScreenData{Slug: slug, Parameters: json.RawMessage(`{}`)}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Params sets the entry's parameters to v encoded as JSON.
func Params(v any) ScreenOption {
	return func(s *ScreenData) {
		raw, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		s.Parameters = raw
	}
}

// failure is a scripted error response.
type failure struct {
	status     int
	body       string
	retryAfter time.Duration
}

// FailureOption configures a scripted failure.
type FailureOption func(*failure)

// Body sets the error response body.
func Body(body string) FailureOption {
	return func(f *failure) { f.body = body }
}

// RetryAfter sets the Retry-After header.
func RetryAfter(d time.Duration) FailureOption {
	return func(f *failure) { f.retryAfter = d }
}
