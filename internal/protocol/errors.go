package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultUnavailableRetry is the suggested delay for a 503 without Retry-After.
const DefaultUnavailableRetry = 5 * time.Second

// TransportError is a network or decode failure. It never carries a server
// description; Describe maps it to a generic connectivity message.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	// Description is user-facing, parsed from the response body.
	Description string
	// RetryAfter is the server's suggested delay. Zero means not retryable.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Description)
}

// Retryable reports whether the server suggested a retry delay.
func (e *StatusError) Retryable() bool {
	return e.RetryAfter > 0
}

// GenericNetworkDescription is shown for transport failures.
const GenericNetworkDescription = "Failed to connect to the server. Check your internet connection and try again."

// Describe returns the user-facing description of a protocol error.
func Describe(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Description
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return GenericNetworkDescription
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// RetryAfterOf returns the retry delay carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Retryable() {
		return statusErr.RetryAfter, true
	}
	return 0, false
}

func newStatusError(resp *http.Response, body []byte) *StatusError {
	retryAfter, ok := parseRetryAfter(resp.Header.Get("Retry-After"))
	if !ok && resp.StatusCode == http.StatusServiceUnavailable {
		retryAfter = DefaultUnavailableRetry
	}
	return &StatusError{
		StatusCode:  resp.StatusCode,
		Description: describeBody(resp.StatusCode, body),
		RetryAfter:  retryAfter,
	}
}

// describeBody prefers a JSON "message" or "detail" string from the server.
func describeBody(status int, body []byte) string {
	var payload struct {
		Message json.RawMessage `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, raw := range []json.RawMessage{payload.Message, payload.Detail} {
			var s string
			if len(raw) > 0 && json.Unmarshal(raw, &s) == nil && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
}

// MaxRetryAfter caps the delay a server can ask for.
const MaxRetryAfter = 24 * time.Hour

// parseRetryAfter accepts delay-seconds greater than zero or an HTTP date in
// the future, capped at MaxRetryAfter.
func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		if seconds > int64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter, true
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay <= 0 {
			return 0, false
		}
		return min(delay, MaxRetryAfter), true
	}
	return 0, false
}
