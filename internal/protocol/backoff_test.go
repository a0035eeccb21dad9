package protocol

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBackoff_DelayDoublesAndCaps(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 5 * time.Second}

	require.Equal(t, time.Second, b.Delay(0))
	require.Equal(t, 2*time.Second, b.Delay(1))
	require.Equal(t, 4*time.Second, b.Delay(2))
	require.Equal(t, 5*time.Second, b.Delay(3))
	require.Equal(t, 5*time.Second, b.Delay(60), "large attempts must not overflow")
}

func TestBackoff_DelayBoundsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(t, "base"))
		maxDelay := base * time.Duration(rapid.Int64Range(1, 64).Draw(t, "factor"))
		jitter := time.Duration(rapid.Int64Range(0, int64(time.Second)).Draw(t, "jitter"))
		attempt := rapid.IntRange(0, 100).Draw(t, "attempt")

		b := Backoff{Base: base, Max: maxDelay, Jitter: jitter}
		d := b.Delay(attempt)

		if d < base {
			t.Fatalf("delay %v below base %v", d, base)
		}
		if d >= maxDelay+jitter && jitter > 0 {
			t.Fatalf("delay %v not below max+jitter %v", d, maxDelay+jitter)
		}
		if jitter == 0 && d > maxDelay {
			t.Fatalf("delay %v above max %v", d, maxDelay)
		}
	})
}

func TestBackoff_DoRetriesTransientErrors(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}
	calls := 0
	err := b.Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return &TransportError{Op: "test", Err: errors.New("reset")}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestBackoff_DoStopsOnPermanentError(t *testing.T) {
	b := Backoff{Base: time.Millisecond, MaxAttempts: 5}
	calls := 0
	err := b.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusNotFound, Description: "gone"}
	})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 1, calls)
}

func TestBackoff_DoGivesUpAfterMaxAttempts(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2}
	calls := 0
	err := b.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusBadGateway}
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
}

func TestBackoff_RetryAfterTakesPrecedence(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Max: time.Minute}
	d, ok := b.retryDelay(context.Background(), &StatusError{StatusCode: http.StatusServiceUnavailable, RetryAfter: 7 * time.Second}, 0)
	require.True(t, ok)
	require.Equal(t, 7*time.Second, d)

	b.Max = 2 * time.Second
	d, ok = b.retryDelay(context.Background(), &StatusError{StatusCode: http.StatusServiceUnavailable, RetryAfter: 7 * time.Second}, 0)
	require.True(t, ok)
	require.Equal(t, 2*time.Second, d, "server delay is capped")
}

func TestBackoff_DoHonorsCancellation(t *testing.T) {
	b := Backoff{Base: time.Hour, Max: time.Hour, MaxAttempts: 3}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := b.Do(ctx, "test", func(context.Context) error {
		calls++
		cancel()
		return &TransportError{Op: "test", Err: errors.New("reset")}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestParseRetryAfter(t *testing.T) {
	d, ok := parseRetryAfter("3")
	require.True(t, ok)
	require.Equal(t, 3*time.Second, d)

	_, ok = parseRetryAfter("-1")
	require.False(t, ok)
	_, ok = parseRetryAfter("soon")
	require.False(t, ok)

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d, ok = parseRetryAfter(future)
	require.True(t, ok)
	require.Greater(t, d, 30*time.Second)

	d, ok = parseRetryAfter("99999999999")
	require.True(t, ok)
	require.Equal(t, MaxRetryAfter, d, "huge delays are capped, not wrapped")

	d, ok = parseRetryAfter(time.Now().AddDate(1, 0, 0).UTC().Format(http.TimeFormat))
	require.True(t, ok)
	require.Equal(t, MaxRetryAfter, d)
}
