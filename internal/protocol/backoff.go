package protocol

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/zjrosen/screenqueue/internal/log"
)

// Backoff is an exponential retry policy: Base×2^attempt capped at Max, plus
// a uniform jitter in [0, Jitter).
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the configuration defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		Jitter:      250 * time.Millisecond,
		MaxAttempts: 3,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Base
	for i := 0; i < attempt && delay > 0; i++ {
		if b.Max > 0 && delay > b.Max/2 {
			delay = b.Max
			break
		}
		delay *= 2
	}
	return b.capDelay(delay) + b.jitter()
}

func (b Backoff) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

func (b Backoff) jitter() time.Duration {
	if b.Jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(b.Jitter)))
}

// Do runs fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. Server supplied Retry-After takes precedence over
// the exponential delay.
func (b Backoff) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		delay, ok := b.retryDelay(ctx, err, attempt)
		if !ok {
			return err
		}
		log.Debug(log.CatProto, "Retrying request", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func (b Backoff) retryDelay(ctx context.Context, err error, attempt int) (time.Duration, bool) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			if statusErr.RetryAfter > 0 {
				return b.capDelay(statusErr.RetryAfter), true
			}
			return b.Delay(attempt), true
		default:
			return 0, false
		}
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return b.Delay(attempt), true
	}
	return 0, false
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
