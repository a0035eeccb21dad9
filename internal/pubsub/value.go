package pubsub

import (
	"context"
	"sync"
)

// Value is an observable cell. Writers replace the whole value with Set;
// readers either poll Get or block on WaitFor until a predicate holds.
// Callers are expected to keep one writer at a time; Value itself only
// guarantees that every reader sees a consistent snapshot.
type Value[T any] struct {
	mu      sync.Mutex
	v       T
	version uint64
	changed chan struct{}
	equal   func(a, b T) bool
	pub     Publisher[T]
}

// ValueOption configures a Value.
type ValueOption[T any] func(*Value[T])

// WithEqual suppresses notifications for writes that equal reports as
// unchanged. Without it every Set notifies.
func WithEqual[T any](equal func(a, b T) bool) ValueOption[T] {
	return func(v *Value[T]) { v.equal = equal }
}

// WithPublisher publishes every notifying write to pub as an UpdatedEvent,
// in write order. Unlike WaitFor and Subscribe, a broker subscriber sees
// intermediate values too, up to its buffer size.
func WithPublisher[T any](pub Publisher[T]) ValueOption[T] {
	return func(v *Value[T]) { v.pub = pub }
}

// NewValue creates a cell holding initial.
func NewValue[T any](initial T, opts ...ValueOption[T]) *Value[T] {
	v := &Value[T]{v: initial, changed: make(chan struct{})}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.v
}

// Version increments on every notifying Set.
func (v *Value[T]) Version() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}

// Set stores next and wakes every waiter. Returns false when the write was
// suppressed by the equality function.
func (v *Value[T]) Set(next T) bool {
	v.mu.Lock()
	if v.equal != nil && v.equal(v.v, next) {
		v.mu.Unlock()
		return false
	}
	v.v = next
	v.version++
	ch := v.changed
	v.changed = make(chan struct{})
	if v.pub != nil {
		v.pub.Publish(UpdatedEvent, next)
	}
	v.mu.Unlock()

	close(ch)
	return true
}

// Swap stores next only if the current value is still old according to
// same, returning whether the write happened.
func (v *Value[T]) Swap(same func(cur T) bool, next T) bool {
	v.mu.Lock()
	if !same(v.v) {
		v.mu.Unlock()
		return false
	}
	v.v = next
	v.version++
	ch := v.changed
	v.changed = make(chan struct{})
	if v.pub != nil {
		v.pub.Publish(UpdatedEvent, next)
	}
	v.mu.Unlock()

	close(ch)
	return true
}

// snapshot returns the value together with the channel closed on the next
// change, so a waiter cannot miss a write between reading and blocking.
func (v *Value[T]) snapshot() (T, uint64, <-chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.v, v.version, v.changed
}

// WaitFor blocks until pred holds for the current value or ctx ends.
// It returns immediately when pred already holds.
func WaitFor[T any](ctx context.Context, v *Value[T], pred func(T) bool) (T, error) {
	for {
		cur, _, ch := v.snapshot()
		if pred(cur) {
			return cur, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-ch:
		}
	}
}

// WaitChange blocks until the value's version moves past seen.
func WaitChange[T any](ctx context.Context, v *Value[T], seen uint64) (T, uint64, error) {
	for {
		cur, version, ch := v.snapshot()
		if version != seen {
			return cur, version, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, seen, ctx.Err()
		case <-ch:
		}
	}
}

// Subscribe streams the latest value after every change until ctx ends.
// Slow readers only ever see the newest value.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	out := make(chan T, 1)
	go func() {
		defer close(out)
		seen := v.Version()
		for {
			cur, version, err := WaitChange(ctx, v, seen)
			if err != nil {
				return
			}
			seen = version
			select {
			case <-out:
			default:
			}
			select {
			case out <- cur:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
