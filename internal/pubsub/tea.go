package pubsub

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

// ListenCmd creates a Bubble Tea command that waits for the next event on ch.
// Returns nil if the context is cancelled or the channel is closed.
func ListenCmd[T any](ctx context.Context, ch <-chan Event[T]) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			return event
		}
	}
}

// ContinuousListener keeps one broker subscription alive across Update
// calls. Call Listen again after handling each event.
type ContinuousListener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewContinuousListener subscribes to broker until ctx is cancelled.
func NewContinuousListener[T any](ctx context.Context, broker *Broker[T]) *ContinuousListener[T] {
	return &ContinuousListener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Listen returns a tea.Cmd that waits for the next event.
func (l *ContinuousListener[T]) Listen() tea.Cmd {
	return ListenCmd(l.ctx, l.ch)
}

// ValueMsg carries a Value's contents into the Bubble Tea update loop.
type ValueMsg[T any] struct {
	Value   T
	Version uint64
}

// WatchValueCmd resolves to a ValueMsg once v changes past seen.
// Returns nil when ctx is cancelled.
func WatchValueCmd[T any](ctx context.Context, v *Value[T], seen uint64) tea.Cmd {
	return func() tea.Msg {
		cur, version, err := WaitChange(ctx, v, seen)
		if err != nil {
			return nil
		}
		return ValueMsg[T]{Value: cur, Version: version}
	}
}
