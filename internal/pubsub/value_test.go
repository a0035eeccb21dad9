package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValue_SetNotifiesWaiters(t *testing.T) {
	v := NewValue(1)

	done := make(chan int, 1)
	go func() {
		got, _ := WaitFor(context.Background(), v, func(n int) bool { return n == 3 })
		done <- got
	}()

	v.Set(2)
	v.Set(3)

	select {
	case got := <-done:
		require.Equal(t, 3, got)
	case <-time.After(time.Second):
		require.Fail(t, "waiter never woke")
	}
}

func TestValue_WaitForReturnsImmediately(t *testing.T) {
	v := NewValue("ready")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := WaitFor(ctx, v, func(s string) bool { return s == "ready" })
	require.NoError(t, err, "predicate already true wins over a cancelled context")
	require.Equal(t, "ready", got)
}

func TestValue_WaitForCancelled(t *testing.T) {
	v := NewValue(false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := WaitFor(ctx, v, func(b bool) bool { return b })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValue_EqualSuppressesVersionBump(t *testing.T) {
	v := NewValue(5, WithEqual(func(a, b int) bool { return a == b }))

	require.False(t, v.Set(5))
	require.Equal(t, uint64(0), v.Version())
	require.True(t, v.Set(6))
	require.Equal(t, uint64(1), v.Version())
}

func TestValue_Swap(t *testing.T) {
	first := &struct{ n int }{1}
	v := NewValue(first)

	require.False(t, v.Swap(func(cur *struct{ n int }) bool { return cur == nil }, &struct{ n int }{2}))
	require.Same(t, first, v.Get())

	second := &struct{ n int }{3}
	require.True(t, v.Swap(func(cur *struct{ n int }) bool { return cur == first }, second))
	require.Same(t, second, v.Get())
}

func TestValue_SubscribeDeliversLatest(t *testing.T) {
	v := NewValue(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := v.Subscribe(ctx)
	v.Set(1)
	v.Set(2)

	require.Eventually(t, func() bool {
		select {
		case got := <-ch:
			return got == 2
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestWatchValueCmd(t *testing.T) {
	v := NewValue("a")
	cmd := WatchValueCmd(context.Background(), v, v.Version())

	go v.Set("b")

	msg := cmd()
	vm, ok := msg.(ValueMsg[string])
	require.True(t, ok)
	require.Equal(t, "b", vm.Value)
	require.Equal(t, uint64(1), vm.Version)
}

func TestValue_PublisherSeesEveryWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewBroker[int]()
	events := broker.Subscribe(ctx)
	v := NewValue(0, WithPublisher[int](broker), WithEqual(func(a, b int) bool { return a == b }))

	v.Set(1)
	v.Set(1)
	v.Set(2)
	v.Swap(func(cur int) bool { return cur == 2 }, 3)

	var got []int
	var seqs []uint64
	for range 3 {
		select {
		case ev := <-events:
			require.Equal(t, UpdatedEvent, ev.Type)
			got = append(got, ev.Payload)
			seqs = append(seqs, ev.Seq)
		case <-time.After(time.Second):
			require.FailNow(t, "missing event")
		}
	}
	require.Equal(t, []int{1, 2, 3}, got, "suppressed write is not published")
	require.Equal(t, []uint64{1, 2, 3}, seqs)
}
