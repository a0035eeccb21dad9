package log

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormat_Fields(t *testing.T) {
	ts := time.Date(2026, 1, 2, 10, 45, 0, 0, time.UTC)

	got := Format(ts, LevelWarn, CatDriver, "skipping", "slug", "unknown", "skips", 3)
	require.Equal(t, "2026-01-02T10:45:00 [WARN] [driver] skipping slug=unknown skips=3", got)
}

func TestFormat_OddFieldCount(t *testing.T) {
	ts := time.Date(2026, 1, 2, 10, 45, 0, 0, time.UTC)

	got := Format(ts, LevelInfo, CatQueue, "peek", "orphan")
	require.Equal(t, "2026-01-02T10:45:00 [INFO] [queue] peek orphan=<missing>", got)
}

func TestLogger_MinLevelAndListener(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listener := NewListener(ctx)
	require.NotNil(t, listener)

	SetMinLevel(LevelWarn)
	Info(CatQueue, "hidden")
	ErrorErr(CatProto, "request failed", errors.New("boom"))

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "[ERROR] [proto] request failed error=boom")

	msg := listener.Listen()()
	event, ok := msg.(LogEvent)
	require.True(t, ok)
	require.Contains(t, event.Payload, "request failed")

	SetMinLevel(LevelDebug)
	SetEnabled(false)
	Error(CatQueue, "muted")
	require.NotContains(t, buf.String(), "muted")
	SetEnabled(true)
}
