package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewFileExporter_CreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "traces.jsonl")

	exporter, err := NewFileExporter(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "trace file should be created with parent dirs")
	require.NoError(t, exporter.Shutdown(context.Background()))
}

func TestFileExporter_AppendsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"existing":"data"}`+"\n"), 0o600))

	exporter, err := NewFileExporter(path)
	require.NoError(t, err)

	start := time.Now()
	stubs := tracetest.SpanStubs{
		{
			Name:       SpanQueuePop,
			SpanKind:   trace.SpanKindInternal,
			StartTime:  start,
			EndTime:    start.Add(250 * time.Millisecond),
			Attributes: []attribute.KeyValue{attribute.String(AttrQueueEndpoint, "/pop")},
			Status:     sdktrace.Status{Code: codes.Error, Description: "HTTP 503"},
			Events: []sdktrace.Event{
				{Name: EventStateRestored, Time: start.Add(time.Millisecond)},
			},
		},
	}
	require.NoError(t, exporter.ExportSpans(context.Background(), stubs.Snapshots()))
	require.NoError(t, exporter.Shutdown(context.Background()))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)

	var rec SpanRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	require.Equal(t, SpanQueuePop, rec.Name)
	require.Equal(t, "INTERNAL", rec.Kind)
	require.Equal(t, "ERROR", rec.Status)
	require.Equal(t, "HTTP 503", rec.StatusMsg)
	require.Equal(t, "/pop", rec.Attributes[AttrQueueEndpoint])
	require.InDelta(t, 250.0, rec.DurationMs, 0.001)
	require.Len(t, rec.Events, 1)
	require.Equal(t, EventStateRestored, rec.Events[0].Name)
}

func TestFileExporter_ExportAfterShutdownFails(t *testing.T) {
	exporter, err := NewFileExporter(filepath.Join(t.TempDir(), "traces.jsonl"))
	require.NoError(t, err)
	require.NoError(t, exporter.Shutdown(context.Background()))
	require.NoError(t, exporter.Shutdown(context.Background()), "second shutdown is a no-op")

	stub := tracetest.SpanStub{Name: "late", StartTime: time.Now(), EndTime: time.Now()}
	err = exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()})
	require.Error(t, err)
}

func TestFileExporter_EmptyBatch(t *testing.T) {
	exporter, err := NewFileExporter(filepath.Join(t.TempDir(), "traces.jsonl"))
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	require.NoError(t, exporter.ExportSpans(context.Background(), nil))
}

func TestSpanKindToString(t *testing.T) {
	cases := map[trace.SpanKind]string{
		trace.SpanKindInternal:    "INTERNAL",
		trace.SpanKindServer:      "SERVER",
		trace.SpanKindClient:      "CLIENT",
		trace.SpanKindProducer:    "PRODUCER",
		trace.SpanKindConsumer:    "CONSUMER",
		trace.SpanKindUnspecified: "UNSPECIFIED",
	}
	for kind, want := range cases {
		require.Equal(t, want, spanKindToString(kind))
	}
}

var errBoom = errors.New("boom")
