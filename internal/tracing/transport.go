package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TransportConfig configures NewTransport.
type TransportConfig struct {
	// Tracer creates the client spans. Nil disables tracing.
	Tracer trace.Tracer

	// Base performs the request. Defaults to http.DefaultTransport.
	Base http.RoundTripper
}

// NewTransport wraps a RoundTripper so each request runs inside a client
// span named "http.<METHOD> <path>". Spans are children of whatever span is
// active on the request context, so protocol calls nest under queue spans.
func NewTransport(cfg TransportConfig) http.RoundTripper {
	base := cfg.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.Tracer == nil {
		return base
	}
	return &transport{tracer: cfg.Tracer, base: base}
}

type transport struct {
	tracer trace.Tracer
	base   http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := t.tracer.Start(req.Context(), SpanPrefixHTTP+req.Method+" "+req.URL.Path,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String(AttrHTTPMethod, req.Method),
		attribute.String(AttrHTTPPath, req.URL.Path),
	)
	if p := req.URL.Query().Get("platform"); p != "" {
		span.SetAttributes(attribute.String(AttrHTTPPlatform, p))
	}

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int(AttrHTTPStatus, resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, resp.Status)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return resp, nil
}
