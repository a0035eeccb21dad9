package tracing

// Span attribute keys used by the queue client.
const (
	// HTTP attributes
	AttrHTTPMethod   = "http.method"
	AttrHTTPPath     = "http.path"
	AttrHTTPStatus   = "http.status_code"
	AttrHTTPPlatform = "client.platform"

	// Queue attributes
	AttrQueueEndpoint   = "queue.endpoint"
	AttrQueueSlug       = "queue.active_slug"
	AttrQueuePrefetch   = "queue.prefetch_count"
	AttrQueueTrigger    = "queue.trigger"
	AttrQueueHandled    = "queue.error_handled"
	AttrQueueStrategy   = "queue.first_peek"
	AttrQueueRetryAfter = "queue.retry_after_ms"

	// Touch link attributes
	AttrTouchCode    = "touch.code"
	AttrTouchAttempt = "touch.attempt"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span names.
const (
	SpanQueuePeek      = "queue.peek"
	SpanQueuePop       = "queue.pop"
	SpanQueueTrace     = "queue.trace"
	SpanQueueFirstPeek = "queue.first_peek"
	SpanTouchResolve   = "touch.resolve"
	SpanPrefixHTTP     = "http."
)

// Event names for span events.
const (
	EventVisitorAssigned = "visitor.assigned"
	EventStateRestored   = "state.restored"
	EventRetryScheduled  = "retry.scheduled"
)
