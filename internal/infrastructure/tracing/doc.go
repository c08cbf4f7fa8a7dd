/*
Package tracing provides lightweight request tracing.

Each HTTP request gets a trace: the middleware opens a span, tags it with
method and path, and emits it to the structured log when the request
completes. Callers that pass X-Trace-ID / X-Span-ID headers continue an
existing trace, so a build request and the sandbox session it spawns can
be correlated.

# Usage

	tracer := tracing.New("runtime", logger)
	router.Use(tracing.HTTPMiddleware(tracer))

	// Manual span creation
	span, ctx := tracer.StartSpan(ctx, "bundle")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

Spans are collected on a buffered channel and processed asynchronously;
when the buffer is full, spans are dropped rather than blocking the
request path.
*/
package tracing
