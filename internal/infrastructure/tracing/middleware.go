package tracing

import (
	"context"

	"github.com/gin-gonic/gin"
)

const (
	headerTraceID = "X-Trace-ID"
	headerSpanID  = "X-Span-ID"
)

// HTTPMiddleware traces every request. Incoming trace headers continue an
// existing trace; otherwise a new one starts here. The assigned IDs are
// echoed back so callers can correlate logs.
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if traceID := c.GetHeader(headerTraceID); traceID != "" {
			ctx = context.WithValue(ctx, traceIDKey, TraceID(traceID))
		}
		if parentID := c.GetHeader(headerSpanID); parentID != "" {
			ctx = context.WithValue(ctx, spanIDKey, SpanID(parentID))
		}

		span, ctx := tracer.StartSpan(ctx, c.FullPath())
		span.SetTag("http.method", c.Request.Method)
		span.SetTag("http.path", c.Request.URL.Path)

		c.Request = c.Request.WithContext(ctx)
		c.Header(headerTraceID, string(span.TraceID))
		c.Header(headerSpanID, string(span.SpanID))

		c.Next()

		span.SetStatus(c.Writer.Status())
		if len(c.Errors) > 0 {
			span.SetError(c.Errors.Last())
		}
		span.Finish()
		tracer.Submit(span)
	}
}
