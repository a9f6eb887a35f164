package middleware

import (
	"time"

	"callnet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a server span per request. WebSocket upgrades keep
// the span open for the lifetime of the connection.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", clientIP(c.Request)),
		)
		if session := c.Param("session_id"); session != "" {
			span.SetAttributes(tracing.SessionIDKey.String(session))
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if party, ok := PartyFromContext(c); ok {
			span.SetAttributes(attribute.String("call.party_id", string(party)))
		}
		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
