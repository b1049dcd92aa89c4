package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/settlement/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request, continuing any upstream
// trace. Span names use the route template so order refs stay out of them.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("settlement/http")
	propagator := otel.GetTextMapPropagator()

	return func(c *gin.Context) {
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + c.Request.Method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		}
		if id := obscontext.RequestIDFromContext(c.Request.Context()); id != "" {
			attrs = append(attrs, attribute.String("request_id", id))
		}
		if provider := c.Param("provider"); provider != "" {
			attrs = append(attrs, attribute.String("settlement.gateway", provider))
		}
		if strings.HasPrefix(route, "/admin") {
			attrs = append(attrs, attribute.Bool("settlement.admin", true))
		}
		span.SetAttributes(attrs...)

		if status >= http.StatusInternalServerError {
			msg := "request error"
			if last := c.Errors.Last(); last != nil {
				// keep only the error kind; wrapped text can carry payload fragments
				msg, _, _ = strings.Cut(last.Err.Error(), ":")
			}
			span.SetStatus(codes.Error, msg)
		}
	}
}
