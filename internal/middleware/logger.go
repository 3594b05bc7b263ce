package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"fulfillment/internal/monitor"
	"fulfillment/pkg/log"
)

// Logger logs every request and, when given, records its metrics and
// trace span. metrics and tracer may be nil.
func Logger(metrics *monitor.MetricsCollector, tracer *monitor.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// route template keeps metric labels bounded
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		if tracer != nil {
			ctx, span := tracer.StartHTTPSpan(c.Request.Context(), c.Request.Method, route, c.Request)
			defer span.End()
			c.Request = c.Request.WithContext(ctx)
			defer func() {
				tracer.AddSpanAttributes(span, attribute.Int("http.status_code", c.Writer.Status()))
				if len(c.Errors) > 0 {
					tracer.RecordError(span, c.Errors.Last())
				}
			}()
		}

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		if metrics != nil {
			metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(statusCode), latency)
		}

		if raw != "" {
			path = path + "?" + raw
		}
		fields := log.Fields{
			"status":     statusCode,
			"method":     c.Request.Method,
			"path":       path,
			"ip":         c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
			"latency":    latency,
		}
		if userID, ok := GetUserID(c); ok {
			fields["user_id"] = userID
		}
		if tracer != nil {
			if traceID := tracer.TraceID(c.Request.Context()); traceID != "" {
				fields["trace_id"] = traceID
			}
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		switch {
		case statusCode >= 500:
			log.WithFields(fields).Error("Server error")
		case statusCode >= 400:
			log.WithFields(fields).Warn("Client error")
		default:
			log.WithFields(fields).Info("Request completed")
		}
	}
}
