package httpmiddleware

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/AfshinJalili/obsync/libs/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID echoes or mints the request id and stores it on the gin and
// request contexts.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(RequestIDHeader, reqID)
		c.Header(RequestIDHeader, reqID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), requestIDKey{}, reqID))
		c.Next()
	}
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logger records every request in the HTTP collectors. Paths in quiet are
// logged at debug.
func Logger(logger *slog.Logger, quiet ...string) gin.HandlerFunc {
	quietPaths := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		quietPaths[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		level := slog.LevelInfo
		if _, ok := quietPaths[path]; ok {
			level = slog.LevelDebug
		}
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}

		ctx := c.Request.Context()
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("client_ip", c.ClientIP()),
			slog.String("request_id", RequestIDFromContext(ctx)),
		}
		// The tracing middleware runs inside this one and leaves its span on
		// the request.
		if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
			attrs = append(attrs,
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
		logger.LogAttrs(ctx, level, "request", attrs...)

		statusText := http.StatusText(status)
		metrics.RequestCount.WithLabelValues(c.Request.Method, path, statusText).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request.Method, path, statusText).Observe(latency.Seconds())
	}
}

// Recovery turns a handler panic into the INTERNAL_ERROR body the debug API
// uses.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic",
					slog.Any("error", err),
					slog.String("path", c.Request.URL.Path),
					slog.String("request_id", RequestIDFromContext(c.Request.Context())),
					slog.String("stack", string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    "INTERNAL_ERROR",
					"message": "internal error",
				})
			}
		}()
		c.Next()
	}
}
