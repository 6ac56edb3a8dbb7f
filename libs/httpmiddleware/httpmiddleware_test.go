package httpmiddleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestRequestIDEchoesHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if got := resp.Header().Get(RequestIDHeader); got != "req-1" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
}

func TestRecoveryReturns500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	router := gin.New()
	router.Use(RequestID(), Logger(logger, "/healthz"), Recovery(logger))
	router.GET("/boom", func(*gin.Context) { panic("boom") })

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if !strings.Contains(buf.String(), "panic") {
		t.Fatalf("expected panic to be logged, got %s", buf.String())
	}
	if !strings.Contains(resp.Body.String(), "INTERNAL_ERROR") {
		t.Fatalf("expected INTERNAL_ERROR body, got %s", resp.Body.String())
	}
}

func TestLoggerCarriesRequestAndTraceIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	tracer := sdktrace.NewTracerProvider().Tracer("test")

	router := gin.New()
	router.Use(RequestID(), Logger(logger))
	router.Use(func(c *gin.Context) {
		if got := RequestIDFromContext(c.Request.Context()); got != "req-7" {
			t.Errorf("expected request id on context, got %q", got)
		}
		ctx, span := tracer.Start(c.Request.Context(), c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	router.GET("/v1/markets", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/v1/markets", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	router.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-7"`) {
		t.Fatalf("expected request id logged, got %s", out)
	}
	if !strings.Contains(out, `"trace_id"`) {
		t.Fatalf("expected trace id logged, got %s", out)
	}
}

func TestLoggerQuietsProbePaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	router := gin.New()
	router.Use(Logger(logger, "/healthz"))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Fatalf("expected probe request below info level, got %s", buf.String())
	}
}
