package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	RefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_refresh_duration_seconds",
			Help:    "Duration of in-memory cache refreshes.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache"},
	)
	RefreshErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_refresh_errors_total",
			Help: "Total failed in-memory cache refreshes.",
		},
		[]string{"cache"},
	)
	CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Entries held by an in-memory cache.",
		},
		[]string{"cache"},
	)
)

func Register(registry *prometheus.Registry) {
	registry.MustRegister(RequestCount, RequestDuration, RefreshDuration, RefreshErrors, CacheSize)
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RefreshRecorder adapts the shared refresh collectors to one named cache.
type RefreshRecorder struct {
	cache string
}

func NewRefreshRecorder(cache string) *RefreshRecorder {
	return &RefreshRecorder{cache: cache}
}

func (r *RefreshRecorder) ObserveRefresh(duration time.Duration) {
	RefreshDuration.WithLabelValues(r.cache).Observe(duration.Seconds())
}

func (r *RefreshRecorder) SetCacheSize(size int) {
	CacheSize.WithLabelValues(r.cache).Set(float64(size))
}

func (r *RefreshRecorder) IncRefreshError() {
	RefreshErrors.WithLabelValues(r.cache).Inc()
}
