package handlers

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event counter names.
const (
	EventPlaceReplacedOrder             = "place_order_handler_replaced_order"
	EventPlaceTotalFilledExceedsSize    = "order_place_total_filled_exceeds_size"
	EventPlaceStale                     = "place_order_handler_stale"
	EventInvalidPriceLevelUpdate        = "invalid_price_level_update"
	EventReplaceOldOrderNotFound        = "replace_order_handler_old_order_not_found_in_cache"
	EventReplacePlaceResultReplaced     = "replace_order_handler_place_order_result_replaced_order"
	EventRemoveIndexerExpiredNotFound   = "indexer_expired_order_not_found"
	EventRemoveIndexerExpiredLongTerm   = "indexer_expired_order_is_long_term"
	EventRemoveIndexerExpiredNotExpired = "indexer_expired_order_is_not_expired"
	EventRemoveIndexerTempExpired       = "order_remove_reason_indexer_temp_expired"
	EventRemoveStatefulNotInStore       = "stateful_cancelation_order_not_found"
	EventRemoveTotalFilledExceedsSize   = "order_remove_total_filled_exceeds_size"
	EventUpdateTotalFilledExceedsSize   = "order_update_total_filled_exceeds_size"
	EventUpdateOldFilledExceedsSize     = "order_update_old_total_filled_exceeds_size"
	EventUpdateZeroDelta                = "order_update_zero_delta"
	EventUpdateStatefulDeferred         = "stateful_order_update_deferred"
)

type Metrics struct {
	Timing          *prometheus.HistogramVec
	Events          *prometheus.CounterVec
	UpdateNotCached *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Timing: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderbook_sync_handler_step_duration_seconds",
				Help:    "Duration of handler steps in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "fn"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderbook_sync_handler_events_total",
				Help: "Notable conditions observed while handling updates.",
			},
			[]string{"event"},
		),
		UpdateNotCached: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderbook_sync_order_update_order_does_not_exist_total",
				Help: "Fill updates for orders missing from the cache.",
			},
			[]string{"order_flags"},
		),
	}
	registry.MustRegister(m.Timing, m.Events, m.UpdateNotCached)
	return m
}

func (m *Metrics) ObserveTiming(handler, fn string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Timing.WithLabelValues(handler, fn).Observe(duration.Seconds())
}

func (m *Metrics) Inc(event string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(event).Inc()
}

func (m *Metrics) IncUpdateNotCached(orderFlags string) {
	if m == nil {
		return
	}
	m.UpdateNotCached.WithLabelValues(orderFlags).Inc()
}
