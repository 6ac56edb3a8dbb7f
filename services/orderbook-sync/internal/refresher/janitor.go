package refresher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type CanceledPruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

type UpdatePruner interface {
	PruneOldOrderUpdates(ctx context.Context, before time.Time) ([]string, error)
}

type LevelPruner interface {
	PruneZeroLevels(ctx context.Context, ticker string) (int, error)
}

type TickerSource interface {
	Tickers() []string
}

type JanitorMetrics struct {
	Pruned *prometheus.CounterVec
}

func NewJanitorMetrics(registry *prometheus.Registry) *JanitorMetrics {
	m := &JanitorMetrics{
		Pruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderbook_sync_janitor_pruned_total",
				Help: "Redis entries removed by the janitor.",
			},
			[]string{"kind"},
		),
	}
	registry.MustRegister(m.Pruned)
	return m
}

func (m *JanitorMetrics) add(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Pruned.WithLabelValues(kind).Add(float64(n))
}

// Janitor expires auxiliary redis state that no event will clean up:
// canceled markers past their TTL, parked stateful updates whose placement
// never arrived, and zero-sized price levels.
type Janitor struct {
	Canceled          CanceledPruner
	Updates           UpdatePruner
	Levels            LevelPruner
	Tickers           TickerSource
	StatefulUpdateTTL time.Duration
	Metrics           *JanitorMetrics
	Logger            *slog.Logger
	Now               func() time.Time
}

// RunOnce performs one pass and returns every failure joined.
func (j *Janitor) RunOnce(ctx context.Context) error {
	logger := j.logger()
	var errs []error

	if j.Canceled != nil {
		n, err := j.Canceled.PruneExpired(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		j.Metrics.add("canceled_marker", int(n))
	}

	if j.Updates != nil && j.StatefulUpdateTTL > 0 {
		cutoff := j.now().Add(-j.StatefulUpdateTTL)
		ids, err := j.Updates.PruneOldOrderUpdates(ctx, cutoff)
		if err != nil {
			errs = append(errs, err)
		}
		if len(ids) > 0 {
			logger.Info("dropped stale stateful order updates", "count", len(ids), "order_ids", ids)
		}
		j.Metrics.add("stateful_update", len(ids))
	}

	if j.Levels != nil && j.Tickers != nil {
		for _, ticker := range j.Tickers.Tickers() {
			n, err := j.Levels.PruneZeroLevels(ctx, ticker)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			j.Metrics.add("zero_level", n)
		}
	}

	return errors.Join(errs...)
}

// Start runs RunOnce every interval until ctx is done.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	logger := j.logger()
	if interval <= 0 {
		logger.Warn("cache janitor disabled")
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, interval)
				if err := j.RunOnce(runCtx); err != nil {
					logger.Error("cache janitor pass failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

func (j *Janitor) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

func (j *Janitor) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
