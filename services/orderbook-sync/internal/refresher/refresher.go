package refresher

import (
	"context"
	"log/slog"
	"time"
)

type RefreshMetrics interface {
	ObserveRefresh(duration time.Duration)
	SetCacheSize(size int)
	IncRefreshError()
}

type refreshable interface {
	refresh(ctx context.Context) error
	Size() int
}

// startAutoRefresh reloads c every interval until ctx is done.
func startAutoRefresh(ctx context.Context, name string, c refreshable, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("cache refresh disabled", "cache", name)
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
				refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				start := time.Now()
				err := c.refresh(refreshCtx)
				cancel()
				if err != nil {
					logger.Error("cache refresh failed", "cache", name, "error", err)
					if metrics != nil {
						metrics.IncRefreshError()
					}
					continue
				}
				if metrics != nil {
					metrics.ObserveRefresh(time.Since(start))
					metrics.SetCacheSize(c.Size())
				}
				logger.Debug("cache refreshed", "cache", name, "size", c.Size())
			}
		}
	}()
}
