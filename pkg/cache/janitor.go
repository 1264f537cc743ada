package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunJanitor calls EvictExpired on every tick until ctx is done and logs the
// store's statistics. Errors are logged and do not stop the loop.
func RunJanitor(ctx context.Context, store Store, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.EvictExpired(ctx)
			if err != nil {
				logger.Warn("evict expired entries failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("evicted expired entries", zap.Int("count", n))
			}
			stats, err := store.Stats(ctx)
			if err != nil {
				logger.Warn("read cache stats failed", zap.Error(err))
				continue
			}
			logger.Debug("cache stats",
				zap.Int64("entries", stats.Entries),
				zap.Int64("bytes", stats.Bytes),
				zap.Float64("hit_rate", stats.HitRate()),
			)
		}
	}
}
