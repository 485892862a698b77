package worker

import (
	"context"
	"log/slog"
	"time"
)

// CacheEvicter removes cache records older than maxAge.
// Implemented by cache.Manager.
type CacheEvicter interface {
	EvictExpired(ctx context.Context, maxAge time.Duration) (int64, error)
}

// CacheEvictionCoordinator periodically evicts expired reference data.
type CacheEvictionCoordinator struct {
	cache     CacheEvicter
	interval  time.Duration
	retention time.Duration
}

// NewCacheEvictionCoordinator creates a coordinator that evicts records older
// than retention every interval.
func NewCacheEvictionCoordinator(cache CacheEvicter, interval, retention time.Duration) *CacheEvictionCoordinator {
	return &CacheEvictionCoordinator{
		cache:     cache,
		interval:  interval,
		retention: retention,
	}
}

// Run starts the eviction loop. It blocks until ctx is cancelled.
//
// Records left over from a previous session are evicted immediately on
// start, then on each tick.
func (c *CacheEvictionCoordinator) Run(ctx context.Context) {
	slog.Info("cache eviction coordinator started",
		"component", "worker",
		"worker", "cache-eviction",
		"interval", c.interval.String(),
		"retention", c.retention.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.evict(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("cache eviction coordinator stopped",
				"component", "worker",
				"worker", "cache-eviction",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.evict(ctx)
		}
	}
}

// evict runs one eviction pass. Returns true on success.
func (c *CacheEvictionCoordinator) evict(ctx context.Context) bool {
	start := time.Now()

	evicted, err := c.cache.EvictExpired(ctx, c.retention)
	if err != nil {
		if ctx.Err() != nil {
			return false // Graceful shutdown, don't log as error
		}
		slog.Error("cache eviction failed",
			"component", "worker",
			"worker", "cache-eviction",
			"error", err,
		)
		return false
	}

	slog.Debug("cache eviction completed",
		"component", "worker",
		"worker", "cache-eviction",
		"evicted", evicted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}
