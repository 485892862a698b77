package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/fieldsync/internal/metrics"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// StatsSource reports record counts for the local store.
type StatsSource interface {
	Stats(ctx context.Context) (*types.StoreStats, error)
}

// MetricsCollector refreshes the queue and cache gauges from store counts.
type MetricsCollector struct {
	source   StatsSource
	interval time.Duration
}

// NewMetricsCollector creates a collector polling source every interval.
func NewMetricsCollector(source StatsSource, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		source:   source,
		interval: interval,
	}
}

// Run collects immediately, then on every interval, until ctx is cancelled.
func (c *MetricsCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect performs a single refresh.
func (c *MetricsCollector) Collect(ctx context.Context) {
	stats, err := c.source.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("failed to collect store metrics",
				"component", "worker",
				"worker", "metrics-collector",
				"error", err,
			)
		}
		return
	}

	metrics.QueueMutations.WithLabelValues(string(types.StatusPending)).Set(float64(stats.PendingMutations))
	metrics.QueueMutations.WithLabelValues(string(types.StatusDead)).Set(float64(stats.DeadMutations))
	processing := stats.Mutations - stats.PendingMutations - stats.DeadMutations
	metrics.QueueMutations.WithLabelValues(string(types.StatusProcessing)).Set(float64(processing))

	metrics.CacheRecords.WithLabelValues(string(types.KindAssignments)).Set(float64(stats.Assignments))
	metrics.CacheRecords.WithLabelValues(string(types.KindPoints)).Set(float64(stats.Points))
}
