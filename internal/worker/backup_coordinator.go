package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/fieldsync/internal/backup"
)

// QueueExporter writes and uploads queue exports.
// Implemented by backup.Exporter.
type QueueExporter interface {
	Write(ctx context.Context) (*backup.Export, error)
	Upload(ctx context.Context) error
}

// BackupCoordinator periodically exports the mutation queue.
type BackupCoordinator struct {
	exporter QueueExporter
	interval time.Duration
}

// NewBackupCoordinator creates a coordinator that exports the queue every
// interval.
func NewBackupCoordinator(exporter QueueExporter, interval time.Duration) *BackupCoordinator {
	return &BackupCoordinator{
		exporter: exporter,
		interval: interval,
	}
}

// Run starts the coordinator loop.
func (c *BackupCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Export immediately on start
	c.export(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.export(ctx)
		}
	}
}

// export writes one export and uploads it. Returns true if the local export
// was written; upload failures are logged and do not count as failure.
func (c *BackupCoordinator) export(ctx context.Context) bool {
	if _, err := c.exporter.Write(ctx); err != nil {
		if ctx.Err() != nil {
			return false // Graceful shutdown, don't log as error
		}
		slog.Warn("queue export failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "export_failed",
			"error", err,
		)
		return false
	}

	if err := c.exporter.Upload(ctx); err != nil {
		if ctx.Err() != nil {
			return true
		}
		slog.Warn("queue export upload failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "export_upload_failed",
			"error", err,
		)
	}
	return true
}
