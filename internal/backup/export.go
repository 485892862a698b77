// Package backup exports the mutation queue to a JSON file and optionally
// uploads it to S3-compatible storage. An export is a recovery aid for
// devices that stay offline for a long time; it is never read back by the
// queue itself.
//
// When no bucket is configured, exports stay on the local disk.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// FileName is the name of the export file inside the export directory.
const FileName = "queue-export.json"

const (
	contentType      = "application/json"
	defaultURLExpiry = time.Hour
)

// ErrNotConfigured is returned when export storage is not configured.
var ErrNotConfigured = errors.New("export storage not configured")

// Source provides the queue contents to export. Implemented by store.Store.
type Source interface {
	ListMutations(ctx context.Context, statuses ...types.MutationStatus) ([]types.QueuedMutation, error)
	Stats(ctx context.Context) (*types.StoreStats, error)
}

// Export is the document written to disk. Mutations include dead-lettered
// entries.
type Export struct {
	DeviceID   string                 `json:"device_id"`
	ExportedAt time.Time              `json:"exported_at"`
	Stats      types.StoreStats       `json:"stats"`
	Mutations  []types.QueuedMutation `json:"mutations"`
}

// Exporter writes queue exports to a directory and optionally copies them
// to a bucket.
type Exporter struct {
	source    Source
	bucket    Bucket
	urlExpiry time.Duration
	dir       string
	deviceID  string
	now       func() time.Time
}

// NewExporter creates an exporter. bucket may be nil, in which case exports
// stay local. A non-positive urlExpiry uses one hour.
func NewExporter(source Source, bucket Bucket, urlExpiry time.Duration, dir, deviceID string) *Exporter {
	if urlExpiry <= 0 {
		urlExpiry = defaultURLExpiry
	}
	return &Exporter{
		source:    source,
		bucket:    bucket,
		urlExpiry: urlExpiry,
		dir:       dir,
		deviceID:  deviceID,
		now:       time.Now,
	}
}

// Path returns the location of the export file.
func (e *Exporter) Path() string {
	return filepath.Join(e.dir, FileName)
}

// DeviceID returns the device the exports are named after.
func (e *Exporter) DeviceID() string {
	return e.deviceID
}

// ObjectKey returns the bucket key of the device's latest export,
// {device_id}/queue-export/latest.json.
func (e *Exporter) ObjectKey() string {
	return e.deviceID + "/queue-export/latest.json"
}

// Write snapshots the queue into the export file. The file is replaced
// atomically, so a reader never sees a partial export.
func (e *Exporter) Write(ctx context.Context) (*Export, error) {
	mutations, err := e.source.ListMutations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	stats, err := e.source.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	if mutations == nil {
		mutations = []types.QueuedMutation{}
	}

	export := &Export{
		DeviceID:   e.deviceID,
		ExportedAt: e.now().UTC(),
		Stats:      *stats,
		Mutations:  mutations,
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}

	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	tmp, err := os.CreateTemp(e.dir, FileName+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("write export file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tmpPath, e.Path()); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("replace export file: %w", err)
	}

	slog.Info("queue exported",
		"component", "backup",
		"path", e.Path(),
		"mutations", len(mutations),
		"dead", stats.DeadMutations,
	)
	return export, nil
}

// Upload copies the current export file to the bucket. Without a bucket it
// does nothing.
func (e *Exporter) Upload(ctx context.Context) error {
	if e.bucket == nil {
		return nil
	}
	if err := e.bucket.PutFile(ctx, e.ObjectKey(), e.Path(), contentType); err != nil {
		return fmt.Errorf("upload export: %w", err)
	}
	slog.Info("queue export uploaded",
		"component", "backup",
		"device_id", e.deviceID,
		"key", e.ObjectKey(),
	)
	return nil
}

// DownloadURL returns a pre-signed URL for the device's latest uploaded
// export and the time it stops working.
func (e *Exporter) DownloadURL(ctx context.Context) (string, time.Time, error) {
	if e.bucket == nil {
		return "", time.Time{}, ErrNotConfigured
	}
	expiry := e.now().Add(e.urlExpiry)
	u, err := e.bucket.PresignGet(ctx, e.ObjectKey(), e.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return u.String(), expiry, nil
}
