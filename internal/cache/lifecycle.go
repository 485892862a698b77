// Package cache bounds the size and staleness of the reference-data caches.
// It never touches the mutation queue.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/fieldsync/internal/metrics"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// DefaultRetention is the default maximum age of a cached record.
const DefaultRetention = 24 * time.Hour

// ErrNoSource is returned by Preload when no reference source is configured.
var ErrNoSource = errors.New("reference source not configured")

// Store is the part of the local store the cache manager needs.
type Store interface {
	store.CacheStore
	Stats(ctx context.Context) (*types.StoreStats, error)
}

// Manager owns the cache kinds of the local store.
type Manager struct {
	store     Store
	source    Source
	retention time.Duration
	now       func() time.Time
}

// NewManager creates a cache manager. source may be nil, in which case
// Preload is unavailable.
func NewManager(s Store, source Source, retention time.Duration) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		store:     s,
		source:    source,
		retention: retention,
		now:       time.Now,
	}
}

// Retention returns the configured maximum record age.
func (m *Manager) Retention() time.Duration {
	return m.retention
}

// EvictExpired deletes cache records cached more than maxAge ago. A
// non-positive maxAge uses the configured retention.
func (m *Manager) EvictExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = m.retention
	}
	cutoff := m.now().Add(-maxAge)

	var total int64
	for _, kind := range types.CacheKinds {
		n, err := m.store.DeleteCacheOlderThan(ctx, kind, cutoff)
		if err != nil {
			return total, fmt.Errorf("evict %s: %w", kind, err)
		}
		metrics.CacheEvictedTotal.WithLabelValues(string(kind)).Add(float64(n))
		total += n
	}

	if total > 0 {
		slog.Info("expired cache records evicted",
			"component", "cache",
			"evicted", total,
			"cutoff", cutoff.UTC().Format(time.RFC3339),
		)
	}
	return total, nil
}

// ClearAll wipes every cache kind. Queued mutations are untouched.
func (m *Manager) ClearAll(ctx context.Context) (int64, error) {
	var total int64
	for _, kind := range types.CacheKinds {
		n, err := m.store.ClearCache(ctx, kind)
		if err != nil {
			return total, fmt.Errorf("clear %s: %w", kind, err)
		}
		total += n
	}

	slog.Info("cache cleared",
		"component", "cache",
		"removed", total,
	)
	return total, nil
}

// Stats returns record counts for the caches and the queue.
func (m *Manager) Stats(ctx context.Context) (*types.StoreStats, error) {
	return m.store.Stats(ctx)
}

// Preload replaces the cached assignments and points with the current data
// for one expediente, then evicts expired records. Both kinds are fetched
// first and swapped in one store transaction, so a failed fetch or write
// leaves the cache as it was.
func (m *Manager) Preload(ctx context.Context, expedienteID string) (*types.PreloadResult, error) {
	if m.source == nil {
		return nil, ErrNoSource
	}
	if expedienteID == "" {
		return nil, errors.New("expediente id is required")
	}
	start := time.Now()

	assignments, err := m.source.FetchAssignments(ctx, expedienteID)
	if err != nil {
		return nil, fmt.Errorf("fetch assignments: %w", err)
	}
	points, err := m.source.FetchPoints(ctx, expedienteID)
	if err != nil {
		return nil, fmt.Errorf("fetch points: %w", err)
	}

	cachedAt := m.now().UTC()
	sets := make(map[types.CacheKind][]types.CacheRecord, 2)
	if sets[types.KindAssignments], err = toRecords(types.KindAssignments, assignments, expedienteID, cachedAt); err != nil {
		return nil, err
	}
	if sets[types.KindPoints], err = toRecords(types.KindPoints, points, expedienteID, cachedAt); err != nil {
		return nil, err
	}
	if err := m.store.ReplaceCache(ctx, sets); err != nil {
		return nil, fmt.Errorf("store reference data: %w", err)
	}

	evicted, err := m.EvictExpired(ctx, m.retention)
	if err != nil {
		return nil, err
	}

	result := &types.PreloadResult{
		ExpedienteID: expedienteID,
		Assignments:  len(assignments),
		Points:       len(points),
		Evicted:      evicted,
		Duration:     time.Since(start),
	}
	slog.Info("reference data preloaded",
		"component", "cache",
		"expediente_id", expedienteID,
		"assignments", result.Assignments,
		"points", result.Points,
		"evicted", evicted,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

// Expedientes lists the expedientes that can be preloaded.
func (m *Manager) Expedientes(ctx context.Context) ([]types.Expediente, error) {
	if m.source == nil {
		return nil, ErrNoSource
	}
	return m.source.ListExpedientes(ctx)
}

func toRecords(kind types.CacheKind, rows []json.RawMessage, expedienteID string, cachedAt time.Time) ([]types.CacheRecord, error) {
	records := make([]types.CacheRecord, 0, len(rows))
	for _, row := range rows {
		id, err := rowID(row)
		if err != nil {
			return nil, fmt.Errorf("%s row: %w", kind, err)
		}
		records = append(records, types.CacheRecord{
			ID:           id,
			ExpedienteID: expedienteID,
			Payload:      row,
			CachedAt:     cachedAt,
		})
	}
	return records, nil
}

// Assignments returns cached assignments, optionally for one expediente.
func (m *Manager) Assignments(ctx context.Context, expedienteID string) ([]types.Assignment, error) {
	var out []types.Assignment
	err := m.decode(ctx, types.KindAssignments, expedienteID, func(payload json.RawMessage) error {
		var a types.Assignment
		if err := json.Unmarshal(payload, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// Points returns cached monitoring points, optionally for one expediente.
func (m *Manager) Points(ctx context.Context, expedienteID string) ([]types.Point, error) {
	var out []types.Point
	err := m.decode(ctx, types.KindPoints, expedienteID, func(payload json.RawMessage) error {
		var p types.Point
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (m *Manager) decode(ctx context.Context, kind types.CacheKind, expedienteID string, fn func(json.RawMessage) error) error {
	records, err := m.store.ListCache(ctx, kind)
	if err != nil {
		return err
	}
	for _, r := range records {
		if expedienteID != "" && r.ExpedienteID != expedienteID {
			continue
		}
		if err := fn(r.Payload); err != nil {
			return fmt.Errorf("decode %s record %s: %w", kind, r.ID, err)
		}
	}
	return nil
}

// rowID extracts the primary key of a reference row. Numeric keys are kept
// in their JSON text form.
func rowID(row json.RawMessage) (string, error) {
	var key struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(row, &key); err != nil {
		return "", err
	}
	if len(key.ID) == 0 || string(key.ID) == "null" {
		return "", errors.New("missing id")
	}
	var s string
	if err := json.Unmarshal(key.ID, &s); err == nil {
		return s, nil
	}
	return string(key.ID), nil
}
