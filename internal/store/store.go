package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// MutationStore is the mutations_queue half of the local store. Only the
// queue manager reads and writes it.
type MutationStore interface {
	// PutMutation inserts or overwrites a mutation by ID. An overwrite keeps
	// the original enqueue position.
	PutMutation(ctx context.Context, m *types.QueuedMutation) error
	GetMutation(ctx context.Context, id string) (*types.QueuedMutation, error)
	// ListMutations returns mutations in enqueue order, optionally filtered
	// by status.
	ListMutations(ctx context.Context, statuses ...types.MutationStatus) ([]types.QueuedMutation, error)
	CountMutations(ctx context.Context, statuses ...types.MutationStatus) (int, error)
	DeleteMutation(ctx context.Context, id string) error

	// ClaimMutation marks a PENDING mutation as PROCESSING under token. A
	// PROCESSING mutation whose claim is older than leaseTTL may be taken
	// over. Reports whether the claim was acquired.
	ClaimMutation(ctx context.Context, id, token string, now time.Time, leaseTTL time.Duration) (bool, error)
	// CompleteMutation deletes the mutation only if token still holds it.
	CompleteMutation(ctx context.Context, id, token string) (bool, error)
	// ReleaseMutation records a failed attempt and returns the mutation to
	// outcome.Status. Returns ErrClaimLost if token no longer holds it.
	ReleaseMutation(ctx context.Context, id, token string, outcome types.AttemptOutcome) error
	// RequeueMutation moves a DEAD mutation back to PENDING.
	RequeueMutation(ctx context.Context, id string) error
}

// CacheStore is the reference-data half of the local store.
type CacheStore interface {
	// PutCache inserts or overwrites each record by ID.
	PutCache(ctx context.Context, kind types.CacheKind, records []types.CacheRecord) error
	ListCache(ctx context.Context, kind types.CacheKind) ([]types.CacheRecord, error)
	CountCache(ctx context.Context, kind types.CacheKind) (int, error)
	// DeleteCacheOlderThan removes records cached strictly before cutoff.
	DeleteCacheOlderThan(ctx context.Context, kind types.CacheKind, cutoff time.Time) (int64, error)
	ClearCache(ctx context.Context, kind types.CacheKind) (int64, error)
	// ReplaceCache swaps the full contents of every kind in sets in one
	// transaction. Kinds absent from sets are left alone.
	ReplaceCache(ctx context.Context, sets map[types.CacheKind][]types.CacheRecord) error
}

// Store defines the contract for the durable local store.
type Store interface {
	MutationStore
	CacheStore
	Stats(ctx context.Context) (*types.StoreStats, error)
	Close() error
}

// Open opens the store backend named by driver at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(path)
	case DriverBolt:
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, driver)
	}
}

func checkKind(kind types.CacheKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}

// replaceOrder returns the kinds of sets in CacheKinds order.
func replaceOrder(sets map[types.CacheKind][]types.CacheRecord) ([]types.CacheKind, error) {
	for kind := range sets {
		if err := checkKind(kind); err != nil {
			return nil, err
		}
	}
	kinds := make([]types.CacheKind, 0, len(sets))
	for _, kind := range types.CacheKinds {
		if _, ok := sets[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

func statusSet(statuses []types.MutationStatus) map[types.MutationStatus]bool {
	if len(statuses) == 0 {
		return nil
	}
	set := make(map[types.MutationStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}

// claimable reports whether m may be claimed at now.
func claimable(m *types.QueuedMutation, now time.Time, leaseTTL time.Duration) bool {
	switch m.Status {
	case types.StatusPending:
		return true
	case types.StatusProcessing:
		return m.ClaimedAt == nil || m.ClaimedAt.Before(now.Add(-leaseTTL))
	}
	return false
}
