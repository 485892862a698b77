package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// mutations_queue is keyed by an 8-byte big-endian sequence so that
	// cursor order is enqueue order; mutations_index maps ID to that key.
	bucketMutations     = []byte("mutations_queue")
	bucketMutationIndex = []byte("mutations_index")
)

// BoltStore implements Store using bbolt. The database file is locked by a
// single process.
type BoltStore struct {
	db *bolt.DB
}

// boltMutation is the persisted form of a mutation; it keeps the claim
// token that QueuedMutation hides from JSON.
type boltMutation struct {
	types.QueuedMutation
	ClaimToken string `json:"claim_token,omitempty"`
}

// NewBoltStore opens or creates a bbolt database at the given path.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		names := [][]byte{bucketMutations, bucketMutationIndex}
		for _, kind := range types.CacheKinds {
			names = append(names, []byte(kind))
		}
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close releases the bbolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutMutation inserts or overwrites a mutation by ID.
func (s *BoltStore) PutMutation(ctx context.Context, m *types.QueuedMutation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketMutations)
		index := tx.Bucket(bucketMutationIndex)

		key := index.Get([]byte(m.ID))
		if key == nil {
			seq, err := queue.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			key = seqKey(seq)
			if err := index.Put([]byte(m.ID), key); err != nil {
				return fmt.Errorf("index mutation %s: %w", m.ID, err)
			}
		}

		stored := boltMutation{QueuedMutation: *m, ClaimToken: m.ClaimToken}
		if stored.Status == "" {
			stored.Status = types.StatusPending
		}
		return putMutation(queue, key, &stored)
	})
}

// GetMutation returns a single mutation by ID.
func (s *BoltStore) GetMutation(ctx context.Context, id string) (*types.QueuedMutation, error) {
	var m *types.QueuedMutation
	err := s.db.View(func(tx *bolt.Tx) error {
		stored, _, err := lookupMutation(tx, id)
		if err != nil {
			return err
		}
		m = stored.toMutation()
		return nil
	})
	return m, err
}

// ListMutations returns mutations in enqueue order.
func (s *BoltStore) ListMutations(ctx context.Context, statuses ...types.MutationStatus) ([]types.QueuedMutation, error) {
	filter := statusSet(statuses)
	mutations := []types.QueuedMutation{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMutations).ForEach(func(k, v []byte) error {
			var stored boltMutation
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("decode mutation: %w", err)
			}
			if filter == nil || filter[stored.Status] {
				mutations = append(mutations, *stored.toMutation())
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	return mutations, nil
}

// CountMutations counts mutations, optionally filtered by status.
func (s *BoltStore) CountMutations(ctx context.Context, statuses ...types.MutationStatus) (int, error) {
	if len(statuses) == 0 {
		var n int
		err := s.db.View(func(tx *bolt.Tx) error {
			n = tx.Bucket(bucketMutations).Stats().KeyN
			return nil
		})
		return n, err
	}
	mutations, err := s.ListMutations(ctx, statuses...)
	if err != nil {
		return 0, err
	}
	return len(mutations), nil
}

// DeleteMutation removes a mutation regardless of its status.
func (s *BoltStore) DeleteMutation(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, key, err := lookupMutation(tx, id)
		if err != nil {
			return err
		}
		return deleteMutation(tx, id, key)
	})
}

// ClaimMutation takes the lease on a mutation for token.
func (s *BoltStore) ClaimMutation(ctx context.Context, id, token string, now time.Time, leaseTTL time.Duration) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		stored, key, err := lookupMutation(tx, id)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if !claimable(&stored.QueuedMutation, now, leaseTTL) {
			return nil
		}

		at := now.UTC()
		stored.Status = types.StatusProcessing
		stored.ClaimToken = token
		stored.ClaimedAt = &at
		claimed = true
		return putMutation(tx.Bucket(bucketMutations), key, stored)
	})
	if err != nil {
		return false, fmt.Errorf("claim mutation %s: %w", id, err)
	}
	return claimed, nil
}

// CompleteMutation deletes a replayed mutation while the claim is held.
func (s *BoltStore) CompleteMutation(ctx context.Context, id, token string) (bool, error) {
	completed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		stored, key, err := lookupMutation(tx, id)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if stored.Status != types.StatusProcessing || stored.ClaimToken != token {
			return nil
		}
		completed = true
		return deleteMutation(tx, id, key)
	})
	if err != nil {
		return false, fmt.Errorf("complete mutation %s: %w", id, err)
	}
	return completed, nil
}

// ReleaseMutation records a failed attempt and drops the claim.
func (s *BoltStore) ReleaseMutation(ctx context.Context, id, token string, outcome types.AttemptOutcome) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, key, err := lookupMutation(tx, id)
		if err == ErrNotFound {
			return ErrClaimLost
		}
		if err != nil {
			return err
		}
		if stored.Status != types.StatusProcessing || stored.ClaimToken != token {
			return ErrClaimLost
		}

		stored.Status = outcome.Status
		stored.Attempts++
		stored.LastError = outcome.Error
		stored.LastStatusCode = outcome.StatusCode
		if !outcome.At.IsZero() {
			at := outcome.At.UTC()
			stored.LastAttemptAt = &at
		}
		stored.ClaimToken = ""
		stored.ClaimedAt = nil
		return putMutation(tx.Bucket(bucketMutations), key, stored)
	})
}

// RequeueMutation moves a dead-lettered mutation back to PENDING.
func (s *BoltStore) RequeueMutation(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, key, err := lookupMutation(tx, id)
		if err != nil || stored.Status != types.StatusDead {
			return fmt.Errorf("no dead mutation %s: %w", id, ErrNotFound)
		}
		stored.Status = types.StatusPending
		stored.ClaimToken = ""
		stored.ClaimedAt = nil
		return putMutation(tx.Bucket(bucketMutations), key, stored)
	})
}

// PutCache inserts or overwrites cache records in a single transaction.
func (s *BoltStore) PutCache(ctx context.Context, kind types.CacheKind, records []types.CacheRecord) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putCacheBucket(tx.Bucket([]byte(kind)), kind, records)
	})
}

// ReplaceCache recreates the bucket of each kind in sets and refills it in
// one update.
func (s *BoltStore) ReplaceCache(ctx context.Context, sets map[types.CacheKind][]types.CacheRecord) error {
	kinds, err := replaceOrder(sets)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, kind := range kinds {
			name := []byte(kind)
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("clear %s: %w", kind, err)
			}
			b, err := tx.CreateBucket(name)
			if err != nil {
				return fmt.Errorf("clear %s: %w", kind, err)
			}
			if err := putCacheBucket(b, kind, sets[kind]); err != nil {
				return err
			}
		}
		return nil
	})
}

func putCacheBucket(b *bolt.Bucket, kind types.CacheKind, records []types.CacheRecord) error {
	for _, r := range records {
		if len(r.Payload) == 0 {
			r.Payload = json.RawMessage("{}")
		}
		r.CachedAt = r.CachedAt.UTC().Truncate(time.Millisecond)
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode %s record %s: %w", kind, r.ID, err)
		}
		if err := b.Put([]byte(r.ID), data); err != nil {
			return fmt.Errorf("put %s record %s: %w", kind, r.ID, err)
		}
	}
	return nil
}

// ListCache returns every record of kind ordered by ID.
func (s *BoltStore) ListCache(ctx context.Context, kind types.CacheKind) ([]types.CacheRecord, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	records := []types.CacheRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(kind)).ForEach(func(k, v []byte) error {
			var r types.CacheRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode %s record %s: %w", kind, k, err)
			}
			records = append(records, r)
			return nil
		})
	})
	return records, err
}

// CountCache counts records of kind.
func (s *BoltStore) CountCache(ctx context.Context, kind types.CacheKind) (int, error) {
	if err := checkKind(kind); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(kind)).Stats().KeyN
		return nil
	})
	return n, err
}

// DeleteCacheOlderThan removes records cached before cutoff.
func (s *BoltStore) DeleteCacheOlderThan(ctx context.Context, kind types.CacheKind, cutoff time.Time) (int64, error) {
	if err := checkKind(kind); err != nil {
		return 0, err
	}
	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var r types.CacheRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode %s record %s: %w", kind, k, err)
			}
			if r.CachedAt.Before(cutoff) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = int64(len(expired))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("evict %s: %w", kind, err)
	}
	return deleted, nil
}

// ClearCache removes every record of kind.
func (s *BoltStore) ClearCache(ctx context.Context, kind types.CacheKind) (int64, error) {
	if err := checkKind(kind); err != nil {
		return 0, err
	}
	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		name := []byte(kind)
		deleted = int64(tx.Bucket(name).Stats().KeyN)
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
		_, err := tx.CreateBucket(name)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", kind, err)
	}
	return deleted, nil
}

// Stats returns record counts for every collection.
func (s *BoltStore) Stats(ctx context.Context) (*types.StoreStats, error) {
	var stats types.StoreStats
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Assignments = tx.Bucket([]byte(types.KindAssignments)).Stats().KeyN
		stats.Points = tx.Bucket([]byte(types.KindPoints)).Stats().KeyN
		return tx.Bucket(bucketMutations).ForEach(func(k, v []byte) error {
			var m boltMutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode mutation: %w", err)
			}
			stats.Mutations++
			switch m.Status {
			case types.StatusPending:
				stats.PendingMutations++
			case types.StatusDead:
				stats.DeadMutations++
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}
	return &stats, nil
}

func (m *boltMutation) toMutation() *types.QueuedMutation {
	out := m.QueuedMutation
	out.ClaimToken = m.ClaimToken
	return &out
}

func lookupMutation(tx *bolt.Tx, id string) (*boltMutation, []byte, error) {
	key := tx.Bucket(bucketMutationIndex).Get([]byte(id))
	if key == nil {
		return nil, nil, ErrNotFound
	}
	data := tx.Bucket(bucketMutations).Get(key)
	if data == nil {
		return nil, nil, ErrNotFound
	}
	var stored boltMutation
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, nil, fmt.Errorf("decode mutation %s: %w", id, err)
	}
	return &stored, append([]byte(nil), key...), nil
}

func putMutation(queue *bolt.Bucket, key []byte, m *boltMutation) error {
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Millisecond)
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mutation %s: %w", m.ID, err)
	}
	return queue.Put(key, data)
}

func deleteMutation(tx *bolt.Tx, id string, key []byte) error {
	if err := tx.Bucket(bucketMutations).Delete(key); err != nil {
		return err
	}
	return tx.Bucket(bucketMutationIndex).Delete([]byte(id))
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
