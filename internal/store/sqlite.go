package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed local store. Several processes may share
// the same database file; claims keep them from replaying the same mutation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: pragmas are per-connection and ":memory:" databases
	// are per-connection too.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for durability and cross-process access.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=FULL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const mutationColumns = `id, endpoint, created_at, fields, description, schema_version, status,
	attempts, last_error, last_status_code, last_attempt_at, claim_token, claimed_at`

// PutMutation inserts or overwrites a mutation by ID.
func (s *SQLiteStore) PutMutation(ctx context.Context, m *types.QueuedMutation) error {
	fields, err := json.Marshal(m.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	status := m.Status
	if status == "" {
		status = types.StatusPending
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mutations_queue (`+mutationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			endpoint = excluded.endpoint,
			created_at = excluded.created_at,
			fields = excluded.fields,
			description = excluded.description,
			schema_version = excluded.schema_version,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			last_status_code = excluded.last_status_code,
			last_attempt_at = excluded.last_attempt_at,
			claim_token = excluded.claim_token,
			claimed_at = excluded.claimed_at
	`, m.ID, m.Endpoint, m.CreatedAt.UnixMilli(), string(fields), m.Description, m.SchemaVersion,
		string(status), m.Attempts, m.LastError, m.LastStatusCode, nullMillis(m.LastAttemptAt),
		nullString(m.ClaimToken), nullMillis(m.ClaimedAt))
	if err != nil {
		return fmt.Errorf("put mutation %s: %w", m.ID, err)
	}
	return nil
}

// GetMutation returns a single mutation by ID.
func (s *SQLiteStore) GetMutation(ctx context.Context, id string) (*types.QueuedMutation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations_queue WHERE id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mutation %s: %w", id, err)
	}
	return m, nil
}

// ListMutations returns mutations in enqueue order.
func (s *SQLiteStore) ListMutations(ctx context.Context, statuses ...types.MutationStatus) ([]types.QueuedMutation, error) {
	where, args := statusFilter(statuses)
	rows, err := s.db.QueryContext(ctx, `SELECT `+mutationColumns+` FROM mutations_queue`+where+` ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	mutations := []types.QueuedMutation{}
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		mutations = append(mutations, *m)
	}
	return mutations, rows.Err()
}

// CountMutations counts mutations, optionally filtered by status.
func (s *SQLiteStore) CountMutations(ctx context.Context, statuses ...types.MutationStatus) (int, error) {
	where, args := statusFilter(statuses)
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations_queue`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return count, nil
}

// DeleteMutation removes a mutation regardless of its status.
func (s *SQLiteStore) DeleteMutation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutations_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete mutation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimMutation takes the lease on a mutation for token.
func (s *SQLiteStore) ClaimMutation(ctx context.Context, id, token string, now time.Time, leaseTTL time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations_queue
		SET status = ?, claim_token = ?, claimed_at = ?
		WHERE id = ?
		  AND (status = ?
		       OR (status = ? AND (claimed_at IS NULL OR claimed_at < ?)))
	`, string(types.StatusProcessing), token, now.UnixMilli(), id,
		string(types.StatusPending), string(types.StatusProcessing), now.Add(-leaseTTL).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim mutation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim mutation %s: %w", id, err)
	}
	return n == 1, nil
}

// CompleteMutation deletes a replayed mutation while the claim is held.
func (s *SQLiteStore) CompleteMutation(ctx context.Context, id, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mutations_queue WHERE id = ? AND claim_token = ? AND status = ?
	`, id, token, string(types.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("complete mutation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete mutation %s: %w", id, err)
	}
	return n == 1, nil
}

// ReleaseMutation records a failed attempt and drops the claim.
func (s *SQLiteStore) ReleaseMutation(ctx context.Context, id, token string, outcome types.AttemptOutcome) error {
	at := outcome.At
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations_queue
		SET status = ?, attempts = attempts + 1, last_error = ?, last_status_code = ?,
		    last_attempt_at = ?, claim_token = NULL, claimed_at = NULL
		WHERE id = ? AND claim_token = ? AND status = ?
	`, string(outcome.Status), outcome.Error, outcome.StatusCode, nullMillis(&at),
		id, token, string(types.StatusProcessing))
	if err != nil {
		return fmt.Errorf("release mutation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

// RequeueMutation moves a dead-lettered mutation back to PENDING.
func (s *SQLiteStore) RequeueMutation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations_queue SET status = ?, claim_token = NULL, claimed_at = NULL
		WHERE id = ? AND status = ?
	`, string(types.StatusPending), id, string(types.StatusDead))
	if err != nil {
		return fmt.Errorf("requeue mutation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no dead mutation %s: %w", id, ErrNotFound)
	}
	return nil
}

// PutCache inserts or overwrites cache records in a single transaction.
func (s *SQLiteStore) PutCache(ctx context.Context, kind types.CacheKind, records []types.CacheRecord) error {
	if err := checkKind(kind); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := putCacheTx(ctx, tx, kind, records); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceCache clears and refills each kind of sets in one transaction.
func (s *SQLiteStore) ReplaceCache(ctx context.Context, sets map[types.CacheKind][]types.CacheRecord) error {
	kinds, err := replaceOrder(sets)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, kind := range kinds {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+string(kind)); err != nil {
			return fmt.Errorf("clear %s: %w", kind, err)
		}
		if err := putCacheTx(ctx, tx, kind, sets[kind]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func putCacheTx(ctx context.Context, tx *sql.Tx, kind types.CacheKind, records []types.CacheRecord) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+string(kind)+` (id, expediente_id, payload, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			expediente_id = excluded.expediente_id,
			payload = excluded.payload,
			cached_at = excluded.cached_at
	`)
	if err != nil {
		return fmt.Errorf("prepare cache insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		payload := string(r.Payload)
		if payload == "" {
			payload = "{}"
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.ExpedienteID, payload, r.CachedAt.UnixMilli()); err != nil {
			return fmt.Errorf("put %s record %s: %w", kind, r.ID, err)
		}
	}
	return nil
}

// ListCache returns every record of kind ordered by ID.
func (s *SQLiteStore) ListCache(ctx context.Context, kind types.CacheKind) ([]types.CacheRecord, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, expediente_id, payload, cached_at FROM `+string(kind)+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	records := []types.CacheRecord{}
	for rows.Next() {
		var r types.CacheRecord
		var payload string
		var cachedAt int64
		if err := rows.Scan(&r.ID, &r.ExpedienteID, &payload, &cachedAt); err != nil {
			return nil, fmt.Errorf("scan %s record: %w", kind, err)
		}
		r.Payload = json.RawMessage(payload)
		r.CachedAt = time.UnixMilli(cachedAt).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountCache counts records of kind.
func (s *SQLiteStore) CountCache(ctx context.Context, kind types.CacheKind) (int, error) {
	if err := checkKind(kind); err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+string(kind)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return count, nil
}

// DeleteCacheOlderThan removes records cached before cutoff.
func (s *SQLiteStore) DeleteCacheOlderThan(ctx context.Context, kind types.CacheKind, cutoff time.Time) (int64, error) {
	if err := checkKind(kind); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+string(kind)+` WHERE cached_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("evict %s: %w", kind, err)
	}
	return res.RowsAffected()
}

// ClearCache removes every record of kind.
func (s *SQLiteStore) ClearCache(ctx context.Context, kind types.CacheKind) (int64, error) {
	if err := checkKind(kind); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+string(kind))
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", kind, err)
	}
	return res.RowsAffected()
}

// Stats returns record counts for every collection.
func (s *SQLiteStore) Stats(ctx context.Context) (*types.StoreStats, error) {
	var stats types.StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM assignments_cache),
			(SELECT COUNT(*) FROM points_cache),
			(SELECT COUNT(*) FROM mutations_queue),
			(SELECT COUNT(*) FROM mutations_queue WHERE status = ?),
			(SELECT COUNT(*) FROM mutations_queue WHERE status = ?)
	`, string(types.StatusPending), string(types.StatusDead)).Scan(
		&stats.Assignments, &stats.Points, &stats.Mutations, &stats.PendingMutations, &stats.DeadMutations,
	)
	if err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}
	return &stats, nil
}

// scanMutation scans a row into a QueuedMutation, decoding the fields JSON.
func scanMutation(scanner interface{ Scan(...any) error }) (*types.QueuedMutation, error) {
	var m types.QueuedMutation
	var createdAt int64
	var fieldsJSON, status string
	var lastAttemptAt, claimedAt sql.NullInt64
	var claimToken sql.NullString

	err := scanner.Scan(
		&m.ID,
		&m.Endpoint,
		&createdAt,
		&fieldsJSON,
		&m.Description,
		&m.SchemaVersion,
		&status,
		&m.Attempts,
		&m.LastError,
		&m.LastStatusCode,
		&lastAttemptAt,
		&claimToken,
		&claimedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &m.Fields); err != nil {
		return nil, fmt.Errorf("parse fields JSON: %w", err)
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.Status = types.MutationStatus(status)
	m.LastAttemptAt = fromNullMillis(lastAttemptAt)
	m.ClaimedAt = fromNullMillis(claimedAt)
	m.ClaimToken = claimToken.String

	return &m, nil
}

func statusFilter(statuses []types.MutationStatus) (string, []any) {
	if len(statuses) == 0 {
		return "", nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return " WHERE status IN (" + strings.Join(placeholders, ",") + ")", args
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
