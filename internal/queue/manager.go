// Package queue implements durable at-least-once delivery of deferred form
// submissions. Entries are persisted on enqueue and removed only after the
// upstream confirms a replay with a 2xx response.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/fieldsync/internal/metrics"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/types"
)

const flushKey = "flush"

// Config holds the replay policy.
type Config struct {
	// SchemaVersion is stamped on every new entry.
	SchemaVersion int
	// MinSchemaVersion dead-letters older entries without replaying them.
	MinSchemaVersion int
	// LeaseTTL bounds how long a claim blocks other flushers.
	LeaseTTL time.Duration
	// MaxAttempts dead-letters an entry after this many failed replays.
	// Zero retries forever.
	MaxAttempts int
	// RequestTimeout bounds each replay POST. Zero leaves it to the poster.
	RequestTimeout time.Duration
}

// DefaultConfig returns the replay policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		SchemaVersion:    1,
		MinSchemaVersion: 1,
		LeaseTTL:         2 * time.Minute,
		RequestTimeout:   30 * time.Second,
	}
}

// Manager owns the mutation queue. It is safe for concurrent use; construct
// one per process and share it.
type Manager struct {
	store   store.MutationStore
	poster  Poster
	cfg     Config
	token   string
	flights singleflight.Group
	events  *broadcaster
	now     func() time.Time

	// Flush passes run on lifetime so that no single caller can cut a
	// shared pass short; Close cancels it.
	lifetime context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closed   bool
	passes   sync.WaitGroup
}

// NewManager creates a queue manager. Each manager claims entries under its
// own token, so several managers may share one store.
func NewManager(s store.MutationStore, p Poster, cfg Config) *Manager {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if cfg.SchemaVersion <= 0 {
		cfg.SchemaVersion = 1
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Manager{
		store:    s,
		poster:   p,
		cfg:      cfg,
		token:    uuid.NewString(),
		events:   newBroadcaster(),
		now:      time.Now,
		lifetime: lifetime,
		stop:     stop,
	}
}

// Close stops any flush pass in flight and waits for it to record its
// outcomes. Later Flush calls return ErrClosed. The store is not closed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.stop()
	m.passes.Wait()
}

// Token returns the claim token this manager writes on entries it replays.
func (m *Manager) Token() string {
	return m.token
}

// Enqueue persists a mutation for later replay and returns its ID. It never
// touches the network.
func (m *Manager) Enqueue(ctx context.Context, endpoint string, fields types.Fields, description string) (string, error) {
	if endpoint == "" || !strings.HasPrefix(endpoint, "/") {
		return "", fmt.Errorf("%w: endpoint must be an absolute path, got %q", ErrInvalidMutation, endpoint)
	}
	if fields == nil {
		return "", fmt.Errorf("%w: fields are required", ErrInvalidMutation)
	}

	mutation := &types.QueuedMutation{
		ID:            ulid.Make().String(),
		Endpoint:      endpoint,
		CreatedAt:     m.now().UTC(),
		Fields:        fields.Clone(),
		Description:   description,
		SchemaVersion: m.cfg.SchemaVersion,
		Status:        types.StatusPending,
	}
	if err := m.store.PutMutation(ctx, mutation); err != nil {
		return "", fmt.Errorf("persist mutation: %w", err)
	}

	slog.Info("mutation queued",
		"component", "queue",
		"mutation_id", mutation.ID,
		"endpoint", endpoint,
		"description", description,
	)
	return mutation.ID, nil
}

// Flush replays every entry queued at call time, oldest first, one at a time.
// Overlapping calls share the pass already in flight, and the shared result
// is flagged. Cancelling ctx stops this caller from waiting; the pass itself
// runs to completion unless the manager is closed. Per-entry failures are
// recorded on the entry and never returned; an error means the queue could
// not be read at all.
func (m *Manager) Flush(ctx context.Context) (*types.FlushResult, error) {
	ch := m.flights.DoChan(flushKey, m.runPass)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		metrics.FlushesTotal.WithLabelValues(strconv.FormatBool(res.Shared)).Inc()
		if res.Err != nil {
			return nil, res.Err
		}
		result := *res.Val.(*types.FlushResult)
		result.Shared = res.Shared
		return &result, nil
	}
}

func (m *Manager) runPass() (interface{}, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.passes.Add(1)
	m.mu.Unlock()
	defer m.passes.Done()

	return m.flushOnce(m.lifetime)
}

func (m *Manager) flushOnce(ctx context.Context) (*types.FlushResult, error) {
	start := time.Now()

	// Stale PROCESSING entries belong to a flusher that died mid-replay;
	// ClaimMutation decides whether their lease has run out.
	entries, err := m.store.ListMutations(ctx, types.StatusPending, types.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("snapshot queue: %w", err)
	}

	result := &types.FlushResult{}
	for i := range entries {
		if ctx.Err() != nil {
			// Entries the pass never reached are still owed a replay.
			result.Retrying += len(entries) - i
			break
		}
		m.replay(ctx, &entries[i], result)
	}

	result.Duration = time.Since(start)
	metrics.FlushDuration.Observe(result.Duration.Seconds())

	if len(entries) > 0 {
		slog.Info("flush completed",
			"component", "queue",
			"snapshot", len(entries),
			"attempted", result.Attempted,
			"succeeded", result.Succeeded,
			"retrying", result.Retrying,
			"dead_lettered", result.DeadLettered,
			"skipped", result.Skipped,
			"duration_ms", result.Duration.Milliseconds(),
		)
	}
	return result, nil
}

// replay claims and POSTs a single entry, then records the outcome.
func (m *Manager) replay(ctx context.Context, entry *types.QueuedMutation, result *types.FlushResult) {
	claimed, err := m.store.ClaimMutation(ctx, entry.ID, m.token, m.now().UTC(), m.cfg.LeaseTTL)
	if err != nil || !claimed {
		if err != nil {
			slog.Warn("failed to claim mutation",
				"component", "queue",
				"mutation_id", entry.ID,
				"error", err,
			)
		}
		result.Skipped++
		metrics.ReplaysTotal.WithLabelValues("skipped").Inc()
		return
	}
	result.Attempted++

	// Bookkeeping must land even if the flush is being cancelled, or the
	// entry stays claimed until its lease expires.
	bookCtx := context.WithoutCancel(ctx)

	if entry.SchemaVersion < m.cfg.MinSchemaVersion {
		reason := fmt.Sprintf("schema version %d predates minimum %d", entry.SchemaVersion, m.cfg.MinSchemaVersion)
		m.deadLetter(bookCtx, entry, 0, reason, result)
		return
	}

	postCtx := ctx
	if m.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		postCtx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := m.poster.Post(postCtx, entry.Endpoint, entry.Fields)
	switch {
	case err != nil:
		m.retry(bookCtx, entry, 0, err.Error(), result)
	case resp.Success():
		m.complete(bookCtx, entry, resp.StatusCode, result)
	case IsPermanent(resp.StatusCode):
		m.deadLetter(bookCtx, entry, resp.StatusCode, upstreamReason(resp), result)
	default:
		m.retry(bookCtx, entry, resp.StatusCode, upstreamReason(resp), result)
	}
}

func (m *Manager) complete(ctx context.Context, entry *types.QueuedMutation, statusCode int, result *types.FlushResult) {
	done, err := m.store.CompleteMutation(ctx, entry.ID, m.token)
	switch {
	case err != nil:
		// The POST went through; the entry will be replayed again once its
		// lease expires.
		slog.Error("failed to remove replayed mutation",
			"component", "queue",
			"mutation_id", entry.ID,
			"error", err,
		)
	case !done:
		slog.Warn("claim lost after replay; entry may be replayed again",
			"component", "queue",
			"mutation_id", entry.ID,
		)
	}

	result.Succeeded++
	metrics.ReplaysTotal.WithLabelValues("succeeded").Inc()
	slog.Debug("mutation replayed",
		"component", "queue",
		"mutation_id", entry.ID,
		"endpoint", entry.Endpoint,
		"status_code", statusCode,
	)
	m.events.publish(types.Resolution{
		MutationID:  entry.ID,
		Endpoint:    entry.Endpoint,
		Description: entry.Description,
		Outcome:     types.OutcomeSucceeded,
		StatusCode:  statusCode,
		At:          m.now().UTC(),
	})
}

func (m *Manager) retry(ctx context.Context, entry *types.QueuedMutation, statusCode int, reason string, result *types.FlushResult) {
	if m.cfg.MaxAttempts > 0 && entry.Attempts+1 >= m.cfg.MaxAttempts {
		m.deadLetter(ctx, entry, statusCode, fmt.Sprintf("gave up after %d attempts: %s", entry.Attempts+1, reason), result)
		return
	}

	outcome := types.AttemptOutcome{
		Status:     types.StatusPending,
		StatusCode: statusCode,
		Error:      reason,
		At:         m.now().UTC(),
	}
	if err := m.store.ReleaseMutation(ctx, entry.ID, m.token, outcome); err != nil {
		slog.Warn("failed to release mutation",
			"component", "queue",
			"mutation_id", entry.ID,
			"error", err,
		)
	}

	result.Retrying++
	metrics.ReplaysTotal.WithLabelValues("retrying").Inc()
	slog.Warn("mutation replay failed, will retry",
		"component", "queue",
		"mutation_id", entry.ID,
		"endpoint", entry.Endpoint,
		"status_code", statusCode,
		"attempts", entry.Attempts+1,
		"error", reason,
	)
}

func (m *Manager) deadLetter(ctx context.Context, entry *types.QueuedMutation, statusCode int, reason string, result *types.FlushResult) {
	outcome := types.AttemptOutcome{
		Status:     types.StatusDead,
		StatusCode: statusCode,
		Error:      reason,
		At:         m.now().UTC(),
	}
	if err := m.store.ReleaseMutation(ctx, entry.ID, m.token, outcome); err != nil {
		slog.Warn("failed to dead-letter mutation",
			"component", "queue",
			"mutation_id", entry.ID,
			"error", err,
		)
		// Another flusher owns it now; it will reach its own verdict.
		result.Retrying++
		return
	}

	result.DeadLettered++
	metrics.ReplaysTotal.WithLabelValues("dead_lettered").Inc()
	slog.Error("mutation dead-lettered",
		"component", "queue",
		"mutation_id", entry.ID,
		"endpoint", entry.Endpoint,
		"status_code", statusCode,
		"reason", reason,
	)
	m.events.publish(types.Resolution{
		MutationID:  entry.ID,
		Endpoint:    entry.Endpoint,
		Description: entry.Description,
		Outcome:     types.OutcomeDeadLettered,
		StatusCode:  statusCode,
		Reason:      reason,
		At:          outcome.At,
	})
}

// Subscribe returns a channel of resolution events and a function that ends
// the subscription. Events are dropped for a subscriber whose buffer is full.
func (m *Manager) Subscribe(buffer int) (<-chan types.Resolution, func()) {
	return m.events.subscribe(buffer)
}

// List returns queued entries in enqueue order, optionally filtered by status.
func (m *Manager) List(ctx context.Context, statuses ...types.MutationStatus) ([]types.QueuedMutation, error) {
	return m.store.ListMutations(ctx, statuses...)
}

// Count returns the number of queued entries, optionally filtered by status.
func (m *Manager) Count(ctx context.Context, statuses ...types.MutationStatus) (int, error) {
	return m.store.CountMutations(ctx, statuses...)
}

// Delete discards an entry without replaying it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteMutation(ctx, id); err != nil {
		return err
	}
	slog.Info("mutation deleted",
		"component", "queue",
		"mutation_id", id,
	)
	return nil
}

// Requeue returns a dead-lettered entry to the replay cycle.
func (m *Manager) Requeue(ctx context.Context, id string) error {
	if err := m.store.RequeueMutation(ctx, id); err != nil {
		return err
	}
	slog.Info("mutation requeued",
		"component", "queue",
		"mutation_id", id,
	)
	return nil
}

func upstreamReason(resp *Response) string {
	body := strings.TrimSpace(resp.Body)
	if body == "" {
		return fmt.Sprintf("upstream returned %d", resp.StatusCode)
	}
	return fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, body)
}
