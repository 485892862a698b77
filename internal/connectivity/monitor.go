// Package connectivity turns online/offline signals into queue flushes.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/fieldsync/internal/metrics"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// State is the monitor's flush state.
type State string

const (
	StateIdle     State = "idle"
	StateFlushing State = "flushing"
)

// Flusher is the queue operation the monitor drives.
type Flusher interface {
	Flush(ctx context.Context) (*types.FlushResult, error)
}

// BackoffConfig controls re-flushing while online when a pass leaves
// retryable entries behind.
type BackoffConfig struct {
	Enabled       bool
	Initial       time.Duration
	Max           time.Duration
	JitterPercent uint64
}

// DefaultBackoff returns the backoff used when nothing is configured.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Enabled:       true,
		Initial:       30 * time.Second,
		Max:           15 * time.Minute,
		JitterPercent: 10,
	}
}

// Monitor tracks the process-wide connectivity state and runs at most one
// flush at a time. Signals that arrive while a flush is running are
// coalesced into it.
type Monitor struct {
	flusher Flusher
	backoff BackoffConfig

	online   atomic.Bool
	flushing atomic.Bool
	trigger  chan struct{}

	mu         sync.RWMutex
	lastResult *types.FlushResult
	lastFlush  time.Time
}

// NewMonitor creates a monitor starting in the given connectivity state.
func NewMonitor(f Flusher, initialOnline bool, backoff BackoffConfig) *Monitor {
	m := &Monitor{
		flusher: f,
		backoff: backoff,
		trigger: make(chan struct{}, 1),
	}
	m.online.Store(initialOnline)
	metrics.SetOnline(initialOnline)
	return m
}

// SetOnline records a connectivity signal. Only an offline-to-online
// transition requests a flush; repeated signals are no-ops.
func (m *Monitor) SetOnline(online bool) {
	was := m.online.Swap(online)
	if was == online {
		return
	}
	metrics.SetOnline(online)
	slog.Info("connectivity changed",
		"component", "connectivity",
		"online", online,
	)
	if online {
		m.signal()
	}
}

// IsOnline reports the current connectivity state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// State reports whether a monitor-driven flush is running.
func (m *Monitor) State() State {
	if m.flushing.Load() {
		return StateFlushing
	}
	return StateIdle
}

// LastFlush returns the result and completion time of the most recent
// monitor-driven flush, or nil if none has completed.
func (m *Monitor) LastFlush() (*types.FlushResult, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastResult, m.lastFlush
}

func (m *Monitor) signal() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// drain discards signals that arrived during a flush.
func (m *Monitor) drain() {
	select {
	case <-m.trigger:
	default:
	}
}

// Run serves flush requests until ctx is cancelled. If the process starts
// online, one flush runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("connectivity monitor started",
		"component", "connectivity",
		"online", m.IsOnline(),
		"backoff_enabled", m.backoff.Enabled,
	)

	if m.IsOnline() {
		m.signal()
	}

	var (
		backoff retry.Backoff
		timer   *time.Timer
		retryC  <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, retryC = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			slog.Info("connectivity monitor stopped",
				"component", "connectivity",
				"reason", "context_cancelled",
			)
			return
		case <-m.trigger:
			// A transition starts a fresh backoff sequence.
			stopTimer()
			backoff = nil
		case <-retryC:
			timer, retryC = nil, nil
			if !m.IsOnline() {
				backoff = nil
				continue
			}
		}

		result := m.flush(ctx)
		m.drain()

		if !m.shouldRetry(result) {
			backoff = nil
			continue
		}
		if backoff == nil {
			backoff = m.newBackoff()
		}
		delay, stop := backoff.Next()
		if stop {
			backoff = nil
			continue
		}
		slog.Debug("flush left retryable entries, scheduling retry",
			"component", "connectivity",
			"delay", delay.String(),
		)
		timer = time.NewTimer(delay)
		retryC = timer.C
	}
}

func (m *Monitor) flush(ctx context.Context) *types.FlushResult {
	m.flushing.Store(true)
	defer m.flushing.Store(false)

	result, err := m.flusher.Flush(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("flush failed",
				"component", "connectivity",
				"error", err,
			)
		}
		return nil
	}

	m.mu.Lock()
	m.lastResult = result
	m.lastFlush = time.Now().UTC()
	m.mu.Unlock()
	return result
}

func (m *Monitor) shouldRetry(result *types.FlushResult) bool {
	if !m.backoff.Enabled || !m.IsOnline() {
		return false
	}
	// A failed snapshot read is retried like a failed replay.
	return result == nil || result.Retrying > 0
}

func (m *Monitor) newBackoff() retry.Backoff {
	initial := m.backoff.Initial
	if initial <= 0 {
		initial = DefaultBackoff().Initial
	}
	b := retry.NewExponential(initial)
	if m.backoff.Max > 0 {
		b = retry.WithCappedDuration(m.backoff.Max, b)
	}
	if m.backoff.JitterPercent > 0 {
		b = retry.WithJitterPercent(m.backoff.JitterPercent, b)
	}
	return b
}
