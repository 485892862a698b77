package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockEvicter records eviction calls.
type mockEvicter struct {
	mu      sync.Mutex
	calls   int
	maxAges []time.Duration
	err     error
}

func (m *mockEvicter) EvictExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.maxAges = append(m.maxAges, maxAge)
	if m.err != nil {
		return 0, m.err
	}
	return 3, nil
}

func (m *mockEvicter) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockEvicter) waitForCalls(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if m.getCalls() >= n {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCacheEvictionCoordinator_EvictsOnStart(t *testing.T) {
	// Given: a coordinator with a long interval
	evicter := &mockEvicter{}
	c := NewCacheEvictionCoordinator(evicter, time.Hour, 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// When: it starts
	go c.Run(ctx)

	// Then: it evicts immediately with the configured retention
	if !evicter.waitForCalls(1, time.Second) {
		t.Fatal("expected eviction on start")
	}
	evicter.mu.Lock()
	defer evicter.mu.Unlock()
	if evicter.maxAges[0] != 24*time.Hour {
		t.Errorf("maxAge = %v, want 24h", evicter.maxAges[0])
	}
}

func TestCacheEvictionCoordinator_EvictsOnEachTick(t *testing.T) {
	evicter := &mockEvicter{}
	c := NewCacheEvictionCoordinator(evicter, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if !evicter.waitForCalls(3, time.Second) {
		t.Errorf("calls = %d, want >= 3", evicter.getCalls())
	}
}

func TestCacheEvictionCoordinator_ContinuesAfterFailure(t *testing.T) {
	evicter := &mockEvicter{err: errors.New("database is locked")}
	c := NewCacheEvictionCoordinator(evicter, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if !evicter.waitForCalls(2, time.Second) {
		t.Error("coordinator stopped after a failed pass")
	}
}

func TestCacheEvictionCoordinator_StopsOnCancel(t *testing.T) {
	evicter := &mockEvicter{}
	c := NewCacheEvictionCoordinator(evicter, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	evicter.waitForCalls(1, time.Second)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCacheEvictionCoordinator_EvictReportsResult(t *testing.T) {
	ok := NewCacheEvictionCoordinator(&mockEvicter{}, time.Hour, time.Hour).evict(context.Background())
	if !ok {
		t.Error("evict() = false on success")
	}
	failed := NewCacheEvictionCoordinator(&mockEvicter{err: errors.New("boom")}, time.Hour, time.Hour).evict(context.Background())
	if failed {
		t.Error("evict() = true on failure")
	}
}
