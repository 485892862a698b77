package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingSetter struct {
	mu      sync.Mutex
	signals []bool
}

func (r *recordingSetter) SetOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, online)
}

func (r *recordingSetter) last() (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.signals) == 0 {
		return false, 0
	}
	return r.signals[len(r.signals)-1], len(r.signals)
}

func TestProber_ReachableUpstreamIsOnline(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		setter := &recordingSetter{}
		p := NewProber(srv.URL+"/health", time.Hour, time.Second, setter)

		if !p.Probe(context.Background()) {
			t.Errorf("status %d: Probe = false, want true", status)
		}
		if online, n := setter.last(); !online || n != 1 {
			t.Errorf("status %d: signals = %v/%d", status, online, n)
		}
		srv.Close()
	}
}

func TestProber_UnreachableUpstreamIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	setter := &recordingSetter{}
	p := NewProber(url, time.Hour, 500*time.Millisecond, setter)

	if p.Probe(context.Background()) {
		t.Error("Probe = true for closed server")
	}
	if online, n := setter.last(); online || n != 1 {
		t.Errorf("signals = %v/%d, want one offline signal", online, n)
	}
}

func TestProber_RunDrivesMonitor(t *testing.T) {
	// Given: an offline monitor and a reachable upstream
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	f := newMockFlusher()
	m := NewMonitor(f, false, noBackoff())
	startMonitor(t, m)

	// When: the prober runs
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewProber(srv.URL, 10*time.Millisecond, time.Second, m).Run(ctx)

	// Then: the monitor goes online and flushes exactly once
	waitFor(t, f.finished, "flush after probe")
	time.Sleep(50 * time.Millisecond)
	if got := f.count(); got != 1 {
		t.Errorf("flushes = %d, want 1", got)
	}
	if !m.IsOnline() {
		t.Error("monitor not online after successful probe")
	}
}
