package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/backup"
)

// mockExporter records export and upload calls.
type mockExporter struct {
	mu        sync.Mutex
	writes    int
	uploads   int
	writeErr  error
	uploadErr error
}

func (m *mockExporter) Write(ctx context.Context) (*backup.Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writeErr != nil {
		return nil, m.writeErr
	}
	return &backup.Export{DeviceID: "tablet-1"}, nil
}

func (m *mockExporter) Upload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	return m.uploadErr
}

func (m *mockExporter) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes, m.uploads
}

func (m *mockExporter) waitForWrites(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if w, _ := m.counts(); w >= n {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBackupCoordinator_ExportsOnStart(t *testing.T) {
	// Given: a coordinator with a long interval
	exporter := &mockExporter{}
	c := NewBackupCoordinator(exporter, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// When: it starts
	go c.Run(ctx)

	// Then: an export is written and uploaded without waiting for a tick
	if !exporter.waitForWrites(1, time.Second) {
		t.Fatal("expected an export on start")
	}
	time.Sleep(20 * time.Millisecond)
	if _, uploads := exporter.counts(); uploads != 1 {
		t.Errorf("uploads = %d, want 1", uploads)
	}
}

func TestBackupCoordinator_ExportsOnTick(t *testing.T) {
	exporter := &mockExporter{}
	c := NewBackupCoordinator(exporter, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if !exporter.waitForWrites(3, 2*time.Second) {
		w, _ := exporter.counts()
		t.Fatalf("writes = %d, want at least 3", w)
	}
}

func TestBackupCoordinator_WriteFailureSkipsUpload(t *testing.T) {
	exporter := &mockExporter{writeErr: errors.New("disk full")}
	c := NewBackupCoordinator(exporter, time.Hour)

	if c.export(context.Background()) {
		t.Error("export() = true, want false on write failure")
	}
	if _, uploads := exporter.counts(); uploads != 0 {
		t.Errorf("uploads = %d, want 0", uploads)
	}
}

func TestBackupCoordinator_UploadFailureIsNotFatal(t *testing.T) {
	exporter := &mockExporter{uploadErr: errors.New("bucket unreachable")}
	c := NewBackupCoordinator(exporter, time.Hour)

	if !c.export(context.Background()) {
		t.Error("export() = false, want true when only the upload fails")
	}
}

func TestBackupCoordinator_StopsOnCancel(t *testing.T) {
	exporter := &mockExporter{}
	c := NewBackupCoordinator(exporter, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	exporter.waitForWrites(1, time.Second)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
