//go:build e2e

package e2e

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

// These tests drive the real fieldsync binary.

// TestResilience_QueueSurvivesProcessRestart verifies that submissions queued
// while offline are still delivered after the process is restarted.
func TestResilience_QueueSurvivesProcessRestart(t *testing.T) {
	up := newUpstream(t)
	srv := startFieldsync(t, up.srv.URL)

	for _, p := range []string{"P1", "P2", "P3"} {
		srv.submit(t, marcarEndpoint, "punto_id="+p+"&estatus=HECHO")
	}
	if got := srv.pendingCount(t); got != 3 {
		t.Fatalf("pending before restart = %d, want 3", got)
	}

	srv = srv.restartOnSameData(t)
	if got := srv.pendingCount(t); got != 3 {
		t.Fatalf("pending after restart = %d, want 3", got)
	}

	srv.setOnline(t, true)
	waitFor(t, 10*time.Second, "replay after restart", func() bool {
		return len(up.posts()) == 3 && srv.pendingCount(t) == 0
	})

	for i, post := range up.posts() {
		want := "punto_id=P" + string(rune('1'+i)) + "&estatus=HECHO"
		if post.Body != want {
			t.Errorf("post %d body = %q, want %q", i, post.Body, want)
		}
	}
}

// TestResilience_UpstreamOutageThenRecovery verifies that entries survive an
// upstream outage while online and are delivered by a later flush.
func TestResilience_UpstreamOutageThenRecovery(t *testing.T) {
	up := newUpstream(t)
	up.respond(http.StatusServiceUnavailable, "maintenance")
	srv := startFieldsync(t, up.srv.URL)

	srv.submit(t, marcarEndpoint, "punto_id=P1")
	srv.setOnline(t, true)

	waitFor(t, 10*time.Second, "first failed replay", func() bool {
		return len(up.posts()) >= 1
	})
	if got := srv.pendingCount(t); got != 1 {
		t.Fatalf("pending during outage = %d, want 1", got)
	}

	up.respond(http.StatusOK, "ok")
	status, data := srv.request(t, http.MethodPost, "/api/v1/flush", "", "")
	if status != http.StatusOK {
		t.Fatalf("flush: status %d: %s", status, data)
	}
	if got := srv.pendingCount(t); got != 0 {
		t.Errorf("pending after recovery = %d, want 0", got)
	}
}

// TestResilience_GracefulShutdownLogs verifies the shutdown sequence runs to
// completion on SIGINT.
func TestResilience_GracefulShutdownLogs(t *testing.T) {
	up := newUpstream(t)
	srv := startFieldsync(t, up.srv.URL)
	srv.stop()

	logs := readFile(t, srv.logFile)
	for _, want := range []string{"shutdown initiated", "worker stopped", "shutdown complete"} {
		if !strings.Contains(logs, want) {
			t.Errorf("log missing %q", want)
		}
	}
}
