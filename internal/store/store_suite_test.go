package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// Compile-time interface checks
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*BoltStore)(nil)
)

type storeFactory func(t *testing.T) Store

var baseTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newMutation(id, endpoint string, createdAt time.Time) *types.QueuedMutation {
	return &types.QueuedMutation{
		ID:            id,
		Endpoint:      endpoint,
		CreatedAt:     createdAt,
		Fields:        types.Fields{{Name: "punto_id", Value: id}, {Name: "status", Value: "HECHO"}},
		Description:   "marcar " + id,
		SchemaVersion: 1,
		Status:        types.StatusPending,
	}
}

func newRecord(id, expediente string, cachedAt time.Time) types.CacheRecord {
	payload, _ := json.Marshal(map[string]string{"id": id, "expediente_id": expediente})
	return types.CacheRecord{ID: id, ExpedienteID: expediente, Payload: payload, CachedAt: cachedAt}
}

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, open storeFactory) {
	t.Run("PutAndGetMutation", func(t *testing.T) { testPutAndGetMutation(t, open(t)) })
	t.Run("ListPreservesEnqueueOrder", func(t *testing.T) { testListOrder(t, open(t)) })
	t.Run("OverwriteKeepsPosition", func(t *testing.T) { testOverwriteKeepsPosition(t, open(t)) })
	t.Run("FilterAndCountByStatus", func(t *testing.T) { testFilterByStatus(t, open(t)) })
	t.Run("DeleteMutation", func(t *testing.T) { testDeleteMutation(t, open(t)) })
	t.Run("ClaimAndComplete", func(t *testing.T) { testClaimAndComplete(t, open(t)) })
	t.Run("ClaimStealsExpiredLease", func(t *testing.T) { testClaimStealsExpiredLease(t, open(t)) })
	t.Run("ReleaseRecordsAttempt", func(t *testing.T) { testReleaseRecordsAttempt(t, open(t)) })
	t.Run("ReleaseWithoutClaim", func(t *testing.T) { testReleaseWithoutClaim(t, open(t)) })
	t.Run("RequeueDead", func(t *testing.T) { testRequeueDead(t, open(t)) })
	t.Run("PutAndListCache", func(t *testing.T) { testPutAndListCache(t, open(t)) })
	t.Run("UnknownCacheKind", func(t *testing.T) { testUnknownCacheKind(t, open(t)) })
	t.Run("EvictByAge", func(t *testing.T) { testEvictByAge(t, open(t)) })
	t.Run("ClearCacheLeavesQueue", func(t *testing.T) { testClearCacheLeavesQueue(t, open(t)) })
	t.Run("ReplaceCache", func(t *testing.T) { testReplaceCache(t, open(t)) })
	t.Run("ReplaceCacheUnknownKindChangesNothing", func(t *testing.T) { testReplaceCacheUnknownKind(t, open(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, open(t)) })
}

func testPutAndGetMutation(t *testing.T, s Store) {
	ctx := context.Background()
	m := newMutation("M1", "/api/monitoreo/set-marcado", baseTime)
	m.Fields = append(m.Fields, types.Field{Name: "motivo", Value: "acceso bloqueado & lluvia"})

	if err := s.PutMutation(ctx, m); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}

	got, err := s.GetMutation(ctx, "M1")
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if got.Endpoint != m.Endpoint {
		t.Errorf("Endpoint = %q, want %q", got.Endpoint, m.Endpoint)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, baseTime)
	}
	if got.Description != m.Description {
		t.Errorf("Description = %q, want %q", got.Description, m.Description)
	}
	if got.Status != types.StatusPending {
		t.Errorf("Status = %s, want PENDING", got.Status)
	}
	if len(got.Fields) != 3 {
		t.Fatalf("len(Fields) = %d, want 3", len(got.Fields))
	}
	for i := range m.Fields {
		if got.Fields[i] != m.Fields[i] {
			t.Errorf("Fields[%d] = %+v, want %+v", i, got.Fields[i], m.Fields[i])
		}
	}

	if _, err := s.GetMutation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMutation(missing) error = %v, want ErrNotFound", err)
	}
}

func testListOrder(t *testing.T, s Store) {
	ctx := context.Background()
	// Enqueue order wins over created_at.
	ids := []string{"C", "A", "B"}
	for i, id := range ids {
		if err := s.PutMutation(ctx, newMutation(id, "/api/x", baseTime.Add(-time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("PutMutation(%s) failed: %v", id, err)
		}
	}

	list, err := s.ListMutations(ctx)
	if err != nil {
		t.Fatalf("ListMutations failed: %v", err)
	}
	if len(list) != len(ids) {
		t.Fatalf("len = %d, want %d", len(list), len(ids))
	}
	for i, id := range ids {
		if list[i].ID != id {
			t.Errorf("list[%d] = %s, want %s", i, list[i].ID, id)
		}
	}
}

func testOverwriteKeepsPosition(t *testing.T, s Store) {
	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		if err := s.PutMutation(ctx, newMutation(id, "/api/x", baseTime)); err != nil {
			t.Fatalf("PutMutation failed: %v", err)
		}
	}

	updated := newMutation("A", "/api/y", baseTime)
	if err := s.PutMutation(ctx, updated); err != nil {
		t.Fatalf("PutMutation overwrite failed: %v", err)
	}

	list, err := s.ListMutations(ctx)
	if err != nil {
		t.Fatalf("ListMutations failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != "A" || list[0].Endpoint != "/api/y" {
		t.Errorf("list[0] = %s %s, want A /api/y", list[0].ID, list[0].Endpoint)
	}
}

func testFilterByStatus(t *testing.T, s Store) {
	ctx := context.Background()
	pending := newMutation("P", "/api/x", baseTime)
	dead := newMutation("D", "/api/x", baseTime)
	dead.Status = types.StatusDead
	for _, m := range []*types.QueuedMutation{pending, dead} {
		if err := s.PutMutation(ctx, m); err != nil {
			t.Fatalf("PutMutation failed: %v", err)
		}
	}

	list, err := s.ListMutations(ctx, types.StatusDead)
	if err != nil {
		t.Fatalf("ListMutations failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "D" {
		t.Errorf("ListMutations(DEAD) = %+v, want [D]", list)
	}

	tests := []struct {
		statuses []types.MutationStatus
		want     int
	}{
		{nil, 2},
		{[]types.MutationStatus{types.StatusPending}, 1},
		{[]types.MutationStatus{types.StatusPending, types.StatusDead}, 2},
		{[]types.MutationStatus{types.StatusProcessing}, 0},
	}
	for _, tt := range tests {
		n, err := s.CountMutations(ctx, tt.statuses...)
		if err != nil {
			t.Fatalf("CountMutations failed: %v", err)
		}
		if n != tt.want {
			t.Errorf("CountMutations(%v) = %d, want %d", tt.statuses, n, tt.want)
		}
	}
}

func testDeleteMutation(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.PutMutation(ctx, newMutation("M1", "/api/x", baseTime)); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}

	if err := s.DeleteMutation(ctx, "M1"); err != nil {
		t.Fatalf("DeleteMutation failed: %v", err)
	}
	if _, err := s.GetMutation(ctx, "M1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMutation after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteMutation(ctx, "M1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteMutation error = %v, want ErrNotFound", err)
	}
}

func testClaimAndComplete(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.PutMutation(ctx, newMutation("M1", "/api/x", baseTime)); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}

	// Given: flusher A claims the mutation
	ok, err := s.ClaimMutation(ctx, "M1", "token-a", baseTime, time.Minute)
	if err != nil || !ok {
		t.Fatalf("ClaimMutation(a) = %v, %v; want true", ok, err)
	}

	// When: flusher B tries within the lease
	ok, err = s.ClaimMutation(ctx, "M1", "token-b", baseTime.Add(30*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("ClaimMutation(b) failed: %v", err)
	}

	// Then: B is refused and the entry stays with A
	if ok {
		t.Error("second claim within lease should fail")
	}
	got, err := s.GetMutation(ctx, "M1")
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if got.Status != types.StatusProcessing || got.ClaimToken != "token-a" {
		t.Errorf("claim = %s/%q, want PROCESSING/token-a", got.Status, got.ClaimToken)
	}

	// Completion with the wrong token leaves the entry in place
	done, err := s.CompleteMutation(ctx, "M1", "token-b")
	if err != nil || done {
		t.Errorf("CompleteMutation(wrong token) = %v, %v; want false", done, err)
	}

	done, err = s.CompleteMutation(ctx, "M1", "token-a")
	if err != nil || !done {
		t.Fatalf("CompleteMutation = %v, %v; want true", done, err)
	}
	if n, _ := s.CountMutations(ctx); n != 0 {
		t.Errorf("queue size after complete = %d, want 0", n)
	}

	// Claiming a missing mutation is not an error
	ok, err = s.ClaimMutation(ctx, "M1", "token-a", baseTime, time.Minute)
	if err != nil || ok {
		t.Errorf("ClaimMutation(missing) = %v, %v; want false, nil", ok, err)
	}
}

func testClaimStealsExpiredLease(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.PutMutation(ctx, newMutation("M1", "/api/x", baseTime)); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}
	if ok, _ := s.ClaimMutation(ctx, "M1", "crashed", baseTime, time.Minute); !ok {
		t.Fatal("initial claim failed")
	}

	ok, err := s.ClaimMutation(ctx, "M1", "survivor", baseTime.Add(2*time.Minute), time.Minute)
	if err != nil || !ok {
		t.Fatalf("ClaimMutation after lease = %v, %v; want true", ok, err)
	}

	// The crashed holder can no longer complete it
	done, _ := s.CompleteMutation(ctx, "M1", "crashed")
	if done {
		t.Error("stale holder completed a stolen claim")
	}
	done, err = s.CompleteMutation(ctx, "M1", "survivor")
	if err != nil || !done {
		t.Errorf("CompleteMutation(survivor) = %v, %v; want true", done, err)
	}
}

func testReleaseRecordsAttempt(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.PutMutation(ctx, newMutation("M1", "/api/x", baseTime)); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}
	if ok, _ := s.ClaimMutation(ctx, "M1", "tok", baseTime, time.Minute); !ok {
		t.Fatal("claim failed")
	}

	at := baseTime.Add(time.Second)
	err := s.ReleaseMutation(ctx, "M1", "tok", types.AttemptOutcome{
		Status: types.StatusPending, StatusCode: 503, Error: "service unavailable", At: at,
	})
	if err != nil {
		t.Fatalf("ReleaseMutation failed: %v", err)
	}

	got, err := s.GetMutation(ctx, "M1")
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if got.Status != types.StatusPending {
		t.Errorf("Status = %s, want PENDING", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.LastStatusCode != 503 || got.LastError != "service unavailable" {
		t.Errorf("last = %d %q", got.LastStatusCode, got.LastError)
	}
	if got.LastAttemptAt == nil || !got.LastAttemptAt.Equal(at) {
		t.Errorf("LastAttemptAt = %v, want %v", got.LastAttemptAt, at)
	}
	if got.ClaimToken != "" || got.ClaimedAt != nil {
		t.Errorf("claim not cleared: %q %v", got.ClaimToken, got.ClaimedAt)
	}

	// Second attempt dead-letters it
	if ok, _ := s.ClaimMutation(ctx, "M1", "tok", baseTime, time.Minute); !ok {
		t.Fatal("reclaim failed")
	}
	if err := s.ReleaseMutation(ctx, "M1", "tok", types.AttemptOutcome{Status: types.StatusDead, StatusCode: 422, At: at}); err != nil {
		t.Fatalf("ReleaseMutation(dead) failed: %v", err)
	}
	got, _ = s.GetMutation(ctx, "M1")
	if got.Status != types.StatusDead || got.Attempts != 2 {
		t.Errorf("after dead-letter = %s/%d, want DEAD/2", got.Status, got.Attempts)
	}
}

func testReleaseWithoutClaim(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.PutMutation(ctx, newMutation("M1", "/api/x", baseTime)); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}

	err := s.ReleaseMutation(ctx, "M1", "tok", types.AttemptOutcome{Status: types.StatusPending, At: baseTime})
	if !errors.Is(err, ErrClaimLost) {
		t.Errorf("ReleaseMutation(unclaimed) error = %v, want ErrClaimLost", err)
	}

	err = s.ReleaseMutation(ctx, "missing", "tok", types.AttemptOutcome{Status: types.StatusPending, At: baseTime})
	if !errors.Is(err, ErrClaimLost) {
		t.Errorf("ReleaseMutation(missing) error = %v, want ErrClaimLost", err)
	}
}

func testRequeueDead(t *testing.T, s Store) {
	ctx := context.Background()
	dead := newMutation("D", "/api/x", baseTime)
	dead.Status = types.StatusDead
	dead.Attempts = 3
	if err := s.PutMutation(ctx, dead); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}
	if err := s.PutMutation(ctx, newMutation("P", "/api/x", baseTime)); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}

	if err := s.RequeueMutation(ctx, "D"); err != nil {
		t.Fatalf("RequeueMutation failed: %v", err)
	}
	got, _ := s.GetMutation(ctx, "D")
	if got.Status != types.StatusPending {
		t.Errorf("Status = %s, want PENDING", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("Attempts = %d, requeue should keep history", got.Attempts)
	}

	if err := s.RequeueMutation(ctx, "P"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RequeueMutation(pending) error = %v, want ErrNotFound", err)
	}
	if err := s.RequeueMutation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RequeueMutation(missing) error = %v, want ErrNotFound", err)
	}
}

func testPutAndListCache(t *testing.T, s Store) {
	ctx := context.Background()
	records := []types.CacheRecord{
		newRecord("pt-2", "EXP-1", baseTime),
		newRecord("pt-1", "EXP-1", baseTime),
	}
	if err := s.PutCache(ctx, types.KindPoints, records); err != nil {
		t.Fatalf("PutCache failed: %v", err)
	}

	// Overwrite by ID
	if err := s.PutCache(ctx, types.KindPoints, []types.CacheRecord{newRecord("pt-1", "EXP-2", baseTime.Add(time.Hour))}); err != nil {
		t.Fatalf("PutCache overwrite failed: %v", err)
	}

	list, err := s.ListCache(ctx, types.KindPoints)
	if err != nil {
		t.Fatalf("ListCache failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != "pt-1" || list[0].ExpedienteID != "EXP-2" {
		t.Errorf("list[0] = %s/%s, want pt-1/EXP-2", list[0].ID, list[0].ExpedienteID)
	}
	if !list[0].CachedAt.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("CachedAt = %v", list[0].CachedAt)
	}
	var payload map[string]string
	if err := json.Unmarshal(list[1].Payload, &payload); err != nil || payload["id"] != "pt-2" {
		t.Errorf("payload = %s (%v)", list[1].Payload, err)
	}

	if n, _ := s.CountCache(ctx, types.KindAssignments); n != 0 {
		t.Errorf("assignments count = %d, want 0", n)
	}
}

func testUnknownCacheKind(t *testing.T, s Store) {
	ctx := context.Background()
	kind := types.CacheKind("mutations_queue")

	if err := s.PutCache(ctx, kind, nil); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("PutCache error = %v, want ErrUnknownKind", err)
	}
	if _, err := s.ClearCache(ctx, kind); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ClearCache error = %v, want ErrUnknownKind", err)
	}
	if _, err := s.DeleteCacheOlderThan(ctx, kind, baseTime); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("DeleteCacheOlderThan error = %v, want ErrUnknownKind", err)
	}
}

func testEvictByAge(t *testing.T, s Store) {
	ctx := context.Background()
	now := baseTime
	cutoff := now.Add(-24 * time.Hour)
	records := []types.CacheRecord{
		newRecord("old", "EXP-1", now.Add(-25*time.Hour)),
		newRecord("boundary", "EXP-1", cutoff),
		newRecord("fresh", "EXP-1", now.Add(-time.Hour)),
	}
	if err := s.PutCache(ctx, types.KindAssignments, records); err != nil {
		t.Fatalf("PutCache failed: %v", err)
	}

	deleted, err := s.DeleteCacheOlderThan(ctx, types.KindAssignments, cutoff)
	if err != nil {
		t.Fatalf("DeleteCacheOlderThan failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	list, _ := s.ListCache(ctx, types.KindAssignments)
	if len(list) != 2 {
		t.Fatalf("remaining = %d, want 2", len(list))
	}
	for _, r := range list {
		if r.ID == "old" {
			t.Error("expired record survived eviction")
		}
	}
}

func testClearCacheLeavesQueue(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.PutMutation(ctx, newMutation("M1", "/api/x", baseTime.Add(-72*time.Hour))); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}
	if err := s.PutCache(ctx, types.KindPoints, []types.CacheRecord{newRecord("pt-1", "EXP-1", baseTime)}); err != nil {
		t.Fatalf("PutCache failed: %v", err)
	}

	for _, kind := range types.CacheKinds {
		if _, err := s.ClearCache(ctx, kind); err != nil {
			t.Fatalf("ClearCache(%s) failed: %v", kind, err)
		}
		if _, err := s.DeleteCacheOlderThan(ctx, kind, baseTime.Add(time.Hour)); err != nil {
			t.Fatalf("DeleteCacheOlderThan(%s) failed: %v", kind, err)
		}
	}

	if n, _ := s.CountCache(ctx, types.KindPoints); n != 0 {
		t.Errorf("points after clear = %d, want 0", n)
	}
	if n, _ := s.CountMutations(ctx); n != 1 {
		t.Errorf("mutations after clear = %d, want 1", n)
	}
}

func testReplaceCache(t *testing.T, s Store) {
	ctx := context.Background()
	// Given: stale points and assignments
	if err := s.PutCache(ctx, types.KindPoints, []types.CacheRecord{newRecord("pt-old", "EXP-1", baseTime), newRecord("pt-1", "EXP-1", baseTime)}); err != nil {
		t.Fatalf("PutCache failed: %v", err)
	}
	if err := s.PutCache(ctx, types.KindAssignments, []types.CacheRecord{newRecord("a-old", "EXP-1", baseTime)}); err != nil {
		t.Fatalf("PutCache failed: %v", err)
	}

	// When: both kinds are replaced
	later := baseTime.Add(time.Hour)
	err := s.ReplaceCache(ctx, map[types.CacheKind][]types.CacheRecord{
		types.KindPoints:      {newRecord("pt-1", "EXP-2", later), newRecord("pt-2", "EXP-2", later)},
		types.KindAssignments: {},
	})
	if err != nil {
		t.Fatalf("ReplaceCache failed: %v", err)
	}

	// Then: only the new records remain
	points, err := s.ListCache(ctx, types.KindPoints)
	if err != nil {
		t.Fatalf("ListCache failed: %v", err)
	}
	if len(points) != 2 || points[0].ID != "pt-1" || points[1].ID != "pt-2" {
		t.Fatalf("points = %+v, want pt-1 and pt-2", points)
	}
	if points[0].ExpedienteID != "EXP-2" || !points[0].CachedAt.Equal(later) {
		t.Errorf("pt-1 = %+v, want overwritten record", points[0])
	}
	if n, _ := s.CountCache(ctx, types.KindAssignments); n != 0 {
		t.Errorf("assignments = %d, want 0", n)
	}
}

func testReplaceCacheUnknownKind(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.PutCache(ctx, types.KindPoints, []types.CacheRecord{newRecord("pt-1", "EXP-1", baseTime)}); err != nil {
		t.Fatalf("PutCache failed: %v", err)
	}

	err := s.ReplaceCache(ctx, map[types.CacheKind][]types.CacheRecord{
		types.KindPoints:          {},
		types.CacheKind("bogus"): {newRecord("x", "EXP-1", baseTime)},
	})

	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("ReplaceCache error = %v, want ErrUnknownKind", err)
	}
	if n, _ := s.CountCache(ctx, types.KindPoints); n != 1 {
		t.Errorf("points = %d, want untouched 1", n)
	}
}

func testStats(t *testing.T, s Store) {
	ctx := context.Background()
	dead := newMutation("D", "/api/x", baseTime)
	dead.Status = types.StatusDead
	for _, m := range []*types.QueuedMutation{newMutation("P1", "/api/x", baseTime), newMutation("P2", "/api/x", baseTime), dead} {
		if err := s.PutMutation(ctx, m); err != nil {
			t.Fatalf("PutMutation failed: %v", err)
		}
	}
	if err := s.PutCache(ctx, types.KindAssignments, []types.CacheRecord{newRecord("a1", "EXP-1", baseTime)}); err != nil {
		t.Fatalf("PutCache failed: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	want := types.StoreStats{Assignments: 1, Points: 0, Mutations: 3, PendingMutations: 2, DeadMutations: 1}
	if *stats != want {
		t.Errorf("Stats = %+v, want %+v", *stats, want)
	}
	if stats.CacheTotal() != 1 {
		t.Errorf("CacheTotal = %d, want 1", stats.CacheTotal())
	}
}

func mutationIDs(list []types.QueuedMutation) []string {
	ids := make([]string, len(list))
	for i, m := range list {
		ids[i] = m.ID
	}
	return ids
}
