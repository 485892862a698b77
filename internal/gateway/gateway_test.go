package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperengineering/fieldsync/internal/queue"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/types"
)

type fixedConn bool

func (c fixedConn) IsOnline() bool { return bool(c) }

type mockPoster struct {
	mu    sync.Mutex
	calls int
	resp  *queue.Response
	err   error
}

func (p *mockPoster) Post(ctx context.Context, endpoint string, fields types.Fields) (*queue.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.resp, p.err
}

type failingEnqueuer struct{ err error }

func (f failingEnqueuer) Enqueue(context.Context, string, types.Fields, string) (string, error) {
	return "", f.err
}

func newQueue(t *testing.T, p queue.Poster) (*queue.Manager, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fieldsync.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return queue.NewManager(s, p, queue.DefaultConfig()), s
}

var markDone = Submission{
	Endpoint:    "/api/monitoreo/set-marcado",
	Fields:      types.Fields{{Name: "punto_id", Value: "P123"}, {Name: "status", Value: "HECHO"}},
	Description: "marcar P123",
}

func TestSubmit_OfflineQueues(t *testing.T) {
	// Given: the device is offline
	poster := &mockPoster{}
	q, s := newQueue(t, poster)
	g := New(fixedConn(false), poster, q)

	// When: a form is submitted
	res, err := g.Submit(context.Background(), markDone)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Then: it is queued and nothing was sent
	if !res.Queued || res.MutationID == "" {
		t.Errorf("result = %+v, want queued with an id", res)
	}
	if res.Message != QueuedMessage {
		t.Errorf("Message = %q", res.Message)
	}
	if poster.calls != 0 {
		t.Errorf("offline submit made %d network calls", poster.calls)
	}
	got, err := s.GetMutation(context.Background(), res.MutationID)
	if err != nil {
		t.Fatalf("queued entry missing: %v", err)
	}
	if got.Endpoint != markDone.Endpoint || len(got.Fields) != 2 {
		t.Errorf("queued entry = %+v", got)
	}
}

func TestSubmit_OnlineSends(t *testing.T) {
	poster := &mockPoster{resp: &queue.Response{StatusCode: 200, Body: "ok"}}
	q, s := newQueue(t, poster)
	g := New(fixedConn(true), poster, q)

	res, err := g.Submit(context.Background(), markDone)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if res.Queued || res.StatusCode != 200 || res.Body != "ok" {
		t.Errorf("result = %+v", res)
	}
	if n, _ := s.CountMutations(context.Background()); n != 0 {
		t.Errorf("online submit queued %d entries", n)
	}
}

func TestSubmit_OnlineRejectionIsNotQueued(t *testing.T) {
	poster := &mockPoster{resp: &queue.Response{StatusCode: 500, Body: `{"error":"punto no existe"}`}}
	q, s := newQueue(t, poster)
	g := New(fixedConn(true), poster, q)

	_, err := g.Submit(context.Background(), markDone)

	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want *RejectedError", err)
	}
	if rejected.StatusCode != 500 || rejected.Body != `{"error":"punto no existe"}` {
		t.Errorf("rejected = %+v", rejected)
	}
	if n, _ := s.CountMutations(context.Background()); n != 0 {
		t.Errorf("rejected submission was queued")
	}
}

func TestSubmit_OnlineNetworkErrorIsNotQueued(t *testing.T) {
	cause := errors.New("connection reset")
	poster := &mockPoster{err: cause}
	q, s := newQueue(t, poster)
	g := New(fixedConn(true), poster, q)

	_, err := g.Submit(context.Background(), markDone)

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("error = %v, want *NetworkError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("NetworkError should unwrap to the transport error")
	}
	if n, _ := s.CountMutations(context.Background()); n != 0 {
		t.Errorf("failed submission was queued")
	}
}

func TestSubmit_StorageFailureIsSurfaced(t *testing.T) {
	g := New(fixedConn(false), &mockPoster{}, failingEnqueuer{err: errors.New("disk full")})

	_, err := g.Submit(context.Background(), markDone)
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("error = %v, want ErrQueueUnavailable", err)
	}
}

func TestSubmit_InvalidSubmissionOffline(t *testing.T) {
	poster := &mockPoster{}
	q, _ := newQueue(t, poster)
	g := New(fixedConn(false), poster, q)

	_, err := g.Submit(context.Background(), Submission{Endpoint: "", Fields: types.Fields{}})
	if !errors.Is(err, queue.ErrInvalidMutation) {
		t.Errorf("error = %v, want ErrInvalidMutation", err)
	}
	if errors.Is(err, ErrQueueUnavailable) {
		t.Error("validation failure reported as storage failure")
	}
}
