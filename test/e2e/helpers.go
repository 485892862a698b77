package e2e

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/api"
	"github.com/hyperengineering/fieldsync/internal/cache"
	"github.com/hyperengineering/fieldsync/internal/connectivity"
	"github.com/hyperengineering/fieldsync/internal/gateway"
	"github.com/hyperengineering/fieldsync/internal/queue"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/types"
)

const testAPIKey = "e2e-test-api-key"

// --- Fake Upstream ---

type receivedPost struct {
	Path string
	Body string
}

// upstream is a fake form-handling application. Its answer can be switched
// between tests steps; every POST it sees is recorded.
type upstream struct {
	srv    *httptest.Server
	status atomic.Int32
	body   atomic.Value

	mu       sync.Mutex
	received []receivedPost
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.status.Store(http.StatusOK)
	u.body.Store("ok")
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.received = append(u.received, receivedPost{Path: r.URL.Path, Body: string(body)})
		u.mu.Unlock()
		w.WriteHeader(int(u.status.Load()))
		io.WriteString(w, u.body.Load().(string))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) respond(status int, body string) {
	u.status.Store(int32(status))
	u.body.Store(body)
}

func (u *upstream) posts() []receivedPost {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]receivedPost(nil), u.received...)
}

// --- In-process Agent ---

// agent is the full service stack wired the way the binary wires it, served
// over httptest.
type agent struct {
	dbPath  string
	store   store.Store
	queue   *queue.Manager
	monitor *connectivity.Monitor
	handler *api.Handler
	server  *httptest.Server

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func startAgent(t *testing.T, upstreamURL, dbPath string, online bool) *agent {
	t.Helper()

	db, err := store.Open(store.DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	poster := queue.NewHTTPPoster(upstreamURL, "", 5*time.Second)
	qm := queue.NewManager(db, poster, queue.Config{
		SchemaVersion:    1,
		MinSchemaVersion: 1,
		LeaseTTL:         time.Minute,
		RequestTimeout:   5 * time.Second,
	})
	monitor := connectivity.NewMonitor(qm, online, connectivity.BackoffConfig{Enabled: false})
	gw := gateway.New(monitor, poster, qm)
	cm := cache.NewManager(db, nil, 0)

	handler := api.NewHandler(qm, gw, monitor, cm, testAPIKey, "e2e")
	ctx, cancel := context.WithCancel(context.Background())

	a := &agent{
		dbPath:  dbPath,
		store:   db,
		queue:   qm,
		monitor: monitor,
		handler: handler,
		server:  httptest.NewServer(api.NewRouter(handler)),
		cancel:  cancel,
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		monitor.Run(ctx)
	}()

	t.Cleanup(a.stop)
	return a
}

// stop shuts the agent down in the same order as the binary: server,
// workers, queue, store.
func (a *agent) stop() {
	a.stopOnce.Do(func() {
		a.handler.CloseStreams()
		a.server.Close()
		a.cancel()
		a.wg.Wait()
		a.queue.Close()
		a.store.Close()
	})
}

func (a *agent) do(t *testing.T, method, path, contentType, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (a *agent) submit(t *testing.T, endpoint, form string) (int, gateway.Result) {
	t.Helper()
	status, data := a.do(t, http.MethodPost, "/api/v1/submit?endpoint="+endpoint,
		"application/x-www-form-urlencoded", form)
	var result gateway.Result
	if status == http.StatusOK || status == http.StatusAccepted {
		if err := json.Unmarshal(data, &result); err != nil {
			t.Fatalf("decode submit response: %v (%s)", err, data)
		}
	}
	return status, result
}

func (a *agent) setOnline(t *testing.T, online bool) {
	t.Helper()
	body := `{"online":false}`
	if online {
		body = `{"online":true}`
	}
	if status, data := a.do(t, http.MethodPut, "/api/v1/connectivity", "application/json", body); status != http.StatusOK {
		t.Fatalf("set connectivity: status %d: %s", status, data)
	}
}

func (a *agent) flush(t *testing.T) types.FlushResult {
	t.Helper()
	status, data := a.do(t, http.MethodPost, "/api/v1/flush", "", "")
	if status != http.StatusOK {
		t.Fatalf("flush: status %d: %s", status, data)
	}
	var result types.FlushResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode flush result: %v", err)
	}
	return result
}

func (a *agent) mutations(t *testing.T, status string) []types.QueuedMutation {
	t.Helper()
	path := "/api/v1/mutations"
	if status != "" {
		path += "?status=" + status
	}
	code, data := a.do(t, http.MethodGet, path, "", "")
	if code != http.StatusOK {
		t.Fatalf("list mutations: status %d: %s", code, data)
	}
	var resp struct {
		Mutations []types.QueuedMutation `json:"mutations"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode mutations: %v", err)
	}
	return resp.Mutations
}

// --- DB Inspection ---

type queueRow struct {
	ID       string
	Endpoint string
	Status   string
	Attempts int
}

// queueRows reads mutations_queue directly, in enqueue order.
func queueRows(t *testing.T, dbPath string) []queueRow {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open DB: %v", err)
	}
	defer db.Close()

	rows, err := db.Query("SELECT id, endpoint, status, attempts FROM mutations_queue ORDER BY seq")
	if err != nil {
		t.Fatalf("query mutations_queue: %v", err)
	}
	defer rows.Close()

	var result []queueRow
	for rows.Next() {
		var r queueRow
		if err := rows.Scan(&r.ID, &r.Endpoint, &r.Status, &r.Attempts); err != nil {
			t.Fatalf("scan mutations_queue row: %v", err)
		}
		result = append(result, r)
	}
	return result
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
