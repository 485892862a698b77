//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fieldsyncServer manages a running fieldsync agent process.
type fieldsyncServer struct {
	cmd      *exec.Cmd
	dataDir  string
	address  string
	upstream string
	logFile  string
}

// startFieldsync launches the agent binary against upstreamURL and waits for
// it to become healthy. The agent is configured entirely via environment
// variables.
func startFieldsync(t *testing.T, upstreamURL string) *fieldsyncServer {
	t.Helper()
	requireFieldsync(t)
	return launchFieldsync(t, t.TempDir(), upstreamURL, "fieldsync.log")
}

func launchFieldsync(t *testing.T, dataDir, upstreamURL, logName string) *fieldsyncServer {
	t.Helper()

	port := freePort(t)
	s := &fieldsyncServer{
		dataDir:  dataDir,
		address:  fmt.Sprintf("127.0.0.1:%d", port),
		upstream: upstreamURL,
		logFile:  filepath.Join(dataDir, logName),
	}

	cmd := exec.Command(fieldsyncBin)
	cmd.Env = append(os.Environ(), s.env(port)...)

	lf, err := os.Create(s.logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start fieldsync: %v", err)
	}
	s.cmd = cmd

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		logs, _ := os.ReadFile(s.logFile)
		t.Fatalf("fieldsync not healthy: %v\n%s", err, logs)
	}
	return s
}

func (s *fieldsyncServer) env(port int) []string {
	return []string{
		"FIELDSYNC_HOST=127.0.0.1",
		fmt.Sprintf("FIELDSYNC_PORT=%d", port),
		"FIELDSYNC_DB_PATH=" + filepath.Join(s.dataDir, "fieldsync.db"),
		"FIELDSYNC_BACKUP_DIR=" + filepath.Join(s.dataDir, "exports"),
		"FIELDSYNC_UPSTREAM_URL=" + s.upstream,
		"FIELDSYNC_API_KEY=" + testAPIKey,
		"FIELDSYNC_INITIAL_ONLINE=false",
		"FIELDSYNC_PROBE_URL=",
		"FIELDSYNC_CONFIG_PATH=" + filepath.Join(s.dataDir, "nonexistent.yaml"),
	}
}

func (s *fieldsyncServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

// restartOnSameData stops the agent and starts a new one on the same data
// directory and a new port.
func (s *fieldsyncServer) restartOnSameData(t *testing.T) *fieldsyncServer {
	t.Helper()
	s.stop()
	time.Sleep(200 * time.Millisecond)
	return launchFieldsync(t, s.dataDir, s.upstream, "fieldsync-restart.log")
}

func (s *fieldsyncServer) baseURL() string {
	return "http://" + s.address
}

func (s *fieldsyncServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("fieldsync not healthy after %s", timeout)
}

func (s *fieldsyncServer) request(t *testing.T, method, path, contentType, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.baseURL()+path, strings.NewReader(body))
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

func (s *fieldsyncServer) submit(t *testing.T, endpoint, form string) string {
	t.Helper()
	status, data := s.request(t, http.MethodPost, "/api/v1/submit?endpoint="+endpoint,
		"application/x-www-form-urlencoded", form)
	if status != http.StatusAccepted {
		t.Fatalf("submit: status %d, want 202: %s", status, data)
	}
	var result struct {
		MutationID string `json:"mutation_id"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	return result.MutationID
}

func (s *fieldsyncServer) setOnline(t *testing.T, online bool) {
	t.Helper()
	body := fmt.Sprintf(`{"online":%t}`, online)
	if status, data := s.request(t, http.MethodPut, "/api/v1/connectivity", "application/json", body); status != http.StatusOK {
		t.Fatalf("set connectivity: status %d: %s", status, data)
	}
}

func (s *fieldsyncServer) pendingCount(t *testing.T) int {
	t.Helper()
	status, data := s.request(t, http.MethodGet, "/api/v1/health", "", "")
	if status != http.StatusOK {
		t.Fatalf("health: status %d", status)
	}
	var health struct {
		Pending int `json:"pending_mutations"`
	}
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return health.Pending
}

// freePort returns a free TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
