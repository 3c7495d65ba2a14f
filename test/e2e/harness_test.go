package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "attemptd-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "attemptd")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/attemptd")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startServer runs the binary with the given extra environment and waits for
// /healthz to answer.
func startServer(t *testing.T, binary string, env ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"ATTEMPTD_CONFIG=",
		"ATTEMPTD_SERVER_LISTEN_ADDR="+addr,
		"ATTEMPTD_DATABASE_PATH="+dbPath,
		"ATTEMPTD_LOG_LEVEL=info",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// notification mirrors the JSON body the server POSTs.
type notification struct {
	Message      string  `json:"message"`
	AttemptID    *int64  `json:"attemptId"`
	WorkflowName *string `json:"workflowName"`
	ProjectName  *string `json:"projectName"`
}

// notificationSink is an in-process HTTP endpoint recording notifications.
type notificationSink struct {
	mu       sync.Mutex
	received []notification
	server   *httptest.Server
}

func newNotificationSink(t *testing.T) *notificationSink {
	t.Helper()
	ns := &notificationSink{}
	ns.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		ns.mu.Lock()
		ns.received = append(ns.received, n)
		ns.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ns.server.Close)
	return ns
}

func (ns *notificationSink) URL() string {
	return ns.server.URL + "/notification"
}

func (ns *notificationSink) Received() []notification {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return append([]notification(nil), ns.received...)
}

// waitForNotifications polls until at least n notifications arrived.
func (ns *notificationSink) waitForNotifications(t *testing.T, n int, timeout time.Duration) []notification {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := ns.Received(); len(got) >= n {
			return got
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("received %d notifications within %v, want %d", len(ns.Received()), timeout, n)
	return nil
}

// attemptStatus is the polled attempt projection.
type attemptStatus struct {
	ID              int64  `json:"id"`
	Project         string `json:"project"`
	Workflow        string `json:"workflow"`
	Status          string `json:"status"`
	CancelRequested bool   `json:"cancelRequested"`
	Done            bool   `json:"done"`
	Success         bool   `json:"success"`
}

func startAttempt(t *testing.T, sp *serverProc, body map[string]any) attemptStatus {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	resp, err := http.Post(sp.url+"/api/attempts", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /api/attempts: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var a attemptStatus
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return a
}

func getAttempt(t *testing.T, sp *serverProc, id int64) attemptStatus {
	t.Helper()
	resp, err := http.Get(sp.url + "/api/attempts/" + strconv.FormatInt(id, 10))
	if err != nil {
		t.Fatalf("GET attempt: %v", err)
	}
	defer resp.Body.Close()
	var a attemptStatus
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		t.Fatalf("decode attempt: %v", err)
	}
	return a
}

// waitForAttempt polls until cond holds for the attempt.
func waitForAttempt(t *testing.T, sp *serverProc, id int64, timeout time.Duration, what string, cond func(attemptStatus) bool) attemptStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last attemptStatus
	for time.Now().Before(deadline) {
		last = getAttempt(t, sp, id)
		if cond(last) {
			return last
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("attempt %d: %s not observed within %v (last %+v)\nstdout:\n%s", id, what, timeout, last, sp.stdout.String())
	return last
}

func sleepWorkflow(d string) map[string]any {
	return map[string]any{
		"project":  "timeout_test_proj",
		"workflow": "timeout_test_wf",
		"tasks": []map[string]any{
			{"name": "+sleep", "operator": "sleep", "params": map[string]string{"duration": d}},
		},
	}
}
