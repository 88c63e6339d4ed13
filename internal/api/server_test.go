package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/manager/internal/audit"
	"github.com/example/manager/internal/config"
	"github.com/example/manager/internal/dispatch"
	"github.com/example/manager/internal/domain"
	"github.com/example/manager/internal/notify"
	"github.com/example/manager/internal/queue"
	"github.com/example/manager/internal/registry"
	"github.com/example/manager/internal/resultaccess"
	"github.com/example/manager/internal/runnerclient"
	"github.com/example/manager/internal/store"
	"github.com/example/manager/internal/tasks"
)

// testManagerVersion is the fixed manager version every test runner
// registers compatibly against (MAJOR.MINOR match, per domain.Version).
var testManagerVersion = domain.Version{Major: 1, Minor: 0, Patch: 0}

// newTestServer wires a Server against in-memory/in-tempdir collaborators,
// mirroring cmd/manager's own wiring but with the memory queue/JSON store
// backends and SSRF private-address checks disabled so tests don't depend
// on DNS or a filesystem root outside t.TempDir().
func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	dir := t.TempDir()

	taskStore, err := store.NewJSONStore(filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	dispatchQ := queue.NewMemoryQueue()
	notifyQ := queue.NewMemoryQueue()

	reg := registry.New(testManagerVersion)
	runnerHTTP := runnerclient.New()
	dispatcher := dispatch.New(reg, runnerHTTP, dispatch.Config{
		PingTimeout:            time.Second,
		DispatchTimeout:        time.Second,
		CompletionCallbackBase: "http://manager.test",
	})
	access := resultaccess.New(true, resultaccess.NewFilesystemStore(filepath.Join(dir, "results")), runnerHTTP, reg)

	auditLog, err := audit.Open(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}

	notifyPipeline := notify.New(taskStore, notifyQ, notify.Config{Workers: 1})
	taskMgr := tasks.New(taskStore, dispatchQ, dispatcher, notifyPipeline, tasks.Config{
		DispatchRetryDelay:  10 * time.Millisecond,
		DispatchMaxAttempts: 3,
		ExecutionTimeout:    time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	taskMgr.RunDispatchWorkers(ctx, 2)

	return NewServer(cfg, reg, taskMgr, access, dispatchQ, notifyQ, auditLog, testManagerVersion)
}

func baseTestConfig() config.Config {
	return config.Config{
		AuthorizedTokens: []string{"client-token"},
		AdminUsers:       map[string]string{},
		SSRFAllowPrivate: true,
		TaskStoreBackend: "json",
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-API-Token", token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRootEndpointRequiresNoAuth(t *testing.T) {
	srv := newTestServer(t, baseTestConfig())
	w := doJSON(t, srv.Handler(), http.MethodGet, "/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestTaskExecuteRequiresToken(t *testing.T) {
	srv := newTestServer(t, baseTestConfig())
	h := srv.Handler()

	req := map[string]any{
		"etab_name": "etab1", "app_name": "app1",
		"task_type": "transcode", "source_url": "http://example.com/in.mp4",
	}

	w := doJSON(t, h, http.MethodPost, "/task/execute", "", req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/task/execute", "wrong-token", req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/task/execute", "client-token", req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestTaskExecuteValidation(t *testing.T) {
	srv := newTestServer(t, baseTestConfig())
	h := srv.Handler()

	w := doJSON(t, h, http.MethodPost, "/task/execute", "client-token", map[string]any{"etab_name": "e"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for missing required fields, got %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/task/execute", "client-token", map[string]any{
		"etab_name": "e", "app_name": "a", "task_type": "t",
		"source_url": "not-a-url",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid source_url, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestTaskExecuteRejectsPrivateSourceURLUnlessAllowed(t *testing.T) {
	cfg := baseTestConfig()
	cfg.SSRFAllowPrivate = false
	srv := newTestServer(t, cfg)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodPost, "/task/execute", "client-token", map[string]any{
		"etab_name": "e", "app_name": "a", "task_type": "t",
		"source_url": "http://127.0.0.1/in.mp4",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for loopback source_url with ssrf_allow_private=false, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestTaskLifecycleSubmitStatusAndCompletion(t *testing.T) {
	srv := newTestServer(t, baseTestConfig())
	h := srv.Handler()

	runnerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/runner/ping":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"available": true, "registered": true, "task_types": []string{"transcode"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/task/run":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer runnerSrv.Close()
	runURL := runnerSrv.URL

	registerReq := map[string]any{"url": runURL, "name": "runner-1", "task_types": []string{"transcode"}}
	req := httptest.NewRequest(http.MethodPost, "/runner/register", bytes.NewReader(mustJSON(t, registerReq)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer runner-token-1")
	req.Header.Set("X-Runner-Version", "1.0.0")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 registering runner, got %d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodPost, "/task/execute", "client-token", map[string]any{
		"etab_name": "etab1", "app_name": "app1", "task_type": "transcode",
		"source_url": "http://example.com/in.mp4",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 submitting task, got %d body=%s", w.Code, w.Body.String())
	}
	var submitResp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &submitResp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	taskID := submitResp["task_id"]
	if taskID == "" {
		t.Fatalf("expected non-empty task_id")
	}

	var dispatched bool
	var runnerURLOnTask string
	for i := 0; i < 100; i++ {
		w = doJSON(t, h, http.MethodGet, "/task/status/"+taskID, "client-token", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 on status, got %d", w.Code)
		}
		var status map[string]any
		_ = json.Unmarshal(w.Body.Bytes(), &status)
		if status["status"] == domain.TaskRunning {
			dispatched = true
			runnerURLOnTask, _ = status["runner_url"].(string)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !dispatched {
		t.Fatalf("expected task to reach running status within timeout")
	}
	if runnerURLOnTask != runURL {
		t.Fatalf("expected task assigned to %s, got %s", runURL, runnerURLOnTask)
	}

	completionReq := httptest.NewRequest(http.MethodPost, "/task/completion", bytes.NewReader(mustJSON(t, map[string]any{
		"task_id": taskID, "status": domain.TaskCompleted,
	})))
	completionReq.Header.Set("Content-Type", "application/json")
	completionReq.Header.Set("Authorization", "Bearer runner-token-1")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, completionReq)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on completion, got %d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/task/status/"+taskID, "client-token", nil)
	var final map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &final)
	if final["status"] != domain.TaskCompleted {
		t.Fatalf("expected status completed, got %v", final["status"])
	}
}

func TestTaskCompletionRejectsWrongRunnerToken(t *testing.T) {
	srv := newTestServer(t, baseTestConfig())
	h := srv.Handler()

	runnerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/runner/ping":
			_ = json.NewEncoder(w).Encode(map[string]any{"available": true, "registered": true, "task_types": []string{"transcode"}})
		case r.URL.Path == "/task/run":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer runnerSrv.Close()

	registerReq := httptest.NewRequest(http.MethodPost, "/runner/register", bytes.NewReader(mustJSON(t, map[string]any{
		"url": runnerSrv.URL, "name": "runner-1", "task_types": []string{"transcode"},
	})))
	registerReq.Header.Set("Content-Type", "application/json")
	registerReq.Header.Set("Authorization", "Bearer correct-token")
	registerReq.Header.Set("X-Runner-Version", "1.0.0")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, registerReq)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 registering runner, got %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/task/execute", "client-token", map[string]any{
		"etab_name": "etab1", "app_name": "app1", "task_type": "transcode",
		"source_url": "http://example.com/in.mp4",
	})
	var submitResp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &submitResp)
	taskID := submitResp["task_id"]

	var ready bool
	for i := 0; i < 100; i++ {
		w = doJSON(t, h, http.MethodGet, "/task/status/"+taskID, "client-token", nil)
		var status map[string]any
		_ = json.Unmarshal(w.Body.Bytes(), &status)
		if status["status"] == domain.TaskRunning {
			ready = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !ready {
		t.Fatalf("expected task to be dispatched")
	}

	badReq := httptest.NewRequest(http.MethodPost, "/task/completion", bytes.NewReader(mustJSON(t, map[string]any{
		"task_id": taskID, "status": domain.TaskCompleted,
	})))
	badReq.Header.Set("Content-Type", "application/json")
	badReq.Header.Set("Authorization", "Bearer wrong-token")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, badReq)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong runner token, got %d", w.Code)
	}
}

func TestRunnerHeartbeatUnknownRunner(t *testing.T) {
	srv := newTestServer(t, baseTestConfig())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/runner/heartbeat", bytes.NewReader(mustJSON(t, map[string]any{
		"url": "http://nowhere.test",
	})))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer some-token")
	req.Header.Set("X-Runner-Version", "1.0.0")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown runner heartbeat, got %d", w.Code)
	}
}

func TestRunnerHeartbeatMissingTokenRejected(t *testing.T) {
	srv := newTestServer(t, baseTestConfig())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/runner/heartbeat", bytes.NewReader(mustJSON(t, map[string]any{
		"url": "http://nowhere.test",
	})))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", w.Code)
	}
}

func TestAdminEndpointsRequireBasicAuth(t *testing.T) {
	cfg := baseTestConfig()
	hash, err := bcryptHashForTest("opspass")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	cfg.AdminUsers = map[string]string{"ops": hash}
	srv := newTestServer(t, cfg)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodGet, "/admin/storage", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin auth, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/storage", nil)
	req.SetBasicAuth("ops", "wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong admin password, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/storage", nil)
	req.SetBasicAuth("ops", "opspass")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct admin credentials, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestRestartSelectedRejectsOversizedBatch(t *testing.T) {
	cfg := baseTestConfig()
	hash, _ := bcryptHashForTest("opspass")
	cfg.AdminUsers = map[string]string{"ops": hash}
	srv := newTestServer(t, cfg)
	h := srv.Handler()

	ids := make([]string, defaultMaxRestartBatch+1)
	for i := range ids {
		ids[i] = "task-" + string(rune('a'+i%26))
	}
	body := mustJSON(t, map[string]any{"task_ids": ids})
	req := httptest.NewRequest(http.MethodPost, "/tasks/restart-selected", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("ops", "opspass")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized restart batch, got %d", w.Code)
	}
}

func TestGlobalRateLimitReturns429(t *testing.T) {
	srv := newTestServer(t, baseTestConfig())
	srv.globalLimit = newIPRateLimiter(2, time.Minute)
	h := srv.Handler()

	var lastCode int
	for i := 0; i < 3; i++ {
		w := doJSON(t, h, http.MethodGet, "/statistics", "client-token", nil)
		lastCode = w.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exceeding rate limit, got %d", lastCode)
	}
}

func TestTaskStatusNotFound(t *testing.T) {
	srv := newTestServer(t, baseTestConfig())
	h := srv.Handler()

	w := doJSON(t, h, http.MethodGet, "/task/status/does-not-exist", "client-token", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", w.Code)
	}
}

func bcryptHashForTest(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
