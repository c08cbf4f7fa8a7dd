package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appcanvas/runtime/internal/api/ws"
	"github.com/appcanvas/runtime/internal/bundler"
	"github.com/appcanvas/runtime/internal/infrastructure/config"
	"github.com/appcanvas/runtime/internal/infrastructure/logging"
	"github.com/appcanvas/runtime/internal/runtime"
	"github.com/appcanvas/runtime/internal/store"
)

// stubEngine satisfies runtime.Engine without a container daemon.
type stubEngine struct {
	mu       sync.Mutex
	count    int
	execOut  string
	execCode int
}

func (s *stubEngine) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return fmt.Sprintf("ctr-%d", s.count), nil
}

func (s *stubEngine) Start(ctx context.Context, containerID string) error { return nil }

func (s *stubEngine) HostPort(ctx context.Context, containerID string, servicePort int) (int, error) {
	return 40001, nil
}

func (s *stubEngine) CopyTo(ctx context.Context, containerID, path string, archive io.Reader) error {
	_, err := io.Copy(io.Discard, archive)
	return err
}

func (s *stubEngine) Exec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execOut, s.execCode, nil
}

func (s *stubEngine) Stop(ctx context.Context, containerID string) error   { return nil }
func (s *stubEngine) Remove(ctx context.Context, containerID string) error { return nil }

func (s *stubEngine) Stats(ctx context.Context, containerID string) (runtime.EngineStats, error) {
	return runtime.EngineStats{MemoryBytes: 1 << 20, OnlineCPUs: 1}, nil
}

func (s *stubEngine) ListManaged(ctx context.Context) ([]string, error) { return nil, nil }

// fakeSandboxes records fan-out traffic and serves a canned snapshot.
type fakeSandboxes struct {
	mu          sync.Mutex
	broadcasts  map[string][]json.RawMessage
	snapshot    json.RawMessage
	snapshotErr error
}

func (f *fakeSandboxes) Broadcast(appID string, data json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcasts == nil {
		f.broadcasts = make(map[string][]json.RawMessage)
	}
	f.broadcasts[appID] = append(f.broadcasts[appID], data)
}

func (f *fakeSandboxes) Snapshot(ctx context.Context, appID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	return f.snapshot, nil
}

func (f *fakeSandboxes) sent(appID string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts[appID]
}

type testAPI struct {
	router    *gin.Engine
	records   *store.Memory
	engine    *stubEngine
	sandboxes *fakeSandboxes
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewNop()
	cfg := config.Default()
	cfg.Runtime.PoolMinSize = 0

	records := store.NewMemory()
	engine := &stubEngine{}
	sandboxes := &fakeSandboxes{}
	manager := runtime.NewManager(engine, cfg.Runtime, logger, nil)
	pool := runtime.NewPool(manager, cfg.Runtime, logger, nil)

	handlers := NewHandlers(bundler.New(cfg.Bundler, logger, nil), records, manager, pool, sandboxes, logger)

	router := gin.New()
	handlers.Register(router)
	return &testAPI{router: router, records: records, engine: engine, sandboxes: sandboxes}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestBundleEndpoint(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/bundle", gin.H{
		"files": map[string]string{
			"App.tsx": `export default function App() { return <div>hi</div>; }`,
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result bundler.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.NotEmpty(t, result.Code)
	assert.Empty(t, result.Diagnostics)
}

func TestBundleEndpointDiagnostics(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/bundle", gin.H{
		"files": map[string]string{
			"App.tsx": `import missing from "./nowhere"; export default missing;`,
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var result bundler.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Empty(t, result.Code)
	assert.NotEmpty(t, result.Diagnostics)
}

func TestBundleEndpointRequiresFiles(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/bundle", gin.H{"files": map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreviewEndpointMintsAppID(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/preview", gin.H{
		"files": map[string]string{
			"App.tsx": `export default function App() { return <div/>; }`,
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		AppID    string `json:"app_id"`
		Document string `json:"document"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AppID)
	assert.Contains(t, resp.Document, "<!DOCTYPE html>")
}

func TestRecordsRoundTrip(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPut, "/apps/app_1/records", gin.H{
		"records": []gin.H{{"id": "r1", "title": "first"}},
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(t, http.MethodGet, "/apps/app_1/records", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Records []store.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "first", resp.Records[0]["title"])
}

func TestRecordsMutation(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPut, "/apps/app_1/records", gin.H{
		"records": []gin.H{{"id": "r1", "title": "first"}},
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(t, http.MethodPost, "/apps/app_1/records", gin.H{
		"action": "update",
		"id":     "r1",
		"record": gin.H{"title": "renamed"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Records []store.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "renamed", resp.Records[0]["title"])

	w = api.do(t, http.MethodPost, "/apps/app_1/records", gin.H{
		"action": "delete",
		"id":     "r1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodPost, "/apps/app_1/records", gin.H{
		"action": "delete",
		"id":     "r_missing",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRecordWritesFanOutToSandboxes(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPut, "/apps/app_1/records", gin.H{
		"records": []gin.H{{"id": "r1", "title": "first"}},
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(t, http.MethodPost, "/apps/app_1/records", gin.H{
		"action": "add",
		"record": gin.H{"title": "second"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	sent := api.sandboxes.sent("app_1")
	require.Len(t, sent, 2, "every successful record write pushes a data-update")
	assert.Contains(t, string(sent[0]), "first")
	assert.Contains(t, string(sent[1]), "second")
}

func TestLiveRecords(t *testing.T) {
	api := newTestAPI(t)
	api.sandboxes.snapshot = json.RawMessage(`[{"id":"r1","title":"live"}]`)

	w := api.do(t, http.MethodGet, "/apps/app_1/records/live", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "live")
}

func TestLiveRecordsWithoutSandbox(t *testing.T) {
	api := newTestAPI(t)
	api.sandboxes.snapshotErr = ws.ErrNoSandbox

	w := api.do(t, http.MethodGet, "/apps/app_1/records/live", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.engine.execOut = "v20.11.1\n"

	w := api.do(t, http.MethodPost, "/environments", gin.H{"app_id": "app_1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var env runtime.Environment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))

	w = api.do(t, http.MethodPost, "/environments/"+env.ID+"/exec", gin.H{
		"command": []string{"node", "-v"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "v20.11.1")

	w = api.do(t, http.MethodPost, "/environments/env_missing/exec", gin.H{
		"command": []string{"node", "-v"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecordsEmptyListIsArray(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/apps/app_none/records", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"records":[]}`, w.Body.String())
}

func TestEnvironmentLifecycle(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/environments", gin.H{"app_id": "app_1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var env runtime.Environment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "app_1", env.AppID)
	assert.NotEmpty(t, env.URL)

	w = api.do(t, http.MethodGet, "/environments/"+env.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/environments?app_id=app_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Environments []runtime.Environment `json:"environments"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Environments, 1)

	w = api.do(t, http.MethodDelete, "/environments/"+env.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(t, http.MethodGet, "/environments/"+env.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeployReturnsInstallOutput(t *testing.T) {
	api := newTestAPI(t)
	api.engine.execOut = "npm ERR! nope"
	api.engine.execCode = 1

	w := api.do(t, http.MethodPost, "/environments", gin.H{"app_id": "app_1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var env runtime.Environment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))

	w = api.do(t, http.MethodPost, "/environments/"+env.ID+"/deploy", gin.H{
		"files": map[string]string{"server.js": ""},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "npm ERR! nope")
}

func TestDeployUnknownEnvironment(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/environments/env_missing/deploy", gin.H{
		"files": map[string]string{"server.js": ""},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
