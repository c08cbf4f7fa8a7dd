package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appcanvas/runtime/internal/infrastructure/config"
	"github.com/appcanvas/runtime/internal/infrastructure/logging"
)

// fakeEngine is an in-memory Engine for manager and pool tests.
type fakeEngine struct {
	mu         sync.Mutex
	nextPort   int
	containers map[string]ContainerSpec
	removed    map[string]bool
	archives   map[string][]byte

	createErr error
	startErr  error
	execOut   string
	execCode  int
	execErr   error
	stats     map[string][]EngineStats
	orphans   []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		nextPort:   40000,
		containers: make(map[string]ContainerSpec),
		removed:    make(map[string]bool),
		archives:   make(map[string][]byte),
		stats:      make(map[string][]EngineStats),
	}
}

func (f *fakeEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	id := fmt.Sprintf("ctr-%d", len(f.containers)+1)
	f.containers[id] = spec
	return id, nil
}

func (f *fakeEngine) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startErr
}

func (f *fakeEngine) HostPort(ctx context.Context, containerID string, servicePort int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPort++
	return f.nextPort, nil
}

func (f *fakeEngine) CopyTo(ctx context.Context, containerID, path string, archive io.Reader) error {
	data, err := io.ReadAll(archive)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archives[containerID] = data
	return nil
}

func (f *fakeEngine) Exec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execOut, f.execCode, f.execErr
}

func (f *fakeEngine) Stop(ctx context.Context, containerID string) error { return nil }

func (f *fakeEngine) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[containerID] = true
	delete(f.containers, containerID)
	return nil
}

func (f *fakeEngine) Stats(ctx context.Context, containerID string) (EngineStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	samples := f.stats[containerID]
	if len(samples) == 0 {
		return EngineStats{}, errors.New("no stats")
	}
	next := samples[0]
	if len(samples) > 1 {
		f.stats[containerID] = samples[1:]
	}
	return next, nil
}

func (f *fakeEngine) ListManaged(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := append([]string(nil), f.orphans...)
	for id := range f.containers {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeEngine) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func testRuntimeConfig() config.RuntimeConfig {
	cfg := config.Default().Runtime
	cfg.PoolMinSize = 2
	cfg.PoolMaxSize = 5
	return cfg
}

func newTestManager(t *testing.T, engine Engine) *Manager {
	t.Helper()
	return NewManager(engine, testRuntimeConfig(), logging.NewNop(), nil)
}

func TestCreateEnvironment(t *testing.T) {
	engine := newFakeEngine()
	mgr := newTestManager(t, engine)

	env, err := mgr.CreateEnvironment(context.Background(), "app_1")
	require.NoError(t, err)

	assert.Equal(t, "app_1", env.AppID)
	assert.Equal(t, StatusRunning, env.Status)
	assert.NotEmpty(t, env.ContainerID)
	assert.Contains(t, env.URL, "http://127.0.0.1:")
	assert.False(t, env.Warm())

	got, ok := mgr.Get(env.ID)
	require.True(t, ok)
	assert.Equal(t, env.ID, got.ID)
}

func TestCreateEnvironmentLabels(t *testing.T) {
	engine := newFakeEngine()
	mgr := newTestManager(t, engine)

	env, err := mgr.CreateEnvironment(context.Background(), "app_9")
	require.NoError(t, err)

	spec := engine.containers[env.ContainerID]
	assert.Equal(t, "app_9", spec.Labels[LabelAppID])
	assert.Equal(t, "true", spec.Labels[LabelManaged])
}

func TestCreateEnvironmentStartFailureCleansUp(t *testing.T) {
	engine := newFakeEngine()
	engine.startErr = errors.New("daemon hiccup")
	mgr := newTestManager(t, engine)

	_, err := mgr.CreateEnvironment(context.Background(), "app_1")
	require.Error(t, err)

	var envErr *EnvironmentError
	require.True(t, errors.As(err, &envErr))
	assert.Equal(t, "create", envErr.Op)

	// The partially-created container must not leak.
	assert.Equal(t, 0, engine.liveCount())
	assert.Empty(t, mgr.List(""))
}

func TestReassignRebindsWarmEnvironment(t *testing.T) {
	engine := newFakeEngine()
	mgr := newTestManager(t, engine)

	env, err := mgr.CreateEnvironment(context.Background(), WarmPoolAppID)
	require.NoError(t, err)
	require.True(t, env.Warm())

	require.NoError(t, mgr.Reassign(env.ID, "app_7"))

	got, ok := mgr.Get(env.ID)
	require.True(t, ok)
	assert.Equal(t, "app_7", got.AppID)
	assert.False(t, got.Warm())

	// Container labels are not rewritten; the table is authoritative.
	spec := engine.containers[env.ContainerID]
	assert.Equal(t, WarmPoolAppID, spec.Labels[LabelAppID])
}

func TestReassignUnknownEnvironment(t *testing.T) {
	mgr := newTestManager(t, newFakeEngine())
	err := mgr.Reassign("env_missing", "app_1")
	require.Error(t, err)
}

func TestDeployCodeStagesArchiveAndInstalls(t *testing.T) {
	engine := newFakeEngine()
	engine.execOut = "added 12 packages"
	mgr := newTestManager(t, engine)

	env, err := mgr.CreateEnvironment(context.Background(), "app_1")
	require.NoError(t, err)

	out, err := mgr.DeployCode(context.Background(), env.ID, map[string]string{
		"server.js": "require('express')()",
	})
	require.NoError(t, err)
	assert.Equal(t, "added 12 packages", out)

	names := tarEntries(t, engine.archives[env.ContainerID])
	assert.Equal(t, []string{"package.json", "server.js"}, names)
}

func TestDeployCodeKeepsSuppliedManifest(t *testing.T) {
	engine := newFakeEngine()
	mgr := newTestManager(t, engine)

	env, err := mgr.CreateEnvironment(context.Background(), "app_1")
	require.NoError(t, err)

	custom := `{"name":"custom"}`
	_, err = mgr.DeployCode(context.Background(), env.ID, map[string]string{
		"package.json": custom,
		"server.js":    "",
	})
	require.NoError(t, err)

	contents := tarContents(t, engine.archives[env.ContainerID])
	assert.Equal(t, custom, contents["package.json"])
}

func TestDeployCodeRejectsTraversalPaths(t *testing.T) {
	engine := newFakeEngine()
	mgr := newTestManager(t, engine)

	env, err := mgr.CreateEnvironment(context.Background(), "app_1")
	require.NoError(t, err)

	_, err = mgr.DeployCode(context.Background(), env.ID, map[string]string{
		"../escape.sh": "#!/bin/sh",
	})
	require.Error(t, err)
	assert.Empty(t, engine.archives[env.ContainerID], "nothing may be copied for a rejected file set")
}

func TestDeployCodeInstallFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.execOut = "npm ERR! 404 left-pad@99 not found"
	engine.execCode = 1
	mgr := newTestManager(t, engine)

	env, err := mgr.CreateEnvironment(context.Background(), "app_1")
	require.NoError(t, err)

	out, err := mgr.DeployCode(context.Background(), env.ID, map[string]string{"server.js": ""})
	require.Error(t, err)

	var depErr *DeploymentError
	require.True(t, errors.As(err, &depErr))
	assert.Contains(t, depErr.Output, "left-pad")
	assert.Contains(t, out, "left-pad")
}

func TestStatsFirstSampleIsZero(t *testing.T) {
	engine := newFakeEngine()
	mgr := newTestManager(t, engine)

	env, err := mgr.CreateEnvironment(context.Background(), "app_1")
	require.NoError(t, err)

	engine.stats[env.ContainerID] = []EngineStats{
		{CPUTotal: 1_000_000, SystemTotal: 10_000_000, OnlineCPUs: 4, MemoryBytes: 64 << 20},
		{CPUTotal: 2_000_000, SystemTotal: 20_000_000, OnlineCPUs: 4, MemoryBytes: 80 << 20},
	}

	first, err := mgr.Stats(context.Background(), env.ID)
	require.NoError(t, err)
	assert.Zero(t, first.CPUPercent, "no previous sample means no rate")
	assert.Equal(t, uint64(64<<20), first.MemoryBytes)

	second, err := mgr.Stats(context.Background(), env.ID)
	require.NoError(t, err)
	// delta cpu 1e6 over delta system 1e7 across 4 cores = 40%.
	assert.InDelta(t, 40.0, second.CPUPercent, 0.01)
	assert.Equal(t, uint64(80<<20), second.MemoryBytes)
}

func TestDestroyIdempotent(t *testing.T) {
	engine := newFakeEngine()
	mgr := newTestManager(t, engine)

	env, err := mgr.CreateEnvironment(context.Background(), "app_1")
	require.NoError(t, err)

	require.NoError(t, mgr.Destroy(context.Background(), env.ID))
	require.NoError(t, mgr.Destroy(context.Background(), env.ID), "second destroy is a no-op")

	_, ok := mgr.Get(env.ID)
	assert.False(t, ok)
	assert.True(t, engine.removed[env.ContainerID])
}

func TestListFiltersByApp(t *testing.T) {
	mgr := newTestManager(t, newFakeEngine())

	_, err := mgr.CreateEnvironment(context.Background(), "app_a")
	require.NoError(t, err)
	_, err = mgr.CreateEnvironment(context.Background(), "app_b")
	require.NoError(t, err)
	_, err = mgr.CreateEnvironment(context.Background(), WarmPoolAppID)
	require.NoError(t, err)

	assert.Len(t, mgr.List(""), 3)
	assert.Len(t, mgr.List("app_a"), 1)
	assert.Len(t, mgr.List(WarmPoolAppID), 1)
}

func tarEntries(t *testing.T, archive []byte) []string {
	t.Helper()
	var names []string
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

func tarContents(t *testing.T, archive []byte) map[string]string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	contents := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[hdr.Name] = string(data)
	}
	return contents
}
