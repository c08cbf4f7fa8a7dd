package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/appcanvas/runtime/internal/infrastructure/config"
	"github.com/appcanvas/runtime/internal/infrastructure/logging"
	"github.com/appcanvas/runtime/internal/infrastructure/monitoring"
	"github.com/appcanvas/runtime/internal/infrastructure/resilience"
	"github.com/appcanvas/runtime/internal/shared/id"
	"github.com/appcanvas/runtime/internal/shared/paths"
)

// cpuSample is the previous cumulative usage reading for one environment.
type cpuSample struct {
	cpuTotal    uint64
	systemTotal uint64
}

// Manager owns environment lifecycle: allocation, deployment, execution,
// stats, and teardown. The manager's table is the authoritative record of
// which app owns which environment; container labels are set at creation
// and never rewritten.
type Manager struct {
	engine  Engine
	cfg     config.RuntimeConfig
	logger  *logging.Logger
	metrics *monitoring.Metrics
	breaker *resilience.Breaker

	mu      sync.RWMutex
	envs    map[string]*Environment
	samples map[string]cpuSample
}

// NewManager creates an environment manager over the given engine.
func NewManager(engine Engine, cfg config.RuntimeConfig, logger *logging.Logger, metrics *monitoring.Metrics) *Manager {
	return &Manager{
		engine:  engine,
		cfg:     cfg,
		logger:  logger.Named("runtime"),
		metrics: metrics,
		breaker: resilience.New("container-engine", resilience.Settings{
			Timeout: 30 * time.Second,
		}),
		envs:    make(map[string]*Environment),
		samples: make(map[string]cpuSample),
	}
}

// CreateEnvironment allocates an isolated environment for appID and
// returns its handle once the container is confirmed started. Allocation
// failures surface as EnvironmentError and leave no partial handle behind.
func (m *Manager) CreateEnvironment(ctx context.Context, appID string) (*Environment, error) {
	envID := id.NewEnvironmentID().String()

	spec := ContainerSpec{
		Image:       m.cfg.Image,
		MemoryMB:    m.cfg.MemoryMB,
		CPUShares:   m.cfg.CPUShares,
		ServicePort: m.cfg.ServicePort,
		NetworkMode: "bridge",
		MaxRetries:  m.cfg.MaxRetries,
		Labels: map[string]string{
			LabelAppID:   appID,
			LabelManaged: "true",
		},
	}

	var containerID string
	var port int
	err := m.breaker.Execute(func() error {
		var err error
		containerID, err = m.engine.Create(ctx, spec)
		if err != nil {
			return err
		}
		if err = m.engine.Start(ctx, containerID); err != nil {
			return err
		}
		port, err = m.engine.HostPort(ctx, containerID, m.cfg.ServicePort)
		return err
	})
	if err != nil {
		if containerID != "" {
			// Partial allocation: tear down, never hand out a broken handle.
			if rmErr := m.engine.Remove(context.WithoutCancel(ctx), containerID); rmErr != nil {
				m.logger.Warn("cleanup of failed allocation", zap.Error(rmErr))
			}
		}
		m.countEnv("create_failed")
		return nil, &EnvironmentError{Op: "create", Err: err}
	}

	now := time.Now()
	env := &Environment{
		ID:          envID,
		AppID:       appID,
		Status:      StatusRunning,
		URL:         fmt.Sprintf("http://127.0.0.1:%d", port),
		ContainerID: containerID,
		Port:        port,
		CreatedAt:   now,
		LastUsed:    now,
	}

	m.mu.Lock()
	m.envs[envID] = env
	live := len(m.envs)
	m.mu.Unlock()

	m.countEnv("created")
	if m.metrics != nil {
		m.metrics.EnvironmentsLive.Set(float64(live))
	}
	m.logger.Info("environment created",
		zap.String("env_id", envID),
		zap.String("app_id", appID),
		zap.Int("port", port),
	)
	return env, nil
}

// Get returns an environment by ID.
func (m *Manager) Get(envID string) (*Environment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.envs[envID]
	return env, ok
}

// List returns all environments, optionally filtered to one app.
func (m *Manager) List(appID string) []*Environment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Environment
	for _, env := range m.envs {
		if appID == "" || env.AppID == appID {
			out = append(out, env)
		}
	}
	return out
}

// Reassign rebinds a warm environment to a real app. The container's
// labels keep the warm marker; this table is what listing and the sweep
// trust.
func (m *Manager) Reassign(envID, appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.envs[envID]
	if !ok {
		return &EnvironmentError{Op: "reassign", Err: fmt.Errorf("environment %s not found", envID)}
	}
	env.AppID = appID
	env.LastUsed = time.Now()
	return nil
}

// DeployCode writes the file set into the environment, materializes a
// default manifest when none is supplied, and installs dependencies. It
// blocks until installation completes or fails; the staging archive is
// in-memory and needs no cleanup on any path.
func (m *Manager) DeployCode(ctx context.Context, envID string, files map[string]string) (string, error) {
	env, ok := m.Get(envID)
	if !ok {
		return "", &EnvironmentError{Op: "deploy", Err: fmt.Errorf("environment %s not found", envID)}
	}

	archive, err := stageArchive(files)
	if err != nil {
		m.countDeploy("stage_failed")
		return "", &DeploymentError{Err: err}
	}

	if err := m.engine.CopyTo(ctx, env.ContainerID, "/app", archive); err != nil {
		m.countDeploy("copy_failed")
		return "", &DeploymentError{Err: err}
	}

	output, exitCode, err := m.engine.Exec(ctx, env.ContainerID, []string{"npm", "install", "--omit=dev", "--no-audit", "--no-fund"})
	if err != nil {
		m.countDeploy("install_failed")
		return output, &DeploymentError{Output: output, Err: err}
	}
	if exitCode != 0 {
		m.countDeploy("install_failed")
		return output, &DeploymentError{Output: output, Err: fmt.Errorf("npm install exited with %d", exitCode)}
	}

	m.touch(envID)
	m.countDeploy("success")
	m.logger.Info("code deployed", zap.String("env_id", envID), zap.Int("files", len(files)))
	return output, nil
}

// Run executes a command inside the environment and returns its output.
func (m *Manager) Run(ctx context.Context, envID string, cmd []string) (string, int, error) {
	env, ok := m.Get(envID)
	if !ok {
		return "", 0, &EnvironmentError{Op: "run", Err: fmt.Errorf("environment %s not found", envID)}
	}
	m.touch(envID)
	return m.engine.Exec(ctx, env.ContainerID, cmd)
}

// Stats samples resource usage. CPU utilization is the delta between two
// consecutive cumulative samples over the system-time delta, scaled by
// core count; the first sample for an environment yields zero.
func (m *Manager) Stats(ctx context.Context, envID string) (Stats, error) {
	env, ok := m.Get(envID)
	if !ok {
		return Stats{}, &EnvironmentError{Op: "stats", Err: fmt.Errorf("environment %s not found", envID)}
	}

	raw, err := m.engine.Stats(ctx, env.ContainerID)
	if err != nil {
		return Stats{}, &EnvironmentError{Op: "stats", Err: err}
	}

	m.mu.Lock()
	prev, hasPrev := m.samples[envID]
	m.samples[envID] = cpuSample{cpuTotal: raw.CPUTotal, systemTotal: raw.SystemTotal}
	m.mu.Unlock()

	stats := Stats{MemoryBytes: raw.MemoryBytes}
	if hasPrev && raw.SystemTotal > prev.systemTotal && raw.CPUTotal >= prev.cpuTotal {
		cpuDelta := float64(raw.CPUTotal - prev.cpuTotal)
		systemDelta := float64(raw.SystemTotal - prev.systemTotal)
		stats.CPUPercent = (cpuDelta / systemDelta) * float64(raw.OnlineCPUs) * 100.0
	}
	return stats, nil
}

// Destroy stops and removes an environment. A container already gone (for
// example torn down by a concurrent release) is not an error.
func (m *Manager) Destroy(ctx context.Context, envID string) error {
	m.mu.Lock()
	env, ok := m.envs[envID]
	if ok {
		delete(m.envs, envID)
		delete(m.samples, envID)
	}
	live := len(m.envs)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	env.Status = StatusStopped
	if err := m.engine.Stop(ctx, env.ContainerID); err != nil {
		m.logger.Debug("stop during destroy", zap.String("env_id", envID), zap.Error(err))
	}
	if err := m.engine.Remove(ctx, env.ContainerID); err != nil {
		if !strings.Contains(err.Error(), "No such container") {
			m.countEnv("destroy_failed")
			return &EnvironmentError{Op: "destroy", Err: err}
		}
	}

	m.countEnv("destroyed")
	if m.metrics != nil {
		m.metrics.EnvironmentsLive.Set(float64(live))
	}
	m.logger.Info("environment destroyed", zap.String("env_id", envID), zap.String("app_id", env.AppID))
	return nil
}

// CleanupOrphans removes managed containers the engine still knows about
// but this manager does not track, typically leftovers from a previous
// process. Runs at startup before the reserve fills.
func (m *Manager) CleanupOrphans(ctx context.Context) error {
	ids, err := m.engine.ListManaged(ctx)
	if err != nil {
		return &EnvironmentError{Op: "cleanup", Err: err}
	}

	m.mu.Lock()
	tracked := make(map[string]struct{}, len(m.envs))
	for _, env := range m.envs {
		tracked[env.ContainerID] = struct{}{}
	}
	m.mu.Unlock()

	for _, containerID := range ids {
		if _, ok := tracked[containerID]; ok {
			continue
		}
		if err := m.engine.Remove(ctx, containerID); err != nil {
			m.logger.Warn("orphan removal failed", zap.String("container_id", containerID), zap.Error(err))
			continue
		}
		m.logger.Info("orphaned container removed", zap.String("container_id", containerID))
	}
	return nil
}

// MarkError flags a running environment that hit an external fault.
func (m *Manager) MarkError(envID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env, ok := m.envs[envID]; ok && env.Status == StatusRunning {
		env.Status = StatusError
	}
}

func (m *Manager) touch(envID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env, ok := m.envs[envID]; ok {
		env.LastUsed = time.Now()
	}
}

func (m *Manager) countEnv(event string) {
	if m.metrics != nil {
		m.metrics.EnvironmentsTotal.WithLabelValues(event).Inc()
	}
}

func (m *Manager) countDeploy(outcome string) {
	if m.metrics != nil {
		m.metrics.DeploysTotal.WithLabelValues(outcome).Inc()
	}
}

// defaultManifest is written when the file set ships no package.json.
const defaultManifest = `{
  "name": "appcanvas-app",
  "private": true,
  "version": "0.0.0",
  "scripts": {
    "start": "node server.js"
  },
  "dependencies": {
    "express": "4.19.2"
  }
}
`

// stageArchive builds the gzipped tar stream the engine unpacks into the
// environment. Entries are written in sorted order.
func stageArchive(files map[string]string) (*bytes.Buffer, error) {
	if err := paths.ValidateSet(files); err != nil {
		return nil, err
	}

	staged := make(map[string]string, len(files)+1)
	for path, content := range files {
		staged[path] = content
	}
	if _, ok := staged["package.json"]; !ok {
		staged["package.json"] = defaultManifest
	}

	names := make([]string, 0, len(staged))
	for path := range staged {
		names = append(names, path)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, path := range names {
		content := staged[path]
		header := &tar.Header{
			Name: path,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("stage %s: %w", path, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return nil, fmt.Errorf("stage %s: %w", path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
