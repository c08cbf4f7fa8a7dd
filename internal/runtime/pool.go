package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appcanvas/runtime/internal/infrastructure/config"
	"github.com/appcanvas/runtime/internal/infrastructure/logging"
	"github.com/appcanvas/runtime/internal/infrastructure/monitoring"
)

// Pool keeps a reserve of pre-provisioned environments so app startup
// skips container boot latency. Acquire pops a warm environment and
// rebinds it; when the reserve is empty it falls back to an on-demand
// allocation. Released environments are always destroyed, never recycled
// into the reserve.
type Pool struct {
	manager *Manager
	cfg     config.RuntimeConfig
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu   sync.Mutex
	warm []string // environment IDs, oldest first

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewPool creates a warm pool over the manager.
func NewPool(manager *Manager, cfg config.RuntimeConfig, logger *logging.Logger, metrics *monitoring.Metrics) *Pool {
	return &Pool{
		manager: manager,
		cfg:     cfg,
		logger:  logger.Named("pool"),
		metrics: metrics,
		stop:    make(chan struct{}),
	}
}

// Start removes containers orphaned by a previous run, fills the reserve
// to its minimum size, and launches the background sweep. Failures are
// logged, not fatal; the pool degrades to on-demand allocation.
func (p *Pool) Start(ctx context.Context) {
	if err := p.manager.CleanupOrphans(ctx); err != nil {
		p.logger.Warn("orphan cleanup failed", zap.Error(err))
	}
	p.replenish(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweep(context.Background())
			case <-p.stop:
				return
			}
		}
	}()
}

// Acquire hands out an environment bound to appID. The warm reserve is
// popped under the lock, so two concurrent acquisitions can never receive
// the same environment.
func (p *Pool) Acquire(ctx context.Context, appID string) (*Environment, error) {
	p.mu.Lock()
	var envID string
	if len(p.warm) > 0 {
		envID = p.warm[0]
		p.warm = p.warm[1:]
	}
	warmLeft := len(p.warm)
	p.mu.Unlock()

	if envID != "" {
		p.gaugeWarm(warmLeft)
		if err := p.manager.Reassign(envID, appID); err == nil {
			env, _ := p.manager.Get(envID)
			p.logger.Info("warm environment assigned",
				zap.String("env_id", envID),
				zap.String("app_id", appID),
			)
			go p.replenish(context.Background())
			return env, nil
		}
		// The warm entry vanished under us (engine fault, external
		// teardown). Fall through to an on-demand allocation.
		p.logger.Warn("warm environment unusable, allocating on demand", zap.String("env_id", envID))
	}

	env, err := p.manager.CreateEnvironment(ctx, appID)
	if err != nil {
		return nil, err
	}
	go p.replenish(context.Background())
	return env, nil
}

// Release destroys the environment. Pooling works in one direction only:
// used environments carry app state and never re-enter the reserve.
func (p *Pool) Release(ctx context.Context, envID string) error {
	p.mu.Lock()
	for i, id := range p.warm {
		if id == envID {
			p.warm = append(p.warm[:i], p.warm[i+1:]...)
			break
		}
	}
	warmLeft := len(p.warm)
	p.mu.Unlock()
	p.gaugeWarm(warmLeft)

	return p.manager.Destroy(ctx, envID)
}

// WarmCount reports the current reserve size.
func (p *Pool) WarmCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm)
}

// Close stops the sweep and destroys every environment the manager still
// tracks, warm or bound.
func (p *Pool) Close(ctx context.Context) {
	p.stopped.Do(func() { close(p.stop) })
	p.wg.Wait()

	for _, env := range p.manager.List("") {
		if err := p.manager.Destroy(ctx, env.ID); err != nil {
			p.logger.Warn("destroy on shutdown", zap.String("env_id", env.ID), zap.Error(err))
		}
	}

	p.mu.Lock()
	p.warm = nil
	p.mu.Unlock()
	p.gaugeWarm(0)
}

// replenish tops the reserve back up to the configured minimum, bounded
// by the maximum total environment count.
func (p *Pool) replenish(ctx context.Context) {
	for {
		p.mu.Lock()
		warmCount := len(p.warm)
		p.mu.Unlock()

		if warmCount >= p.cfg.PoolMinSize {
			return
		}
		if len(p.manager.List("")) >= p.cfg.PoolMaxSize {
			return
		}

		env, err := p.manager.CreateEnvironment(ctx, WarmPoolAppID)
		if err != nil {
			p.logger.Warn("warm fill failed", zap.Error(err))
			return
		}

		p.mu.Lock()
		p.warm = append(p.warm, env.ID)
		warmCount = len(p.warm)
		p.mu.Unlock()
		p.gaugeWarm(warmCount)
	}
}

// sweep destroys app-bound environments past the age ceiling, measured
// from creation. Activity does not extend the lease: a busy environment
// is still torn down once its lifetime is up. Warm environments never
// age out; keeping the reserve hot is the whole point.
func (p *Pool) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.MaxAge)

	for _, env := range p.manager.List("") {
		if env.Warm() {
			continue
		}
		if env.CreatedAt.After(cutoff) {
			continue
		}
		// Destroy tolerates an environment torn down concurrently.
		if err := p.manager.Destroy(ctx, env.ID); err != nil {
			p.logger.Warn("sweep destroy", zap.String("env_id", env.ID), zap.Error(err))
			continue
		}
		p.logger.Info("aged environment swept",
			zap.String("env_id", env.ID),
			zap.String("app_id", env.AppID),
			zap.Time("created_at", env.CreatedAt),
		)
	}

	p.replenish(ctx)
}

func (p *Pool) gaugeWarm(n int) {
	if p.metrics != nil {
		p.metrics.WarmPoolSize.Set(float64(n))
	}
}
