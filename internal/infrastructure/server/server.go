// Package server assembles the service: configuration in, a running HTTP
// surface out. All collaborators are constructed here and handed to the
// layers that need them; nothing reaches for globals.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/appcanvas/runtime/internal/api/http"
	"github.com/appcanvas/runtime/internal/api/middleware"
	"github.com/appcanvas/runtime/internal/api/ws"
	"github.com/appcanvas/runtime/internal/bundler"
	"github.com/appcanvas/runtime/internal/infrastructure/config"
	"github.com/appcanvas/runtime/internal/infrastructure/logging"
	"github.com/appcanvas/runtime/internal/infrastructure/monitoring"
	"github.com/appcanvas/runtime/internal/infrastructure/tracing"
	"github.com/appcanvas/runtime/internal/runtime"
	"github.com/appcanvas/runtime/internal/store"
)

// Server owns the HTTP surface and the environment pool.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
	pool    *runtime.Pool
	httpSrv *http.Server
}

// New wires the full service. The engine is injected so tests and
// alternative deployments can substitute the container backend.
func New(cfg *config.Config, logger *logging.Logger, engine runtime.Engine) (*Server, error) {
	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetricsWith(registry)

	var records store.Store
	if cfg.Store.URL != "" {
		records = store.NewHTTP(cfg.Store.URL, cfg.Store.Timeout)
	} else {
		logger.Info("no store URL configured, using in-memory records")
		records = store.NewMemory()
	}

	builds := bundler.New(cfg.Bundler, logger, metrics)
	manager := runtime.NewManager(engine, cfg.Runtime, logger, metrics)
	pool := runtime.NewPool(manager, cfg.Runtime, logger, metrics)

	wsHandler := ws.NewHandler(cfg.Sandbox, records, logger, metrics)
	handlers := apihttp.NewHandlers(builds, records, manager, pool, wsHandler, logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(middleware.RateLimit(cfg.RateLimit))
	router.Use(monitoring.Middleware(metrics))
	router.Use(tracing.HTTPMiddleware(tracing.New("runtime", logger)))

	router.GET("/health", func(c *gin.Context) {
		metrics.UpdateUptime()
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"warm":   pool.WarmCount(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	handlers.Register(router)
	router.GET("/ws/sandbox/:appId", wsHandler.Serve)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		pool:    pool,
		httpSrv: &http.Server{
			Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run fills the warm pool and serves until the listener closes.
func (s *Server) Run(ctx context.Context) error {
	s.pool.Start(ctx)
	s.logger.Info("server listening", zap.String("addr", s.httpSrv.Addr))

	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close drains the HTTP server, then tears down every environment.
func (s *Server) Close(ctx context.Context) error {
	var firstErr error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		firstErr = err
	}
	s.pool.Close(ctx)
	return firstErr
}
