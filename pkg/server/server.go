package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/easzlab/ezfwd/pkg/config"
	"github.com/easzlab/ezfwd/pkg/healthcheck"
	"github.com/easzlab/ezfwd/pkg/nat"
	"github.com/easzlab/ezfwd/pkg/portpool"
	"github.com/easzlab/ezfwd/pkg/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Server coordinates all modules: config, the session registry over the
// NAT provider, the HTTP API, and metrics.
type Server struct {
	configMgr *config.Manager
	registry  *session.Registry
	monitor   *healthcheck.Monitor
	metrics   *metrics
	router    *gin.Engine
	logger    *zap.Logger
}

// NewServer initializes all modules and returns a ready-to-run Server.
func NewServer(configPath string, logger *zap.Logger) (*Server, error) {
	provider, err := nat.NewProvider(logger.Named("nat"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize nat provider: %w", err)
	}

	return newServerWithProvider(configPath, provider, logger)
}

// newServerWithProvider initializes a Server with a pre-created NAT
// provider. This allows tests to inject a fake provider.
func newServerWithProvider(configPath string, provider nat.Provider, logger *zap.Logger) (*Server, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	cfg := configMgr.GetConfig()
	pool, err := portpool.NewPool(cfg.Ports.Start, cfg.Ports.End)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize port pool: %w", err)
	}

	server := &Server{
		configMgr: configMgr,
		registry:  session.NewRegistry(pool, provider, logger.Named("session")),
		logger:    logger,
	}
	server.monitor = healthcheck.NewMonitor(server.registry, healthcheck.Options{}, func(healthy bool) {
		if healthy {
			logger.Info("provider recovered")
		} else {
			logger.Warn("provider degraded")
		}
	}, logger.Named("healthcheck"))
	server.metrics = newMetrics(server.registry, server.monitor)
	server.router = server.buildRouter()

	return server, nil
}

// Run bootstraps the provider hooks, starts the HTTP API, and serves
// until the context is cancelled. A provider that cannot be reached at
// startup is fatal.
func (s *Server) Run(ctx context.Context) error {
	if err := s.registry.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	s.configMgr.WatchConfig()
	s.logger.Info("config watcher started")

	s.monitor.Start(ctx)
	defer s.monitor.Stop()

	listen := s.configMgr.GetConfig().Server.Listen
	httpSrv := &http.Server{
		Addr:    listen,
		Handler: s.router,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.ListenAndServe()
	}()
	s.logger.Info("server started", zap.String("listen", listen))

	for {
		select {
		case <-s.configMgr.OnChange():
			// The pool and listener are sized at startup; reloads only
			// affect settings read per request, such as the access token.
			s.logger.Info("config change applied")

		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("http server failed: %w", err)

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("http shutdown failed", zap.Error(err))
			}
			s.logger.Info("server stopped")
			return nil
		}
	}
}

// Check probes the provider and reports reachability. Used by the
// check subcommand.
func (s *Server) Check() error {
	if err := s.registry.Bootstrap(); err != nil {
		return err
	}
	if !s.registry.ProviderReachable() {
		return session.ErrProviderUnavailable
	}
	s.logger.Info("provider reachable",
		zap.Int("free_ports", s.registry.FreePorts()),
	)
	return nil
}
