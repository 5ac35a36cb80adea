// Package admin serves the operator HTTP API: queue and dead-letter inspection, replay,
// purge, worker stats, health and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nimburion/runqueue/pkg/health"
	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// WorkerInfo is the read-only view of a worker the API reports on. *jobs.Worker satisfies it.
type WorkerInfo interface {
	ID() string
	Running() bool
	Stats() jobs.WorkerStats
}

// Deps are the services the API operates on. Queue and DLQ are required.
type Deps struct {
	Queue   *jobs.QueueService
	DLQ     *jobs.DLQService
	Workers []WorkerInfo
	Health  *health.Registry
	Metrics http.Handler
}

// Config holds the listener settings.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) normalize() {
	c.Address = strings.TrimSpace(c.Address)
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
}

// Server runs the admin API with graceful shutdown.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	log        logger.Logger
	config     Config
}

// New validates deps and builds the server. The listener is opened by Start.
func New(cfg Config, deps Deps, log logger.Logger) (*Server, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if cfg.Address == "" {
		return nil, errors.New("admin address is required")
	}
	handler, err := NewHandler(deps, log)
	if err != nil {
		return nil, err
	}
	return &Server{handler: handler, log: log, config: cfg}, nil
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until ctx is cancelled, then shuts
// down gracefully. A listen failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("admin server failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.log.Info("starting admin server", "address", listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return fmt.Errorf("admin server failed: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.log.Info("shutting down admin server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	s.log.Info("admin server shutdown complete")
	return nil
}
