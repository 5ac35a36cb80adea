package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/runqueue/pkg/config"
	"github.com/nimburion/runqueue/pkg/health"
	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/observability/tracing"
	"github.com/nimburion/runqueue/pkg/store"
	"github.com/nimburion/runqueue/pkg/tracking"
	"github.com/nimburion/runqueue/pkg/version"
	"github.com/spf13/cobra"
)

const storeHealthTimeout = 5 * time.Second

// runtime is the wired service graph shared by every command that touches a queue.
type runtime struct {
	cfg     *config.Config
	log     logger.Logger
	store   store.MessageStore
	tracker tracking.Tracker
	queue   *jobs.QueueService
	dlq     *jobs.DLQService
	health  *health.Registry
	tracer  *tracing.TracerProvider
}

func (a *app) newRuntime(ctx context.Context, cfg *config.Config, log logger.Logger) (*runtime, error) {
	tracer, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SampleRate:     cfg.Observability.Tracing.SampleRate,
		Enabled:        cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	st, err := a.opts.StoreFactory(cfg, log)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("init message store: %w", err)
	}
	tracker, err := a.opts.TrackerFactory(cfg.Tracking, log)
	if err != nil {
		_ = st.Close()
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: log, store: st, tracker: tracker, tracer: tracer}
	if err := rt.wireServices(); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func (r *runtime) wireServices() error {
	serviceOpts := []jobs.ServiceOption{
		jobs.WithTracker(r.tracker),
		jobs.WithTrackingTimeout(r.cfg.Tracking.Timeout),
	}
	queue, err := jobs.NewQueueService(r.store, r.log, jobs.QueueConfig{
		Name:               r.cfg.Queue.Name,
		VisibilityTimeout:  r.cfg.Queue.VisibilityTimeout,
		DefaultMaxAttempts: r.cfg.Queue.DefaultMaxAttempts,
	}, serviceOpts...)
	if err != nil {
		return err
	}
	dlq, err := jobs.NewDLQService(r.store, r.log, jobs.DLQConfig{
		Name:       r.cfg.Queue.DLQName,
		MainQueue:  r.cfg.Queue.Name,
		ScanLimit:  r.cfg.DLQ.ScanLimit,
		ReplayRate: r.cfg.DLQ.ReplayRate,
	}, serviceOpts...)
	if err != nil {
		return err
	}
	r.queue = queue
	r.dlq = dlq
	r.health = r.newHealthRegistry()
	return nil
}

func (r *runtime) newHealthRegistry() *health.Registry {
	registry := health.NewRegistry()
	registry.Register(jobs.NewStoreHealthChecker("store", r.store, storeHealthTimeout))
	registry.Register(jobs.NewDLQDepthChecker("dlq", r.dlq, r.cfg.Health.DLQDegradedThreshold))
	if r.cfg.Tracking.Backend != config.TrackingBackendNone {
		registry.Register(health.NewAdapterChecker("tracking", r.tracker, r.cfg.Tracking.Timeout))
	}
	return registry
}

// Close releases every backend, collecting all failures.
func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	if err := r.tracker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tracker: %w", err))
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close message store: %w", err))
	}
	if err := r.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// withRuntime loads configuration, wires the runtime, runs fn and tears everything down.
func (a *app) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, log, err := a.loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := a.newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	runErr := fn(ctx, rt)
	if closeErr := rt.Close(context.Background()); closeErr != nil {
		log.Error("failed to close runtime", "error", closeErr)
	}
	return runErr
}
