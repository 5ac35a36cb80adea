package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nimburion/runqueue/pkg/admin"
	"github.com/nimburion/runqueue/pkg/config"
	"github.com/nimburion/runqueue/pkg/handler/webhook"
	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/observability/metrics"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func (a *app) newWorkerCommand() *cobra.Command {
	var (
		concurrency int
		adminAddr   string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the main queue until interrupted",
		Long: "Runs one or more polling workers against the main queue. Jobs are delivered to the\n" +
			"configured webhook (worker.webhook.url). The admin API starts when admin.enabled is set\n" +
			"or --admin-addr is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency < 1 {
				return errors.New("--concurrency must be at least 1")
			}
			return a.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if adminAddr != "" {
					rt.cfg.Admin.Enabled = true
					rt.cfg.Admin.Address = adminAddr
				}
				handler, err := a.buildHandler(rt.cfg, rt.log)
				if err != nil {
					return err
				}
				return runWorkers(ctx, rt, handler, concurrency)
			})
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "number of polling workers")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "serve the admin API on this address")
	return cmd
}

func (a *app) buildHandler(cfg *config.Config, log logger.Logger) (jobs.Handler, error) {
	if url := strings.TrimSpace(cfg.Worker.Webhook.URL); url != "" {
		client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
		h, err := webhook.New(webhook.Config{URL: url, Timeout: cfg.Worker.Webhook.Timeout}, client, log)
		if err != nil {
			return nil, fmt.Errorf("init webhook handler: %w", err)
		}
		return h.Handle, nil
	}
	if a.opts.HandlerFactory != nil {
		return a.opts.HandlerFactory(cfg, log)
	}
	return nil, errors.New("worker.webhook.url is required to run a worker")
}

// runWorkers starts concurrency workers and, when enabled, the admin server. It blocks
// until ctx is cancelled and then stops everything, joining stop failures.
func runWorkers(ctx context.Context, rt *runtime, handler jobs.Handler, concurrency int) error {
	retry := jobs.NewRetryStrategy(jobs.RetryConfig{
		BaseDelay:   rt.cfg.Retry.BaseDelay,
		MaxDelay:    rt.cfg.Retry.MaxDelay,
		MaxAttempts: rt.cfg.Retry.MaxAttempts,
	})

	workers := make([]*jobs.Worker, 0, concurrency)
	infos := make([]admin.WorkerInfo, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		w, err := jobs.NewWorker(rt.queue, rt.dlq, retry, handler, rt.log, jobs.WorkerConfig{
			PollInterval:      rt.cfg.Worker.PollInterval,
			StopTimeout:       rt.cfg.Worker.StopTimeout,
			HandlerTimeout:    rt.cfg.Worker.HandlerTimeout,
			VisibilityTimeout: rt.cfg.Queue.VisibilityTimeout,
		})
		if err != nil {
			return fmt.Errorf("create worker: %w", err)
		}
		workers = append(workers, w)
		infos = append(infos, w)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if rt.cfg.Admin.Enabled {
		server, err := admin.New(admin.Config{Address: rt.cfg.Admin.Address}, admin.Deps{
			Queue:   rt.queue,
			DLQ:     rt.dlq,
			Workers: infos,
			Health:  rt.health,
			Metrics: metrics.NewRegistry().Handler(),
		}, rt.log)
		if err != nil {
			return fmt.Errorf("create admin server: %w", err)
		}
		group.Go(func() error { return server.Start(groupCtx) })
	}

	for _, w := range workers {
		group.Go(func() error { return w.Run(groupCtx) })
	}
	rt.log.Info("workers running", "queue", rt.queue.Name(), "concurrency", concurrency, "admin", rt.cfg.Admin.Enabled)
	return group.Wait()
}
