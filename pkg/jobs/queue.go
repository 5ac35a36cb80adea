package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/observability/tracing"
)

const messagingSystem = "runqueue"

// QueueConfig configures a QueueService.
type QueueConfig struct {
	Name               string
	VisibilityTimeout  time.Duration
	DefaultMaxAttempts int
}

func (c *QueueConfig) normalize() {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = DefaultQueueName
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = DefaultMaxAttempts
	}
}

// QueueService is the typed facade over one named queue of a MessageStore.
type QueueService struct {
	store    MessageStore
	log      logger.Logger
	clock    Clock
	tracking trackingWriter
	config   QueueConfig
}

// NewQueueService creates a queue facade over store.
func NewQueueService(store MessageStore, log logger.Logger, cfg QueueConfig, opts ...ServiceOption) (*QueueService, error) {
	if store == nil {
		return nil, errors.New("message store is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	options := defaultServiceOptions()
	for _, opt := range opts {
		opt(&options)
	}

	log = log.With("queue", cfg.Name)
	return &QueueService{
		store:    store,
		log:      log,
		clock:    options.clock,
		tracking: trackingWriter{tracker: options.tracker, log: log, timeout: options.trackingTimeout},
		config:   cfg,
	}, nil
}

// Name returns the queue name.
func (s *QueueService) Name() string {
	return s.config.Name
}

// Enqueue validates job, stamps enqueued_at and the attempt defaults, and sends it to the
// queue visible after delay. Invalid jobs are rejected before any store I/O.
func (s *QueueService) Enqueue(ctx context.Context, job Job, delay time.Duration) (string, error) {
	if s == nil {
		return "", jobsError(ErrNotInitialized, "queue service is nil")
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = s.config.DefaultMaxAttempts
	}
	job.EnqueuedAt = s.clock.Now()
	job.Metadata = cloneMetadata(job.Metadata)

	payload, err := encodeJob(job)
	if err != nil {
		return "", err
	}

	spanCtx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationMsgPublish, tracing.JobSpan{
		System:      messagingSystem,
		Queue:       s.config.Name,
		RunID:       job.RunID,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		PayloadSize: len(payload),
	})
	defer span.End()

	msgID, err := s.store.Send(spanCtx, s.config.Name, payload, delay)
	if err != nil {
		err = storeError("send", s.config.Name, err)
		tracing.RecordError(span, err)
		return "", err
	}
	tracing.RecordSuccess(span)
	recordJobEnqueued(s.config.Name)

	s.log.Debug("job enqueued", "msg_id", msgID, "run_id", job.RunID, "attempt", job.Attempt, "delay", delay)
	s.tracking.insert(ctx, TrackingRecord{
		MsgID:       msgID,
		RunID:       job.RunID,
		QueueName:   s.config.Name,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		CreatedAt:   job.EnqueuedAt,
	})
	return msgID, nil
}

// Dequeue reads at most one message and hides it for visibilityTimeout (the configured
// default when <= 0). It returns nil, nil when the queue is empty.
func (s *QueueService) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*QueuedJob, error) {
	if s == nil {
		return nil, jobsError(ErrNotInitialized, "queue service is nil")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = s.config.VisibilityTimeout
	}

	messages, err := s.store.Read(ctx, s.config.Name, visibilityTimeout, 1)
	if err != nil {
		return nil, storeError("read", s.config.Name, err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	msg := messages[0]
	job, err := decodeQueuedJob(msg)
	if err != nil {
		// An undecodable payload can never succeed; archive it so it stops cycling.
		if _, archiveErr := s.store.Archive(ctx, s.config.Name, msg.ID); archiveErr != nil {
			err = errors.Join(err, storeError("archive", s.config.Name, archiveErr))
		}
		s.log.Error("archived undecodable message", "msg_id", msg.ID, "error", err)
		return nil, err
	}

	s.tracking.update(ctx, job.MsgID, TrackingUpdate{StartedAt: timePtr(s.clock.Now())})
	return job, nil
}

// Acknowledge deletes a processed message. It reports whether a message was deleted.
func (s *QueueService) Acknowledge(ctx context.Context, msgID string) (bool, error) {
	if s == nil {
		return false, jobsError(ErrNotInitialized, "queue service is nil")
	}
	deleted, err := s.store.Delete(ctx, s.config.Name, msgID)
	if err != nil {
		return false, storeError("delete", s.config.Name, err)
	}
	if deleted {
		s.tracking.update(ctx, msgID, TrackingUpdate{CompletedAt: timePtr(s.clock.Now())})
	}
	return deleted, nil
}

// ArchiveJob moves a message out of the live queue without deleting it.
func (s *QueueService) ArchiveJob(ctx context.Context, msgID string) (bool, error) {
	if s == nil {
		return false, jobsError(ErrNotInitialized, "queue service is nil")
	}
	archived, err := s.store.Archive(ctx, s.config.Name, msgID)
	if err != nil {
		return false, storeError("archive", s.config.Name, err)
	}
	return archived, nil
}

// GetQueueMetrics returns a point-in-time snapshot of the queue.
func (s *QueueService) GetQueueMetrics(ctx context.Context) (*QueueMetrics, error) {
	if s == nil {
		return nil, jobsError(ErrNotInitialized, "queue service is nil")
	}
	return queueMetrics(ctx, s.store, s.config.Name)
}

// PurgeQueue removes every live message and returns how many were removed.
func (s *QueueService) PurgeQueue(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, jobsError(ErrNotInitialized, "queue service is nil")
	}
	count, err := s.store.Purge(ctx, s.config.Name)
	if err != nil {
		return 0, storeError("purge", s.config.Name, err)
	}
	s.log.Info("queue purged", "count", count)
	return count, nil
}

func queueMetrics(ctx context.Context, store MessageStore, queue string) (*QueueMetrics, error) {
	metrics, err := store.Metrics(ctx, queue)
	if err != nil {
		return nil, storeError("metrics", queue, err)
	}
	if metrics == nil {
		metrics = &StoreMetrics{}
	}
	recordQueueLength(queue, metrics.Length)
	return &QueueMetrics{
		Name:          queue,
		Length:        metrics.Length,
		OldestAge:     metrics.OldestAge,
		NewestAge:     metrics.NewestAge,
		TotalMessages: metrics.TotalMessages,
	}, nil
}
