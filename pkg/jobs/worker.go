package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/observability/tracing"
	"github.com/nimburion/runqueue/pkg/resilience"
)

const (
	DefaultWorkerPollInterval = time.Second
	DefaultWorkerStopTimeout  = 60 * time.Second
)

// Handler executes one job. Returning an error (or panicking) marks the attempt failed.
type Handler func(ctx context.Context, job *QueuedJob) error

// WorkerConfig configures the poll loop.
type WorkerConfig struct {
	PollInterval time.Duration
	StopTimeout  time.Duration
	// HandlerTimeout bounds each handler call when positive. Zero leaves handlers unbounded.
	HandlerTimeout time.Duration
	// VisibilityTimeout overrides the queue default for dequeues when positive.
	VisibilityTimeout time.Duration
}

func (c *WorkerConfig) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultWorkerPollInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultWorkerStopTimeout
	}
	if c.HandlerTimeout < 0 {
		c.HandlerTimeout = 0
	}
}

// WorkerStats is a snapshot of the monotonically increasing worker counters.
type WorkerStats struct {
	Processed  int64 `json:"processed"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	MovedToDLQ int64 `json:"moved_to_dlq"`
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithWorkerClock overrides the clock driving poll sleeps and the stop bound.
func WithWorkerClock(clock Clock) WorkerOption {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// Worker runs a sequential dequeue, handle, resolve loop over one queue.
type Worker struct {
	id      string
	queue   *QueueService
	dlq     *DLQService
	retry   *RetryStrategy
	handler Handler
	log     logger.Logger
	clock   Clock
	config  WorkerConfig

	processed  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	retried    atomic.Int64
	movedToDLQ atomic.Int64

	inFlight atomic.Pointer[string]

	lifecycleMu sync.Mutex
	running     bool
	stopCh      chan struct{}
	done        chan struct{}
}

// NewWorker wires a worker from its collaborators.
func NewWorker(queue *QueueService, dlq *DLQService, retry *RetryStrategy, handler Handler, log logger.Logger, cfg WorkerConfig, opts ...WorkerOption) (*Worker, error) {
	if queue == nil {
		return nil, errors.New("queue service is required")
	}
	if dlq == nil {
		return nil, errors.New("dlq service is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if retry == nil {
		retry = NewRetryStrategy(RetryConfig{})
	}
	cfg.normalize()

	id := uuid.NewString()
	w := &Worker{
		id:      id,
		queue:   queue,
		dlq:     dlq,
		retry:   retry,
		handler: handler,
		log:     log.With("worker_id", id, "queue", queue.Name()),
		clock:   SystemClock{},
		config:  cfg,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ID returns the worker instance id.
func (w *Worker) ID() string {
	return w.id
}

// Running reports whether the poll loop is active.
func (w *Worker) Running() bool {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	return w.running
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Processed:  w.processed.Load(),
		Succeeded:  w.succeeded.Load(),
		Failed:     w.failed.Load(),
		Retried:    w.retried.Load(),
		MovedToDLQ: w.movedToDLQ.Load(),
	}
}

// Start launches the poll loop in the background. It is a no-op when already running and
// fails with ErrShutdownTimeout while a loop abandoned by a timed-out Stop is still draining.
// Cancelling ctx stops polling between iterations but never cancels an in-flight handler.
func (w *Worker) Start(ctx context.Context) error {
	if w == nil {
		return jobsError(ErrNotInitialized, "worker is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.running {
		return nil
	}
	if w.done != nil {
		select {
		case <-w.done:
		default:
			return jobsError(ErrShutdownTimeout, "previous poll loop is still processing a job")
		}
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})

	go w.loop(ctx, w.stopCh, w.done)
	w.log.Info("worker started", "poll_interval", w.config.PollInterval)
	return nil
}

// Stop ends the poll loop and waits up to StopTimeout (or ctx) for the in-flight job.
// When the bound expires the in-flight job is abandoned and ErrShutdownTimeout returned.
func (w *Worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.lifecycleMu.Lock()
	if !w.running {
		w.lifecycleMu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	done := w.done
	w.lifecycleMu.Unlock()

	select {
	case <-done:
		w.log.Info("worker stopped", "processed", w.processed.Load())
		return nil
	case <-w.clock.After(w.config.StopTimeout):
	case <-ctx.Done():
	}

	msgID := ""
	if current := w.inFlight.Load(); current != nil {
		msgID = *current
	}
	w.log.Error("worker stop timed out, abandoning in-flight job", "msg_id", msgID, "stop_timeout", w.config.StopTimeout)
	return ErrShutdownTimeout
}

// Run starts the worker, blocks until ctx is cancelled, then stops it.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop(context.Background())
}

func (w *Worker) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	processCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			w.markStopped(stopCh)
			return
		default:
		}

		processed, err := w.ProcessNext(processCtx)
		if err != nil {
			w.log.Warn("worker iteration failed", "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			w.markStopped(stopCh)
			return
		case <-w.clock.After(w.config.PollInterval):
		}
	}
}

// markStopped flips the running flag when the loop exits because its context ended.
func (w *Worker) markStopped(stopCh <-chan struct{}) {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.running && w.stopCh == stopCh {
		w.running = false
		close(w.stopCh)
	}
}

// ProcessNext runs one poll iteration. It reports whether a job was dequeued; the error
// covers store failures only, handler failures are resolved through retry or the DLQ.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if w == nil {
		return false, jobsError(ErrNotInitialized, "worker is nil")
	}

	job, err := w.queue.Dequeue(ctx, w.config.VisibilityTimeout)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	w.processed.Add(1)
	msgID := job.MsgID
	w.inFlight.Store(&msgID)
	defer w.inFlight.Store(nil)
	queueName := w.queue.Name()
	incrementJobInFlight(queueName)
	defer decrementJobInFlight(queueName)

	ctx = logger.ContextWithMsgID(logger.ContextWithRunID(ctx, job.Job.RunID), job.MsgID)
	traceCtx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationMsgProcess, tracing.JobSpan{
		System:      messagingSystem,
		Queue:       queueName,
		MsgID:       job.MsgID,
		RunID:       job.Job.RunID,
		Attempt:     job.Job.Attempt,
		MaxAttempts: job.Job.MaxAttempts,
	})
	defer span.End()

	handlerErr := w.invoke(traceCtx, job)
	if handlerErr == nil {
		w.succeeded.Add(1)
		recordJobProcessed(queueName, statusSuccess)
		tracing.RecordSuccess(span)
		if _, err := w.queue.Acknowledge(traceCtx, job.MsgID); err != nil {
			tracing.RecordError(span, err)
			return true, fmt.Errorf("acknowledge failed: %w", err)
		}
		return true, nil
	}

	w.failed.Add(1)
	tracing.RecordError(span, handlerErr)
	return true, w.handleFailure(traceCtx, job, handlerErr)
}

func (w *Worker) invoke(ctx context.Context, job *QueuedJob) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &HandlerPanicError{Value: rec, Stack: debug.Stack()}
		}
	}()

	if w.config.HandlerTimeout <= 0 {
		return w.handler(ctx, job)
	}
	err = resilience.WithTimeout(ctx, w.config.HandlerTimeout, func(runCtx context.Context) error {
		return w.handler(runCtx, job)
	})
	var panicErr *resilience.PanicError
	if errors.As(err, &panicErr) {
		return &HandlerPanicError{Value: panicErr.Value, Stack: panicErr.Stack}
	}
	return err
}

func (w *Worker) handleFailure(ctx context.Context, job *QueuedJob, failure error) error {
	queueName := w.queue.Name()
	attempt := job.Job.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	errorMessage := failure.Error()
	stack := errorStack(failure)
	info := w.retry.WithMaxAttempts(job.Job.MaxAttempts).RetryInfo(attempt)

	log := w.log.WithContext(ctx).With("attempt", attempt, "max_attempts", info.MaxAttempts)
	if info.ShouldMoveToDeadLetter {
		log.Warn("job exhausted its attempts", "error", failure)
		return w.deadLetter(ctx, job, errorMessage, stack)
	}

	if err := w.requeue(ctx, job, attempt, errorMessage, info.Delay); err != nil {
		log.Error("retry requeue failed, moving job to dead-letter queue", "error", err)
		return errors.Join(err, w.deadLetter(ctx, job, errorMessage, stack))
	}

	w.retried.Add(1)
	recordJobRetry(queueName)
	recordJobProcessed(queueName, statusRetry)
	log.Info("job scheduled for retry", "delay", info.Delay, "error", failure)
	return nil
}

func (w *Worker) requeue(ctx context.Context, job *QueuedJob, attempt int, errorMessage string, delay time.Duration) error {
	archived, err := w.queue.ArchiveJob(ctx, job.MsgID)
	if err != nil {
		return err
	}
	if !archived {
		w.log.WithContext(ctx).Debug("failed attempt was already gone from the queue")
	}

	next := job.Job
	next.Attempt = attempt + 1
	next.LastError = errorMessage
	next.LastErrorAt = timePtr(w.clock.Now())
	next.Metadata = cloneMetadata(next.Metadata)
	_, err = w.queue.Enqueue(ctx, next, delay)
	return err
}

func (w *Worker) deadLetter(ctx context.Context, job *QueuedJob, errorMessage, stack string) error {
	queueName := w.queue.Name()
	if _, err := w.dlq.MoveToDeadLetter(ctx, job, errorMessage, stack); err != nil {
		log := w.log.WithContext(ctx)
		if _, ackErr := w.queue.Acknowledge(ctx, job.MsgID); ackErr != nil {
			log.Error("dead-letter move and fallback acknowledge failed", "error", errors.Join(err, ackErr))
			return errors.Join(err, ackErr)
		}
		recordJobDropped(queueName)
		recordJobProcessed(queueName, statusDropped)
		log.Error("job dropped: dead-letter move failed", "run_id", job.Job.RunID, "error", err)
		return err
	}

	w.movedToDLQ.Add(1)
	recordJobDLQ(queueName)
	recordJobProcessed(queueName, statusDLQ)
	return nil
}

func errorStack(err error) string {
	var panicErr *HandlerPanicError
	if errors.As(err, &panicErr) && len(panicErr.Stack) > 0 {
		return string(panicErr.Stack)
	}
	return fmt.Sprintf("%+v", err)
}
