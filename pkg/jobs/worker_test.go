package jobs_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/runqueue/pkg/jobs"
)

func newTestWorker(t *testing.T, h *harness, handler jobs.Handler, cfg jobs.WorkerConfig) *jobs.Worker {
	t.Helper()
	retry := jobs.NewRetryStrategy(jobs.RetryConfig{BaseDelay: time.Second, MaxDelay: time.Minute})
	worker, err := jobs.NewWorker(h.queue, h.dlq, retry, handler, &testLogger{}, cfg, jobs.WithWorkerClock(h.clock))
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	return worker
}

// drain runs iterations until the queue stays empty after skipping every pending delay.
func drain(t *testing.T, h *harness, worker *jobs.Worker) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		processed, err := worker.ProcessNext(ctx)
		if err != nil {
			t.Fatalf("ProcessNext() error = %v", err)
		}
		if processed {
			continue
		}
		metrics, err := h.queue.GetQueueMetrics(ctx)
		if err != nil {
			t.Fatalf("GetQueueMetrics() error = %v", err)
		}
		if metrics.Length == 0 {
			return
		}
		h.clock.Advance(time.Minute)
	}
	t.Fatal("queue did not drain")
}

func TestWorker_AlwaysFailingJobMovesToDLQAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := sampleJob("A")
	job.MaxAttempts = 3
	if _, err := h.queue.Enqueue(ctx, job, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var attempts []int
	worker := newTestWorker(t, h, func(_ context.Context, job *jobs.QueuedJob) error {
		attempts = append(attempts, job.Job.Attempt)
		return errors.New("step failed")
	}, jobs.WorkerConfig{})
	drain(t, h, worker)

	stats := worker.Stats()
	if stats.Processed != 3 || stats.Failed != 3 || stats.Retried != 2 || stats.MovedToDLQ != 1 || stats.Succeeded != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[1] != 2 || attempts[2] != 3 {
		t.Fatalf("unexpected attempt sequence %v", attempts)
	}

	entries, _ := h.dlq.ListDeadLetterJobs(ctx, 0)
	if len(entries) != 1 {
		t.Fatalf("expected one dead-letter job, got %d", len(entries))
	}
	dead := entries[0].Job
	if dead.ErrorMessage != "step failed" || dead.Attempt != 3 || dead.LastError != "step failed" {
		t.Fatalf("unexpected dead-letter payload %+v", dead)
	}
}

func TestWorker_FailTwiceThenSucceed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := sampleJob("A")
	job.MaxAttempts = 3
	_, _ = h.queue.Enqueue(ctx, job, 0)

	var lastErrors []string
	worker := newTestWorker(t, h, func(_ context.Context, job *jobs.QueuedJob) error {
		lastErrors = append(lastErrors, job.Job.LastError)
		if job.Job.Attempt < 3 {
			return errors.New("transient")
		}
		return nil
	}, jobs.WorkerConfig{})
	drain(t, h, worker)

	stats := worker.Stats()
	if stats.Succeeded != 1 || stats.Retried != 2 || stats.MovedToDLQ != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if lastErrors[0] != "" || lastErrors[1] != "transient" || lastErrors[2] != "transient" {
		t.Fatalf("last_error not carried across retries: %v", lastErrors)
	}
	if archived := h.store.Archived(jobs.DefaultQueueName); len(archived) != 2 {
		t.Fatalf("each failed attempt must be archived, got %d", len(archived))
	}
}

func TestWorker_RetryUsesBackoffDelay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, _ = h.queue.Enqueue(ctx, sampleJob("A"), 0)

	worker := newTestWorker(t, h, func(context.Context, *jobs.QueuedJob) error {
		return errors.New("transient")
	}, jobs.WorkerConfig{})

	if processed, err := worker.ProcessNext(ctx); !processed || err != nil {
		t.Fatalf("ProcessNext() = %v, %v", processed, err)
	}
	if processed, _ := worker.ProcessNext(ctx); processed {
		t.Fatal("retry must be delayed by the backoff")
	}
	h.clock.Advance(2 * time.Second)
	if processed, _ := worker.ProcessNext(ctx); !processed {
		t.Fatal("retry must be visible once the first backoff window elapsed")
	}
}

func TestWorker_PanicIsTreatedAsFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := sampleJob("A")
	job.MaxAttempts = 1
	_, _ = h.queue.Enqueue(ctx, job, 0)

	worker := newTestWorker(t, h, func(context.Context, *jobs.QueuedJob) error {
		panic("nil map write")
	}, jobs.WorkerConfig{})
	if _, err := worker.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext() error = %v", err)
	}

	entries, _ := h.dlq.ListDeadLetterJobs(ctx, 0)
	if len(entries) != 1 {
		t.Fatalf("expected dead-lettered job, got %d", len(entries))
	}
	dead := entries[0].Job
	if !strings.Contains(dead.ErrorMessage, "nil map write") || !strings.Contains(dead.ErrorStack, "goroutine") {
		t.Fatalf("panic context lost: message=%q stack=%q", dead.ErrorMessage, dead.ErrorStack)
	}
}

func TestWorker_HandlerTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := sampleJob("A")
	job.MaxAttempts = 1
	_, _ = h.queue.Enqueue(ctx, job, 0)

	worker := newTestWorker(t, h, func(ctx context.Context, _ *jobs.QueuedJob) error {
		<-ctx.Done()
		return ctx.Err()
	}, jobs.WorkerConfig{HandlerTimeout: 20 * time.Millisecond})
	if _, err := worker.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext() error = %v", err)
	}
	if stats := worker.Stats(); stats.Failed != 1 || stats.MovedToDLQ != 1 {
		t.Fatalf("timeout must count as a handler failure: %+v", stats)
	}
}

func TestWorker_RequeueFailureFallsBackToDLQ(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, _ = h.queue.Enqueue(ctx, sampleJob("A"), 0)

	worker := newTestWorker(t, h, func(context.Context, *jobs.QueuedJob) error {
		return errors.New("original failure")
	}, jobs.WorkerConfig{})

	h.store.failOn("send", jobs.DefaultQueueName, errStoreDown)
	if _, err := worker.ProcessNext(ctx); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected requeue error to surface, got %v", err)
	}

	stats := worker.Stats()
	if stats.Retried != 0 || stats.MovedToDLQ != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	entries, _ := h.dlq.ListDeadLetterJobs(ctx, 0)
	if len(entries) != 1 || entries[0].Job.ErrorMessage != "original failure" {
		t.Fatalf("DLQ fallback must keep the original error, got %+v", entries)
	}
}

func TestWorker_DLQFailureAcknowledgesToKeepLoopLive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := sampleJob("A")
	job.MaxAttempts = 1
	_, _ = h.queue.Enqueue(ctx, job, 0)

	worker := newTestWorker(t, h, func(context.Context, *jobs.QueuedJob) error {
		return errors.New("poison")
	}, jobs.WorkerConfig{})

	h.store.failOn("send", jobs.DefaultDLQName, errStoreDown)
	if _, err := worker.ProcessNext(ctx); !errors.Is(err, jobs.ErrStore) {
		t.Fatalf("expected DLQ store error, got %v", err)
	}
	if stats := worker.Stats(); stats.MovedToDLQ != 0 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	h.clock.Advance(time.Hour)
	metrics, _ := h.queue.GetQueueMetrics(ctx)
	if metrics.Length != 0 {
		t.Fatalf("poison message must be acknowledged, length=%d", metrics.Length)
	}
}

func TestWorker_EmptyQueue(t *testing.T) {
	h := newHarness(t)
	worker := newTestWorker(t, h, func(context.Context, *jobs.QueuedJob) error { return nil }, jobs.WorkerConfig{})
	processed, err := worker.ProcessNext(context.Background())
	if processed || err != nil {
		t.Fatalf("ProcessNext() on empty queue = %v, %v", processed, err)
	}
	if stats := worker.Stats(); stats.Processed != 0 {
		t.Fatalf("empty poll must not count as processed: %+v", stats)
	}
}

func TestWorker_StartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, _ = h.queue.Enqueue(ctx, sampleJob("A"), 0)

	var handled atomic.Int64
	worker := newTestWorker(t, h, func(context.Context, *jobs.QueuedJob) error {
		handled.Add(1)
		return nil
	}, jobs.WorkerConfig{})

	if err := worker.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := worker.Start(ctx); err != nil {
		t.Fatalf("second Start() must be a no-op, got %v", err)
	}
	if !worker.Running() {
		t.Fatal("worker must report running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for handled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if handled.Load() != 1 {
		t.Fatalf("expected job to be handled, got %d", handled.Load())
	}

	if err := worker.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if worker.Running() {
		t.Fatal("worker must report stopped")
	}
	if err := worker.Stop(ctx); err != nil {
		t.Fatalf("second Stop() must be a no-op, got %v", err)
	}
}

func TestWorker_StopTimesOutOnHungHandler(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, _ = h.queue.Enqueue(ctx, sampleJob("A"), 0)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	worker := newTestWorker(t, h, func(context.Context, *jobs.QueuedJob) error {
		close(started)
		<-release
		return nil
	}, jobs.WorkerConfig{StopTimeout: time.Second})

	if err := worker.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := worker.Stop(stopCtx); !errors.Is(err, jobs.ErrShutdownTimeout) {
		t.Fatalf("expected ErrShutdownTimeout, got %v", err)
	}
}

func TestWorker_RestartRefusedWhileAbandonedLoopDrains(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, _ = h.queue.Enqueue(ctx, sampleJob("A"), 0)
	_, _ = h.queue.Enqueue(ctx, sampleJob("B"), 0)

	var active, peak atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	worker := newTestWorker(t, h, func(context.Context, *jobs.QueuedJob) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		active.Add(-1)
		return nil
	}, jobs.WorkerConfig{StopTimeout: time.Second})

	if err := worker.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := worker.Stop(stopCtx); !errors.Is(err, jobs.ErrShutdownTimeout) {
		t.Fatalf("expected ErrShutdownTimeout, got %v", err)
	}

	if err := worker.Start(ctx); !errors.Is(err, jobs.ErrShutdownTimeout) {
		t.Fatalf("Start() while draining: expected ErrShutdownTimeout, got %v", err)
	}
	if worker.Running() {
		t.Fatal("worker must not report running while the abandoned loop drains")
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := worker.Start(ctx)
		if err == nil {
			break
		}
		if !errors.Is(err, jobs.ErrShutdownTimeout) || time.Now().After(deadline) {
			t.Fatalf("Start() after drain error = %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	<-started
	if err := worker.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrent handler calls = %d, want 1", got)
	}
}

func TestWorker_RunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	worker := newTestWorker(t, h, func(context.Context, *jobs.QueuedJob) error { return nil }, jobs.WorkerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestNewWorker_RequiresCollaborators(t *testing.T) {
	h := newHarness(t)
	handler := func(context.Context, *jobs.QueuedJob) error { return nil }
	if _, err := jobs.NewWorker(nil, h.dlq, nil, handler, &testLogger{}, jobs.WorkerConfig{}); err == nil {
		t.Fatal("expected error without queue")
	}
	if _, err := jobs.NewWorker(h.queue, nil, nil, handler, &testLogger{}, jobs.WorkerConfig{}); err == nil {
		t.Fatal("expected error without dlq")
	}
	if _, err := jobs.NewWorker(h.queue, h.dlq, nil, nil, &testLogger{}, jobs.WorkerConfig{}); err == nil {
		t.Fatal("expected error without handler")
	}
	if _, err := jobs.NewWorker(h.queue, h.dlq, nil, handler, nil, jobs.WorkerConfig{}); err == nil {
		t.Fatal("expected error without logger")
	}
}
