package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/store/memory"
)

type testLogger struct{}

func (l *testLogger) Debug(string, ...any) {}
func (l *testLogger) Info(string, ...any)  {}
func (l *testLogger) Warn(string, ...any)  {}
func (l *testLogger) Error(string, ...any) {}
func (l *testLogger) With(...any) logger.Logger {
	return l
}
func (l *testLogger) WithContext(context.Context) logger.Logger {
	return l
}

var errStoreDown = errors.New("store unavailable")

// faultyStore wraps the memory store and fails selected operations on selected queues.
type faultyStore struct {
	*memory.Store

	mu       sync.Mutex
	failures map[string]error
	calls    map[string]int
}

func newFaultyStore(clock jobs.Clock) *faultyStore {
	return &faultyStore{
		Store:    memory.New(memory.WithClock(clock)),
		failures: map[string]error{},
		calls:    map[string]int{},
	}
}

func (s *faultyStore) failOn(op, queue string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op+":"+queue] = err
}

func (s *faultyStore) heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = map[string]error{}
}

func (s *faultyStore) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *faultyStore) check(op, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.failures[op+":"+queue]
}

func (s *faultyStore) Send(ctx context.Context, queue string, payload []byte, delay time.Duration) (string, error) {
	if err := s.check("send", queue); err != nil {
		return "", err
	}
	return s.Store.Send(ctx, queue, payload, delay)
}

func (s *faultyStore) Read(ctx context.Context, queue string, vt time.Duration, qty int) ([]*jobs.Message, error) {
	if err := s.check("read", queue); err != nil {
		return nil, err
	}
	return s.Store.Read(ctx, queue, vt, qty)
}

func (s *faultyStore) Delete(ctx context.Context, queue, msgID string) (bool, error) {
	if err := s.check("delete", queue); err != nil {
		return false, err
	}
	return s.Store.Delete(ctx, queue, msgID)
}

func (s *faultyStore) Archive(ctx context.Context, queue, msgID string) (bool, error) {
	if err := s.check("archive", queue); err != nil {
		return false, err
	}
	return s.Store.Archive(ctx, queue, msgID)
}

func (s *faultyStore) Purge(ctx context.Context, queue string) (int64, error) {
	if err := s.check("purge", queue); err != nil {
		return 0, err
	}
	return s.Store.Purge(ctx, queue)
}

func (s *faultyStore) Metrics(ctx context.Context, queue string) (*jobs.StoreMetrics, error) {
	if err := s.check("metrics", queue); err != nil {
		return nil, err
	}
	return s.Store.Metrics(ctx, queue)
}

type recordingTracker struct {
	mu      sync.Mutex
	err     error
	inserts []jobs.TrackingRecord
	updates map[string][]jobs.TrackingUpdate
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{updates: map[string][]jobs.TrackingUpdate{}}
}

func (t *recordingTracker) Insert(_ context.Context, record jobs.TrackingRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.inserts = append(t.inserts, record)
	return nil
}

func (t *recordingTracker) Update(_ context.Context, msgID string, update jobs.TrackingUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.updates[msgID] = append(t.updates[msgID], update)
	return nil
}

type harness struct {
	clock   *jobs.ManualClock
	store   *faultyStore
	tracker *recordingTracker
	queue   *jobs.QueueService
	dlq     *jobs.DLQService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := jobs.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newFaultyStore(clock)
	tracker := newRecordingTracker()
	log := &testLogger{}

	queue, err := jobs.NewQueueService(store, log, jobs.QueueConfig{}, jobs.WithClock(clock), jobs.WithTracker(tracker))
	if err != nil {
		t.Fatalf("NewQueueService() error = %v", err)
	}
	dlq, err := jobs.NewDLQService(store, log, jobs.DLQConfig{}, jobs.WithClock(clock), jobs.WithTracker(tracker))
	if err != nil {
		t.Fatalf("NewDLQService() error = %v", err)
	}
	return &harness{clock: clock, store: store, tracker: tracker, queue: queue, dlq: dlq}
}

func sampleJob(runID string) jobs.Job {
	return jobs.Job{RunID: runID, WorkflowID: "W", ProjectID: "P"}
}
