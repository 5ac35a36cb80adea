package jobs

import (
	"context"
	"errors"
	"strings"

	"github.com/nimburion/runqueue/pkg/observability/logger"
	"golang.org/x/time/rate"
)

const (
	// DefaultDLQListLimit is used when ListDeadLetterJobs is called with a non-positive limit.
	DefaultDLQListLimit = 100
	// DefaultDLQScanLimit bounds the read used by lookups and grouping.
	DefaultDLQScanLimit = 1000
)

// DLQConfig configures a DLQService.
type DLQConfig struct {
	Name      string
	MainQueue string
	ScanLimit int
	// ReplayRate caps batch replays in jobs per second. Zero disables throttling.
	ReplayRate float64
}

func (c *DLQConfig) normalize() {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = DefaultDLQName
	}
	c.MainQueue = strings.TrimSpace(c.MainQueue)
	if c.MainQueue == "" {
		c.MainQueue = DefaultQueueName
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = DefaultDLQScanLimit
	}
	if c.ReplayRate < 0 {
		c.ReplayRate = 0
	}
}

// ReplayFailure names one id that could not be replayed.
type ReplayFailure struct {
	MsgID string `json:"msg_id"`
	Error string `json:"error"`
}

// ReplayResult summarizes a batch replay.
type ReplayResult struct {
	Success int             `json:"success"`
	Failed  int             `json:"failed"`
	Errors  []ReplayFailure `json:"errors,omitempty"`
}

// DLQService manages the dead-letter queue: move-in, inspection, replay and purge.
type DLQService struct {
	store    MessageStore
	log      logger.Logger
	clock    Clock
	tracking trackingWriter
	limiter  *rate.Limiter
	config   DLQConfig
}

// NewDLQService creates a dead-letter facade over store.
func NewDLQService(store MessageStore, log logger.Logger, cfg DLQConfig, opts ...ServiceOption) (*DLQService, error) {
	if store == nil {
		return nil, errors.New("message store is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if cfg.Name == cfg.MainQueue {
		return nil, jobsError(ErrValidation, "dead-letter queue must differ from the main queue")
	}

	options := defaultServiceOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var limiter *rate.Limiter
	if cfg.ReplayRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ReplayRate), 1)
	}

	log = log.With("queue", cfg.Name)
	return &DLQService{
		store:    store,
		log:      log,
		clock:    options.clock,
		tracking: trackingWriter{tracker: options.tracker, log: log, timeout: options.trackingTimeout},
		limiter:  limiter,
		config:   cfg,
	}, nil
}

// Name returns the dead-letter queue name.
func (s *DLQService) Name() string {
	return s.config.Name
}

// MoveToDeadLetter sends job with its failure context to the DLQ and archives the
// original from the main queue. Only the DLQ send can fail the call.
func (s *DLQService) MoveToDeadLetter(ctx context.Context, job *QueuedJob, errorMessage, errorStack string) (string, error) {
	if s == nil {
		return "", jobsError(ErrNotInitialized, "dlq service is nil")
	}
	if job == nil {
		return "", jobsError(ErrValidation, "job is required")
	}

	now := s.clock.Now()
	original := job.Job
	original.Metadata = cloneMetadata(original.Metadata)
	dead := DeadLetterJob{
		Job:                original,
		OriginalMsgID:      job.MsgID,
		MovedToDLQAt:       now,
		ErrorMessage:       errorMessage,
		ErrorStack:         errorStack,
		OriginalEnqueuedAt: original.EnqueuedAt,
		ReadCount:          job.ReadCount,
	}
	payload, err := encodeJob(dead)
	if err != nil {
		return "", err
	}

	dlqMsgID, err := s.store.Send(ctx, s.config.Name, payload, 0)
	if err != nil {
		return "", storeError("send", s.config.Name, err)
	}

	if job.MsgID != "" {
		if _, err := s.store.Archive(ctx, s.config.MainQueue, job.MsgID); err != nil {
			s.log.Warn("archive of dead-lettered job failed", "msg_id", job.MsgID, "error", storeError("archive", s.config.MainQueue, err))
		}
		s.tracking.update(ctx, job.MsgID, TrackingUpdate{MovedToDLQAt: timePtr(now)})
	}

	s.log.Warn("job moved to dead-letter queue",
		"msg_id", job.MsgID,
		"dlq_msg_id", dlqMsgID,
		"run_id", original.RunID,
		"attempt", original.Attempt,
		"max_attempts", original.MaxAttempts,
		"error", errorMessage,
	)
	return dlqMsgID, nil
}

// ListDeadLetterJobs returns up to limit dead-letter entries without hiding them.
func (s *DLQService) ListDeadLetterJobs(ctx context.Context, limit int) ([]*DLQEntry, error) {
	if s == nil {
		return nil, jobsError(ErrNotInitialized, "dlq service is nil")
	}
	if limit <= 0 {
		limit = DefaultDLQListLimit
	}
	return s.scan(ctx, limit)
}

// GetDeadLetterJob looks msgID up in a bounded scan. It returns nil, nil when absent.
func (s *DLQService) GetDeadLetterJob(ctx context.Context, msgID string) (*DLQEntry, error) {
	if s == nil {
		return nil, jobsError(ErrNotInitialized, "dlq service is nil")
	}
	msgID = strings.TrimSpace(msgID)
	if msgID == "" {
		return nil, nil
	}
	entries, err := s.scan(ctx, s.config.ScanLimit)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.MsgID == msgID {
			return entry, nil
		}
	}
	return nil, nil
}

// ReplayDeadLetterJob re-enqueues a dead-letter job into targetQueue (the main queue when
// empty) as a fresh attempt, then deletes it from the DLQ. Send and delete are not atomic:
// a failed delete leaves the job in both queues.
func (s *DLQService) ReplayDeadLetterJob(ctx context.Context, msgID, targetQueue string) (string, error) {
	if s == nil {
		return "", jobsError(ErrNotInitialized, "dlq service is nil")
	}
	entry, err := s.GetDeadLetterJob(ctx, msgID)
	if err != nil {
		return "", err
	}
	if entry == nil || entry.Job == nil {
		return "", jobsError(ErrNotFound, "dead-letter job "+msgID+" not found")
	}

	targetQueue = strings.TrimSpace(targetQueue)
	if targetQueue == "" {
		targetQueue = s.config.MainQueue
	}

	now := s.clock.Now()
	job := entry.Job.Job
	job.Attempt = 1
	job.EnqueuedAt = now
	job.ReplayedAt = timePtr(now)
	job.ReplayedFromDLQ = true
	job.Metadata = cloneMetadata(job.Metadata)
	if err := job.Validate(); err != nil {
		return "", err
	}

	payload, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	newMsgID, err := s.store.Send(ctx, targetQueue, payload, 0)
	if err != nil {
		return "", storeError("send", targetQueue, err)
	}
	recordJobEnqueued(targetQueue)
	s.tracking.insert(ctx, TrackingRecord{
		MsgID:       newMsgID,
		RunID:       job.RunID,
		QueueName:   targetQueue,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		CreatedAt:   now,
	})

	if _, err := s.store.Delete(ctx, s.config.Name, entry.MsgID); err != nil {
		s.log.Error("replayed job remains in dead-letter queue",
			"msg_id", entry.MsgID,
			"new_msg_id", newMsgID,
			"error", storeError("delete", s.config.Name, err),
		)
	}

	s.log.Info("dead-letter job replayed", "msg_id", entry.MsgID, "new_msg_id", newMsgID, "run_id", job.RunID, "target_queue", targetQueue)
	return newMsgID, nil
}

// ReplayMultipleJobs replays ids sequentially; one failure does not abort the batch.
func (s *DLQService) ReplayMultipleJobs(ctx context.Context, msgIDs []string, targetQueue string) (*ReplayResult, error) {
	if s == nil {
		return nil, jobsError(ErrNotInitialized, "dlq service is nil")
	}
	result := &ReplayResult{}
	for _, msgID := range msgIDs {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return result, err
			}
		}
		if _, err := s.ReplayDeadLetterJob(ctx, msgID, targetQueue); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ReplayFailure{MsgID: msgID, Error: err.Error()})
			continue
		}
		result.Success++
	}
	return result, nil
}

// DeleteDeadLetterJob permanently removes one dead-letter message.
func (s *DLQService) DeleteDeadLetterJob(ctx context.Context, msgID string) (bool, error) {
	if s == nil {
		return false, jobsError(ErrNotInitialized, "dlq service is nil")
	}
	deleted, err := s.store.Delete(ctx, s.config.Name, msgID)
	if err != nil {
		return false, storeError("delete", s.config.Name, err)
	}
	return deleted, nil
}

// GetDLQMetrics returns a point-in-time snapshot of the dead-letter queue.
func (s *DLQService) GetDLQMetrics(ctx context.Context) (*QueueMetrics, error) {
	if s == nil {
		return nil, jobsError(ErrNotInitialized, "dlq service is nil")
	}
	return queueMetrics(ctx, s.store, s.config.Name)
}

// PurgeDLQ removes every dead-letter message.
func (s *DLQService) PurgeDLQ(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, jobsError(ErrNotInitialized, "dlq service is nil")
	}
	count, err := s.store.Purge(ctx, s.config.Name)
	if err != nil {
		return 0, storeError("purge", s.config.Name, err)
	}
	s.log.Info("dead-letter queue purged", "count", count)
	return count, nil
}

// GetJobsByErrorType groups the dead-letter listing by error message.
func (s *DLQService) GetJobsByErrorType(ctx context.Context) (map[string][]*DLQEntry, error) {
	if s == nil {
		return nil, jobsError(ErrNotInitialized, "dlq service is nil")
	}
	entries, err := s.scan(ctx, s.config.ScanLimit)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]*DLQEntry)
	for _, entry := range entries {
		key := entry.Job.ErrorMessage
		groups[key] = append(groups[key], entry)
	}
	return groups, nil
}

// scan reads up to limit messages with a zero visibility timeout so they stay visible.
func (s *DLQService) scan(ctx context.Context, limit int) ([]*DLQEntry, error) {
	messages, err := s.store.Read(ctx, s.config.Name, 0, limit)
	if err != nil {
		return nil, storeError("read", s.config.Name, err)
	}
	entries := make([]*DLQEntry, 0, len(messages))
	for _, msg := range messages {
		entry, err := decodeDLQEntry(msg)
		if err != nil {
			s.log.Warn("skipping undecodable dead-letter message", "msg_id", msg.ID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
