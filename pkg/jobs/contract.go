package jobs

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Queue defaults
const (
	// DefaultQueueName is the main queue holding workflow run steps.
	DefaultQueueName = "workflow_jobs"
	// DefaultDLQName is the dead-letter queue for jobs that exhausted their retry budget.
	DefaultDLQName = "workflow_jobs_dlq"
	// DefaultMaxAttempts is applied to jobs enqueued without an explicit budget.
	DefaultMaxAttempts = 5
	// DefaultVisibilityTimeout hides a dequeued message from other readers.
	DefaultVisibilityTimeout = 30 * time.Second
)

// Job is the unit of work flowing through the queues: one step of one workflow run.
type Job struct {
	RunID       string         `json:"run_id"`
	WorkflowID  string         `json:"workflow_id"`
	ProjectID   string         `json:"project_id"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`

	ReplayedAt      *time.Time `json:"replayed_at,omitempty"`
	ReplayedFromDLQ bool       `json:"replayed_from_dlq,omitempty"`
}

// Validate checks the identifiers every job must carry.
func (j *Job) Validate() error {
	if j == nil {
		return jobsError(ErrValidation, "job is nil")
	}
	if strings.TrimSpace(j.RunID) == "" {
		return jobsError(ErrValidation, "run_id is required")
	}
	if strings.TrimSpace(j.WorkflowID) == "" {
		return jobsError(ErrValidation, "workflow_id is required")
	}
	if strings.TrimSpace(j.ProjectID) == "" {
		return jobsError(ErrValidation, "project_id is required")
	}
	if j.Attempt < 0 {
		return jobsError(ErrValidation, "attempt must be >= 0")
	}
	if j.MaxAttempts < 0 {
		return jobsError(ErrValidation, "max_attempts must be >= 0")
	}
	return nil
}

// QueuedJob is a job read from a queue together with its store envelope.
type QueuedJob struct {
	MsgID      string
	ReadCount  int
	EnqueuedAt time.Time
	VisibleAt  time.Time
	Job        Job
}

// DeadLetterJob is the DLQ payload: the full original job plus the failure context,
// so it can be replayed without any external lookup.
type DeadLetterJob struct {
	Job

	OriginalMsgID      string    `json:"original_msg_id"`
	MovedToDLQAt       time.Time `json:"moved_to_dlq_at"`
	ErrorMessage       string    `json:"error_message"`
	ErrorStack         string    `json:"error_stack,omitempty"`
	OriginalEnqueuedAt time.Time `json:"original_enqueued_at"`
	ReadCount          int       `json:"read_count"`
}

// DLQEntry is a dead-letter message as read back from the DLQ.
type DLQEntry struct {
	MsgID      string
	ReadCount  int
	EnqueuedAt time.Time
	Job        *DeadLetterJob
}

// QueueMetrics is a point-in-time snapshot of one queue.
type QueueMetrics struct {
	Name          string        `json:"name"`
	Length        int64         `json:"length"`
	OldestAge     time.Duration `json:"oldest_age"`
	NewestAge     time.Duration `json:"newest_age"`
	TotalMessages int64         `json:"total_messages"`
}

func encodeJob(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Join(jobsError(ErrValidation, "marshal job payload failed"), err)
	}
	return data, nil
}

func decodeQueuedJob(msg *Message) (*QueuedJob, error) {
	if msg == nil {
		return nil, jobsError(ErrValidation, "message is nil")
	}
	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return nil, errors.Join(jobsError(ErrValidation, "decode job payload failed"), err)
	}
	return &QueuedJob{
		MsgID:      msg.ID,
		ReadCount:  msg.ReadCount,
		EnqueuedAt: msg.EnqueuedAt,
		VisibleAt:  msg.VisibleAt,
		Job:        job,
	}, nil
}

func decodeDLQEntry(msg *Message) (*DLQEntry, error) {
	if msg == nil {
		return nil, jobsError(ErrValidation, "message is nil")
	}
	var job DeadLetterJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return nil, errors.Join(jobsError(ErrValidation, "decode dead-letter payload failed"), err)
	}
	return &DLQEntry{
		MsgID:      msg.ID,
		ReadCount:  msg.ReadCount,
		EnqueuedAt: msg.EnqueuedAt,
		Job:        &job,
	}, nil
}

func cloneMetadata(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}
