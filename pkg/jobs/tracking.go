package jobs

import (
	"context"
	"time"
)

// TrackingRecord is the observability row created when a job is enqueued.
// It is never read back for control decisions.
type TrackingRecord struct {
	MsgID       string    `json:"msg_id"`
	RunID       string    `json:"run_id"`
	QueueName   string    `json:"queue_name"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

// TrackingUpdate stamps lifecycle timestamps on an existing tracking record.
// Nil fields are left untouched.
type TrackingUpdate struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	MovedToDLQAt *time.Time
}

// Tracker writes tracking records. Implementations may fail freely: callers log and
// swallow every error.
type Tracker interface {
	Insert(ctx context.Context, record TrackingRecord) error
	Update(ctx context.Context, msgID string, update TrackingUpdate) error
}

// NopTracker discards every tracking write.
type NopTracker struct{}

// Insert implements Tracker.
func (NopTracker) Insert(context.Context, TrackingRecord) error { return nil }

// Update implements Tracker.
func (NopTracker) Update(context.Context, string, TrackingUpdate) error { return nil }
