package jobs

import (
	"context"
	"time"
)

// Message is one raw message held by a MessageStore.
type Message struct {
	ID         string
	ReadCount  int
	EnqueuedAt time.Time
	VisibleAt  time.Time
	Payload    []byte
}

// StoreMetrics is the store-level snapshot of a queue. Ages are zero when the queue is empty.
type StoreMetrics struct {
	Length        int64
	OldestAge     time.Duration
	NewestAge     time.Duration
	TotalMessages int64
}

// MessageStore is the durable queue backend: at-least-once delivery, per-message
// visibility timeouts and atomic single-message operations on named queues.
type MessageStore interface {
	// Send stores payload on queue; it becomes visible once delay has elapsed.
	Send(ctx context.Context, queue string, payload []byte, delay time.Duration) (string, error)
	// Read returns at most quantity visible messages and hides them for visibilityTimeout.
	Read(ctx context.Context, queue string, visibilityTimeout time.Duration, quantity int) ([]*Message, error)
	// Delete permanently removes a message; false when it was already absent.
	Delete(ctx context.Context, queue, msgID string) (bool, error)
	// Archive moves a message out of the live queue into the queue archive.
	Archive(ctx context.Context, queue, msgID string) (bool, error)
	// Purge clears every live message and returns how many were removed.
	Purge(ctx context.Context, queue string) (int64, error)
	// Metrics returns a point-in-time snapshot of queue.
	Metrics(ctx context.Context, queue string) (*StoreMetrics, error)
}

// Adapter is the lifecycle contract every store and tracker adapter satisfies.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}
