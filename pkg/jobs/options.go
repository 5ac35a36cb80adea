package jobs

import (
	"context"
	"time"

	"github.com/nimburion/runqueue/pkg/observability/logger"
)

// DefaultTrackingTimeout bounds each best-effort tracking write.
const DefaultTrackingTimeout = 2 * time.Second

type serviceOptions struct {
	tracker         Tracker
	clock           Clock
	trackingTimeout time.Duration
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		tracker:         NopTracker{},
		clock:           SystemClock{},
		trackingTimeout: DefaultTrackingTimeout,
	}
}

// ServiceOption customizes QueueService and DLQService.
type ServiceOption func(*serviceOptions)

// WithTracker attaches a tracking store. Nil keeps the no-op tracker.
func WithTracker(tracker Tracker) ServiceOption {
	return func(o *serviceOptions) {
		if tracker != nil {
			o.tracker = tracker
		}
	}
}

// WithClock overrides the wall clock used to stamp timestamps.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithTrackingTimeout bounds every tracking write.
func WithTrackingTimeout(timeout time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if timeout > 0 {
			o.trackingTimeout = timeout
		}
	}
}

// trackingWriter performs fire-and-forget tracking writes: errors are logged and counted,
// never returned.
type trackingWriter struct {
	tracker Tracker
	log     logger.Logger
	timeout time.Duration
}

func (t trackingWriter) insert(ctx context.Context, record TrackingRecord) {
	t.write(ctx, "insert", record.MsgID, func(writeCtx context.Context) error {
		return t.tracker.Insert(writeCtx, record)
	})
}

func (t trackingWriter) update(ctx context.Context, msgID string, update TrackingUpdate) {
	t.write(ctx, "update", msgID, func(writeCtx context.Context) error {
		return t.tracker.Update(writeCtx, msgID, update)
	})
}

func (t trackingWriter) write(ctx context.Context, operation, msgID string, fn func(context.Context) error) {
	if t.tracker == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	if err := fn(writeCtx); err != nil {
		recordTrackingFailure(operation)
		t.log.Warn("job tracking write failed", "operation", operation, "msg_id", msgID, "error", err)
	}
}
