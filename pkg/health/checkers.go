package health

import (
	"context"
	"time"
)

// DefaultCheckTimeout bounds adapter checks created with a zero timeout.
const DefaultCheckTimeout = 5 * time.Second

// Checkable is any backend with a liveness probe: message stores and trackers.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc computes one check: its status, a human message, optional metadata, and an
// error that forces StatusUnhealthy.
type CheckFunc func(ctx context.Context) (Status, string, map[string]any, error)

// run executes fn under timeout (when positive) and stamps the result.
func run(ctx context.Context, name string, timeout time.Duration, fn CheckFunc) CheckResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	status, message, metadata, err := fn(ctx)
	result := CheckResult{
		Name:      name,
		Status:    status,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	}
	return result
}

// AdapterChecker is healthy when the adapter's HealthCheck returns nil within the timeout.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker wraps adapter. A non-positive timeout uses DefaultCheckTimeout.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

func (c *AdapterChecker) Name() string { return c.name }

func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	return run(ctx, c.name, c.timeout, func(ctx context.Context) (Status, string, map[string]any, error) {
		if err := c.adapter.HealthCheck(ctx); err != nil {
			return StatusUnhealthy, "", nil, err
		}
		return StatusHealthy, "OK", nil, nil
	})
}

// CustomChecker runs an arbitrary CheckFunc without its own timeout.
type CustomChecker struct {
	name string
	fn   CheckFunc
}

// NewCustomChecker names fn as a checker.
func NewCustomChecker(name string, fn CheckFunc) *CustomChecker {
	return &CustomChecker{name: name, fn: fn}
}

func (c *CustomChecker) Name() string { return c.name }

func (c *CustomChecker) Check(ctx context.Context) CheckResult {
	return run(ctx, c.name, 0, c.fn)
}
