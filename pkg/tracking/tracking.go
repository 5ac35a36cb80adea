// Package tracking builds the job tracking side table named by configuration and guards
// it with a circuit breaker so a dead tracking store costs the hot path nothing.
package tracking

import (
	"context"
	"errors"

	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/resilience"
)

// Tracker is a jobs.Tracker with the adapter lifecycle attached.
type Tracker interface {
	jobs.Tracker
	jobs.Adapter
}

// Nop is the tracker used when tracking is disabled.
type Nop struct {
	jobs.NopTracker
}

// HealthCheck implements jobs.Adapter.
func (Nop) HealthCheck(context.Context) error { return nil }

// Close implements jobs.Adapter.
func (Nop) Close() error { return nil }

// Guarded runs every write of the wrapped tracker through a circuit breaker.
// While the circuit is open writes are skipped and reported as successful.
type Guarded struct {
	inner   Tracker
	breaker *resilience.CircuitBreaker
	log     logger.Logger
}

var _ Tracker = (*Guarded)(nil)

// NewGuarded wraps inner with breaker.
func NewGuarded(inner Tracker, breaker *resilience.CircuitBreaker, log logger.Logger) *Guarded {
	return &Guarded{inner: inner, breaker: breaker, log: log}
}

// Insert implements jobs.Tracker.
func (g *Guarded) Insert(ctx context.Context, record jobs.TrackingRecord) error {
	return g.execute("insert", record.MsgID, func() error {
		return g.inner.Insert(ctx, record)
	})
}

// Update implements jobs.Tracker.
func (g *Guarded) Update(ctx context.Context, msgID string, update jobs.TrackingUpdate) error {
	return g.execute("update", msgID, func() error {
		return g.inner.Update(ctx, msgID, update)
	})
}

// HealthCheck bypasses the breaker so operators see the real store state.
func (g *Guarded) HealthCheck(ctx context.Context) error {
	return g.inner.HealthCheck(ctx)
}

// Close closes the wrapped tracker.
func (g *Guarded) Close() error {
	return g.inner.Close()
}

// State reports the breaker state.
func (g *Guarded) State() resilience.State {
	return g.breaker.GetState()
}

func (g *Guarded) execute(operation, msgID string, fn func() error) error {
	err := g.breaker.Execute(fn)
	if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		g.log.Debug("tracking circuit open, write skipped", "operation", operation, "msg_id", msgID)
		return nil
	}
	return err
}
