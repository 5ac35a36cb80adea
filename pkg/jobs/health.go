package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/runqueue/pkg/health"
)

const (
	defaultStoreHealthCheckName = "message-store"
	defaultDLQHealthCheckName   = "dead-letter-queue"
)

// NewStoreHealthChecker reports the message store adapter health.
func NewStoreHealthChecker(name string, adapter Adapter, timeout time.Duration) health.Checker {
	return health.NewAdapterChecker(normalizeHealthCheckName(name, defaultStoreHealthCheckName), adapter, timeout)
}

// NewDLQDepthChecker reports degraded once the dead-letter queue holds more than threshold
// messages. A non-positive threshold only reports the depth.
func NewDLQDepthChecker(name string, dlq *DLQService, threshold int64) health.Checker {
	return health.NewCustomChecker(
		normalizeHealthCheckName(name, defaultDLQHealthCheckName),
		func(ctx context.Context) (health.Status, string, map[string]any, error) {
			metrics, err := dlq.GetDLQMetrics(ctx)
			if err != nil {
				return health.StatusUnhealthy, "", nil, err
			}
			metadata := map[string]any{
				"queue":      metrics.Name,
				"length":     metrics.Length,
				"oldest_age": metrics.OldestAge.String(),
			}
			if threshold > 0 && metrics.Length > threshold {
				return health.StatusDegraded, fmt.Sprintf("%d dead-letter jobs exceed threshold %d", metrics.Length, threshold), metadata, nil
			}
			return health.StatusHealthy, fmt.Sprintf("%d dead-letter jobs", metrics.Length), metadata, nil
		},
	)
}

func normalizeHealthCheckName(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
