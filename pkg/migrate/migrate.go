// Package migrate applies the embedded schema migrations: the pgmq extension and queues,
// and the job tracking table on Postgres or MySQL.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nimburion/runqueue/pkg/observability/logger"
)

const (
	defaultDirection = "up"
	defaultSteps     = 1
	defaultTimeout   = 60 * time.Second
)

// PendingMigration is an unapplied migration listed by status.
type PendingMigration struct {
	Version int64
	Name    string
}

// Status reports applied versions in ascending order and what is still pending.
type Status struct {
	AppliedVersions []int64
	Pending         []PendingMigration
}

// Operations are the migration actions a Run dispatches to. *Manager provides all three.
type Operations interface {
	Up(ctx context.Context) (int, error)
	Down(ctx context.Context, steps int) (int, error)
	Status(ctx context.Context) (*Status, error)
}

// Options configures a Run.
type Options struct {
	Set     string
	Timeout time.Duration
	Logger  logger.Logger
}

// Run parses [up|down|status] [steps] and executes it.
func Run(ctx context.Context, args []string, opts Options, ops Operations) (*Status, error) {
	direction, steps, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}
	return RunParsed(ctx, direction, steps, opts, ops)
}

// RunParsed executes one direction under the configured timeout. The status is returned
// for the status direction only.
func RunParsed(ctx context.Context, direction string, steps int, opts Options, ops Operations) (*Status, error) {
	if opts.Logger == nil {
		return nil, errors.New("migration logger is required")
	}
	if ops == nil {
		return nil, errors.New("migration operations are required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch direction {
	case "up":
		applied, err := ops.Up(ctx)
		if err != nil {
			return nil, err
		}
		opts.Logger.Info("migrations applied", "count", applied, "set", opts.Set)
		return nil, nil
	case "down":
		if steps <= 0 {
			return nil, errors.New("steps must be greater than zero")
		}
		reverted, err := ops.Down(ctx, steps)
		if err != nil {
			return nil, err
		}
		opts.Logger.Info("migrations reverted", "count", reverted, "steps", steps, "set", opts.Set)
		return nil, nil
	case "status":
		status, err := ops.Status(ctx)
		if err != nil {
			return nil, err
		}
		opts.Logger.Info("migration status", "applied", len(status.AppliedVersions), "pending", len(status.Pending), "set", opts.Set)
		return status, nil
	default:
		return nil, fmt.Errorf("unknown migrate direction %q (want up, down or status)", direction)
	}
}

// ParseArgs parses [up|down|status] [steps], defaulting to "up" and one step.
func ParseArgs(args []string) (string, int, error) {
	direction := defaultDirection
	if len(args) > 0 {
		direction = args[0]
	}
	steps := defaultSteps
	if len(args) > 1 {
		parsed, err := strconv.Atoi(args[1])
		if err != nil {
			return "", 0, fmt.Errorf("invalid down steps %q", args[1])
		}
		steps = parsed
	}
	return direction, steps, nil
}
