package migrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/runqueue/pkg/observability/logger"
)

type fakeOps struct {
	up       int
	down     int
	lastStep int
	err      error
}

func (f *fakeOps) Up(context.Context) (int, error) {
	f.up++
	return 1, f.err
}

func (f *fakeOps) Down(_ context.Context, steps int) (int, error) {
	f.down++
	f.lastStep = steps
	return steps, f.err
}

func (f *fakeOps) Status(context.Context) (*Status, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Status{AppliedVersions: []int64{1}, Pending: []PendingMigration{{Version: 2, Name: "create_queues"}}}, nil
}

func opts() Options {
	return Options{Set: SetPGMQ, Timeout: time.Second, Logger: logger.NewNop()}
}

func TestParseArgsDefaultsToUp(t *testing.T) {
	direction, steps, err := ParseArgs(nil)
	if err != nil {
		t.Fatalf("ParseArgs() error = %v", err)
	}
	if direction != "up" || steps != 1 {
		t.Fatalf("ParseArgs() = %q, %d", direction, steps)
	}
}

func TestParseArgsInvalidSteps(t *testing.T) {
	if _, _, err := ParseArgs([]string{"down", "bad"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRunDispatches(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{}

	if _, err := Run(ctx, []string{"up"}, opts(), ops); err != nil || ops.up != 1 {
		t.Fatalf("up: err=%v calls=%d", err, ops.up)
	}
	if _, err := Run(ctx, []string{"down", "2"}, opts(), ops); err != nil || ops.lastStep != 2 {
		t.Fatalf("down: err=%v steps=%d", err, ops.lastStep)
	}
	status, err := Run(ctx, []string{"status"}, opts(), ops)
	if err != nil || len(status.Pending) != 1 {
		t.Fatalf("status = %+v, %v", status, err)
	}
}

func TestRunParsedRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	if _, err := RunParsed(ctx, "sideways", 1, opts(), &fakeOps{}); err == nil {
		t.Fatal("expected unknown direction error")
	}
	if _, err := RunParsed(ctx, "down", 0, opts(), &fakeOps{}); err == nil {
		t.Fatal("expected steps error")
	}
	if _, err := RunParsed(ctx, "up", 1, Options{}, &fakeOps{}); err == nil {
		t.Fatal("expected logger error")
	}
	if _, err := RunParsed(ctx, "up", 1, opts(), nil); err == nil {
		t.Fatal("expected operations error")
	}
}

func TestRunPropagatesOperationError(t *testing.T) {
	boom := errors.New("boom")
	if _, err := RunParsed(context.Background(), "up", 1, opts(), &fakeOps{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
