package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeout_Success(t *testing.T) {
	err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected deadline on function context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWithTimeout_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestWithTimeout_FunctionError(t *testing.T) {
	want := errors.New("handler failed")
	err := WithTimeout(context.Background(), time.Second, func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected function error, got %v", err)
	}
}

func TestWithTimeout_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithTimeout(ctx, time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWithTimeout_RecoversPanic(t *testing.T) {
	err := WithTimeout(context.Background(), time.Second, func(context.Context) error {
		panic("exploded")
	})
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("expected *PanicError, got %T %v", err, err)
	}
	if panicErr.Value != "exploded" {
		t.Fatalf("unexpected panic value %v", panicErr.Value)
	}
	if len(panicErr.Stack) == 0 {
		t.Fatal("expected stack to be captured")
	}
}
