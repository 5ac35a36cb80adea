package redis

import (
	"context"
	"testing"
	"time"

	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/testutil"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestStore_Integration(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx := context.Background()
	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	clock := jobs.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := New(Config{URL: connStr, Prefix: "it"}, logger.NewNop(), WithClock(clock))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	const queue = "it_jobs"

	t.Run("VisibilityTimeout", func(t *testing.T) {
		id, err := store.Send(ctx, queue, []byte(`{"run_id":"r1"}`), 0)
		if err != nil {
			t.Fatalf("send: %v", err)
		}

		first, err := store.Read(ctx, queue, 30*time.Second, 5)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(first) != 1 || first[0].ID != id || first[0].ReadCount != 1 || string(first[0].Payload) != `{"run_id":"r1"}` {
			t.Fatalf("unexpected first read %+v", first)
		}

		hidden, err := store.Read(ctx, queue, 30*time.Second, 5)
		if err != nil || len(hidden) != 0 {
			t.Fatalf("expected hidden message, got %d (%v)", len(hidden), err)
		}

		clock.Advance(31 * time.Second)
		again, err := store.Read(ctx, queue, 30*time.Second, 5)
		if err != nil || len(again) != 1 || again[0].ReadCount != 2 {
			t.Fatalf("expected redelivery with read count 2, got %+v (%v)", again, err)
		}

		deleted, err := store.Delete(ctx, queue, id)
		if err != nil || !deleted {
			t.Fatalf("Delete() = %v, %v", deleted, err)
		}
		deleted, err = store.Delete(ctx, queue, id)
		if err != nil || deleted {
			t.Fatalf("second Delete() = %v, %v", deleted, err)
		}
	})

	t.Run("DelayArchivePurgeMetrics", func(t *testing.T) {
		delayed, err := store.Send(ctx, queue, []byte(`{"run_id":"r2"}`), time.Minute)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if msgs, _ := store.Read(ctx, queue, time.Second, 1); len(msgs) != 0 {
			t.Fatal("delayed message must not be visible yet")
		}

		clock.Advance(2 * time.Minute)
		metrics, err := store.Metrics(ctx, queue)
		if err != nil {
			t.Fatalf("metrics: %v", err)
		}
		if metrics.Length != 1 || metrics.TotalMessages != 2 || metrics.OldestAge != 2*time.Minute {
			t.Fatalf("unexpected metrics %+v", metrics)
		}

		archived, err := store.Archive(ctx, queue, delayed)
		if err != nil || !archived {
			t.Fatalf("Archive() = %v, %v", archived, err)
		}

		for i := 0; i < 3; i++ {
			if _, err := store.Send(ctx, queue, []byte(`{}`), 0); err != nil {
				t.Fatalf("send: %v", err)
			}
		}
		count, err := store.Purge(ctx, queue)
		if err != nil || count != 3 {
			t.Fatalf("Purge() = %d, %v", count, err)
		}
	})

	t.Run("HealthCheck", func(t *testing.T) {
		if err := store.HealthCheck(ctx); err != nil {
			t.Fatalf("health check: %v", err)
		}
	})
}
