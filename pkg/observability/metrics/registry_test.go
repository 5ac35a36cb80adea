package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/store/memory"
	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, registry *Registry) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRegistry_Handler(t *testing.T) {
	registry := NewRegistry()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	contentType := rec.Header().Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "application/openmetrics-text") {
		t.Errorf("unexpected content type: %s", contentType)
	}
}

func TestRegistry_RuntimeAndAdminMetricsExposed(t *testing.T) {
	body := scrape(t, NewRegistry())

	for _, metric := range []string{
		"runqueue_admin_requests_in_flight",
		"go_goroutines",
		"go_gc_duration_seconds",
		"process_cpu_seconds_total",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %s not found in output", metric)
		}
	}
}

func TestRegistry_JobsCollectorsExposed(t *testing.T) {
	registry := NewRegistry()

	queue, err := jobs.NewQueueService(memory.New(), logger.NewNop(), jobs.QueueConfig{Name: "metrics_test"})
	if err != nil {
		t.Fatalf("new queue service: %v", err)
	}
	if _, err := queue.Enqueue(context.Background(), jobs.Job{RunID: "r", WorkflowID: "w", ProjectID: "p"}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	body := scrape(t, registry)
	if !strings.Contains(body, `runqueue_jobs_enqueued_total{queue="metrics_test"}`) {
		t.Errorf("expected enqueue counter in output:\n%s", body)
	}
}

func TestRegistry_RuntimeCollectorsOptional(t *testing.T) {
	body := scrape(t, NewRegistry(WithoutRuntimeCollectors()))
	if strings.Contains(body, "go_goroutines") {
		t.Fatal("runtime collectors should be disabled")
	}
}

func TestRegistry_ExtraCollectors(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_extra_counter",
		Help: "A test counter passed at construction.",
	})
	counter.Inc()
	if body := scrape(t, NewRegistry(WithCollectors(counter))); !strings.Contains(body, "test_extra_counter 1") {
		t.Fatal("extra collector not exposed")
	}
}

func TestRegistry_RegisterJoinsFailures(t *testing.T) {
	registry := NewRegistry(WithoutRuntimeCollectors())
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_custom_counter",
		Help: "A test custom counter",
	})
	if err := registry.Register(counter); err != nil {
		t.Fatalf("register: %v", err)
	}
	counter.Inc()
	if body := scrape(t, registry); !strings.Contains(body, "test_custom_counter 1") {
		t.Error("custom metric value not found")
	}

	if err := registry.Register(counter, counter); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistry_Gatherer(t *testing.T) {
	families, err := NewRegistry().Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected metric families")
	}
}
