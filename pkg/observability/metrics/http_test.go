package metrics

import (
	"strings"
	"testing"
)

func TestTrackRequest(t *testing.T) {
	registry := NewRegistry(WithoutRuntimeCollectors())

	TrackRequest("GET")("/v1/dlq/:id", 200)
	TrackRequest("POST")("/v1/dlq/:id/replay", 404)
	TrackRequest("GET")("", 404)

	body := scrape(t, registry)
	for _, labels := range []string{
		`method="GET",route="/v1/dlq/:id",status="200"`,
		`method="POST",route="/v1/dlq/:id/replay",status="404"`,
		`method="GET",route="unmatched",status="404"`,
	} {
		if !strings.Contains(body, labels) {
			t.Errorf("expected labels %s in metrics output", labels)
		}
	}
	for _, series := range []string{
		"runqueue_admin_request_duration_seconds_bucket",
		"runqueue_admin_request_duration_seconds_count",
		"runqueue_admin_requests_total",
	} {
		if !strings.Contains(body, series) {
			t.Errorf("expected %s in output", series)
		}
	}
}

func TestTrackRequest_InFlight(t *testing.T) {
	registry := NewRegistry(WithoutRuntimeCollectors())

	first := TrackRequest("GET")
	second := TrackRequest("GET")
	if body := scrape(t, registry); !strings.Contains(body, "runqueue_admin_requests_in_flight 2") {
		t.Error("expected two requests in flight")
	}
	first("/healthz", 200)
	second("/healthz", 200)
	if body := scrape(t, registry); !strings.Contains(body, "runqueue_admin_requests_in_flight 0") {
		t.Error("expected in-flight gauge back to 0")
	}
}
