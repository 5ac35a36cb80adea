package tracing

import (
	"context"
	"strings"
	"testing"
)

func TestNewTracerProvider_Disabled(t *testing.T) {
	provider, err := NewTracerProvider(context.Background(), TracerConfig{ServiceName: "runqueue"})
	if err != nil {
		t.Fatalf("NewTracerProvider() error = %v", err)
	}
	if provider.Enabled() {
		t.Fatal("disabled config must report disabled")
	}
	if provider.Tracer("test") == nil {
		t.Fatal("expected a tracer even when disabled")
	}
	if err := provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestNewTracerProvider_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		config TracerConfig
		want   string
	}{
		{name: "missing service name", config: TracerConfig{Enabled: true, Endpoint: "localhost:4317"}, want: "service name is required"},
		{name: "missing endpoint", config: TracerConfig{Enabled: true, ServiceName: "runqueue"}, want: "OTLP endpoint is required"},
		{name: "negative sample rate", config: TracerConfig{Enabled: true, ServiceName: "runqueue", Endpoint: "localhost:4317", SampleRate: -0.1}, want: "sample rate"},
		{name: "sample rate above one", config: TracerConfig{Enabled: true, ServiceName: "runqueue", Endpoint: "localhost:4317", SampleRate: 1.5}, want: "sample rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTracerProvider(context.Background(), tt.config)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("NewTracerProvider() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestTracerProvider_NilSafe(t *testing.T) {
	var provider *TracerProvider
	if provider.Enabled() {
		t.Fatal("nil provider must report disabled")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}
}
