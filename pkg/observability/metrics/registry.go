// Package metrics exposes the runqueue Prometheus collectors together with the admin HTTP
// and Go runtime metrics on one registry.
package metrics

import (
	"errors"
	"net/http"

	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a private Prometheus registry served on the admin /metrics route.
type Registry struct {
	reg *prometheus.Registry
}

type registryOptions struct {
	runtime bool
	extra   []prometheus.Collector
}

// Option customizes NewRegistry.
type Option func(*registryOptions)

// WithoutRuntimeCollectors leaves out the Go and process collectors.
func WithoutRuntimeCollectors() Option {
	return func(o *registryOptions) { o.runtime = false }
}

// WithCollectors registers additional collectors.
func WithCollectors(cs ...prometheus.Collector) Option {
	return func(o *registryOptions) { o.extra = append(o.extra, cs...) }
}

// NewRegistry registers the jobs and admin collectors, the runtime collectors unless
// disabled, and any extra collectors. It panics when two collectors clash.
func NewRegistry(opts ...Option) *Registry {
	o := registryOptions{runtime: true}
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(jobs.Collectors()...)
	reg.MustRegister(adminCollectors()...)
	if o.runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	reg.MustRegister(o.extra...)
	return &Registry{reg: reg}
}

// Register adds collectors, returning every registration failure.
func (r *Registry) Register(cs ...prometheus.Collector) error {
	var errs []error
	for _, c := range cs {
		if err := r.reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler serves the registry in the Prometheus text or OpenMetrics format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Gatherer exposes the registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
