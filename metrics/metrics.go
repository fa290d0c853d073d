// Package metrics provides admission control and the runtime's
// observability surface: in-flight caps, per-module outcome counters,
// and latency histograms exposed in Prometheus text format.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wasmgate/wasmgate/security"
)

var (
	// ErrOverloaded is returned when an in-flight cap is reached.
	ErrOverloaded = errors.New("too many in-flight invocations")
	// ErrShuttingDown is returned once draining has begun.
	ErrShuttingDown = errors.New("runtime is shutting down")
)

// Outcome labels recorded per finished or rejected invocation.
const (
	OutcomeSuccess           = "success"
	OutcomeFailure           = "failure"
	OutcomeRejectedAdmission = "rejected_admission"
	OutcomeRejectedBreaker   = "rejected_breaker"
	OutcomeTimeout           = "timeout"
	OutcomeFuelExhausted     = "fuel_exhausted"
)

// Config bounds concurrent work.
type Config struct {
	MaxGlobalInflight    int64
	MaxPerModuleInflight int64
}

// DefaultConfig mirrors the runtime defaults.
func DefaultConfig() Config {
	return Config{
		MaxGlobalInflight:    256,
		MaxPerModuleInflight: 16,
	}
}

// Sink owns admission state and all Prometheus collectors. Its
// lifecycle is explicit: constructed at startup, handed to every
// component that records, never reached through a global.
type Sink struct {
	cfg      Config
	draining atomic.Bool

	globalInflight atomic.Int64
	perModule      sync.Map // string -> *atomic.Int64

	registry *prometheus.Registry

	started    *prometheus.CounterVec
	requests   *prometheus.CounterVec
	inflight   prometheus.Gauge
	latency    *prometheus.HistogramVec
	cacheCount prometheus.Gauge
	cacheBytes prometheus.Gauge
	compiles   *prometheus.CounterVec
}

// New creates a Sink with its own Prometheus registry.
func New(cfg Config) *Sink {
	if cfg.MaxGlobalInflight <= 0 {
		cfg.MaxGlobalInflight = DefaultConfig().MaxGlobalInflight
	}
	if cfg.MaxPerModuleInflight <= 0 {
		cfg.MaxPerModuleInflight = DefaultConfig().MaxPerModuleInflight
	}

	s := &Sink{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmgate_requests_started_total",
			Help: "Invocations admitted into the pipeline.",
		}, []string{"module"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmgate_requests_total",
			Help: "Invocations by module and outcome.",
		}, []string{"module", "outcome"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wasmgate_inflight",
			Help: "Invocations currently executing.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wasmgate_request_duration_seconds",
			Help:    "Invocation latency by module.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"module"}),
		cacheCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wasmgate_cache_entries",
			Help: "Compiled artifacts resident in the module cache.",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wasmgate_cache_bytes",
			Help: "Estimated bytes held by the module cache.",
		}),
		compiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmgate_compiles_total",
			Help: "Module compilations by module and result.",
		}, []string{"module", "result"}),
	}
	s.registry.MustRegister(s.started, s.requests, s.inflight, s.latency, s.cacheCount, s.cacheBytes, s.compiles)
	return s
}

// TryAcquire claims one global and one per-module in-flight slot. It
// never waits: when either cap is at its maximum the caller gets
// ErrOverloaded and sheds the request. After SetDraining it returns
// ErrShuttingDown.
func (s *Sink) TryAcquire(name security.Name) error {
	if s.draining.Load() {
		return ErrShuttingDown
	}
	if s.globalInflight.Add(1) > s.cfg.MaxGlobalInflight {
		s.globalInflight.Add(-1)
		return ErrOverloaded
	}
	pm := s.moduleCounter(name)
	if pm.Add(1) > s.cfg.MaxPerModuleInflight {
		pm.Add(-1)
		s.globalInflight.Add(-1)
		return ErrOverloaded
	}
	s.inflight.Inc()
	return nil
}

// Release returns the slots claimed by a successful TryAcquire.
func (s *Sink) Release(name security.Name) {
	s.moduleCounter(name).Add(-1)
	s.globalInflight.Add(-1)
	s.inflight.Dec()
}

func (s *Sink) moduleCounter(name security.Name) *atomic.Int64 {
	key := name.String()
	if v, ok := s.perModule.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := s.perModule.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// SetDraining flips admission into shutdown mode.
func (s *Sink) SetDraining() { s.draining.Store(true) }

// Draining reports whether shutdown has begun.
func (s *Sink) Draining() bool { return s.draining.Load() }

// GlobalInflight returns the current global in-flight count.
func (s *Sink) GlobalInflight() int64 { return s.globalInflight.Load() }

// ModuleInflight returns the in-flight count for one module.
func (s *Sink) ModuleInflight(name security.Name) int64 {
	return s.moduleCounter(name).Load()
}

// RecordStarted counts one invocation entering the pipeline.
func (s *Sink) RecordStarted(name security.Name) {
	s.started.WithLabelValues(name.String()).Inc()
}

// RecordOutcome bumps the per-module counter for one outcome label.
func (s *Sink) RecordOutcome(name security.Name, outcome string) {
	s.requests.WithLabelValues(name.String(), outcome).Inc()
}

// ObserveLatency records one invocation duration.
func (s *Sink) ObserveLatency(name security.Name, d time.Duration) {
	s.latency.WithLabelValues(name.String()).Observe(d.Seconds())
}

// SetCacheStats publishes module cache occupancy.
func (s *Sink) SetCacheStats(entries int, bytes int64) {
	s.cacheCount.Set(float64(entries))
	s.cacheBytes.Set(float64(bytes))
}

// RecordCompile counts one compilation attempt.
func (s *Sink) RecordCompile(name security.Name, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	s.compiles.WithLabelValues(name.String(), result).Inc()
}

// Handler serves the registry in Prometheus text exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
