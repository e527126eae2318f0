package flow

import (
	"context"
	"time"

	"github.com/graflow/engine/internal/observability/metrics"
	"github.com/graflow/engine/store/cache"
)

// Metrics receives the service's operational counters. It is a
// superset of executor.Observer, so one value serves both.
type Metrics interface {
	FlowCreated()
	RunStarted()
	RunCompleted(status string, d time.Duration)
	StepLatency(d time.Duration)
	CheckpointWritten()
	CacheHit()
	CacheMiss()
}

type noopMetrics struct{}

func (noopMetrics) FlowCreated()                                {}
func (noopMetrics) RunStarted()                                 {}
func (noopMetrics) RunCompleted(status string, d time.Duration) {}
func (noopMetrics) StepLatency(d time.Duration)                 {}
func (noopMetrics) CheckpointWritten()                          {}
func (noopMetrics) CacheHit()                                   {}
func (noopMetrics) CacheMiss()                                  {}

type serviceMetrics struct {
	registry *metrics.Registry
}

// NewServiceMetrics backs Metrics with registry series. A nil registry
// uses metrics.DefaultRegistry.
func NewServiceMetrics(registry *metrics.Registry) Metrics {
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	return &serviceMetrics{registry: registry}
}

func (m *serviceMetrics) FlowCreated() {
	m.registry.Counter("graflow_flows_created_total", nil).Inc()
}

func (m *serviceMetrics) RunStarted() {
	m.registry.Counter("graflow_runs_started_total", nil).Inc()
	m.registry.Gauge("graflow_runs_active", nil).Inc()
}

func (m *serviceMetrics) RunCompleted(status string, d time.Duration) {
	m.registry.Counter("graflow_runs_completed_total", metrics.Labels{"status": status}).Inc()
	m.registry.Gauge("graflow_runs_active", nil).Dec()
	m.registry.Histogram("graflow_run_duration_ms", nil, nil).ObserveDuration(d)
}

func (m *serviceMetrics) StepLatency(d time.Duration) {
	m.registry.Histogram("graflow_step_duration_ms", nil, nil).ObserveDuration(d)
}

func (m *serviceMetrics) CheckpointWritten() {
	m.registry.Counter("graflow_checkpoints_written_total", nil).Inc()
}

func (m *serviceMetrics) CacheHit() {
	m.registry.Counter("graflow_node_cache_hits_total", nil).Inc()
}

func (m *serviceMetrics) CacheMiss() {
	m.registry.Counter("graflow_node_cache_misses_total", nil).Inc()
}

// instrumentedCache counts hits and misses on the way through to the
// wrapped cache.
type instrumentedCache struct {
	inner   cache.Cache
	metrics Metrics
}

// NewInstrumentedCache wraps a cache with hit and miss accounting.
func NewInstrumentedCache(inner cache.Cache, m Metrics) cache.Cache {
	return &instrumentedCache{inner: inner, metrics: m}
}

func (c *instrumentedCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.inner.Get(ctx, key)
	switch {
	case err == nil:
		c.metrics.CacheHit()
	case cache.IsMiss(err):
		c.metrics.CacheMiss()
	}
	return value, err
}

func (c *instrumentedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.inner.Set(ctx, key, value, ttl)
}

func (c *instrumentedCache) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}

func (c *instrumentedCache) Clear(ctx context.Context) error {
	return c.inner.Clear(ctx)
}
