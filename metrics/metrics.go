package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/Tutortoise/detection-service/models"
	"github.com/Tutortoise/detection-service/onnx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource is the part of the engine the collectors read from.
type StatsSource interface {
	Stats() models.ModelStats
	Loaded() bool
}

// PoolSource reports session pool counters.
type PoolSource interface {
	PoolStats() onnx.PoolStats
}

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	// Model reloads triggered by the file watcher
	Reloads      atomic.Uint64
	ReloadErrors atomic.Uint64

	requests   *prometheus.CounterVec
	detections *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers collectors over engine and, when not nil, pool.
func New(engine StatsSource, pool PoolSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detect_requests_total",
			Help: "Detect requests by outcome",
		}, []string{"outcome"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detect_detections_total",
			Help: "Detections returned by class",
		}, []string{"class"}),
	}

	m.registry.MustRegister(m.requests, m.detections)
	m.registerEngineMetrics(engine)
	if pool != nil {
		m.registerPoolMetrics(pool)
	}
	return m
}

func (m *Metrics) registerEngineMetrics(engine StatsSource) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_model_loaded",
			Help: "Model loaded (0=no, 1=yes)",
		},
		func() float64 {
			if engine.Loaded() {
				return 1
			}
			return 0
		},
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_inferences_total",
			Help: "Completed detect calls since the last stats reset",
		},
		func() float64 { return float64(engine.Stats().TotalInferences) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_preprocess_ms_total",
			Help: "Cumulative preprocessing time in milliseconds",
		},
		func() float64 { return float64(engine.Stats().TotalPreprocessTimeMs) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_inference_ms_total",
			Help: "Cumulative inference time in milliseconds",
		},
		func() float64 { return float64(engine.Stats().TotalInferenceTimeMs) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_postprocess_ms_total",
			Help: "Cumulative post-processing time in milliseconds",
		},
		func() float64 { return float64(engine.Stats().TotalPostprocessTimeMs) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_fps",
			Help: "Frames per second of the most recent call",
		},
		func() float64 { return engine.Stats().AvgFPS },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_cache_hits_total",
			Help: "Preprocess cache hits",
		},
		func() float64 { return float64(engine.Stats().CacheHits) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_cache_misses_total",
			Help: "Preprocess cache misses",
		},
		func() float64 { return float64(engine.Stats().CacheMisses) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_model_reloads_total",
			Help: "Model reloads triggered by file changes",
		},
		func() float64 { return float64(m.Reloads.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_model_reload_errors_total",
			Help: "Failed model reloads",
		},
		func() float64 { return float64(m.ReloadErrors.Load()) },
	))
}

func (m *Metrics) registerPoolMetrics(pool PoolSource) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "onnx_pool_size",
			Help: "Configured session pool size",
		},
		func() float64 { return float64(pool.PoolStats().Size) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "onnx_pool_sessions_in_use",
			Help: "Sessions currently running inference",
		},
		func() float64 { return float64(pool.PoolStats().InUse) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "onnx_pool_sessions_live",
			Help: "Sessions alive in the pool",
		},
		func() float64 { return float64(pool.PoolStats().Live) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "onnx_pool_acquired_total",
			Help: "Sessions acquired",
		},
		func() float64 { return float64(pool.PoolStats().TotalAcquired) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "onnx_pool_run_failures_total",
			Help: "Session runs that failed",
		},
		func() float64 { return float64(pool.PoolStats().RunFailures) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "onnx_pool_wait_seconds_total",
			Help: "Cumulative time spent waiting for a session",
		},
		func() float64 { return pool.PoolStats().WaitTime.Seconds() },
	))
}

// ObserveResult counts a successful detect call and its detections.
func (m *Metrics) ObserveResult(result *models.DetectionResult) {
	m.requests.WithLabelValues("ok").Inc()
	for _, d := range result.Detections {
		m.detections.WithLabelValues(d.ClassName).Inc()
	}
}

// ObserveError counts a failed detect call under outcome.
func (m *Metrics) ObserveError(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
