package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/pkg/types"
)

// Metrics holds all engine metrics
type Metrics struct {
	// Session lifecycle
	Starts atomic.Uint64
	Stops  atomic.Uint64

	// Frame flow
	FramesDelivered atomic.Uint64
	FramesDropped   atomic.Uint64 // writes absorbed by a reserved buffer
	BuffersReturned atomic.Uint64 // caller buffers handed back unfilled
	IRQsDropped     atomic.Uint64

	// Faults and recovery
	Faults            atomic.Uint64
	Recoveries        atomic.Uint64
	RecoveryFailures  atomic.Uint64
	RecoveryLatencyMs atomic.Uint64 // duration of the last recovery

	// Device state, refreshed by the device
	DeviceUsers  atomic.Int64
	OpenSessions atomic.Int64
	FreeContexts atomic.Int64

	binds  *prometheus.CounterVec
	frames *prometheus.CounterVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	// Register Prometheus gauges
	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("capture_session_starts_total", "Sessions started",
		func() float64 { return float64(m.Starts.Load()) })
	m.gauge("capture_session_stops_total", "Sessions stopped",
		func() float64 { return float64(m.Stops.Load()) })

	m.gauge("capture_frames_delivered_total", "Frames retired to the caller",
		func() float64 { return float64(m.FramesDelivered.Load()) })
	m.gauge("capture_frames_dropped_total", "Frames written into a reserved buffer",
		func() float64 { return float64(m.FramesDropped.Load()) })
	m.gauge("capture_buffers_returned_total", "Caller buffers returned unfilled",
		func() float64 { return float64(m.BuffersReturned.Load()) })
	m.gauge("capture_irqs_dropped_total", "Interrupts dropped on a full worker backlog",
		func() float64 { return float64(m.IRQsDropped.Load()) })

	m.gauge("capture_faults_total", "Hardware faults reported",
		func() float64 { return float64(m.Faults.Load()) })
	m.gauge("capture_recoveries_total", "Global recoveries run",
		func() float64 { return float64(m.Recoveries.Load()) })
	m.gauge("capture_recovery_failures_total", "Sessions that could not be reconnected after a recovery",
		func() float64 { return float64(m.RecoveryFailures.Load()) })
	m.gauge("capture_recovery_latency_ms", "Duration of the last recovery in milliseconds",
		func() float64 { return float64(m.RecoveryLatencyMs.Load()) })

	m.gauge("capture_device_users", "Device enable reference count",
		func() float64 { return float64(m.DeviceUsers.Load()) })
	m.gauge("capture_open_sessions", "Sessions currently open",
		func() float64 { return float64(m.OpenSessions.Load()) })
	m.gauge("capture_free_contexts", "Hardware contexts not bound to a session",
		func() float64 { return float64(m.FreeContexts.Load()) })

	m.binds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_binds_total",
		Help: "Hardware context bind attempts by mode and result",
	}, []string{"mode", "result"})
	m.frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_path_frames_total",
		Help: "Frames retired per path kind",
	}, []string{"path"})
	m.registry.MustRegister(m.binds, m.frames)
}

// ObserveBind counts one bind attempt after retries.
func (m *Metrics) ObserveBind(mode string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.binds.WithLabelValues(mode, result).Inc()
}

// ObserveFrame counts one frame delivered on kind.
func (m *Metrics) ObserveFrame(kind types.PathKind) {
	m.FramesDelivered.Add(1)
	m.frames.WithLabelValues(kind.String()).Inc()
}

// ObserveRecovery records a finished recovery.
func (m *Metrics) ObserveRecovery(d time.Duration, failed int) {
	m.Recoveries.Add(1)
	m.RecoveryFailures.Add(uint64(failed))
	m.RecoveryLatencyMs.Store(uint64(d.Milliseconds()))
}

// Registry returns the private registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
