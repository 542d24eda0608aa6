// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all engine metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Frame processing counters
	FramesRead   atomic.Uint64
	Detections   atomic.Uint64
	DetectErrors atomic.Uint64
	ReadErrors   atomic.Uint64

	// Worker tracking
	ActiveWorkers atomic.Int64
	Restarts      atomic.Uint64

	queueDepth atomic.Pointer[func() int]

	events        *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	deliveryTime  prometheus.Histogram
	registryTasks prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "sjaiengine_frames_read_total",
			Help: "Total frames read from camera streams",
		},
		func() float64 { return float64(m.FramesRead.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "sjaiengine_detections_total",
			Help: "Total objects returned by detection backends",
		},
		func() float64 { return float64(m.Detections.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "sjaiengine_detect_errors_total",
			Help: "Total failed detection calls",
		},
		func() float64 { return float64(m.DetectErrors.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "sjaiengine_read_errors_total",
			Help: "Total failed or timed out frame reads",
		},
		func() float64 { return float64(m.ReadErrors.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sjaiengine_active_workers",
			Help: "Stream workers currently running",
		},
		func() float64 { return float64(m.ActiveWorkers.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "sjaiengine_worker_restarts_total",
			Help: "Total stream worker restarts",
		},
		func() float64 { return float64(m.Restarts.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sjaiengine_dispatch_queue_depth",
			Help: "Alerts waiting for delivery",
		},
		func() float64 {
			if fn := m.queueDepth.Load(); fn != nil {
				return float64((*fn)())
			}
			return 0
		},
	))

	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sjaiengine_events_total",
		Help: "Audit events recorded, by kind",
	}, []string{"kind"})

	m.alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sjaiengine_alerts_raised_total",
		Help: "Alerts raised by presence machines, by kind",
	}, []string{"kind"})

	m.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sjaiengine_alert_deliveries_total",
		Help: "Alert delivery outcomes",
	}, []string{"outcome"})

	m.deliveryTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sjaiengine_alert_delivery_seconds",
		Help:    "Time from dequeue to final delivery outcome",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	m.registryTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sjaiengine_registry_tasks",
		Help: "Tasks in the current registry snapshot",
	})

	m.registry.MustRegister(m.events, m.alerts, m.deliveries, m.deliveryTime, m.registryTasks)
}

// Event counts one audit event of kind.
func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// AlertRaised counts one alert produced by a presence machine.
func (m *Metrics) AlertRaised(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

// Delivery records the final outcome of one alert and how long it took.
func (m *Metrics) Delivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.deliveryTime.Observe(d.Seconds())
}

// DeliveryEvent counts an intermediate outcome such as a retry or a dropped
// alert without observing delivery time.
func (m *Metrics) DeliveryEvent(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// SetRegistryTasks publishes the size of the task snapshot.
func (m *Metrics) SetRegistryTasks(n int) {
	if m == nil {
		return
	}
	m.registryTasks.Set(float64(n))
}

// SetQueueDepthFunc installs the callback that reports dispatch queue depth.
func (m *Metrics) SetQueueDepthFunc(fn func() int) {
	if m == nil {
		return
	}
	m.queueDepth.Store(&fn)
}

// FrameRead counts one frame and the objects detected in it.
func (m *Metrics) FrameRead(detections int) {
	if m == nil {
		return
	}
	m.FramesRead.Add(1)
	m.Detections.Add(uint64(detections))
}

// DetectError counts one failed detection call.
func (m *Metrics) DetectError() {
	if m == nil {
		return
	}
	m.DetectErrors.Add(1)
}

// ReadError counts one failed frame read.
func (m *Metrics) ReadError() {
	if m == nil {
		return
	}
	m.ReadErrors.Add(1)
}

// WorkerStarted and WorkerStopped track the running worker gauge.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Add(1)
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Add(-1)
}

// WorkerRestarted counts one worker restart.
func (m *Metrics) WorkerRestarted() {
	if m == nil {
		return
	}
	m.Restarts.Add(1)
}

// Events exposes the per-kind event counter.
func (m *Metrics) Events() *prometheus.CounterVec {
	return m.events
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
