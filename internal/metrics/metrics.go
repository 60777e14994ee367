// Package metrics holds the Prometheus collectors of the intake service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/micro-ha/device-intake/internal/model"
)

const namespace = "device_intake"

// Metrics is the set of collectors shared by the watcher, the lifecycle
// controller, the engine and the operator API.
type Metrics struct {
	Registry *prometheus.Registry

	batches          *prometheus.CounterVec
	records          *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	phasePeakWorkers *prometheus.GaugeVec
	cycles           prometheus.Counter
	cycleErrors      prometheus.Counter
	cycleDuration    prometheus.Histogram
	delivered        prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers every collector on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Processed batch files by outcome marker.",
		}, []string{"outcome"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Reconciled records by result.",
		}, []string{"result"}),
		phaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of reconciliation phases.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"phase"}),
		phasePeakWorkers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_peak_workers",
			Help:      "Peak concurrent workers seen in the last run of a phase.",
		}, []string{"phase"}),
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_cycles_total",
			Help:      "Completed poll cycles.",
		}),
		cycleErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_cycle_errors_total",
			Help:      "Poll cycles that ended with an error.",
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "watcher_cycle_duration_seconds",
			Help:      "Duration of poll cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_files_delivered_total",
			Help:      "Files claimed, downloaded and handed to the controller.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Operator API requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Operator API request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) ObserveBatch(outcome model.Outcome, succeeded, failed int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(string(outcome)).Inc()
	m.records.WithLabelValues("succeeded").Add(float64(succeeded))
	m.records.WithLabelValues("failed").Add(float64(failed))
}

// ObservePhase matches reconcile.PhaseObserver.
func (m *Metrics) ObservePhase(phase string, elapsed time.Duration, peakWorkers int) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
	m.phasePeakWorkers.WithLabelValues(phase).Set(float64(peakWorkers))
}

// ObserveCycle matches watcher.CycleObserver.
func (m *Metrics) ObserveCycle(elapsed time.Duration, delivered int, err error) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(elapsed.Seconds())
	m.delivered.Add(float64(delivered))
	if err != nil {
		m.cycleErrors.Inc()
	}
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
