package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for bisection run metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	iterationsTotal *prometheus.CounterVec // by verdict

	buildFailuresTotal *prometheus.CounterVec // by host
	bootFailuresTotal  *prometheus.CounterVec // by host
	testFailuresTotal  *prometheus.CounterVec // by host

	iterationDuration *prometheus.HistogramVec // by verdict
	hostPhaseDuration *prometheus.HistogramVec // by host, phase

	uptime prometheus.GaugeFunc

	hostQuarantineState *prometheus.GaugeVec // 0=closed,1=open,2=half_open, by host
	quarantineTripsTotal *prometheus.CounterVec
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		iterationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iterations_total",
				Help:      "Total number of bisection iterations by aggregated verdict",
			},
			[]string{"verdict"},
		),

		buildFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_failures_total",
				Help:      "Total build-phase failures by host",
			},
			[]string{"host"},
		),

		bootFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "boot_failures_total",
				Help:      "Total boot-verification failures by host",
			},
			[]string{"host"},
		),

		testFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "test_failures_total",
				Help:      "Total test-phase failures by host",
			},
			[]string{"host"},
		),

		iterationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "iteration_duration_milliseconds",
				Help:      "Duration of a bisection iteration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"verdict"},
		),

		hostPhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "host_phase_duration_milliseconds",
				Help:      "Duration of one phase on one host in milliseconds",
				Buckets:   buckets,
			},
			[]string{"host", "phase"},
		),

		hostQuarantineState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "host_quarantine_state",
				Help:      "Current per-host quarantine breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"host"},
		),

		quarantineTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_quarantine_trips_total",
				Help:      "Total per-host quarantine breaker state transitions",
			},
			[]string{"host", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the orchestrator process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.iterationsTotal,
		pm.buildFailuresTotal,
		pm.bootFailuresTotal,
		pm.testFailuresTotal,
		pm.iterationDuration,
		pm.hostPhaseDuration,
		pm.uptime,
		pm.hostQuarantineState,
		pm.quarantineTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusIteration records one iteration's verdict and duration.
func RecordPrometheusIteration(verdict string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	if verdict == "" {
		verdict = "unknown"
	}
	promMetrics.iterationsTotal.WithLabelValues(verdict).Inc()
	promMetrics.iterationDuration.WithLabelValues(verdict).Observe(float64(durationMs))
}

// RecordPrometheusHostResult records one host's per-phase outcome.
func RecordPrometheusHostResult(host string, buildOK, bootOK, testOK bool, durationMs int64) {
	if promMetrics == nil {
		return
	}
	if !buildOK {
		promMetrics.buildFailuresTotal.WithLabelValues(host).Inc()
		promMetrics.hostPhaseDuration.WithLabelValues(host, "build").Observe(float64(durationMs))
		return
	}
	if !bootOK {
		promMetrics.bootFailuresTotal.WithLabelValues(host).Inc()
		promMetrics.hostPhaseDuration.WithLabelValues(host, "boot").Observe(float64(durationMs))
		return
	}
	if !testOK {
		promMetrics.testFailuresTotal.WithLabelValues(host).Inc()
	}
	promMetrics.hostPhaseDuration.WithLabelValues(host, "test").Observe(float64(durationMs))
}

// SetHostQuarantineState sets the quarantine breaker state gauge for a host.
// state: 0=closed, 1=open, 2=half_open.
func SetHostQuarantineState(host string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.hostQuarantineState.WithLabelValues(host).Set(float64(state))
}

// RecordHostQuarantineTrip records a per-host quarantine breaker transition.
func RecordHostQuarantineTrip(host, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.quarantineTripsTotal.WithLabelValues(host, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
