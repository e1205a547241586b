package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the resilience layer. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Circuit breaker metrics
	CircuitBreakerState      *prometheus.GaugeVec
	CircuitBreakerRejections *prometheus.CounterVec

	// Health monitor metrics
	HealthProbesTotal   *prometheus.CounterVec
	HealthProbeDuration *prometheus.HistogramVec
	ResourceHealthy     *prometheus.GaugeVec
	FailoverActive      *prometheus.GaugeVec

	// Capability metrics
	CapabilityCallsTotal   *prometheus.CounterVec
	CapabilityCallDuration *prometheus.HistogramVec

	// Pool metrics
	DatabaseConnections   *prometheus.GaugeVec
	DatabaseQueryDuration *prometheus.HistogramVec
	AcquisitionTimeouts   prometheus.Counter

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "bizchat",
		Subsystem: "resilience",
		Enabled:   true,
	}
}

// NewMetrics creates the collectors and registers them with reg. When reg is
// nil a private registry is used so several instances can coexist in tests.
func NewMetrics(config *Config, reg prometheus.Registerer) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return nil
	}

	m := &Metrics{
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		CircuitBreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_rejections_total",
				Help:      "Calls refused because the circuit was open",
			},
			[]string{"name"},
		),
		HealthProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "health_probes_total",
				Help:      "Health probe ticks by outcome",
			},
			[]string{"resource", "result"},
		),
		HealthProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "health_probe_duration_seconds",
				Help:      "Health probe duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"resource"},
		),
		ResourceHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "resource_healthy",
				Help:      "1 when the resource's last probe succeeded",
			},
			[]string{"resource"},
		),
		FailoverActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "failover_active",
				Help:      "1 when the resource is flagged as degraded",
			},
			[]string{"resource"},
		),
		CapabilityCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "capability_calls_total",
				Help:      "Capability invocations by outcome",
			},
			[]string{"resource", "operation", "result"},
		),
		CapabilityCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "capability_call_duration_seconds",
				Help:      "Capability invocation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"resource", "operation"},
		),
		DatabaseConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "db_pool_connections",
				Help:      "Primary store pool connections by state",
			},
			[]string{"state"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "db_query_duration_seconds",
				Help:      "Primary store query duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "result"},
		),
		AcquisitionTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "db_acquisition_timeouts_total",
				Help:      "Pool acquisitions that gave up waiting",
			},
		),
	}

	if reg == nil {
		registry := prometheus.NewRegistry()
		reg = registry
		m.gatherer = registry
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	reg.MustRegister(
		m.CircuitBreakerState,
		m.CircuitBreakerRejections,
		m.HealthProbesTotal,
		m.HealthProbeDuration,
		m.ResourceHealthy,
		m.FailoverActive,
		m.CapabilityCallsTotal,
		m.CapabilityCallDuration,
		m.DatabaseConnections,
		m.DatabaseQueryDuration,
		m.AcquisitionTimeouts,
	)

	return m
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// SetBreakerState records a breaker transition. state follows the
// resilience.CircuitState ordering.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRejection counts a call refused by an open circuit
func (m *Metrics) RecordRejection(name string) {
	if m == nil {
		return
	}
	m.CircuitBreakerRejections.WithLabelValues(name).Inc()
}

// RecordProbe records one health probe tick
func (m *Metrics) RecordProbe(resource string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.HealthProbesTotal.WithLabelValues(resource, result(err)).Inc()
	m.HealthProbeDuration.WithLabelValues(resource).Observe(duration.Seconds())
	m.ResourceHealthy.WithLabelValues(resource).Set(boolGauge(err == nil))
}

// SetFailover records the failover flag of a resource
func (m *Metrics) SetFailover(resource string, active bool) {
	if m == nil {
		return
	}
	m.FailoverActive.WithLabelValues(resource).Set(boolGauge(active))
}

// RecordCapabilityCall records one capability invocation
func (m *Metrics) RecordCapabilityCall(resource, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.CapabilityCallsTotal.WithLabelValues(resource, operation, result(err)).Inc()
	m.CapabilityCallDuration.WithLabelValues(resource, operation).Observe(duration.Seconds())
}

// UpdateDatabaseConnections records pool usage
func (m *Metrics) UpdateDatabaseConnections(open, idle, inUse, waiting int) {
	if m == nil {
		return
	}
	m.DatabaseConnections.WithLabelValues("open").Set(float64(open))
	m.DatabaseConnections.WithLabelValues("idle").Set(float64(idle))
	m.DatabaseConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DatabaseConnections.WithLabelValues("waiting").Set(float64(waiting))
}

// RecordDatabaseQuery records a primary store query
func (m *Metrics) RecordDatabaseQuery(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.DatabaseQueryDuration.WithLabelValues(operation, result(err)).Observe(duration.Seconds())
}

// RecordAcquisitionTimeout counts an exhausted-pool failure
func (m *Metrics) RecordAcquisitionTimeout() {
	if m == nil {
		return
	}
	m.AcquisitionTimeouts.Inc()
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
