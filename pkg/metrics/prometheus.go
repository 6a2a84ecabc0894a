package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	dispatchTotal *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	probeFailures *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec
	execTotal     *prometheus.CounterVec
	costTotal     *prometheus.CounterVec
	circuitState  *prometheus.GaugeVec
	poolInstances *prometheus.GaugeVec
	alertsTotal   *prometheus.CounterVec
	ticksSkipped  prometheus.Counter
}

// NewPrometheusRecorder creates a new Prometheus-based telemetry recorder.
// Metrics register on the default registry; construct it once per process.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		dispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_requests_total",
				Help: "Total number of selection attempts by agent type, strategy, and outcome",
			},
			[]string{"agent_type", "strategy", "outcome"},
		),
		probeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "probe_duration_seconds",
				Help:    "Duration of health probes in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_type"},
		),
		probeFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "probe_failures_total",
				Help: "Total number of failed health probes",
			},
			[]string{"agent_type", "instance_id"},
		),
		execDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "execution_duration_seconds",
				Help:    "Duration of reported task executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_type"},
		),
		execTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execution_outcomes_total",
				Help: "Total number of reported task executions by status",
			},
			[]string{"agent_type", "instance_id", "status"},
		),
		costTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execution_cost_cents_total",
				Help: "Total reported execution cost in cents",
			},
			[]string{"agent_type"},
		),
		circuitState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_state",
				Help: "Circuit breaker state per instance (0 closed, 1 open, 2 half-open)",
			},
			[]string{"instance_id"},
		),
		poolInstances: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pool_instances",
				Help: "Registered instances by agent type and health status",
			},
			[]string{"agent_type", "status"},
		),
		alertsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_fired_total",
				Help: "Total number of alerts created by rule and severity",
			},
			[]string{"rule", "severity"},
		),
		ticksSkipped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_ticks_skipped_total",
				Help: "Monitor ticks skipped because the previous tick was still running",
			},
		),
	}
}

// ObserveDispatch records one selection attempt and its outcome.
func (p *PrometheusRecorder) ObserveDispatch(agentType, strategy, outcome string) {
	p.dispatchTotal.WithLabelValues(agentType, strategy, outcome).Inc()
}

// ObserveProbe records a completed health probe.
func (p *PrometheusRecorder) ObserveProbe(agentType, instanceID string, success bool, duration time.Duration) {
	p.probeDuration.WithLabelValues(agentType).Observe(duration.Seconds())
	if !success {
		p.probeFailures.WithLabelValues(agentType, instanceID).Inc()
	}
}

// ObserveExecution records a reported execution outcome.
func (p *PrometheusRecorder) ObserveExecution(agentType, instanceID string, success bool, costCents int64, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}

	p.execTotal.WithLabelValues(agentType, instanceID, status).Inc()
	p.execDuration.WithLabelValues(agentType).Observe(duration.Seconds())
	if costCents > 0 {
		p.costTotal.WithLabelValues(agentType).Add(float64(costCents))
	}
}

// SetCircuitState publishes a breaker's state gauge.
func (p *PrometheusRecorder) SetCircuitState(instanceID string, state int) {
	p.circuitState.WithLabelValues(instanceID).Set(float64(state))
}

// SetPoolGauge publishes the instance count for an agent type and status.
func (p *PrometheusRecorder) SetPoolGauge(agentType, status string, count int) {
	p.poolInstances.WithLabelValues(agentType, status).Set(float64(count))
}

// IncAlert increments the fired-alert counter.
func (p *PrometheusRecorder) IncAlert(rule, severity string) {
	p.alertsTotal.WithLabelValues(rule, severity).Inc()
}

// IncTickSkipped counts a monitor tick skipped due to overlap.
func (p *PrometheusRecorder) IncTickSkipped() {
	p.ticksSkipped.Inc()
}
