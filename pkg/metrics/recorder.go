package metrics

import (
	"time"
)

// Recorder defines the interface for recording pool telemetry.
type Recorder interface {
	// ObserveDispatch records one selection attempt and its outcome
	// (selected, unavailable, budget_exceeded).
	ObserveDispatch(agentType, strategy, outcome string)

	// ObserveProbe records a completed health probe.
	ObserveProbe(agentType, instanceID string, success bool, duration time.Duration)

	// ObserveExecution records a reported execution outcome.
	ObserveExecution(agentType, instanceID string, success bool, costCents int64, duration time.Duration)

	// SetCircuitState publishes a breaker's state gauge (0 closed, 1 open, 2 half-open).
	SetCircuitState(instanceID string, state int)

	// SetPoolGauge publishes the instance count for an agent type and status.
	SetPoolGauge(agentType, status string, count int)

	// IncAlert increments the fired-alert counter.
	IncAlert(rule, severity string)

	// IncTickSkipped counts a monitor tick skipped due to overlap.
	IncTickSkipped()
}

// NoopRecorder implements Recorder with no-op behavior for when telemetry is disabled.
type NoopRecorder struct{}

// Nop returns a no-op telemetry recorder that discards all observations.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveDispatch does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveDispatch(_, _, _ string) {}

// ObserveProbe does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveProbe(_, _ string, _ bool, _ time.Duration) {}

// ObserveExecution does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveExecution(_, _ string, _ bool, _ int64, _ time.Duration) {}

// SetCircuitState does nothing in the no-op recorder.
func (n *NoopRecorder) SetCircuitState(_ string, _ int) {}

// SetPoolGauge does nothing in the no-op recorder.
func (n *NoopRecorder) SetPoolGauge(_, _ string, _ int) {}

// IncAlert does nothing in the no-op recorder.
func (n *NoopRecorder) IncAlert(_, _ string) {}

// IncTickSkipped does nothing in the no-op recorder.
func (n *NoopRecorder) IncTickSkipped() {}
