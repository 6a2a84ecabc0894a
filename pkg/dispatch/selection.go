package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentpool/pkg/events"
	"agentpool/pkg/metrics"
	"agentpool/pkg/pool"
	"agentpool/pkg/strategy"
)

// ErrNoInstanceAvailable means the agent type has no instance that is
// healthy, under capacity, and circuit-admitted. Callers queue or shed.
var ErrNoInstanceAvailable = errors.New("no instance available")

// Outcome is an execution report from the caller that ran the task.
type Outcome struct {
	AgentType       string  `json:"agentType"`
	InstanceID      string  `json:"instanceID"`
	Success         bool    `json:"success"`
	ExecutionTimeMs float64 `json:"executionTimeMs"`
	CostCents       int64   `json:"costCents"`
}

// ExecFunc runs a task against the chosen instance and returns the cost in
// cents. The dispatcher measures wall time itself.
type ExecFunc func(ctx context.Context, inst *pool.Instance) (int64, error)

// SelectInstance picks an instance for the agent type, reserves a capacity
// slot and the expected budget, and returns it. The caller must follow up
// with ReportOutcome or Release.
func (d *Dispatcher) SelectInstance(agentType string, hints strategy.Hints) (*pool.Instance, error) {
	return d.selectInstance(agentType, hints, nil)
}

func (d *Dispatcher) selectInstance(agentType string, hints strategy.Hints, exclude map[string]bool) (*pool.Instance, error) {
	d.mu.RLock()
	strat := d.strat
	d.mu.RUnlock()

	eligible := d.registry.Eligible(agentType)
	if len(exclude) > 0 {
		kept := eligible[:0]
		for _, inst := range eligible {
			if !exclude[inst.ID()] {
				kept = append(kept, inst)
			}
		}
		eligible = kept
	}
	if len(eligible) == 0 {
		d.recorder.ObserveDispatch(agentType, strat.Name(), "unavailable")
		return nil, fmt.Errorf("agent type %s: %w", agentType, ErrNoInstanceAvailable)
	}

	inst := strat.Pick(agentType, eligible, hints)
	if inst == nil {
		d.recorder.ObserveDispatch(agentType, strat.Name(), "unavailable")
		return nil, fmt.Errorf("agent type %s: %w", agentType, ErrNoInstanceAvailable)
	}

	reserved, err := d.registry.Reserve(inst.ID())
	if err != nil {
		return nil, err
	}
	if !reserved {
		// Lost the race for the last capacity slot.
		d.recorder.ObserveDispatch(agentType, strat.Name(), "unavailable")
		return nil, fmt.Errorf("agent type %s: %w", agentType, ErrNoInstanceAvailable)
	}

	resID, err := d.budget.Reserve(agentType, inst.CostPerRequest())
	if err != nil {
		_ = d.registry.Release(inst.ID())
		d.recorder.ObserveDispatch(agentType, strat.Name(), "budget_exceeded")
		return nil, err
	}

	// Final gate: claim the breaker's trial slot. For a half-open instance
	// this admits exactly one request per window, so a concurrent select may
	// lose the slot between the eligibility check and here.
	if br, brErr := d.registry.Breaker(inst.ID()); brErr != nil || !br.Allow() {
		_ = d.registry.Release(inst.ID())
		if refundErr := d.budget.Refund(resID); refundErr != nil {
			d.logger.Warn("budget refund for %s failed: %v", inst.ID(), refundErr)
		}
		d.recorder.ObserveDispatch(agentType, strat.Name(), "unavailable")
		return nil, fmt.Errorf("agent type %s: %w", agentType, ErrNoInstanceAvailable)
	}
	d.pushReservation(inst.ID(), resID)

	d.recorder.ObserveDispatch(agentType, strat.Name(), "selected")
	d.logger.Debug("selected %s for %s via %s (load %d/%d)",
		inst.ID(), agentType, strat.Name(), inst.Load(), inst.Capacity())
	return inst, nil
}

// Release frees a reserved slot without outcome data; the budget
// reservation is refunded.
func (d *Dispatcher) Release(instanceID string) error {
	if err := d.registry.Release(instanceID); err != nil {
		return err
	}
	if resID, ok := d.popReservation(instanceID); ok {
		if err := d.budget.Refund(resID); err != nil {
			d.logger.Warn("budget refund for %s failed: %v", instanceID, err)
		}
	}
	return nil
}

// ReportOutcome feeds an execution result back into the pool: breaker,
// rolling performance, metric points, budget spend, and the load counter.
func (d *Dispatcher) ReportOutcome(o Outcome) error {
	inst, err := d.registry.Get(o.InstanceID)
	if err != nil {
		return err
	}

	if o.Success {
		_ = d.registry.RecordSuccess(o.InstanceID)
	} else {
		_ = d.registry.RecordFailure(o.InstanceID)
	}
	d.syncCircuitGauge(o.InstanceID)

	inst.RecordOutcome(o.Success, o.ExecutionTimeMs, o.CostCents)
	_ = d.registry.Release(o.InstanceID)

	tags := map[string]string{"instance_id": o.InstanceID}
	d.store.Record(o.AgentType, metrics.MetricResponseTime, o.ExecutionTimeMs, tags)
	if o.Success {
		d.store.Record(o.AgentType, metrics.MetricSuccessCount, 1, tags)
	} else {
		d.store.Record(o.AgentType, metrics.MetricErrorCount, 1, tags)
	}
	if o.CostCents > 0 {
		d.store.Record(o.AgentType, metrics.MetricCost, float64(o.CostCents), tags)
	}

	if resID, ok := d.popReservation(o.InstanceID); ok {
		if err := d.budget.Commit(resID, o.CostCents); err != nil {
			d.logger.Warn("budget commit for %s failed: %v", o.InstanceID, err)
		}
	}

	d.recorder.ObserveExecution(o.AgentType, o.InstanceID, o.Success,
		o.CostCents, time.Duration(o.ExecutionTimeMs*float64(time.Millisecond)))
	d.bus.Publish(events.New(events.TypeExecutionRecorded, o.AgentType, o.InstanceID, map[string]any{
		"success":           o.Success,
		"execution_time_ms": o.ExecutionTimeMs,
		"cost_cents":        o.CostCents,
	}))
	return nil
}

// RecordSuccess feeds only the breaker, without touching load or metrics.
func (d *Dispatcher) RecordSuccess(instanceID string) error {
	if err := d.registry.RecordSuccess(instanceID); err != nil {
		return err
	}
	d.syncCircuitGauge(instanceID)
	return nil
}

// RecordFailure feeds only the breaker, without touching load or metrics.
func (d *Dispatcher) RecordFailure(instanceID string) error {
	if err := d.registry.RecordFailure(instanceID); err != nil {
		return err
	}
	d.syncCircuitGauge(instanceID)
	return nil
}

// DispatchWithFailover selects an instance, runs exec against it, and
// reports the outcome. When exec fails it excludes that instance and tries
// up to maxRetries further candidates, returning the instance that finally
// served the task.
func (d *Dispatcher) DispatchWithFailover(ctx context.Context, agentType string, hints strategy.Hints, exec ExecFunc) (*pool.Instance, error) {
	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		inst, err := d.selectInstance(agentType, hints, tried)
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last execution error: %v)", err, lastErr)
			}
			return nil, err
		}
		tried[inst.ID()] = true

		start := time.Now()
		costCents, execErr := exec(ctx, inst)
		elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)

		if err := d.ReportOutcome(Outcome{
			AgentType:       agentType,
			InstanceID:      inst.ID(),
			Success:         execErr == nil,
			ExecutionTimeMs: elapsedMs,
			CostCents:       costCents,
		}); err != nil {
			d.logger.Warn("outcome report for %s failed: %v", inst.ID(), err)
		}

		if execErr == nil {
			return inst, nil
		}
		lastErr = execErr
		d.logger.Warn("execution on %s failed (attempt %d of %d): %v",
			inst.ID(), attempt+1, d.maxRetries+1, execErr)
	}

	return nil, fmt.Errorf("all candidates for %s failed: %w", agentType, lastErr)
}

func (d *Dispatcher) pushReservation(instanceID, resID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.budgetRes[instanceID] = append(d.budgetRes[instanceID], resID)
}

func (d *Dispatcher) popReservation(instanceID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending := d.budgetRes[instanceID]
	if len(pending) == 0 {
		return "", false
	}
	resID := pending[0]
	if len(pending) == 1 {
		delete(d.budgetRes, instanceID)
	} else {
		d.budgetRes[instanceID] = pending[1:]
	}
	return resID, true
}
