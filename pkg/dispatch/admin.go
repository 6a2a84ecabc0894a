package dispatch

import (
	"fmt"
	"time"

	"agentpool/pkg/alert"
	"agentpool/pkg/circuit"
	"agentpool/pkg/events"
	"agentpool/pkg/metrics"
	"agentpool/pkg/pool"
)

// Register adds an instance to the pool. New instances start healthy with a
// closed breaker and become dispatchable immediately.
func (d *Dispatcher) Register(cfg pool.InstanceConfig) error {
	inst, err := pool.NewInstance(cfg)
	if err != nil {
		return fmt.Errorf("invalid instance config: %w", err)
	}
	if err := d.registry.Register(inst); err != nil {
		return err
	}
	if d.persist != nil {
		if err := d.persist.SaveInstance(cfg); err != nil {
			d.logger.Warn("persisting instance %s failed: %v", inst.ID(), err)
		}
	}
	d.updatePoolGauges()
	d.bus.Publish(events.New(events.TypeInstanceRegistered, inst.AgentType(), inst.ID(), map[string]any{
		"endpoint": cfg.Endpoint,
		"capacity": cfg.Capacity,
	}))
	d.logger.Info("registered %s (%s) at %s, capacity %d",
		inst.ID(), inst.AgentType(), cfg.Endpoint, cfg.Capacity)
	return nil
}

// Deregister removes an instance from the pool. In-flight work against it
// is allowed to finish; it just stops being selectable.
func (d *Dispatcher) Deregister(instanceID string) error {
	inst, err := d.registry.Get(instanceID)
	if err != nil {
		return err
	}
	agentType := inst.AgentType()
	if err := d.registry.Deregister(instanceID); err != nil {
		return err
	}
	if d.persist != nil {
		if err := d.persist.MarkDeregistered(instanceID); err != nil {
			d.logger.Warn("marking instance %s deregistered failed: %v", instanceID, err)
		}
	}
	d.updatePoolGauges()
	d.bus.Publish(events.New(events.TypeInstanceDeregistered, agentType, instanceID, nil))
	d.logger.Info("deregistered %s (%s)", instanceID, agentType)
	return nil
}

// Instances returns the registered instances sorted by agent type then ID.
func (d *Dispatcher) Instances() []*pool.Instance { return d.registry.All() }

// GetInstance looks up a single instance by ID.
func (d *Dispatcher) GetInstance(instanceID string) (*pool.Instance, error) {
	return d.registry.Get(instanceID)
}

// CircuitStats returns a snapshot of an instance's breaker.
func (d *Dispatcher) CircuitStats(instanceID string) (circuit.Stats, error) {
	br, err := d.registry.Breaker(instanceID)
	if err != nil {
		return circuit.Stats{}, err
	}
	return br.Stats(), nil
}

// AddMetric records an arbitrary metric point for an agent type, for
// callers that track signals beyond execution outcomes.
func (d *Dispatcher) AddMetric(agentType, name string, value float64, tags map[string]string) {
	d.store.Record(agentType, name, value, tags)
}

// AgentMetrics summarizes one agent type's metrics over the trailing window.
func (d *Dispatcher) AgentMetrics(agentType string, window time.Duration) metrics.Summary {
	now := time.Now()
	return d.store.AgentSummary(agentType, now.Add(-window), now)
}

// SystemMetrics summarizes all agent types over the trailing window.
func (d *Dispatcher) SystemMetrics(window time.Duration) metrics.Summary {
	now := time.Now()
	return d.store.SystemSummary(now.Add(-window), now)
}

// ActiveAlerts returns unresolved alerts, newest first.
func (d *Dispatcher) ActiveAlerts() []alert.Alert { return d.alerts.ActiveAlerts() }

// AcknowledgeAlert marks an alert as seen by an operator.
func (d *Dispatcher) AcknowledgeAlert(alertID string) error {
	return d.alerts.Acknowledge(alertID)
}

// ResolveAlert closes an alert, freeing its rule to fire again.
func (d *Dispatcher) ResolveAlert(alertID string) error {
	return d.alerts.Resolve(alertID)
}

// AddAlertRule installs or replaces an alert rule and returns it with
// defaults applied.
func (d *Dispatcher) AddAlertRule(r alert.Rule) (alert.Rule, error) {
	installed, err := d.alerts.AddRule(r)
	if err != nil {
		return alert.Rule{}, err
	}
	if d.persist != nil {
		if err := d.persist.SaveRule(installed); err != nil {
			d.logger.Warn("persisting rule %s failed: %v", installed.ID, err)
		}
	}
	return installed, nil
}

// RemoveAlertRule deletes an alert rule by ID.
func (d *Dispatcher) RemoveAlertRule(ruleID string) error {
	if err := d.alerts.RemoveRule(ruleID); err != nil {
		return err
	}
	if d.persist != nil {
		if err := d.persist.DeleteRule(ruleID); err != nil {
			d.logger.Warn("deleting rule %s failed: %v", ruleID, err)
		}
	}
	return nil
}

// AlertRules returns the installed rules in insertion order.
func (d *Dispatcher) AlertRules() []alert.Rule { return d.alerts.Rules() }
