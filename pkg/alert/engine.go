package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentpool/pkg/events"
	"agentpool/pkg/logx"
	"agentpool/pkg/metrics"
	"agentpool/pkg/pool"
)

// Lookback is the fixed evaluation window for metric-based conditions.
const Lookback = 5 * time.Minute

// Engine owns the rule set and the alert collection. It reads the metrics
// store and the registry; it writes only its own alerts.
type Engine struct {
	registry *pool.Registry
	store    *metrics.Store
	bus      *events.Bus
	recorder metrics.Recorder
	logger   *logx.Logger

	// now is swapped out by tests to drive cooldown windows.
	now func() time.Time

	mu         sync.Mutex
	rules      map[string]Rule
	ruleOrder  []string
	alerts     map[string]*Alert
	alertOrder []string
	notifiers  []Notifier
}

// NewEngine creates an engine with the given rule set; nil installs
// DefaultRules. Notifiers start empty so a bare engine evaluates silently.
func NewEngine(registry *pool.Registry, store *metrics.Store, bus *events.Bus, recorder metrics.Recorder, rules []Rule, logger *logx.Logger) (*Engine, error) {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	if logger == nil {
		logger = logx.NewLogger("alerts")
	}
	e := &Engine{
		registry: registry,
		store:    store,
		bus:      bus,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		rules:    make(map[string]Rule),
		alerts:   make(map[string]*Alert),
	}
	if rules == nil {
		rules = DefaultRules()
	}
	for _, r := range rules {
		if _, err := e.AddRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// AddNotifier appends a delivery channel.
func (e *Engine) AddNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, n)
}

// AddRule validates and installs a rule, returning the installed copy with
// defaults filled in. A rule with a known ID is replaced in place, so
// operators can retune thresholds without a restart.
func (e *Engine) AddRule(r Rule) (Rule, error) {
	valid := false
	for _, c := range Conditions() {
		if r.Condition == c {
			valid = true
			break
		}
	}
	if !valid {
		return Rule{}, fmt.Errorf("unknown alert condition %q", r.Condition)
	}
	if r.Name == "" {
		return Rule{}, fmt.Errorf("alert rule needs a name")
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Cooldown <= 0 {
		r.Cooldown = DefaultCooldown
	}
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.ID]; !exists {
		e.ruleOrder = append(e.ruleOrder, r.ID)
	}
	e.rules[r.ID] = r
	return r, nil
}

// RemoveRule deletes a rule. Its existing alerts stay until purged.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("remove rule %s: %w", id, ErrUnknownRule)
	}
	delete(e.rules, id)
	for i, rid := range e.ruleOrder {
		if rid == id {
			e.ruleOrder = append(e.ruleOrder[:i], e.ruleOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Rules returns the rule set in installation order.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Rule, 0, len(e.ruleOrder))
	for _, id := range e.ruleOrder {
		out = append(out, e.rules[id])
	}
	return out
}

// Evaluate runs every enabled rule against the current window. Called from
// the monitor tick; safe to call concurrently with lifecycle operations.
func (e *Engine) Evaluate(ctx context.Context) {
	e.mu.Lock()
	rules := make([]Rule, 0, len(e.ruleOrder))
	for _, id := range e.ruleOrder {
		rules = append(rules, e.rules[id])
	}
	e.mu.Unlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		fired, value, meta := e.check(rule)
		if fired {
			e.fire(ctx, rule, value, meta)
		}
	}
}

func (e *Engine) check(rule Rule) (bool, float64, map[string]any) {
	to := e.now()
	from := to.Add(-Lookback)

	switch rule.Condition {
	case CondHighResponseTime:
		avg, n := e.windowedAverage(metrics.MetricResponseTime, from, to)
		return n > 0 && avg > rule.Threshold, avg, map[string]any{"avg_response_time_ms": avg, "samples": n}

	case CondHighErrorRate:
		var errs, succ float64
		for _, agentType := range e.store.AgentTypes() {
			errs += e.store.Sum(agentType, metrics.MetricErrorCount, from, to)
			succ += e.store.Sum(agentType, metrics.MetricSuccessCount, from, to)
		}
		total := errs + succ
		if total == 0 {
			return false, 0, nil
		}
		rate := errs / total
		return rate > rule.Threshold, rate, map[string]any{"error_rate": rate, "requests": total}

	case CondAgentUnhealthy:
		var unhealthy []string
		for _, inst := range e.registry.All() {
			if inst.Status() != pool.StatusHealthy {
				unhealthy = append(unhealthy, inst.ID())
			}
		}
		if len(unhealthy) == 0 {
			return false, 0, nil
		}
		return true, float64(len(unhealthy)), map[string]any{"instances": unhealthy}

	case CondHighQueueLength:
		avg, n := e.windowedAverage(metrics.MetricQueueLength, from, to)
		return n > 0 && avg > rule.Threshold, avg, map[string]any{"avg_queue_length": avg, "samples": n}
	}
	return false, 0, nil
}

// windowedAverage averages one metric across every agent type.
func (e *Engine) windowedAverage(name string, from, to time.Time) (float64, int) {
	var sum float64
	var count int
	for _, agentType := range e.store.AgentTypes() {
		sum += e.store.Sum(agentType, name, from, to)
		count += e.store.Count(agentType, name, from, to)
	}
	if count == 0 {
		return 0, 0
	}
	return sum / float64(count), count
}

// fire creates and dispatches an alert unless the rule already has an
// unresolved alert inside its cooldown window.
func (e *Engine) fire(ctx context.Context, rule Rule, value float64, meta map[string]any) {
	e.mu.Lock()
	if e.inCooldownLocked(rule) {
		e.mu.Unlock()
		return
	}
	a := Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Severity:  rule.Severity,
		Message:   message(rule, value, meta),
		CreatedAt: e.now(),
		Metadata:  meta,
	}
	e.alerts[a.ID] = &a
	e.alertOrder = append(e.alertOrder, a.ID)
	notifiers := make([]Notifier, len(e.notifiers))
	copy(notifiers, e.notifiers)
	e.mu.Unlock()

	e.recorder.IncAlert(rule.Name, rule.Severity)
	e.logger.Warn("alert fired: %s (%s): %s", rule.Name, rule.Severity, a.Message)
	e.bus.Publish(events.New(events.TypeAlertCreated, "", "", map[string]any{
		"alert_id": a.ID,
		"rule":     rule.Name,
		"severity": rule.Severity,
		"message":  a.Message,
	}))

	for _, n := range notifiers {
		e.deliver(ctx, n, a)
	}
}

// inCooldownLocked reports whether an unresolved alert for the rule was
// created within its cooldown window.
func (e *Engine) inCooldownLocked(rule Rule) bool {
	cutoff := e.now().Add(-rule.Cooldown)
	for i := len(e.alertOrder) - 1; i >= 0; i-- {
		a := e.alerts[e.alertOrder[i]]
		if a.RuleID != rule.ID || a.ResolvedAt != nil {
			continue
		}
		if a.CreatedAt.After(cutoff) {
			return true
		}
	}
	return false
}

// deliver isolates one channel's failure or panic from the rest.
func (e *Engine) deliver(ctx context.Context, n Notifier, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("alert channel %s panicked: %v", n.Name(), r)
		}
	}()
	if err := n.Notify(ctx, a); err != nil {
		e.logger.Error("alert delivery via %s failed: %v", n.Name(), err)
	}
}

func message(rule Rule, value float64, meta map[string]any) string {
	switch rule.Condition {
	case CondHighResponseTime:
		return fmt.Sprintf("average response time %.0fms over the last %s exceeds %.0fms", value, Lookback, rule.Threshold)
	case CondHighErrorRate:
		return fmt.Sprintf("error rate %.1f%% over the last %s exceeds %.1f%%", value*100, Lookback, rule.Threshold*100)
	case CondAgentUnhealthy:
		ids, _ := meta["instances"].([]string)
		return fmt.Sprintf("%d instance(s) unhealthy: %s", int(value), strings.Join(ids, ", "))
	case CondHighQueueLength:
		return fmt.Sprintf("average queue length %.1f over the last %s exceeds %.0f", value, Lookback, rule.Threshold)
	}
	return rule.Name
}

// Get returns a copy of one alert.
func (e *Engine) Get(id string) (Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("alert %s: %w", id, ErrUnknownAlert)
	}
	return *a, nil
}

// ActiveAlerts returns the unresolved alerts, newest first.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Alert, 0)
	for i := len(e.alertOrder) - 1; i >= 0; i-- {
		a := e.alerts[e.alertOrder[i]]
		if a.ResolvedAt == nil {
			out = append(out, *a)
		}
	}
	return out
}

// Acknowledge marks an alert as seen by an operator.
func (e *Engine) Acknowledge(id string) error {
	e.mu.Lock()
	a, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("acknowledge %s: %w", id, ErrUnknownAlert)
	}
	a.Acknowledged = true
	rule := a.RuleName
	e.mu.Unlock()

	e.bus.Publish(events.New(events.TypeAlertAcknowledged, "", "", map[string]any{
		"alert_id": id,
		"rule":     rule,
	}))
	return nil
}

// Resolve stamps the alert resolved. Resolving twice is a no-op.
func (e *Engine) Resolve(id string) error {
	e.mu.Lock()
	a, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("resolve %s: %w", id, ErrUnknownAlert)
	}
	if a.ResolvedAt != nil {
		e.mu.Unlock()
		return nil
	}
	now := e.now()
	a.ResolvedAt = &now
	rule := a.RuleName
	e.mu.Unlock()

	e.bus.Publish(events.New(events.TypeAlertResolved, "", "", map[string]any{
		"alert_id": id,
		"rule":     rule,
	}))
	return nil
}

// PurgeResolved removes resolved alerts whose resolution is older than
// cutoff and returns how many were dropped. Runs on the retention tick.
func (e *Engine) PurgeResolved(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.alertOrder[:0]
	dropped := 0
	for _, id := range e.alertOrder {
		a := e.alerts[id]
		if a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(e.alerts, id)
			dropped++
			continue
		}
		kept = append(kept, id)
	}
	e.alertOrder = kept
	return dropped
}
