// Package alert evaluates operator-defined rules against the metrics store
// and the instance registry, manages the alert lifecycle, and dispatches
// notifications with per-channel failure isolation.
package alert

import (
	"errors"
	"time"
)

// Severity levels carried by rules and their alerts.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Condition identifiers understood by the engine.
const (
	CondHighResponseTime = "high_response_time"
	CondHighErrorRate    = "high_error_rate"
	CondAgentUnhealthy   = "agent_unhealthy"
	CondHighQueueLength  = "high_queue_length"
)

// Default thresholds and cooldown for the built-in rule set.
const (
	DefaultResponseTimeMs = 5000.0
	DefaultErrorRate      = 0.25
	DefaultQueueLength    = 50.0
	DefaultCooldown       = 5 * time.Minute
)

var (
	// ErrUnknownAlert is returned when an alert ID is not known.
	ErrUnknownAlert = errors.New("unknown alert")
	// ErrUnknownRule is returned when a rule ID is not known.
	ErrUnknownRule = errors.New("unknown rule")
)

// Rule is one operator-configured alert condition.
type Rule struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Condition string        `json:"condition" yaml:"condition"`
	Threshold float64       `json:"threshold" yaml:"threshold"`
	Severity  string        `json:"severity" yaml:"severity"`
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Cooldown  time.Duration `json:"cooldown" yaml:"cooldown"`
}

// Alert is one fired rule occurrence. Acknowledge and resolve are
// independent: an alert can be resolved without ever being acknowledged.
type Alert struct {
	ID           string         `json:"id"`
	RuleID       string         `json:"rule_id"`
	RuleName     string         `json:"rule_name"`
	Severity     string         `json:"severity"`
	Message      string         `json:"message"`
	CreatedAt    time.Time      `json:"created_at"`
	Acknowledged bool           `json:"acknowledged"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Resolved reports whether the alert has been resolved.
func (a *Alert) Resolved() bool { return a.ResolvedAt != nil }

// Conditions lists the condition identifiers the engine can evaluate.
func Conditions() []string {
	return []string{CondHighResponseTime, CondHighErrorRate, CondAgentUnhealthy, CondHighQueueLength}
}

// DefaultRules returns the built-in rule set. Rule IDs equal the condition
// names so config cooldown overrides can address them directly.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:        CondHighResponseTime,
			Name:      CondHighResponseTime,
			Condition: CondHighResponseTime,
			Threshold: DefaultResponseTimeMs,
			Severity:  SeverityWarning,
			Enabled:   true,
			Cooldown:  DefaultCooldown,
		},
		{
			ID:        CondHighErrorRate,
			Name:      CondHighErrorRate,
			Condition: CondHighErrorRate,
			Threshold: DefaultErrorRate,
			Severity:  SeverityCritical,
			Enabled:   true,
			Cooldown:  DefaultCooldown,
		},
		{
			ID:        CondAgentUnhealthy,
			Name:      CondAgentUnhealthy,
			Condition: CondAgentUnhealthy,
			Severity:  SeverityCritical,
			Enabled:   true,
			Cooldown:  DefaultCooldown,
		},
		{
			ID:        CondHighQueueLength,
			Name:      CondHighQueueLength,
			Condition: CondHighQueueLength,
			Threshold: DefaultQueueLength,
			Severity:  SeverityWarning,
			Enabled:   true,
			Cooldown:  DefaultCooldown,
		},
	}
}
