// Package pool maintains the set of known worker instances per agent type,
// their declared capacity, reservation counters, and health snapshots.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the last-known health classification of an instance.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
	StatusOffline  Status = "offline"
	StatusUnknown  Status = "unknown"
)

// ParseStatus normalizes a worker-reported status string. Workers are not all
// ours, so "online" and "ok" are accepted as healthy; anything unrecognized
// maps to unknown.
func ParseStatus(s string) Status {
	switch s {
	case "healthy", "online", "ok":
		return StatusHealthy
	case "degraded":
		return StatusDegraded
	case "error", "unhealthy":
		return StatusError
	case "offline":
		return StatusOffline
	default:
		return StatusUnknown
	}
}

// Probe transport kinds understood by the prober.
const (
	ProbeHTTP   = "http"
	ProbeOllama = "ollama"
	ProbeOpenAI = "openai"
)

var (
	// ErrUnknownInstance is returned when an instance ID is not registered.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrDuplicateInstance is returned when registering an already known ID.
	ErrDuplicateInstance = errors.New("instance already registered")
)

// HealthSnapshot is the last-known health view of one instance, overwritten
// wholesale by each successful probe.
type HealthSnapshot struct {
	Status            Status    `json:"status"`
	ResponseTimeMs    float64   `json:"response_time_ms"`
	ErrorRate         float64   `json:"error_rate"`
	AvailableCapacity int       `json:"available_capacity"`
	QueueLength       int       `json:"queue_length"`
	ReportedLoad      int       `json:"reported_load"`
	Notes             []string  `json:"notes,omitempty"`
	CheckedAt         time.Time `json:"checked_at,omitzero"`
}

// Perf holds an instance's rolling performance derived from reported
// execution outcomes.
type Perf struct {
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	SuccessRate       float64 `json:"success_rate"`
	ThroughputPerMin  float64 `json:"throughput_per_min"`
	ErrorRate         float64 `json:"error_rate"`
	CostEfficiency    float64 `json:"cost_efficiency"`
	TotalRequests     int64   `json:"total_requests"`
	TotalFailures     int64   `json:"total_failures"`
	TotalCostCents    int64   `json:"total_cost_cents"`
}

// InstanceConfig declares a worker instance at registration time.
type InstanceConfig struct {
	ID             string `json:"id" yaml:"id"`
	AgentType      string `json:"agent_type" yaml:"agent_type"`
	Endpoint       string `json:"endpoint" yaml:"endpoint"`
	Capacity       int    `json:"capacity" yaml:"capacity"`
	CostPerRequest int64  `json:"cost_cents" yaml:"cost_cents"` // declared cost per request, cents
	Probe          string `json:"probe,omitempty" yaml:"probe,omitempty"`
}

// Validate checks the declaration for registration.
func (c *InstanceConfig) Validate() error {
	if c.ID == "" {
		return errors.New("instance id is required")
	}
	if c.AgentType == "" {
		return errors.New("agent type is required")
	}
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	switch c.Probe {
	case "", ProbeHTTP, ProbeOllama, ProbeOpenAI:
	default:
		return fmt.Errorf("unknown probe transport %q", c.Probe)
	}
	return nil
}

// Instance is one addressable worker endpoint for a given agent type.
// All mutable state is guarded by its own mutex; the registry hands out
// shared pointers.
type Instance struct {
	mu sync.RWMutex

	id             string
	agentType      string
	endpoint       string
	capacity       int
	costPerRequest int64
	probe          string

	currentLoad   int
	health        HealthSnapshot
	perf          Perf
	probeFailures int // consecutive failed probes

	registeredAt time.Time
	windowStart  time.Time // throughput accounting window
	windowCount  int64
}

// NewInstance creates an instance from a validated declaration. Status starts
// healthy so a freshly registered pool is dispatchable before its first probe.
func NewInstance(cfg InstanceConfig) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid instance config: %w", err)
	}

	probe := cfg.Probe
	if probe == "" {
		probe = ProbeHTTP
	}

	now := time.Now()
	return &Instance{
		id:             cfg.ID,
		agentType:      cfg.AgentType,
		endpoint:       cfg.Endpoint,
		capacity:       cfg.Capacity,
		costPerRequest: cfg.CostPerRequest,
		probe:          probe,
		health: HealthSnapshot{
			Status:            StatusHealthy,
			AvailableCapacity: cfg.Capacity,
		},
		perf: Perf{
			SuccessRate:    1.0,
			CostEfficiency: costEfficiency(float64(cfg.CostPerRequest)),
		},
		registeredAt: now,
		windowStart:  now,
	}, nil
}

// costEfficiency maps an average per-request cost in cents to a (0,1] score.
func costEfficiency(avgCostCents float64) float64 {
	if avgCostCents < 0 {
		avgCostCents = 0
	}
	return 1.0 / (1.0 + avgCostCents/100.0)
}

func (i *Instance) ID() string            { return i.id }
func (i *Instance) AgentType() string     { return i.agentType }
func (i *Instance) Endpoint() string      { return i.endpoint }
func (i *Instance) Capacity() int         { return i.capacity }
func (i *Instance) CostPerRequest() int64 { return i.costPerRequest }
func (i *Instance) ProbeKind() string     { return i.probe }

// Load returns the current reservation count.
func (i *Instance) Load() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.currentLoad
}

// Status returns the last-known health status.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.health.Status
}

// Health returns a copy of the last-known health snapshot.
func (i *Instance) Health() HealthSnapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	snap := i.health
	snap.Notes = append([]string(nil), i.health.Notes...)
	return snap
}

// Perf returns a copy of the rolling performance metrics.
func (i *Instance) Perf() Perf {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.perf
}

// LastHealthCheck returns when the last probe completed, or zero before the
// first probe.
func (i *Instance) LastHealthCheck() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.health.CheckedAt
}

// reserve increments the load counter if capacity allows.
func (i *Instance) reserve() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.currentLoad >= i.capacity {
		return false
	}
	i.currentLoad++
	return true
}

// release decrements the load counter, clamped at zero.
func (i *Instance) release() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.currentLoad > 0 {
		i.currentLoad--
	}
}

// SetHealth overwrites the health snapshot after a successful probe and
// clears the consecutive probe failure count. The reservation counter is
// deliberately untouched: the probe's reported load is informational only.
func (i *Instance) SetHealth(snap HealthSnapshot) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if snap.CheckedAt.IsZero() {
		snap.CheckedAt = time.Now()
	}
	i.health = snap
	i.probeFailures = 0
}

// MarkProbeFailed records a failed probe: status becomes error with a
// critical note attached. Returns the consecutive failure count so the
// prober can apply its offline threshold.
func (i *Instance) MarkProbeFailed(note string) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.probeFailures++
	// Offline is sticky: further failed probes must not demote it to error.
	if i.health.Status != StatusOffline {
		i.health.Status = StatusError
	}
	i.health.CheckedAt = time.Now()
	i.health.Notes = append(i.health.Notes, note)
	// Keep only the most recent notes.
	if len(i.health.Notes) > 5 {
		i.health.Notes = i.health.Notes[len(i.health.Notes)-5:]
	}
	return i.probeFailures
}

// MarkOffline transitions the instance to offline after repeated probe
// failures.
func (i *Instance) MarkOffline() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.health.Status = StatusOffline
}

// ProbeFailures returns the consecutive probe failure count.
func (i *Instance) ProbeFailures() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.probeFailures
}

// RecordOutcome folds one execution outcome into the rolling performance
// metrics.
func (i *Instance) RecordOutcome(success bool, executionTimeMs float64, costCents int64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.perf.TotalRequests++
	if !success {
		i.perf.TotalFailures++
	}
	i.perf.TotalCostCents += costCents

	// Cumulative mean response time.
	n := float64(i.perf.TotalRequests)
	i.perf.AvgResponseTimeMs += (executionTimeMs - i.perf.AvgResponseTimeMs) / n

	i.perf.SuccessRate = float64(i.perf.TotalRequests-i.perf.TotalFailures) / n
	i.perf.ErrorRate = 1.0 - i.perf.SuccessRate
	i.perf.CostEfficiency = costEfficiency(float64(i.perf.TotalCostCents) / n)

	// Throughput over the current accounting window.
	now := time.Now()
	i.windowCount++
	if elapsed := now.Sub(i.windowStart); elapsed >= time.Minute {
		i.perf.ThroughputPerMin = float64(i.windowCount) / elapsed.Minutes()
		i.windowCount = 0
		i.windowStart = now
	}
}

// Describe returns the instance's declaration, for persistence and status.
func (i *Instance) Describe() InstanceConfig {
	return InstanceConfig{
		ID:             i.id,
		AgentType:      i.agentType,
		Endpoint:       i.endpoint,
		Capacity:       i.capacity,
		CostPerRequest: i.costPerRequest,
		Probe:          i.probe,
	}
}
