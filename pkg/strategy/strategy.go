// Package strategy implements the pluggable selection algorithms that pick
// one worker instance from an eligible set. All strategies are safe for
// concurrent use; the weighted strategy takes an injectable random source so
// tests can drive it deterministically.
package strategy

import (
	"math/rand"
	"sync"
	"time"

	"agentpool/pkg/logx"
	"agentpool/pkg/pool"
)

// Strategy names accepted in configuration.
const (
	NameRoundRobin           = "round_robin"
	NameLeastConnections     = "least_connections"
	NameWeightedResponseTime = "weighted_response_time"
	NameAdaptive             = "adaptive"
)

// Hint values recognized by the adaptive strategy.
const (
	PriorityUrgent    = "urgent"
	ComplexityComplex = "complex"
)

// Hints carries request attributes that bias adaptive scoring. Zero values
// mean "no preference" and leave the score untouched.
type Hints struct {
	Priority   string `json:"priority,omitempty"`
	Complexity string `json:"complexity,omitempty"`
}

// Strategy picks one instance from the eligible set for the given agent type.
// The eligible slice is already filtered for health, capacity, and circuit
// state; Pick returns nil only when the slice is empty.
type Strategy interface {
	// Name returns the configuration name of this strategy.
	Name() string

	// Pick selects one instance from eligible. Implementations must not
	// mutate the slice.
	Pick(agentType string, eligible []*pool.Instance, hints Hints) *pool.Instance
}

// Names lists every strategy name New accepts, in documentation order.
func Names() []string {
	return []string{NameRoundRobin, NameLeastConnections, NameWeightedResponseTime, NameAdaptive}
}

// Valid reports whether name is a known strategy name.
func Valid(name string) bool {
	switch name {
	case NameRoundRobin, NameLeastConnections, NameWeightedResponseTime, NameAdaptive:
		return true
	}
	return false
}

// New returns the strategy registered under name. An unknown name falls back
// to round-robin with a warning so a config typo degrades selection quality
// instead of refusing to dispatch. A nil rng seeds a time-based source.
func New(name string, rng *rand.Rand, logger *logx.Logger) Strategy {
	switch name {
	case NameRoundRobin, "":
		return NewRoundRobin()
	case NameLeastConnections:
		return NewLeastConnections()
	case NameWeightedResponseTime:
		return NewWeightedResponseTime(rng)
	case NameAdaptive:
		return NewAdaptive()
	default:
		if logger != nil {
			logger.Warn("unknown selection strategy %q, falling back to %s", name, NameRoundRobin)
		}
		return NewRoundRobin()
	}
}

// roundRobin cycles through the eligible set with one counter per agent type,
// so different pools rotate independently.
type roundRobin struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewRoundRobin returns a round-robin strategy with fresh counters.
func NewRoundRobin() Strategy {
	return &roundRobin{counters: make(map[string]int)}
}

func (r *roundRobin) Name() string { return NameRoundRobin }

func (r *roundRobin) Pick(agentType string, eligible []*pool.Instance, _ Hints) *pool.Instance {
	if len(eligible) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.counters[agentType] % len(eligible)
	r.counters[agentType]++
	return eligible[idx]
}

// leastConnections picks the instance with the lowest current load. Ties keep
// the earliest instance in pool order.
type leastConnections struct{}

// NewLeastConnections returns the least-connections strategy.
func NewLeastConnections() Strategy { return leastConnections{} }

func (leastConnections) Name() string { return NameLeastConnections }

func (leastConnections) Pick(_ string, eligible []*pool.Instance, _ Hints) *pool.Instance {
	if len(eligible) == 0 {
		return nil
	}
	best := eligible[0]
	bestLoad := best.Load()
	for _, inst := range eligible[1:] {
		if load := inst.Load(); load < bestLoad {
			best = inst
			bestLoad = load
		}
	}
	return best
}

// weightedResponseTime draws proportionally to 1/avgResponseTime, so faster
// instances win more often without starving slower ones.
type weightedResponseTime struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewWeightedResponseTime returns the weighted strategy. Pass a seeded rng
// for deterministic picks in tests; nil gets a time-seeded source.
func NewWeightedResponseTime(rng *rand.Rand) Strategy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &weightedResponseTime{rng: rng}
}

func (w *weightedResponseTime) Name() string { return NameWeightedResponseTime }

func (w *weightedResponseTime) Pick(_ string, eligible []*pool.Instance, _ Hints) *pool.Instance {
	if len(eligible) == 0 {
		return nil
	}

	weights := make([]float64, len(eligible))
	var total float64
	for i, inst := range eligible {
		avg := inst.Perf().AvgResponseTimeMs
		if avg <= 0 {
			// No samples yet: treat as a 1ms responder rather than divide by zero.
			avg = 1
		}
		weights[i] = 1 / avg
		total += weights[i]
	}

	w.mu.Lock()
	draw := w.rng.Float64() * total
	w.mu.Unlock()

	var acc float64
	for i, inst := range eligible {
		acc += weights[i]
		if draw < acc {
			return inst
		}
	}
	return eligible[len(eligible)-1]
}

// adaptive scores every instance across response time, headroom, success
// rate, and cost efficiency, then boosts the whole score for urgent or
// complex requests. Highest score wins; ties keep pool order.
type adaptive struct{}

// NewAdaptive returns the adaptive multi-signal strategy.
func NewAdaptive() Strategy { return adaptive{} }

func (adaptive) Name() string { return NameAdaptive }

func (adaptive) Pick(_ string, eligible []*pool.Instance, hints Hints) *pool.Instance {
	if len(eligible) == 0 {
		return nil
	}
	best := eligible[0]
	bestScore := Score(best, hints)
	for _, inst := range eligible[1:] {
		if score := Score(inst, hints); score > bestScore {
			best = inst
			bestScore = score
		}
	}
	return best
}

// Score computes the adaptive ranking for one instance. Exported so operators
// can surface the same numbers the picker used.
func Score(inst *pool.Instance, hints Hints) float64 {
	perf := inst.Perf()

	avg := perf.AvgResponseTimeMs
	if avg <= 0 {
		avg = 1
	}
	responseTimeScore := 1 / avg

	var loadScore float64
	if capacity := float64(inst.Capacity()); capacity > 0 {
		loadScore = (capacity - float64(inst.Load())) / capacity
	}

	score := 0.3*responseTimeScore + 0.3*loadScore + 0.2*perf.SuccessRate + 0.2*perf.CostEfficiency

	if hints.Priority == PriorityUrgent {
		score *= 2.0
	}
	if hints.Complexity == ComplexityComplex {
		score *= 1.5
	}
	return score
}
