package pool

import (
	"fmt"
	"sort"
	"sync"

	"agentpool/pkg/circuit"
	"agentpool/pkg/logx"
)

// Registry is the authoritative set of known instances, keyed by agent type,
// each paired with its circuit breaker. Pool order is registration order.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*Instance
	byType     map[string][]*Instance
	breakers   map[string]circuit.Breaker
	breakerCfg circuit.Config
	logger     *logx.Logger
}

// NewRegistry creates an empty registry whose breakers use the given config.
func NewRegistry(breakerCfg circuit.Config) *Registry {
	return &Registry{
		byID:       make(map[string]*Instance),
		byType:     make(map[string][]*Instance),
		breakers:   make(map[string]circuit.Breaker),
		breakerCfg: breakerCfg,
		logger:     logx.NewLogger("registry"),
	}
}

// Register adds an instance to the pool and creates its paired breaker.
func (r *Registry) Register(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[inst.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateInstance, inst.ID())
	}

	r.byID[inst.ID()] = inst
	r.byType[inst.AgentType()] = append(r.byType[inst.AgentType()], inst)
	r.breakers[inst.ID()] = circuit.New(r.breakerCfg)

	r.logger.Info("registered %s instance %s at %s (capacity %d)",
		inst.AgentType(), inst.ID(), inst.Endpoint(), inst.Capacity())
	return nil
}

// Deregister removes an instance and discards its breaker.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.byID[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}

	delete(r.byID, id)
	delete(r.breakers, id)

	instances := r.byType[inst.AgentType()]
	for idx, candidate := range instances {
		if candidate.ID() == id {
			r.byType[inst.AgentType()] = append(instances[:idx], instances[idx+1:]...)
			break
		}
	}
	if len(r.byType[inst.AgentType()]) == 0 {
		delete(r.byType, inst.AgentType())
	}

	r.logger.Info("deregistered instance %s", id)
	return nil
}

// Get looks up an instance by ID.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, exists := r.byID[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	return inst, nil
}

// InstancesFor returns the instances of one agent type in pool order.
func (r *Registry) InstancesFor(agentType string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, len(r.byType[agentType]))
	copy(out, r.byType[agentType])
	return out
}

// All returns every registered instance, grouped by agent type in sorted
// type order, pool order within a type.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for agentType := range r.byType {
		types = append(types, agentType)
	}
	sort.Strings(types)

	var out []*Instance
	for _, agentType := range types {
		out = append(out, r.byType[agentType]...)
	}
	return out
}

// AgentTypes returns the known agent types in sorted order.
func (r *Registry) AgentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for agentType := range r.byType {
		types = append(types, agentType)
	}
	sort.Strings(types)
	return types
}

// Size returns the number of registered instances.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Breaker returns the circuit breaker paired with an instance.
func (r *Registry) Breaker(id string) (circuit.Breaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, exists := r.breakers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	return b, nil
}

// Eligible returns the instances of an agent type that may receive work:
// status healthy, spare capacity, and a circuit that admits traffic. An open
// breaker past its timeout counts as eligible; the dispatcher claims the
// actual trial slot with Allow at selection time.
func (r *Registry) Eligible(agentType string) []*Instance {
	r.mu.RLock()
	instances := make([]*Instance, len(r.byType[agentType]))
	copy(instances, r.byType[agentType])
	breakers := make([]circuit.Breaker, len(instances))
	for idx, inst := range instances {
		breakers[idx] = r.breakers[inst.ID()]
	}
	r.mu.RUnlock()

	eligible := make([]*Instance, 0, len(instances))
	for idx, inst := range instances {
		if inst.Status() != StatusHealthy {
			continue
		}
		if inst.Load() >= inst.Capacity() {
			continue
		}
		if !breakers[idx].CanAttempt() {
			// Open circuit: silently excluded, not an error.
			continue
		}
		eligible = append(eligible, inst)
	}
	return eligible
}

// Reserve increments an instance's load counter, failing when the instance
// is unknown or already at capacity.
func (r *Registry) Reserve(id string) (bool, error) {
	inst, err := r.Get(id)
	if err != nil {
		return false, err
	}
	return inst.reserve(), nil
}

// Release decrements an instance's load counter.
func (r *Registry) Release(id string) error {
	inst, err := r.Get(id)
	if err != nil {
		return err
	}
	inst.release()
	return nil
}

// RecordSuccess records a successful execution on the instance's breaker.
func (r *Registry) RecordSuccess(id string) error {
	b, err := r.Breaker(id)
	if err != nil {
		return err
	}
	b.Record(true)
	return nil
}

// RecordFailure records a failed execution on the instance's breaker.
func (r *Registry) RecordFailure(id string) error {
	b, err := r.Breaker(id)
	if err != nil {
		return err
	}
	b.Record(false)
	return nil
}

// StatusCounts returns per-agent-type instance counts grouped by status,
// for gauges and the ops status endpoint.
func (r *Registry) StatusCounts() map[string]map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]map[Status]int, len(r.byType))
	for agentType, instances := range r.byType {
		counts[agentType] = make(map[Status]int)
		for _, inst := range instances {
			counts[agentType][inst.Status()]++
		}
	}
	return counts
}
