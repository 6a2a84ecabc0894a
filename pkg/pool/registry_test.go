package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentpool/pkg/circuit"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(circuit.Config{FailureThreshold: 5, Timeout: 60 * time.Second})
}

func mustRegister(t *testing.T, r *Registry, id, agentType string, capacity int) *Instance {
	t.Helper()
	inst, err := NewInstance(InstanceConfig{
		ID:        id,
		AgentType: agentType,
		Endpoint:  "http://worker/" + id,
		Capacity:  capacity,
	})
	require.NoError(t, err)
	require.NoError(t, r.Register(inst))
	return inst
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, "nina-1", "nina", 1)

	inst, err := r.Get("nina-1")
	require.NoError(t, err)
	assert.Equal(t, "nina-1", inst.ID())

	b, err := r.Breaker("nina-1")
	require.NoError(t, err)
	assert.Equal(t, circuit.Closed, b.GetState())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, "nina-1", "nina", 1)

	dup, err := NewInstance(InstanceConfig{
		ID: "nina-1", AgentType: "nina", Endpoint: "http://other", Capacity: 1,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Register(dup), ErrDuplicateInstance)
	assert.Equal(t, 1, r.Size())
}

func TestDeregisterPreservesPoolOrder(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, "nina-1", "nina", 1)
	mustRegister(t, r, "nina-2", "nina", 1)
	mustRegister(t, r, "nina-3", "nina", 1)

	require.NoError(t, r.Deregister("nina-2"))

	instances := r.InstancesFor("nina")
	require.Len(t, instances, 2)
	assert.Equal(t, "nina-1", instances[0].ID())
	assert.Equal(t, "nina-3", instances[1].ID())

	_, err := r.Breaker("nina-2")
	assert.ErrorIs(t, err, ErrUnknownInstance)
	assert.ErrorIs(t, r.Deregister("nina-2"), ErrUnknownInstance)
}

func TestEligibleFiltersUnhealthy(t *testing.T) {
	r := newTestRegistry(t)
	a := mustRegister(t, r, "nina-a", "nina", 1)
	mustRegister(t, r, "nina-b", "nina", 1)
	mustRegister(t, r, "nina-c", "nina", 1)

	a.MarkProbeFailed("connect refused")

	for i := 0; i < 20; i++ {
		eligible := r.Eligible("nina")
		require.Len(t, eligible, 2)
		for _, inst := range eligible {
			assert.NotEqual(t, "nina-a", inst.ID(), "errored instance must never be eligible")
		}
	}
}

func TestEligibleFiltersFullLoad(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, "nina-a", "nina", 1)
	mustRegister(t, r, "nina-b", "nina", 2)

	ok, err := r.Reserve("nina-a")
	require.NoError(t, err)
	require.True(t, ok)

	eligible := r.Eligible("nina")
	require.Len(t, eligible, 1)
	assert.Equal(t, "nina-b", eligible[0].ID())

	require.NoError(t, r.Release("nina-a"))
	assert.Len(t, r.Eligible("nina"), 2)
}

func TestEligibleFiltersOpenCircuit(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, "nina-a", "nina", 1)
	mustRegister(t, r, "nina-b", "nina", 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.RecordFailure("nina-a"))
	}

	eligible := r.Eligible("nina")
	require.Len(t, eligible, 1)
	assert.Equal(t, "nina-b", eligible[0].ID())

	// A success on the breaker closes it and restores eligibility.
	require.NoError(t, r.RecordSuccess("nina-a"))
	assert.Len(t, r.Eligible("nina"), 2)
}

func TestEligibleUnknownTypeIsEmpty(t *testing.T) {
	r := newTestRegistry(t)
	assert.Empty(t, r.Eligible("oskar"))
}

func TestAllGroupsSortedByType(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, "oskar-1", "oskar", 1)
	mustRegister(t, r, "nina-1", "nina", 1)
	mustRegister(t, r, "nina-2", "nina", 1)

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "nina-1", all[0].ID())
	assert.Equal(t, "nina-2", all[1].ID())
	assert.Equal(t, "oskar-1", all[2].ID())

	assert.Equal(t, []string{"nina", "oskar"}, r.AgentTypes())
}

func TestStatusCounts(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, "nina-1", "nina", 1)
	b := mustRegister(t, r, "nina-2", "nina", 1)
	b.MarkProbeFailed("timeout")

	counts := r.StatusCounts()
	assert.Equal(t, 1, counts["nina"][StatusHealthy])
	assert.Equal(t, 1, counts["nina"][StatusError])
}
