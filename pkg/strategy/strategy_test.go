package strategy

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentpool/pkg/circuit"
	"agentpool/pkg/logx"
	"agentpool/pkg/pool"
)

// fixedSource feeds rand.Rand a scripted value sequence. Float64 divides
// Int63 output by 1<<63, so vals map to draws: 0 -> 0.0, 1<<61 -> 0.25,
// 1<<62 -> 0.5, 3<<61 -> 0.75.
type fixedSource struct {
	vals []int64
	idx  int
}

func (f *fixedSource) Int63() int64 {
	v := f.vals[f.idx%len(f.vals)]
	f.idx++
	return v
}

func (f *fixedSource) Seed(int64) {}

func newTestInstance(t *testing.T, id, agentType string, capacity int) *pool.Instance {
	t.Helper()
	inst, err := pool.NewInstance(pool.InstanceConfig{
		ID:        id,
		AgentType: agentType,
		Endpoint:  "http://127.0.0.1:9761",
		Capacity:  capacity,
	})
	require.NoError(t, err)
	return inst
}

func TestRoundRobinVisitsEachInstanceOncePerCycle(t *testing.T) {
	a := newTestInstance(t, "nina-1", "nina", 2)
	b := newTestInstance(t, "nina-2", "nina", 2)
	c := newTestInstance(t, "nina-3", "nina", 2)
	eligible := []*pool.Instance{a, b, c}

	s := NewRoundRobin()

	var firstCycle []string
	for i := 0; i < 3; i++ {
		firstCycle = append(firstCycle, s.Pick("nina", eligible, Hints{}).ID())
	}
	assert.ElementsMatch(t, []string{"nina-1", "nina-2", "nina-3"}, firstCycle)

	// The second cycle repeats the first in the same order.
	for i := 0; i < 3; i++ {
		assert.Equal(t, firstCycle[i], s.Pick("nina", eligible, Hints{}).ID())
	}
}

func TestRoundRobinCountersArePerAgentType(t *testing.T) {
	a := newTestInstance(t, "nina-1", "nina", 2)
	b := newTestInstance(t, "nina-2", "nina", 2)
	eligible := []*pool.Instance{a, b}

	s := NewRoundRobin()

	assert.Equal(t, "nina-1", s.Pick("nina", eligible, Hints{}).ID())

	// Advancing another agent type's counter must not disturb nina's cycle.
	x := newTestInstance(t, "oskar-1", "oskar", 2)
	y := newTestInstance(t, "oskar-2", "oskar", 2)
	s.Pick("oskar", []*pool.Instance{x, y}, Hints{})

	assert.Equal(t, "nina-2", s.Pick("nina", eligible, Hints{}).ID())
}

func TestLeastConnectionsPrefersIdlest(t *testing.T) {
	reg := pool.NewRegistry(circuit.DefaultConfig)
	a := newTestInstance(t, "nina-1", "nina", 3)
	b := newTestInstance(t, "nina-2", "nina", 3)
	c := newTestInstance(t, "nina-3", "nina", 3)
	for _, inst := range []*pool.Instance{a, b, c} {
		require.NoError(t, reg.Register(inst))
	}

	reserve := func(id string, n int) {
		for i := 0; i < n; i++ {
			ok, err := reg.Reserve(id)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
	reserve("nina-1", 2)
	reserve("nina-3", 1)

	s := NewLeastConnections()
	picked := s.Pick("nina", []*pool.Instance{a, b, c}, Hints{})
	assert.Equal(t, "nina-2", picked.ID())
}

func TestLeastConnectionsTieKeepsPoolOrder(t *testing.T) {
	a := newTestInstance(t, "nina-1", "nina", 3)
	b := newTestInstance(t, "nina-2", "nina", 3)

	s := NewLeastConnections()
	assert.Equal(t, "nina-1", s.Pick("nina", []*pool.Instance{a, b}, Hints{}).ID())
}

func TestWeightedResponseTimeFollowsDraw(t *testing.T) {
	slow := newTestInstance(t, "nina-1", "nina", 2)
	fast := newTestInstance(t, "nina-2", "nina", 2)
	slow.RecordOutcome(true, 100, 0) // weight 0.01
	fast.RecordOutcome(true, 50, 0)  // weight 0.02
	eligible := []*pool.Instance{slow, fast}

	// Draws 0.25, 0.75, 0.0 of the 0.03 total weight: the 0.25 and 0.0
	// draws land inside slow's 0.01 span, 0.75 lands in fast's.
	src := &fixedSource{vals: []int64{1 << 61, 3 << 61, 0}}
	s := NewWeightedResponseTime(rand.New(src))

	assert.Equal(t, "nina-1", s.Pick("nina", eligible, Hints{}).ID())
	assert.Equal(t, "nina-2", s.Pick("nina", eligible, Hints{}).ID())
	assert.Equal(t, "nina-1", s.Pick("nina", eligible, Hints{}).ID())
}

func TestWeightedResponseTimeFloorsUnsampledInstances(t *testing.T) {
	// No recorded outcomes means avg response time 0; both get the 1ms
	// floor and therefore equal weight.
	a := newTestInstance(t, "nina-1", "nina", 2)
	b := newTestInstance(t, "nina-2", "nina", 2)
	eligible := []*pool.Instance{a, b}

	src := &fixedSource{vals: []int64{1 << 61, 3 << 61}}
	s := NewWeightedResponseTime(rand.New(src))

	assert.Equal(t, "nina-1", s.Pick("nina", eligible, Hints{}).ID())
	assert.Equal(t, "nina-2", s.Pick("nina", eligible, Hints{}).ID())
}

func TestAdaptivePicksHigherSuccessRate(t *testing.T) {
	a := newTestInstance(t, "nina-1", "nina", 2)
	b := newTestInstance(t, "nina-2", "nina", 2)

	// Identical response times and costs; only the success rates diverge.
	a.RecordOutcome(true, 100, 0)
	a.RecordOutcome(true, 100, 0)
	b.RecordOutcome(true, 100, 0)
	b.RecordOutcome(false, 100, 0)

	require.Greater(t, Score(a, Hints{}), Score(b, Hints{}))

	s := NewAdaptive()
	picked := s.Pick("nina", []*pool.Instance{b, a}, Hints{})
	assert.Equal(t, "nina-1", picked.ID())
}

func TestAdaptivePrefersHeadroom(t *testing.T) {
	reg := pool.NewRegistry(circuit.DefaultConfig)
	a := newTestInstance(t, "nina-1", "nina", 2)
	b := newTestInstance(t, "nina-2", "nina", 2)
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	ok, err := reg.Reserve("nina-1")
	require.NoError(t, err)
	require.True(t, ok)

	s := NewAdaptive()
	assert.Equal(t, "nina-2", s.Pick("nina", []*pool.Instance{a, b}, Hints{}).ID())
}

func TestAdaptiveScoreMultipliers(t *testing.T) {
	inst := newTestInstance(t, "nina-1", "nina", 2)
	inst.RecordOutcome(true, 100, 0)

	base := Score(inst, Hints{})
	assert.InDelta(t, 0.703, base, 1e-9)
	assert.InDelta(t, base*2.0, Score(inst, Hints{Priority: PriorityUrgent}), 1e-9)
	assert.InDelta(t, base*1.5, Score(inst, Hints{Complexity: ComplexityComplex}), 1e-9)
	assert.InDelta(t, base*3.0, Score(inst, Hints{Priority: PriorityUrgent, Complexity: ComplexityComplex}), 1e-9)
}

func TestAdaptiveTieKeepsPoolOrder(t *testing.T) {
	a := newTestInstance(t, "nina-1", "nina", 2)
	b := newTestInstance(t, "nina-2", "nina", 2)

	s := NewAdaptive()
	assert.Equal(t, "nina-1", s.Pick("nina", []*pool.Instance{a, b}, Hints{}).ID())
}

func TestEmptyEligibleReturnsNil(t *testing.T) {
	for _, s := range []Strategy{NewRoundRobin(), NewLeastConnections(), NewWeightedResponseTime(nil), NewAdaptive()} {
		assert.Nil(t, s.Pick("nina", nil, Hints{}), "strategy %s", s.Name())
	}
}

func TestNewFallsBackToRoundRobin(t *testing.T) {
	logger := logx.NewLogger("strategy-test")

	s := New("fancy_pants", nil, logger)
	assert.Equal(t, NameRoundRobin, s.Name())

	// Empty name means "use the default".
	assert.Equal(t, NameRoundRobin, New("", nil, logger).Name())
}

func TestNewReturnsNamedStrategies(t *testing.T) {
	for _, name := range Names() {
		s := New(name, nil, nil)
		assert.Equal(t, name, s.Name())
		assert.True(t, Valid(name))
	}
	assert.False(t, Valid("fancy_pants"))
}
