// Package metrics provides the in-memory measurement log for the pool plus
// the telemetry recorder interface and its Prometheus implementation.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Metric names appended by the dispatcher and prober.
const (
	MetricResponseTime = "response_time"
	MetricSuccessCount = "success_count"
	MetricErrorCount   = "error_count"
	MetricCost         = "cost"
	MetricQueueLength  = "queue_length"
)

// Point is one immutable, time-stamped measurement.
type Point struct {
	Timestamp time.Time         `json:"timestamp"`
	AgentType string            `json:"agent_type"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// bucketKey identifies the (agent type, metric name) append bucket.
type bucketKey struct {
	agentType string
	name      string
}

// Store is the append-only metrics log with retention-based pruning. Points
// within a bucket are kept in insertion order; producers append with
// monotonically non-decreasing timestamps.
type Store struct {
	mu        sync.RWMutex
	buckets   map[bucketKey][]Point
	maxBucket int
}

// DefaultMaxBucket bounds a single bucket between retention sweeps.
const DefaultMaxBucket = 10000

// NewStore creates an empty metrics store.
func NewStore() *Store {
	return &Store{
		buckets:   make(map[bucketKey][]Point),
		maxBucket: DefaultMaxBucket,
	}
}

// Add appends a point to its bucket. A zero timestamp is stamped with the
// current time. When a bucket exceeds its cap the oldest points are dropped.
func (s *Store) Add(p Point) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{agentType: p.AgentType, name: p.Name}
	bucket := append(s.buckets[key], p)
	if len(bucket) > s.maxBucket {
		bucket = bucket[len(bucket)-s.maxBucket:]
	}
	s.buckets[key] = bucket
}

// Record is shorthand for Add with the current timestamp.
func (s *Store) Record(agentType, name string, value float64, tags map[string]string) {
	s.Add(Point{
		Timestamp: time.Now(),
		AgentType: agentType,
		Name:      name,
		Value:     value,
		Tags:      tags,
	})
}

// Query returns the points of one bucket inside [from, to]. Zero bounds are
// open ends.
func (s *Store) Query(agentType, name string, from, to time.Time) []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Point
	for _, p := range s.buckets[bucketKey{agentType: agentType, name: name}] {
		if inRange(p.Timestamp, from, to) {
			out = append(out, p)
		}
	}
	return out
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}

// values collects matching values. Callers hold no lock.
func (s *Store) values(agentType, name string, from, to time.Time) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []float64
	for _, p := range s.buckets[bucketKey{agentType: agentType, name: name}] {
		if inRange(p.Timestamp, from, to) {
			out = append(out, p.Value)
		}
	}
	return out
}

// Average returns the arithmetic mean of matching values, 0 when none match.
func (s *Store) Average(agentType, name string, from, to time.Time) float64 {
	values := s.values(agentType, name, from, to)
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Percentile returns the p-th percentile (p in [0,1]) of matching values:
// sorted ascending, values[ceil(n*p)-1], index clamped to the valid range.
// Returns 0 when no values match.
func (s *Store) Percentile(agentType, name string, from, to time.Time, p float64) float64 {
	values := s.values(agentType, name, from, to)
	return percentileOf(values, p)
}

// percentileOf implements the percentile rule on a value slice.
func percentileOf(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	idx := int(math.Ceil(float64(n)*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Sum returns the sum of matching values.
func (s *Store) Sum(agentType, name string, from, to time.Time) float64 {
	var sum float64
	for _, v := range s.values(agentType, name, from, to) {
		sum += v
	}
	return sum
}

// Count returns the number of matching points.
func (s *Store) Count(agentType, name string, from, to time.Time) int {
	return len(s.values(agentType, name, from, to))
}

// AgentTypes returns the distinct agent types present in the store.
func (s *Store) AgentTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for key := range s.buckets {
		seen[key.agentType] = true
	}
	types := make([]string, 0, len(seen))
	for agentType := range seen {
		types = append(types, agentType)
	}
	sort.Strings(types)
	return types
}

// Cleanup removes points older than the cutoff from every bucket and
// returns how many were dropped. Empty buckets are deleted.
func (s *Store) Cleanup(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key, bucket := range s.buckets {
		keep := bucket[:0]
		for _, p := range bucket {
			if p.Timestamp.Before(cutoff) {
				dropped++
				continue
			}
			keep = append(keep, p)
		}
		if len(keep) == 0 {
			delete(s.buckets, key)
		} else {
			s.buckets[key] = keep
		}
	}
	return dropped
}

// Summary aggregates one agent type's bucket set over a time range.
type Summary struct {
	AgentType         string  `json:"agent_type,omitempty"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	P50ResponseTimeMs float64 `json:"p50_response_time_ms"`
	P95ResponseTimeMs float64 `json:"p95_response_time_ms"`
	P99ResponseTimeMs float64 `json:"p99_response_time_ms"`
	SuccessCount      int     `json:"success_count"`
	ErrorCount        int     `json:"error_count"`
	SuccessRate       float64 `json:"success_rate"`
	TotalCostCents    float64 `json:"total_cost_cents"`
}

// AgentSummary derives the standard aggregate view for one agent type.
// Empty buckets yield zeroed fields, never an error.
func (s *Store) AgentSummary(agentType string, from, to time.Time) Summary {
	rt := s.values(agentType, MetricResponseTime, from, to)

	successes := int(s.Sum(agentType, MetricSuccessCount, from, to))
	errors := int(s.Sum(agentType, MetricErrorCount, from, to))

	summary := Summary{
		AgentType:         agentType,
		AvgResponseTimeMs: meanOf(rt),
		P50ResponseTimeMs: percentileOf(rt, 0.50),
		P95ResponseTimeMs: percentileOf(rt, 0.95),
		P99ResponseTimeMs: percentileOf(rt, 0.99),
		SuccessCount:      successes,
		ErrorCount:        errors,
		TotalCostCents:    s.Sum(agentType, MetricCost, from, to),
	}
	if total := successes + errors; total > 0 {
		summary.SuccessRate = float64(successes) / float64(total)
	}
	return summary
}

// SystemSummary aggregates across every agent type in the store.
func (s *Store) SystemSummary(from, to time.Time) Summary {
	var rt []float64
	var successes, errors int
	var cost float64

	for _, agentType := range s.AgentTypes() {
		rt = append(rt, s.values(agentType, MetricResponseTime, from, to)...)
		successes += int(s.Sum(agentType, MetricSuccessCount, from, to))
		errors += int(s.Sum(agentType, MetricErrorCount, from, to))
		cost += s.Sum(agentType, MetricCost, from, to)
	}

	summary := Summary{
		AvgResponseTimeMs: meanOf(rt),
		P50ResponseTimeMs: percentileOf(rt, 0.50),
		P95ResponseTimeMs: percentileOf(rt, 0.95),
		P99ResponseTimeMs: percentileOf(rt, 0.99),
		SuccessCount:      successes,
		ErrorCount:        errors,
		TotalCostCents:    cost,
	}
	if total := successes + errors; total > 0 {
		summary.SuccessRate = float64(successes) / float64(total)
	}
	return summary
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
