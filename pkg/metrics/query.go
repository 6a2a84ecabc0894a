package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// AgentTypeUsage aggregates what one agent type consumed over a window, as
// seen by an external Prometheus server scraping this process.
type AgentTypeUsage struct {
	AgentType           string  `json:"agent_type"`
	Requests            int64   `json:"requests"`
	Failures            int64   `json:"failures"`
	TotalCostCents      float64 `json:"total_cost_cents"`
	P95ExecutionSeconds float64 `json:"p95_execution_seconds"`
}

// QueryService answers aggregate usage questions from a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a usage query service against a Prometheus base URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetAgentTypeUsage retrieves request, failure, cost, and latency aggregates
// for one agent type over the given lookback window.
func (q *QueryService) GetAgentTypeUsage(ctx context.Context, agentType string, window time.Duration) (*AgentTypeUsage, error) {
	usage := &AgentTypeUsage{
		AgentType: agentType,
	}
	rangeStr := model.Duration(window).String()

	// Total reported executions.
	requestsQuery := fmt.Sprintf(`sum(increase(execution_outcomes_total{agent_type=%q}[%s]))`, agentType, rangeStr)
	requestsResult, _, err := q.queryAPI.Query(ctx, requestsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	if vector, ok := requestsResult.(model.Vector); ok && len(vector) > 0 {
		usage.Requests = int64(vector[0].Value)
	}

	// Failed executions.
	failuresQuery := fmt.Sprintf(`sum(increase(execution_outcomes_total{agent_type=%q, status="error"}[%s]))`, agentType, rangeStr)
	failuresResult, _, err := q.queryAPI.Query(ctx, failuresQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	if vector, ok := failuresResult.(model.Vector); ok && len(vector) > 0 {
		usage.Failures = int64(vector[0].Value)
	}

	// Total cost.
	costQuery := fmt.Sprintf(`sum(increase(execution_cost_cents_total{agent_type=%q}[%s]))`, agentType, rangeStr)
	costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query cost: %w", err)
	}
	if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
		usage.TotalCostCents = float64(vector[0].Value)
	}

	// 95th percentile execution latency.
	p95Query := fmt.Sprintf(
		`histogram_quantile(0.95, sum(rate(execution_duration_seconds_bucket{agent_type=%q}[%s])) by (le))`,
		agentType, rangeStr,
	)
	p95Result, _, err := q.queryAPI.Query(ctx, p95Query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query p95 latency: %w", err)
	}
	if vector, ok := p95Result.(model.Vector); ok && len(vector) > 0 {
		usage.P95ExecutionSeconds = float64(vector[0].Value)
	}

	return usage, nil
}
