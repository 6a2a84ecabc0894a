// Package probe implements the periodic health checks that keep the
// registry's view of each worker instance fresh. Probes run concurrently and
// independently: one slow or failing worker never delays or fails the rest
// of the batch.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Report is the health document one probe extracts from a worker. Field
// names follow the health endpoint contract workers expose.
type Report struct {
	Status            string   `json:"status"`
	ResponseTimeMs    float64  `json:"responseTimeMs"`
	ErrorRate24h      float64  `json:"errorRate24h"`
	CurrentLoad       int      `json:"currentLoad"`
	AvailableCapacity int      `json:"availableCapacity"`
	QueueLength       int      `json:"queueLength"`
	Alerts            []string `json:"alerts,omitempty"`
}

// Transport performs one bounded health call against a worker endpoint.
// Implementations must honor ctx cancellation and return an error for any
// outcome that should count as a failed probe.
type Transport interface {
	Check(ctx context.Context, endpoint string) (Report, error)
}

// HTTPTransport probes the generic worker contract: GET {endpoint}/health
// answering 2xx with a JSON Report body.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport returns an HTTP transport. A nil client uses
// http.DefaultClient; per-probe deadlines come from the context.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client}
}

// Check fetches and decodes the worker's health document.
func (t *HTTPTransport) Check(ctx context.Context, endpoint string) (Report, error) {
	url := strings.TrimRight(endpoint, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Report{}, fmt.Errorf("build health request: %w", err)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("health call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Report{}, fmt.Errorf("health endpoint returned %s", resp.Status)
	}

	var report Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return Report{}, fmt.Errorf("decode health response: %w", err)
	}

	// A 200 with a sparse body still means the worker is up.
	if report.Status == "" {
		report.Status = "healthy"
	}
	if report.ResponseTimeMs <= 0 {
		report.ResponseTimeMs = float64(time.Since(start)) / float64(time.Millisecond)
	}
	return report, nil
}
