package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaTransport probes an Ollama server through its API client: a
// heartbeat confirms the server answers, and the running-model listing
// doubles as a load reading (each loaded model is one unit of load).
type OllamaTransport struct {
	httpClient *http.Client
}

// NewOllamaTransport returns an Ollama transport. A nil client uses
// http.DefaultClient.
func NewOllamaTransport(client *http.Client) *OllamaTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaTransport{httpClient: client}
}

// Check verifies the Ollama server is alive and reads its running models.
func (t *OllamaTransport) Check(ctx context.Context, endpoint string) (Report, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return Report{}, fmt.Errorf("parse ollama endpoint: %w", err)
	}
	client := api.NewClient(parsed, t.httpClient)

	start := time.Now()
	if err := client.Heartbeat(ctx); err != nil {
		return Report{}, fmt.Errorf("ollama heartbeat: %w", err)
	}

	running, err := client.ListRunning(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("ollama list running models: %w", err)
	}

	return Report{
		Status:         "healthy",
		ResponseTimeMs: float64(time.Since(start)) / float64(time.Millisecond),
		CurrentLoad:    len(running.Models),
	}, nil
}
