package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAITransport probes an OpenAI-compatible serving endpoint (vLLM,
// gateway proxies) by listing its models: a worker that answers the models
// call within the deadline is considered up.
type OpenAITransport struct {
	apiKey string
}

// NewOpenAITransport returns an OpenAI-compatible transport. The key may be
// empty for unauthenticated local servers.
func NewOpenAITransport(apiKey string) *OpenAITransport {
	return &OpenAITransport{apiKey: apiKey}
}

// Check lists the models served at endpoint.
func (t *OpenAITransport) Check(ctx context.Context, endpoint string) (Report, error) {
	client := openai.NewClient(
		option.WithBaseURL(endpoint),
		option.WithAPIKey(t.apiKey),
	)

	start := time.Now()
	page, err := client.Models.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("openai models list: %w", err)
	}
	if len(page.Data) == 0 {
		return Report{}, errors.New("endpoint serves no models")
	}

	return Report{
		Status:         "healthy",
		ResponseTimeMs: float64(time.Since(start)) / float64(time.Millisecond),
	}, nil
}
