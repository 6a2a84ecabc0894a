package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"agentpool/pkg/logx"
)

// Channel names accepted in configuration.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
)

// Notifier delivers one created alert to one channel. A returned error is
// logged and isolated by the engine; it never blocks other channels.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the component logger. It is the default
// channel and cannot fail.
type LogNotifier struct {
	logger *logx.Logger
}

// NewLogNotifier returns the logging channel.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logx.NewLogger("alerts")}
}

func (n *LogNotifier) Name() string { return ChannelLog }

// Notify logs the alert, critical severity at error level.
func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	if a.Severity == SeverityCritical {
		n.logger.Error("[%s] %s: %s", a.Severity, a.RuleName, a.Message)
		return nil
	}
	n.logger.Warn("[%s] %s: %s", a.Severity, a.RuleName, a.Message)
	return nil
}

// WebhookNotifier posts the alert as JSON to a configured URL, optionally
// with a bearer token. One attempt per alert; retry policy belongs to the
// receiver.
type WebhookNotifier struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhookNotifier returns the webhook channel with a 10s request timeout.
func NewWebhookNotifier(url, token string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Name() string { return ChannelWebhook }

// Notify posts the alert and treats any non-2xx answer as delivery failure.
func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
