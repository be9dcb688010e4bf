package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookClient posts a generic JSON payload.
type WebhookClient struct {
	webhookURL string
	httpClient *http.Client
}

// NewWebhookClient creates a new generic webhook notification client.
func NewWebhookClient(webhookURL string) (*WebhookClient, error) {
	if webhookURL == "" {
		return nil, errors.New("webhook URL is required")
	}
	return &WebhookClient{webhookURL: webhookURL, httpClient: newHTTPClient()}, nil
}

// Provider returns the provider name.
func (c *WebhookClient) Provider() string {
	return string(ProviderWebhook)
}

// WebhookPayload is the JSON body sent to the webhook.
type WebhookPayload struct {
	EventType string            `json:"event_type"`
	Timestamp string            `json:"timestamp"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Status    string            `json:"status"`
	URL       string            `json:"url,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Color     string            `json:"color,omitempty"`
	Source    string            `json:"source"`
}

// Send posts msg to the webhook. Any 2xx answer is a success.
func (c *WebhookClient) Send(ctx context.Context, msg Message) (*SendResult, error) {
	payload, err := json.Marshal(c.buildPayload(msg))
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}
	return post(ctx, c.httpClient, c.webhookURL, payload, func(code int) bool {
		return code >= 200 && code < 300
	})
}

func (c *WebhookClient) buildPayload(msg Message) WebhookPayload {
	var fields map[string]string
	if len(msg.Fields) > 0 {
		fields = make(map[string]string, len(msg.Fields))
		for _, f := range msg.Fields {
			fields[f.Name] = f.Value
		}
	}
	return WebhookPayload{
		EventType: "scan." + msg.Status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Title:     msg.Title,
		Body:      msg.Body,
		Status:    msg.Status,
		URL:       msg.URL,
		Fields:    fields,
		Color:     StatusColor(msg.Status),
		Source:    "sast-triage",
	}
}

// post sends a JSON payload and classifies the answer with ok.
func post(ctx context.Context, client *http.Client, url string, payload []byte, ok func(int) bool) (*SendResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sast-triage-notifier/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return &SendResult{Error: fmt.Sprintf("send request failed: %v", err)}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	// Limit response body to 1MB.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if !ok(resp.StatusCode) {
		return &SendResult{Error: fmt.Sprintf("endpoint returned status %d: %s", resp.StatusCode, string(body))}, nil
	}
	return &SendResult{Success: true}, nil
}
