// Package notification announces scan outcomes to chat and webhook endpoints.
package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Message is a provider-neutral notification.
type Message struct {
	Title      string
	Body       string
	Status     string // scan status driving the color
	URL        string // optional link
	Fields     []Field
	FooterText string
}

// Field is one labelled value. Order is preserved when rendered.
type Field struct {
	Name  string
	Value string
}

// SendResult is the outcome of a delivery attempt.
type SendResult struct {
	Success bool
	Error   string
}

// Client delivers messages to one provider.
type Client interface {
	// Send delivers msg. Provider rejections are reported in the result,
	// not as an error.
	Send(ctx context.Context, msg Message) (*SendResult, error)

	// Provider returns the provider name.
	Provider() string
}

// Provider names a notification provider.
type Provider string

const (
	ProviderSlack   Provider = "slack"
	ProviderWebhook Provider = "webhook"
)

// NewClient creates the client for provider.
func NewClient(provider Provider, webhookURL string) (Client, error) {
	switch provider {
	case ProviderSlack:
		return NewSlackClient(webhookURL)
	case ProviderWebhook:
		return NewWebhookClient(webhookURL)
	default:
		return nil, fmt.Errorf("unsupported notification provider: %s", provider)
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// StatusColor returns a hex color for a scan status.
func StatusColor(status string) string {
	switch status {
	case "completed":
		return "#16a34a" // Green
	case "failed":
		return "#dc2626" // Red
	case "paused":
		return "#ca8a04" // Yellow
	default:
		return "#6b7280" // Gray
	}
}

// StatusEmoji returns an emoji for a scan status.
func StatusEmoji(status string) string {
	switch status {
	case "completed":
		return "✅"
	case "failed":
		return "\U0001F6A8"
	case "paused":
		return "⏸️"
	default:
		return "⏹️"
	}
}
