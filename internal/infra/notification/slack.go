package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// SlackClient posts Block Kit messages to a Slack incoming webhook.
type SlackClient struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlackClient creates a new Slack notification client.
func NewSlackClient(webhookURL string) (*SlackClient, error) {
	if webhookURL == "" {
		return nil, errors.New("slack webhook URL is required")
	}
	return &SlackClient{webhookURL: webhookURL, httpClient: newHTTPClient()}, nil
}

// Provider returns the provider name.
func (c *SlackClient) Provider() string {
	return string(ProviderSlack)
}

type slackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackBlock struct {
	Type     string           `json:"type"`
	Text     *slackTextBlock  `json:"text,omitempty"`
	Elements []any            `json:"elements,omitempty"` // slackButton or slackTextBlock
	Fields   []slackTextBlock `json:"fields,omitempty"`
}

type slackTextBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackButton struct {
	Type string         `json:"type"`
	Text slackTextBlock `json:"text"`
	URL  string         `json:"url"`
}

type slackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Blocks []slackBlock `json:"blocks,omitempty"`
}

// Send posts msg to Slack.
func (c *SlackClient) Send(ctx context.Context, msg Message) (*SendResult, error) {
	payload, err := json.Marshal(c.buildMessage(msg))
	if err != nil {
		return nil, fmt.Errorf("marshal slack message: %w", err)
	}
	return post(ctx, c.httpClient, c.webhookURL, payload, func(code int) bool {
		return code == http.StatusOK
	})
}

func (c *SlackClient) buildMessage(msg Message) slackMessage {
	blocks := make([]slackBlock, 0, 5)

	if msg.Title != "" {
		blocks = append(blocks, slackBlock{
			Type: "header",
			Text: &slackTextBlock{Type: "plain_text", Text: StatusEmoji(msg.Status) + " " + msg.Title, Emoji: true},
		})
	}
	if msg.Body != "" {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackTextBlock{Type: "mrkdwn", Text: msg.Body},
		})
	}
	if len(msg.Fields) > 0 {
		fields := make([]slackTextBlock, 0, len(msg.Fields))
		for _, f := range msg.Fields {
			fields = append(fields, slackTextBlock{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", f.Name, f.Value)})
		}
		blocks = append(blocks, slackBlock{Type: "section", Fields: fields})
	}
	if msg.URL != "" {
		blocks = append(blocks, slackBlock{
			Type: "actions",
			Elements: []any{slackButton{
				Type: "button",
				Text: slackTextBlock{Type: "plain_text", Text: "View scan"},
				URL:  msg.URL,
			}},
		})
	}
	if msg.FooterText != "" {
		blocks = append(blocks, slackBlock{
			Type:     "context",
			Elements: []any{slackTextBlock{Type: "mrkdwn", Text: msg.FooterText}},
		})
	}

	return slackMessage{
		// Fallback for clients that do not render blocks.
		Text:        msg.Title,
		Attachments: []slackAttachment{{Color: StatusColor(msg.Status), Blocks: blocks}},
	}
}
