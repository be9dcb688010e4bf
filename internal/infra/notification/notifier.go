package notification

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openctemio/sast-triage/internal/config"
	"github.com/openctemio/sast-triage/internal/metrics"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

const sendTimeout = 30 * time.Second

// ScanNotifier sends a message when a scan reaches one of the configured
// statuses. Delivery is asynchronous; Close waits for in-flight sends.
type ScanNotifier struct {
	client  Client
	on      map[triage.Status]bool
	baseURL string
	logger  *logger.Logger

	wg sync.WaitGroup
}

// NewScanNotifier creates a notifier over client.
func NewScanNotifier(client Client, cfg config.NotifyConfig, log *logger.Logger) *ScanNotifier {
	on := make(map[triage.Status]bool, len(cfg.On))
	for _, s := range cfg.On {
		on[triage.Status(s)] = true
	}
	return &ScanNotifier{
		client:  client,
		on:      on,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  log.With("component", "notifier", "provider", client.Provider()),
	}
}

// NewScanNotifierFromConfig builds the client named by cfg. It returns nil
// when notifications are disabled.
func NewScanNotifierFromConfig(cfg config.NotifyConfig, log *logger.Logger) (*ScanNotifier, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client, err := NewClient(Provider(cfg.Provider), cfg.WebhookURL)
	if err != nil {
		return nil, err
	}
	return NewScanNotifier(client, cfg, log), nil
}

// PublishScan implements app.ScanEventPublisher.
func (n *ScanNotifier) PublishScan(ctx context.Context, scan *triage.Scan) {
	if !n.on[scan.Status()] {
		return
	}
	msg := n.buildMessage(scan)
	scanID := scan.ID().String()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()

		res, err := n.client.Send(sendCtx, msg)
		switch {
		case err != nil:
			metrics.NotificationsSent.WithLabelValues(n.client.Provider(), "error").Inc()
			n.logger.Warn("scan notification failed", "scan_id", scanID, "error", err)
		case !res.Success:
			metrics.NotificationsSent.WithLabelValues(n.client.Provider(), "rejected").Inc()
			n.logger.Warn("scan notification rejected", "scan_id", scanID, "reason", res.Error)
		default:
			metrics.NotificationsSent.WithLabelValues(n.client.Provider(), "sent").Inc()
			n.logger.Debug("scan notification sent", "scan_id", scanID, "status", msg.Status)
		}
	}()
}

// Close waits for pending deliveries.
func (n *ScanNotifier) Close() {
	n.wg.Wait()
}

func (n *ScanNotifier) buildMessage(scan *triage.Scan) Message {
	status := string(scan.Status())
	project := scan.ProjectKey()
	if project == "" {
		project = scan.ConfigurationID().String()
	}

	c := scan.Counts()
	msg := Message{
		Title:  fmt.Sprintf("Scan %s: %s", status, project),
		Body:   scan.Message(),
		Status: status,
		Fields: []Field{
			{Name: "Findings", Value: fmt.Sprintf("%d/%d", c.Processed(), c.Total)},
			{Name: "False positives", Value: strconv.Itoa(c.FalsePositives)},
			{Name: "True positives", Value: strconv.Itoa(c.TruePositives)},
			{Name: "Needs review", Value: strconv.Itoa(c.NeedsReview)},
		},
		FooterText: "Scan " + scan.ID().String(),
	}
	if e := scan.ErrorMessage(); e != nil {
		msg.Fields = append(msg.Fields, Field{Name: "Error", Value: *e})
	}
	if n.baseURL != "" {
		msg.URL = n.baseURL + "/api/v1/scans/" + scan.ID().String()
	}
	return msg
}
