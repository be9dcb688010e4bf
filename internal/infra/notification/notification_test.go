package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/openctemio/sast-triage/internal/config"
	"github.com/openctemio/sast-triage/internal/metrics"
	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

type capture struct {
	mu     sync.Mutex
	bodies []string
	status int
}

func (c *capture) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, string(body))
		status := c.status
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *capture) setStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = code
}

func (c *capture) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bodies...)
}

func counterValue(t *testing.T, provider, result string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.NotificationsSent.WithLabelValues(provider, result).Write(&m))
	return m.GetCounter().GetValue()
}

func completedScan(t *testing.T) *triage.Scan {
	t.Helper()
	scan := triage.NewScan(shared.NewID())
	require.NoError(t, scan.Start())
	require.NoError(t, scan.FreezeFindings([]triage.Finding{
		{Key: "AX-1", FilePath: "src/db.go", Rule: "go:S2077", Kind: triage.KindVulnerability},
		{Key: "AX-2", FilePath: "src/db.go", Rule: "go:S2077", Kind: triage.KindVulnerability},
	}, "acme_api"))
	require.NoError(t, scan.RecordOutcome(triage.VerdictFalsePositive))
	require.NoError(t, scan.RecordOutcome(triage.VerdictTruePositive))
	require.NoError(t, scan.Complete())
	return scan
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(ProviderSlack, "https://hooks.slack.com/x")
	require.NoError(t, err)
	assert.Equal(t, "slack", c.Provider())

	_, err = NewClient(ProviderWebhook, "")
	assert.Error(t, err)

	_, err = NewClient("pager", "https://example.com")
	assert.Error(t, err)
}

func TestWebhookClient_Send(t *testing.T) {
	rec := &capture{}
	client, err := NewWebhookClient(rec.server(t).URL)
	require.NoError(t, err)

	res, err := client.Send(context.Background(), Message{
		Title: "Scan completed: acme_api", Status: "completed",
		Fields: []Field{{Name: "Findings", Value: "2/2"}},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	body := rec.all()[0]
	assert.Equal(t, "scan.completed", gjson.Get(body, "event_type").String())
	assert.Equal(t, "2/2", gjson.Get(body, "fields.Findings").String())
	assert.Equal(t, StatusColor("completed"), gjson.Get(body, "color").String())

	rec.setStatus(http.StatusInternalServerError)
	res, err = client.Send(context.Background(), Message{Title: "x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "500")
}

func TestSlackClient_BuildMessage(t *testing.T) {
	client, err := NewSlackClient("https://hooks.slack.com/x")
	require.NoError(t, err)

	raw, err := json.Marshal(client.buildMessage(Message{
		Title:      "Scan failed: acme_api",
		Body:       "SonarQube unreachable",
		Status:     "failed",
		URL:        "https://triage.example.com/api/v1/scans/1",
		Fields:     []Field{{Name: "Findings", Value: "0/0"}, {Name: "Error", Value: "timeout"}},
		FooterText: "Scan 1",
	}))
	require.NoError(t, err)
	doc := string(raw)

	assert.Equal(t, "Scan failed: acme_api", gjson.Get(doc, "text").String())
	assert.Equal(t, StatusColor("failed"), gjson.Get(doc, "attachments.0.color").String())
	blocks := gjson.Get(doc, "attachments.0.blocks")
	assert.Equal(t, []string{"header", "section", "section", "actions", "context"}, toStrings(blocks.Get("#.type").Array()))
	assert.Equal(t, "*Error:*\ntimeout", blocks.Get("2.fields.1.text").String(), "field order is preserved")
	assert.Equal(t, "https://triage.example.com/api/v1/scans/1", blocks.Get("3.elements.0.url").String())
	assert.Equal(t, "Scan 1", blocks.Get("4.elements.0.text").String())
}

func toStrings(rs []gjson.Result) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.String())
	}
	return out
}

func TestScanNotifier(t *testing.T) {
	rec := &capture{}
	client, err := NewWebhookClient(rec.server(t).URL)
	require.NoError(t, err)

	n := NewScanNotifier(client, config.NotifyConfig{
		Provider: "webhook",
		On:       []string{"completed"},
		BaseURL:  "https://triage.example.com/",
	}, logger.NewNop())

	before := counterValue(t, "webhook", "sent")

	pending := triage.NewScan(shared.NewID())
	n.PublishScan(context.Background(), pending)

	scan := completedScan(t)
	ctx, cancel := context.WithCancel(context.Background())
	n.PublishScan(ctx, scan)
	cancel() // delivery outlives the caller's context
	n.Close()

	bodies := rec.all()
	require.Len(t, bodies, 1, "only configured statuses notify")
	assert.Equal(t, "Scan completed: acme_api", gjson.Get(bodies[0], "title").String())
	assert.Equal(t, "1", gjson.Get(bodies[0], "fields.False positives").String())
	assert.Equal(t, "https://triage.example.com/api/v1/scans/"+scan.ID().String(), gjson.Get(bodies[0], "url").String())
	assert.Equal(t, before+1, counterValue(t, "webhook", "sent"))
}

func TestNewScanNotifierFromConfig(t *testing.T) {
	n, err := NewScanNotifierFromConfig(config.NotifyConfig{}, logger.NewNop())
	require.NoError(t, err)
	assert.Nil(t, n)

	n, err = NewScanNotifierFromConfig(config.NotifyConfig{Provider: "slack", WebhookURL: "https://hooks.slack.com/x"}, logger.NewNop())
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "slack", n.client.Provider())
}
