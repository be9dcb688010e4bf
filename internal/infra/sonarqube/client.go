// Package sonarqube fetches vulnerabilities and security hotspots from SonarQube or SonarCloud.
package sonarqube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

const (
	maxPageSize    = 500
	defaultTimeout = 60 * time.Second
)

// Errors
var (
	ErrProjectNotFound  = shared.NewDomainError("PROJECT_NOT_FOUND", "no SonarQube project matches the configured name", shared.ErrNotFound)
	ErrProjectAmbiguous = shared.NewDomainError("PROJECT_AMBIGUOUS", "several SonarQube projects match the configured name", shared.ErrValidation)
	ErrInvalidResponse  = errors.New("invalid sonarqube response")
)

// APIError is a non-2xx answer from SonarQube.
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sonarqube %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sonarqube %s: status %d", e.Endpoint, e.StatusCode)
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is a SonarQube Web API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	pageSize   int
}

// NewClient creates a new client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		pageSize:   maxPageSize,
	}
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (gjson.Result, error) {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("sonarqube %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "errors.0.msg").String()
		return gjson.Result{}, &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint, Message: msg}
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%w: %s returned malformed JSON", ErrInvalidResponse, endpoint)
	}
	return gjson.ParseBytes(body), nil
}

// paginate walks pages of endpoint until pageIndex*pageSize reaches the reported total.
func (c *Client) paginate(ctx context.Context, endpoint string, params url.Values, items string, fn func(gjson.Result)) error {
	for page := 1; ; page++ {
		params.Set("p", strconv.Itoa(page))
		params.Set("ps", strconv.Itoa(c.pageSize))

		data, err := c.get(ctx, endpoint, params)
		if err != nil {
			return err
		}

		batch := data.Get(items).Array()
		for _, item := range batch {
			fn(item)
		}

		total := data.Get("paging.total")
		if !total.Exists() {
			total = data.Get("total")
		}
		pageIndex := data.Get("paging.pageIndex").Int()
		if pageIndex == 0 {
			pageIndex = int64(page)
		}
		pageSize := data.Get("paging.pageSize").Int()
		if pageSize == 0 {
			pageSize = int64(c.pageSize)
		}

		if len(batch) == 0 || pageIndex*pageSize >= total.Int() {
			return nil
		}
	}
}

// ListFindings returns the project's vulnerabilities followed by its security hotspots,
// each in the order SonarQube reports them.
func (c *Client) ListFindings(ctx context.Context, projectKey string) ([]triage.Finding, error) {
	var findings []triage.Finding

	err := c.paginate(ctx, "/api/issues/search", url.Values{
		"componentKeys": {projectKey},
		"types":         {string(triage.KindVulnerability)},
	}, "issues", func(issue gjson.Result) {
		findings = append(findings, parseIssue(issue))
	})
	if err != nil {
		return nil, fmt.Errorf("fetch vulnerabilities: %w", err)
	}

	err = c.paginate(ctx, "/api/hotspots/search", url.Values{
		"projectKey": {projectKey},
	}, "hotspots", func(h gjson.Result) {
		findings = append(findings, parseHotspot(h))
	})
	if err != nil {
		return nil, fmt.Errorf("fetch security hotspots: %w", err)
	}

	return findings, nil
}

// ResolveProject finds the key of the project whose name matches exactly, ignoring case.
func (c *Client) ResolveProject(ctx context.Context, name string) (string, error) {
	data, err := c.get(ctx, "/api/components/search", url.Values{
		"qualifiers": {"TRK"},
		"q":          {name},
		"ps":         {strconv.Itoa(maxPageSize)},
	})
	if err != nil {
		return "", fmt.Errorf("resolve project: %w", err)
	}

	var keys []string
	for _, comp := range data.Get("components").Array() {
		if strings.EqualFold(comp.Get("name").String(), name) {
			keys = append(keys, comp.Get("key").String())
		}
	}

	switch len(keys) {
	case 0:
		return "", ErrProjectNotFound
	case 1:
		return keys[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrProjectAmbiguous, strings.Join(keys, ", "))
	}
}

// TestConnection fetches a single issue to verify URL, token and project.
func (c *Client) TestConnection(ctx context.Context, projectKey, projectName string) triage.ConnectionResult {
	if projectKey == "" && projectName != "" {
		key, err := c.ResolveProject(ctx, projectName)
		if err != nil {
			return connectionFailure(err, c.baseURL)
		}
		projectKey = key
	}
	if projectKey == "" {
		return triage.ConnectionFailed(triage.ErrorTypeConfiguration, "SonarQube project key or name is required", nil)
	}

	data, err := c.get(ctx, "/api/issues/search", url.Values{
		"componentKeys": {projectKey},
		"types":         {string(triage.KindVulnerability)},
		"p":             {"1"},
		"ps":            {"1"},
	})
	if err != nil {
		return connectionFailure(err, c.baseURL)
	}

	total := data.Get("paging.total").Int()
	return triage.ConnectionOK(fmt.Sprintf("Connected to SonarQube project %s (%d vulnerabilities)", projectKey, total))
}

func connectionFailure(err error, baseURL string) triage.ConnectionResult {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrProjectNotFound):
		return triage.ConnectionFailed(triage.ErrorTypeNotFound, "SonarQube project not found by name", err)
	case errors.Is(err, ErrProjectAmbiguous):
		return triage.ConnectionFailed(triage.ErrorTypeConfiguration, "SonarQube project name is ambiguous; set the project key", err)
	case errors.As(err, &apiErr):
		switch apiErr.StatusCode {
		case http.StatusUnauthorized:
			return triage.ConnectionFailed(triage.ErrorTypeAuthentication, "Authentication failed (401): Invalid or expired SonarQube token.", err)
		case http.StatusForbidden:
			return triage.ConnectionFailed(triage.ErrorTypePermission, "Access forbidden (403): The token cannot browse this project.", err)
		case http.StatusNotFound:
			return triage.ConnectionFailed(triage.ErrorTypeNotFound, "SonarQube project not found (404). Check the project key.", err)
		}
		return triage.ConnectionFailed(triage.ErrorTypeUnknown, fmt.Sprintf("SonarQube returned HTTP %d", apiErr.StatusCode), err)
	}
	return triage.ConnectionFailed(triage.ErrorTypeConnection, fmt.Sprintf("Unable to connect to SonarQube at '%s'", baseURL), err)
}

// componentPath strips the "project:" prefix from a component key.
func componentPath(component string) string {
	if _, path, ok := strings.Cut(component, ":"); ok {
		return path
	}
	return component
}

func optionalInt(r gjson.Result) *int {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	v := int(r.Int())
	return &v
}

func optionalString(r gjson.Result) *string {
	if !r.Exists() || r.String() == "" {
		return nil
	}
	v := r.String()
	return &v
}

func parseIssue(issue gjson.Result) triage.Finding {
	f := triage.Finding{
		Key:      issue.Get("key").String(),
		FilePath: componentPath(issue.Get("component").String()),
		Line:     optionalInt(issue.Get("line")),
		Rule:     issue.Get("rule").String(),
		Message:  issue.Get("message").String(),
		Severity: optionalString(issue.Get("severity")),
		Kind:     triage.KindVulnerability,
		Status:   issue.Get("status").String(),
	}

	issue.Get("flows.#.locations").ForEach(func(_, locations gjson.Result) bool {
		locations.ForEach(func(_, loc gjson.Result) bool {
			if line := optionalInt(loc.Get("textRange.startLine")); line != nil && *line > 0 {
				f.Locations = append(f.Locations, triage.FlowLocation{Line: line, Message: loc.Get("msg").String()})
			}
			return true
		})
		return true
	})

	return f
}

func parseHotspot(h gjson.Result) triage.Finding {
	rule := h.Get("ruleKey").String()
	if rule == "" {
		rule = h.Get("securityCategory").String()
	}
	return triage.Finding{
		Key:                      h.Get("key").String(),
		FilePath:                 componentPath(h.Get("component").String()),
		Line:                     optionalInt(h.Get("line")),
		Rule:                     rule,
		Message:                  h.Get("message").String(),
		Kind:                     triage.KindSecurityHotspot,
		Status:                   h.Get("status").String(),
		SecurityCategory:         h.Get("securityCategory").String(),
		VulnerabilityProbability: h.Get("vulnerabilityProbability").String(),
	}
}
