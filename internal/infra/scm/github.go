package scm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

const (
	defaultGitHubAPI = "https://api.github.com"
	defaultGitHubRaw = "https://raw.githubusercontent.com"
)

// GitHubConfig holds the repository coordinates and credentials.
type GitHubConfig struct {
	Owner  string
	Repo   string
	Branch string
	Token  string

	// BaseURL selects GitHub Enterprise; empty means github.com.
	BaseURL string
	// RawBaseURL overrides the raw download host.
	RawBaseURL string
	Timeout    time.Duration
}

// GitHubClient implements Retriever with the GitHub REST contents API.
type GitHubClient struct {
	config     GitHubConfig
	httpClient *http.Client
	apiURL     string
	rawURL     string
}

// NewGitHubClient creates a new GitHub client.
func NewGitHubClient(config GitHubConfig) (*GitHubClient, error) {
	if config.Owner == "" || config.Repo == "" {
		return nil, ErrNotConfigured.Wrap(errors.New("owner and repo are required"))
	}
	if config.Branch == "" {
		config.Branch = "main"
	}

	apiURL := defaultGitHubAPI
	rawURL := defaultGitHubRaw
	if config.BaseURL != "" && config.BaseURL != "https://github.com" {
		base := strings.TrimSuffix(config.BaseURL, "/")
		apiURL = base + "/api/v3"
		rawURL = base + "/raw"
	}
	if config.RawBaseURL != "" {
		rawURL = strings.TrimSuffix(config.RawBaseURL, "/")
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &GitHubClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		apiURL:     apiURL,
		rawURL:     rawURL,
	}, nil
}

func (c *GitHubClient) repoPath() string {
	return fmt.Sprintf("/repos/%s/%s", url.PathEscape(c.config.Owner), url.PathEscape(c.config.Repo))
}

func (c *GitHubClient) doRequest(ctx context.Context, reqURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", defaultUserAgent)
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	return c.httpClient.Do(req)
}

// GetFile fetches path at the configured branch.
// The contents API is tried first; the raw host serves files it refuses, such as those over 1 MB.
func (c *GitHubClient) GetFile(ctx context.Context, path string) (string, error) {
	content, err := c.getContents(ctx, path)
	if err == nil {
		return content, nil
	}
	if ctx.Err() != nil {
		return "", err
	}

	raw, rawErr := c.getRaw(ctx, path)
	if rawErr == nil {
		return raw, nil
	}
	if errors.Is(err, ErrNotFound) && errors.Is(rawErr, ErrNotFound) {
		return "", ErrNotFound.Wrap(fmt.Errorf("%s at %s", path, c.config.Branch))
	}
	if errors.Is(rawErr, ErrNotFound) {
		return "", err
	}
	return "", rawErr
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (c *GitHubClient) getContents(ctx context.Context, path string) (string, error) {
	reqURL := fmt.Sprintf("%s%s/contents/%s?ref=%s", c.apiURL, c.repoPath(), escapePath(path), url.QueryEscape(c.config.Branch))
	resp, err := c.doRequest(ctx, reqURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return "", err
	}

	var file struct {
		Type     string `json:"type"`
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if file.Type != "" && file.Type != "file" {
		return "", ErrNotFound.Wrap(fmt.Errorf("%s is a %s, not a file", path, file.Type))
	}
	if file.Encoding != "base64" {
		return "", fmt.Errorf("unsupported content encoding %q", file.Encoding)
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("failed to decode file content: %w", err)
	}
	return string(decoded), nil
}

func (c *GitHubClient) getRaw(ctx context.Context, path string) (string, error) {
	reqURL := fmt.Sprintf("%s/%s/%s/%s/%s", c.rawURL,
		url.PathEscape(c.config.Owner), url.PathEscape(c.config.Repo), url.PathEscape(c.config.Branch), escapePath(path))
	resp, err := c.doRequest(ctx, reqURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return "", err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return string(body), nil
}

// statusError maps a non-200 response to an SCMError.
func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrAuthFailed.Wrap(errors.New("invalid or expired token"))
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden, http.StatusTooManyRequests:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
			msg = payload.Message
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.Header.Get("X-RateLimit-Remaining") == "0" ||
			strings.Contains(strings.ToLower(msg), "rate limit") {
			return ErrRateLimited.Wrap(errors.New(msg))
		}
		return ErrPermissionDenied.Wrap(errors.New(msg))
	}
	return fmt.Errorf("unexpected status: %d", resp.StatusCode)
}

// TestConnection checks the repository, then the branch.
func (c *GitHubClient) TestConnection(ctx context.Context) triage.ConnectionResult {
	full := c.config.Owner + "/" + c.config.Repo

	resp, err := c.doRequest(ctx, c.apiURL+c.repoPath())
	if err != nil {
		return networkFailure(err, "GitHub API")
	}
	repoErr := statusError(resp)
	resp.Body.Close()

	switch {
	case repoErr == nil:
	case errors.Is(repoErr, ErrAuthFailed):
		return triage.ConnectionFailed(triage.ErrorTypeAuthentication,
			"Authentication failed (401): Invalid or expired GitHub API key. Please check your Personal Access Token.", repoErr)
	case errors.Is(repoErr, ErrRateLimited):
		return triage.ConnectionFailed(triage.ErrorTypeRateLimit,
			"Access forbidden (403): GitHub API rate limit exceeded. Please wait or use a different token.", repoErr)
	case errors.Is(repoErr, ErrPermissionDenied):
		return triage.ConnectionFailed(triage.ErrorTypePermission,
			"Access forbidden (403): You don't have permission to access this repository. Check token scopes.", repoErr)
	case errors.Is(repoErr, ErrNotFound):
		return triage.ConnectionFailed(triage.ErrorTypeNotFound,
			fmt.Sprintf("Repository not found (404): '%s' does not exist or is not accessible with the provided token.", full), repoErr)
	default:
		return triage.ConnectionFailed(triage.ErrorTypeUnknown, "GitHub connection failed", repoErr)
	}

	resp, err = c.doRequest(ctx, fmt.Sprintf("%s%s/branches/%s", c.apiURL, c.repoPath(), url.PathEscape(c.config.Branch)))
	if err != nil {
		return networkFailure(err, "GitHub API")
	}
	branchErr := statusError(resp)
	resp.Body.Close()

	if errors.Is(branchErr, ErrNotFound) {
		return triage.ConnectionFailed(triage.ErrorTypeNotFound,
			fmt.Sprintf("Branch not found (404): Branch '%s' does not exist in repository '%s'.", c.config.Branch, full), branchErr)
	}
	if branchErr != nil {
		return triage.ConnectionFailed(triage.ErrorTypeUnknown, "GitHub branch check failed", branchErr)
	}

	return triage.ConnectionOK(fmt.Sprintf("Connected to %s (branch %s)", full, c.config.Branch))
}

func networkFailure(err error, target string) triage.ConnectionResult {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return triage.ConnectionFailed(triage.ErrorTypeTimeout,
			fmt.Sprintf("Connection timeout: %s did not respond in time. Please try again.", target), err)
	}
	return triage.ConnectionFailed(triage.ErrorTypeConnection,
		fmt.Sprintf("Connection error: Unable to connect to %s. Please check your network connection.", target), err)
}
