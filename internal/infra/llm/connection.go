package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

// TestConnection checks that the endpoint answers and serves the configured model.
// The model list is consulted first; endpoints without /models get a tiny chat request instead.
func (p *OpenAIProvider) TestConnection(ctx context.Context) triage.ConnectionResult {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	models, err := p.ListModels(listCtx)
	cancel()

	if err == nil {
		if len(models) > 0 && !slices.Contains(models, p.model) {
			available := strings.Join(models[:min(5, len(models))], ", ")
			if len(models) > 5 {
				available += fmt.Sprintf(" (and %d more)", len(models)-5)
			}
			return triage.ConnectionFailed(triage.ErrorTypeNotFound,
				fmt.Sprintf("Model not found: Model '%s' is not available. Available models: %s", p.model, available), nil)
		}
		return triage.ConnectionOK(fmt.Sprintf("Connected to LLM API at %s (model %s)", p.baseURL, p.model))
	}

	if r, fatal := p.classify(err); fatal {
		return r
	}
	modelsErr := err

	chatCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err = p.Complete(chatCtx, CompletionRequest{UserPrompt: "test", MaxTokens: 5, Temperature: -1})
	if err == nil {
		return triage.ConnectionOK(fmt.Sprintf("Connected to LLM API at %s (model %s)", p.baseURL, p.model))
	}

	r, _ := p.classify(err)
	r.ErrorDetails = fmt.Sprintf("models endpoint: %v; chat endpoint: %v", modelsErr, err)
	return r
}

// classify maps an error to a connection result. fatal is set for answers that a
// fallback request cannot fix.
func (p *OpenAIProvider) classify(err error) (triage.ConnectionResult, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized:
			return triage.ConnectionFailed(triage.ErrorTypeAuthentication,
				"Authentication failed (401): Invalid or expired LLM API key.", err), true
		case http.StatusForbidden:
			return triage.ConnectionFailed(triage.ErrorTypePermission,
				"Access forbidden (403): Your API key doesn't have permission to access this LLM service.", err), true
		case http.StatusNotFound:
			return triage.ConnectionFailed(triage.ErrorTypeNotFound,
				fmt.Sprintf("LLM endpoint not found (404) at '%s'. Please verify the URL.", p.baseURL), err), false
		case http.StatusBadRequest:
			if strings.Contains(strings.ToLower(apiErr.Message), "model") {
				return triage.ConnectionFailed(triage.ErrorTypeConfiguration,
					fmt.Sprintf("Model error: %s", apiErr.Message), err), true
			}
		}
		return triage.ConnectionFailed(triage.ErrorTypeUnknown,
			fmt.Sprintf("HTTP error %d: %s", apiErr.StatusCode, apiErr.Message), err), false
	}

	if errors.Is(err, ErrRateLimited) {
		return triage.ConnectionFailed(triage.ErrorTypeRateLimit, "LLM API rate limit exceeded", err), false
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return triage.ConnectionFailed(triage.ErrorTypeTimeout,
			fmt.Sprintf("Connection timeout: LLM API at '%s' did not respond in time.", p.baseURL), err), false
	}

	return triage.ConnectionFailed(triage.ErrorTypeConnection,
		fmt.Sprintf("Connection error: Unable to connect to LLM API at '%s'. Please check the server is running and the URL is correct.", p.baseURL), err), false
}
