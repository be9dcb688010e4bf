// Package llm talks to OpenAI-compatible chat completion endpoints.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Provider is the interface for model endpoints.
type Provider interface {
	// Complete sends a prompt and returns the completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name for logging.
	Name() string

	// Model returns the model being used.
	Model() string
}

// CompletionRequest represents a request to the model.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string

	// MaxTokens is the maximum tokens in the response.
	MaxTokens int

	// Temperature controls randomness. Negative means "use the provider default".
	Temperature float64

	// JSONMode requests structured JSON output from endpoints that support it.
	JSONMode bool
}

// CompletionResponse represents a response from the model.
type CompletionResponse struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	FinishReason     string
}

// APIError is a non-2xx answer from the endpoint.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("llm API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm API error: status %d", e.StatusCode)
}

// Errors
var (
	ErrProviderNotConfigured = errors.New("llm provider not configured")
	ErrRateLimited           = errors.New("llm rate limited")
	ErrInvalidResponse       = errors.New("invalid llm response")
)
