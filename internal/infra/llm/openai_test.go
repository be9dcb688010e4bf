package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

func newTestProvider(t *testing.T, url string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: url + "/v1/", APIKey: "sk-test", Model: "local-model", MaxRetries: 2})
	require.NoError(t, err)
	p.backoff = func(int) time.Duration { return time.Millisecond }
	return p
}

func chatResponse(content string) map[string]any {
	return map[string]any{
		"model": "local-model",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

func TestNewOpenAIProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     OpenAIConfig
		wantErr bool
	}{
		{"valid", OpenAIConfig{BaseURL: "http://localhost:1234/v1", Model: "m"}, false},
		{"api key optional", OpenAIConfig{BaseURL: "http://localhost:1234/v1", Model: "m", APIKey: ""}, false},
		{"missing base url", OpenAIConfig{Model: "m"}, true},
		{"missing model", OpenAIConfig{BaseURL: "http://x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOpenAIProvider(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProviderNotConfigured)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewOpenAIProvider_Limiter(t *testing.T) {
	assert.Nil(t, NewRequestLimiter(0))

	shared := NewRequestLimiter(30)
	require.NotNil(t, shared)
	a, err := NewOpenAIProvider(OpenAIConfig{BaseURL: "http://llm.local/v1", Model: "m", RequestsPerMinute: 30, Limiter: shared})
	require.NoError(t, err)
	b, err := NewOpenAIProvider(OpenAIConfig{BaseURL: "http://llm.local/v1", Model: "m", RequestsPerMinute: 30, Limiter: shared})
	require.NoError(t, err)
	assert.Same(t, a.limiter, b.limiter)

	own, err := NewOpenAIProvider(OpenAIConfig{BaseURL: "http://llm.local/v1", Model: "m", RequestsPerMinute: 30})
	require.NoError(t, err)
	require.NotNil(t, own.limiter)
	assert.NotSame(t, shared, own.limiter)
}

func TestOpenAIProvider_Complete(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(chatResponse(`{"triage":"true_positive"}`))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	resp, err := p.Complete(context.Background(), CompletionRequest{SystemPrompt: "sys", UserPrompt: "user", Temperature: 0.1})

	require.NoError(t, err)
	assert.Equal(t, `{"triage":"true_positive"}`, resp.Content)
	assert.Equal(t, 15, resp.TotalTokens)
	assert.Equal(t, "local-model", got.Model)
	assert.Equal(t, 2000, got.MaxTokens)
	assert.InDelta(t, 0.1, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
}

func TestOpenAIProvider_Complete_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse("ok"))
	}))
	defer srv.Close()

	resp, err := newTestProvider(t, srv.URL).Complete(context.Background(), CompletionRequest{UserPrompt: "x"})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIProvider_Complete_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.URL).Complete(context.Background(), CompletionRequest{UserPrompt: "x"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad model", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIProvider_TestConnection(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantSuccess bool
		wantType    string
	}{
		{
			name: "model listed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"data":[{"id":"other"},{"id":"local-model"}]}`))
			},
			wantSuccess: true,
		},
		{
			name: "model missing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"data":[{"id":"a"},{"id":"b"}]}`))
			},
			wantType: triage.ErrorTypeNotFound,
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantType: triage.ErrorTypeAuthentication,
		},
		{
			name: "models endpoint missing falls back to chat",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/v1/models" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				_ = json.NewEncoder(w).Encode(chatResponse("hi"))
			},
			wantSuccess: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			r := newTestProvider(t, srv.URL).TestConnection(context.Background())

			assert.Equal(t, tt.wantSuccess, r.Success, r.Message)
			assert.Equal(t, tt.wantType, r.ErrorType)
			assert.NotEmpty(t, r.Message)
		})
	}
}
