package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/openctemio/sast-triage/internal/infra/llm"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

// Classifier turns one finding plus its file content into triage fields.
type Classifier interface {
	Classify(ctx context.Context, f triage.Finding, source string) (*ClassifierResult, error)
}

// ClassifierResult is a successful classification together with what produced it.
type ClassifierResult struct {
	triage.Classification
	Prompt      string
	RawResponse string
}

// ClassificationErrorKind separates endpoint failures from unusable replies.
type ClassificationErrorKind string

const (
	ClassificationTransport ClassificationErrorKind = "transport"
	ClassificationMalformed ClassificationErrorKind = "malformed_response"
	ClassificationNoVerdict ClassificationErrorKind = "no_verdict"
)

// ClassificationError is returned when no verdict could be obtained.
// It always carries the prompt so the failure can still be audited.
type ClassificationError struct {
	Kind        ClassificationErrorKind
	Prompt      string
	RawResponse string
	// Parsed holds the fields read from a well-formed reply without a usable verdict.
	Parsed triage.Classification
	Err    error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification %s: %v", e.Kind, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// Reason returns the short reason recorded on the review analysis.
func (e *ClassificationError) Reason() string {
	switch {
	case e.Kind == ClassificationMalformed:
		return "Failed to parse LLM response as JSON"
	case e.Kind == ClassificationNoVerdict:
		if e.Parsed.ShortReason != "" {
			return "Model returned no usable verdict: " + e.Parsed.ShortReason
		}
		return "Model returned no usable verdict"
	case errors.Is(e.Err, context.DeadlineExceeded):
		return "LLM request timed out"
	default:
		return fmt.Sprintf("Analysis error: %v", e.Err)
	}
}

// Explanation returns the detailed explanation recorded on the review analysis.
func (e *ClassificationError) Explanation() string {
	switch e.Kind {
	case ClassificationMalformed:
		return "The LLM returned a response that could not be parsed as JSON.\n\n--- RAW LLM RESPONSE ---\n" + e.RawResponse
	case ClassificationNoVerdict:
		explanation := e.Err.Error()
		if e.Parsed.DetailedExplanation != "" {
			explanation = e.Parsed.DetailedExplanation + "\n\n" + explanation
		}
		return explanation
	}
	return e.Err.Error()
}

const (
	classifierTemperature = 0.1
	classifierMaxTokens   = 2000
)

// LLMClassifier classifies findings through an OpenAI-compatible provider.
type LLMClassifier struct {
	provider llm.Provider
	prompts  *PromptBuilder
	logger   *logger.Logger
}

// NewLLMClassifier creates a classifier backed by provider.
func NewLLMClassifier(provider llm.Provider, log *logger.Logger) *LLMClassifier {
	return &LLMClassifier{
		provider: provider,
		prompts:  NewPromptBuilder(),
		logger:   log.With("component", "classifier"),
	}
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, f triage.Finding, source string) (*ClassifierResult, error) {
	prompt := c.prompts.Build(f, source)
	full := prompt.Full()

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt.System,
		UserPrompt:   prompt.User,
		MaxTokens:    classifierMaxTokens,
		Temperature:  classifierTemperature,
	})
	if err != nil {
		return nil, &ClassificationError{Kind: ClassificationTransport, Prompt: full, Err: err}
	}

	classification, err := parseClassification(resp.Content)
	if errors.Is(err, errNoVerdict) {
		c.logger.Warn("model reply without usable verdict",
			"finding_key", f.Key,
			"model", c.provider.Model(),
			"error", err,
		)
		return nil, &ClassificationError{
			Kind:        ClassificationNoVerdict,
			Prompt:      full,
			RawResponse: resp.Content,
			Parsed:      classification,
			Err:         fmt.Errorf("%w: %w", llm.ErrInvalidResponse, err),
		}
	}
	if err != nil {
		c.logger.Warn("unparseable model reply",
			"finding_key", f.Key,
			"model", c.provider.Model(),
			"raw", truncate(resp.Content, 500),
		)
		return nil, &ClassificationError{
			Kind:        ClassificationMalformed,
			Prompt:      full,
			RawResponse: resp.Content,
			Err:         fmt.Errorf("%w: %w", llm.ErrInvalidResponse, err),
		}
	}

	c.logger.Debug("finding classified",
		"finding_key", f.Key,
		"verdict", classification.Verdict,
		"tokens", resp.TotalTokens,
	)

	return &ClassifierResult{
		Classification: classification,
		Prompt:         full,
		RawResponse:    resp.Content,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
