package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openctemio/sast-triage/internal/infra/llm"
	"github.com/openctemio/sast-triage/internal/infra/scm"
	"github.com/openctemio/sast-triage/internal/infra/sonarqube"
	"github.com/openctemio/sast-triage/internal/metrics"
	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

// FindingSource lists the findings of a scanning-backend project.
type FindingSource interface {
	ListFindings(ctx context.Context, projectKey string) ([]triage.Finding, error)
	ResolveProject(ctx context.Context, name string) (string, error)
}

// SourceRetriever fetches file contents from the configured code host.
type SourceRetriever interface {
	GetFile(ctx context.Context, path string) (string, error)
}

// TriageAdapters are the collaborators one scan run talks to.
type TriageAdapters struct {
	Findings   FindingSource
	Source     SourceRetriever
	Classifier Classifier
}

// AdapterFactory builds adapters from merged settings.
type AdapterFactory interface {
	// ForScan builds the adapters of one scan. Cached source files are scoped to scanID.
	ForScan(ctx context.Context, scanID shared.ID, s configuration.Settings) (*TriageAdapters, error)

	TestLLM(ctx context.Context, s configuration.Settings) triage.ConnectionResult
	TestSonarQube(ctx context.Context, s configuration.Settings) triage.ConnectionResult
	TestSource(ctx context.Context, s configuration.Settings) triage.ConnectionResult
}

// SourceCache stores file contents between runs of one scan. redis.Cache[string] satisfies it.
type SourceCache interface {
	Get(ctx context.Context, key string) (*string, error)
	Set(ctx context.Context, key string, value string) error
}

// AdapterOptions tunes the adapters built by DefaultAdapterFactory.
type AdapterOptions struct {
	LLMTimeout           time.Duration
	LLMMaxRetries        int
	LLMRequestsPerMinute int
	SonarQubeTimeout     time.Duration
	SourceTimeout        time.Duration

	// Cache is optional.
	Cache SourceCache
}

// DefaultAdapterFactory builds the SonarQube, GitHub/git and OpenAI-compatible adapters.
// Providers built for the same model endpoint share one request limiter.
type DefaultAdapterFactory struct {
	opts   AdapterOptions
	logger *logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDefaultAdapterFactory creates the production adapter factory.
func NewDefaultAdapterFactory(opts AdapterOptions, log *logger.Logger) *DefaultAdapterFactory {
	return &DefaultAdapterFactory{
		opts:     opts,
		logger:   log.With("component", "adapters"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// ForScan implements AdapterFactory.
func (f *DefaultAdapterFactory) ForScan(_ context.Context, scanID shared.ID, s configuration.Settings) (*TriageAdapters, error) {
	provider, err := f.provider(s)
	if err != nil {
		return nil, err
	}

	retriever, cacheKey, err := f.retriever(s)
	if err != nil {
		return nil, err
	}

	var source SourceRetriever = retriever
	if f.opts.Cache != nil {
		source = &cachedRetriever{inner: retriever, cache: f.opts.Cache, prefix: sourceCachePrefix(scanID, cacheKey), logger: f.logger}
	}

	return &TriageAdapters{
		Findings:   f.sonarQube(s),
		Source:     source,
		Classifier: NewLLMClassifier(provider, f.logger),
	}, nil
}

// TestLLM implements AdapterFactory.
func (f *DefaultAdapterFactory) TestLLM(ctx context.Context, s configuration.Settings) triage.ConnectionResult {
	if s.LLMURL == "" || s.LLMModel == "" {
		return triage.ConnectionFailed(triage.ErrorTypeConfiguration, "LLM URL and model are required", nil)
	}
	provider, err := f.provider(s)
	if err != nil {
		return triage.ConnectionFailed(triage.ErrorTypeConfiguration, err.Error(), err)
	}
	return recordConnectionTest("llm", provider.TestConnection(ctx))
}

// TestSonarQube implements AdapterFactory.
func (f *DefaultAdapterFactory) TestSonarQube(ctx context.Context, s configuration.Settings) triage.ConnectionResult {
	if s.SonarQubeURL == "" || s.SonarQubeAPIKey == "" {
		return triage.ConnectionFailed(triage.ErrorTypeConfiguration, "SonarQube URL and API key are required", nil)
	}
	if s.SonarQubeProjectKey == "" && s.SonarQubeProjectName == "" {
		return triage.ConnectionFailed(triage.ErrorTypeConfiguration, "SonarQube project key or project name is required", nil)
	}
	return recordConnectionTest("sonarqube", f.sonarQube(s).TestConnection(ctx, s.SonarQubeProjectKey, s.SonarQubeProjectName))
}

// TestSource implements AdapterFactory.
func (f *DefaultAdapterFactory) TestSource(ctx context.Context, s configuration.Settings) triage.ConnectionResult {
	service := "github"
	if s.SourceProvider == configuration.ProviderGit {
		service = "git"
	}
	retriever, _, err := f.retriever(s)
	if err != nil {
		return recordConnectionTest(service, triage.ConnectionFailed(triage.ErrorTypeConfiguration, err.Error(), err))
	}
	return recordConnectionTest(service, retriever.TestConnection(ctx))
}

func (f *DefaultAdapterFactory) provider(s configuration.Settings) (*llm.OpenAIProvider, error) {
	return llm.NewOpenAIProvider(llm.OpenAIConfig{
		BaseURL:           s.LLMURL,
		APIKey:            s.LLMAPIKey,
		Model:             s.LLMModel,
		Timeout:           f.opts.LLMTimeout,
		MaxRetries:        f.opts.LLMMaxRetries,
		RequestsPerMinute: f.opts.LLMRequestsPerMinute,
		Limiter:           f.limiterFor(s.LLMURL),
	})
}

// limiterFor returns the limiter shared by every provider of baseURL, or nil
// when pacing is disabled.
func (f *DefaultAdapterFactory) limiterFor(baseURL string) *rate.Limiter {
	if f.opts.LLMRequestsPerMinute <= 0 {
		return nil
	}
	key := strings.TrimRight(strings.TrimSpace(baseURL), "/")

	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[key]; ok {
		return l
	}
	l := llm.NewRequestLimiter(f.opts.LLMRequestsPerMinute)
	f.limiters[key] = l
	return l
}

func (f *DefaultAdapterFactory) sonarQube(s configuration.Settings) *sonarqube.Client {
	return sonarqube.NewClient(sonarqube.Config{
		BaseURL: s.SonarQubeURL,
		APIKey:  s.SonarQubeAPIKey,
		Timeout: f.opts.SonarQubeTimeout,
	})
}

// retriever returns the code-host client and the cache namespace of its files.
func (f *DefaultAdapterFactory) retriever(s configuration.Settings) (scm.Retriever, string, error) {
	if s.SourceProvider == configuration.ProviderGit {
		r, err := scm.NewGitRetriever(scm.GitConfig{
			URL:    s.GitRemoteURL,
			Branch: s.GitHubBranch,
			Token:  s.GitHubAPIKey,
		})
		if err != nil {
			return nil, "", err
		}
		return r, fmt.Sprintf("git:%s@%s", s.GitRemoteURL, s.GitHubBranch), nil
	}

	c, err := scm.NewGitHubClient(scm.GitHubConfig{
		Owner:   s.GitHubOwner,
		Repo:    s.GitHubRepo,
		Branch:  s.GitHubBranch,
		Token:   s.GitHubAPIKey,
		Timeout: f.opts.SourceTimeout,
	})
	if err != nil {
		return nil, "", err
	}
	return c, fmt.Sprintf("github:%s/%s@%s", s.GitHubOwner, s.GitHubRepo, s.GitHubBranch), nil
}

func recordConnectionTest(service string, r triage.ConnectionResult) triage.ConnectionResult {
	result := "success"
	if !r.Success {
		result = "failure"
	}
	metrics.ConnectionTests.WithLabelValues(service, result).Inc()
	return r
}

// sourceCachePrefix keys cached files by scan so a later scan never reads
// contents fetched for an earlier commit.
func sourceCachePrefix(scanID shared.ID, namespace string) string {
	return "scan:" + scanID.String() + ":" + namespace
}

// cachedRetriever serves repeat file reads from a shared cache.
// Cache failures are logged and never fail the read.
type cachedRetriever struct {
	inner  SourceRetriever
	cache  SourceCache
	prefix string
	logger *logger.Logger
}

func (r *cachedRetriever) GetFile(ctx context.Context, path string) (string, error) {
	key := r.prefix + ":" + path

	if cached, err := r.cache.Get(ctx, key); err == nil && cached != nil {
		metrics.SourceFetches.WithLabelValues("hit").Inc()
		return *cached, nil
	}

	content, err := r.inner.GetFile(ctx, path)
	if err != nil {
		metrics.SourceFetches.WithLabelValues("failed").Inc()
		return "", err
	}
	metrics.SourceFetches.WithLabelValues("fetched").Inc()

	if err := r.cache.Set(ctx, key, content); err != nil {
		r.logger.Warn("failed to cache source file", "path", path, "error", err)
	}
	return content, nil
}
