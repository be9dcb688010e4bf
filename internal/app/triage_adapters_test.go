package app

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/logger"
)

type mapCache struct {
	mu     sync.Mutex
	values map[string]string
}

func (c *mapCache) Get(_ context.Context, key string) (*string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (c *mapCache) Set(_ context.Context, key string, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string]string{}
	}
	c.values[key] = value
	return nil
}

func TestCachedRetriever_ScopedToScan(t *testing.T) {
	ctx := context.Background()
	cache := &mapCache{}
	source := &stubSource{files: map[string]string{"src/X.java": "v1"}}
	retrieverFor := func(scanID shared.ID) *cachedRetriever {
		return &cachedRetriever{
			inner:  source,
			cache:  cache,
			prefix: sourceCachePrefix(scanID, "github:acme/app@main"),
			logger: logger.NewNop(),
		}
	}

	first := retrieverFor(shared.NewID())
	got, err := first.GetFile(ctx, "src/X.java")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	source.mu.Lock()
	source.files["src/X.java"] = "v2"
	source.mu.Unlock()

	// The same scan keeps reading the contents it classified against.
	got, err = first.GetFile(ctx, "src/X.java")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	// A later scan of the same branch sees the pushed change.
	got, err = retrieverFor(shared.NewID()).GetFile(ctx, "src/X.java")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
	assert.Equal(t, 2, source.fetches["src/X.java"])
}

func TestDefaultAdapterFactory_SharesLimiterPerEndpoint(t *testing.T) {
	f := NewDefaultAdapterFactory(AdapterOptions{LLMRequestsPerMinute: 30}, logger.NewNop())

	a := f.limiterFor("http://llm.local/v1")
	require.NotNil(t, a)
	assert.Same(t, a, f.limiterFor("http://llm.local/v1/"))
	assert.NotSame(t, a, f.limiterFor("http://other.local/v1"))

	unpaced := NewDefaultAdapterFactory(AdapterOptions{}, logger.NewNop())
	assert.Nil(t, unpaced.limiterFor("http://llm.local/v1"))
}

func TestDefaultAdapterFactory_ForScan(t *testing.T) {
	f := NewDefaultAdapterFactory(AdapterOptions{LLMRequestsPerMinute: 60, Cache: &mapCache{}}, logger.NewNop())
	scanID := shared.NewID()

	settings := validSettings()
	settings.GitHubBranch = "main"
	adapters, err := f.ForScan(context.Background(), scanID, settings)
	require.NoError(t, err)
	cached, ok := adapters.Source.(*cachedRetriever)
	require.True(t, ok)
	assert.Equal(t, "scan:"+scanID.String()+":github:acme/app@main", cached.prefix)
}
