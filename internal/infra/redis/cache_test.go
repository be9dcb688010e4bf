package redis

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeValue_SmallStaysPlain(t *testing.T) {
	data, err := encodeValue("package main")
	require.NoError(t, err)
	assert.Equal(t, markerPlain, data[0])

	got, err := decodeValue[string](data)
	require.NoError(t, err)
	assert.Equal(t, "package main", *got)
}

func TestEncodeValue_LargeIsCompressed(t *testing.T) {
	source := strings.Repeat("func handler(w http.ResponseWriter, r *http.Request) {}\n", 200)

	data, err := encodeValue(source)
	require.NoError(t, err)
	assert.Equal(t, markerZstd, data[0])
	assert.Less(t, len(data), len(source)/4)

	got, err := decodeValue[string](data)
	require.NoError(t, err)
	assert.Equal(t, source, *got)
}

func TestDecodeValue_Corrupt(t *testing.T) {
	_, err := decodeValue[string](nil)
	assert.ErrorIs(t, err, ErrCorruptValue)

	_, err = decodeValue[string]([]byte(`"no marker"`))
	assert.ErrorIs(t, err, ErrCorruptValue)
}

func TestNewCache_Validation(t *testing.T) {
	_, err := NewCache[string](nil, "src", time.Minute)
	assert.Error(t, err)

	c := &Client{}
	_, err = NewCache[string](c, "", time.Minute)
	assert.Error(t, err)
	_, err = NewCache[string](c, "src", 0)
	assert.Error(t, err)
}

func TestCache_Integration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	cache, err := NewCache[string](&Client{client: rdb}, "test-src", time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cache.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, "a.go", "package a"))
	got, err := cache.Get(ctx, "a.go")
	require.NoError(t, err)
	assert.Equal(t, "package a", *got)

	require.NoError(t, cache.Delete(ctx, "a.go"))
}
