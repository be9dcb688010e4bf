package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	cacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_cache_requests_total",
			Help: "Total number of cache lookups by prefix and result",
		},
		[]string{"prefix", "result"},
	)
	cacheOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_cache_operation_duration_seconds",
			Help:    "Duration of cache operations in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Values are stored as JSON; payloads of compressThreshold bytes or more are
// zstd-compressed and tagged with a leading marker byte.
const (
	compressThreshold = 1024
	markerPlain       = byte('p')
	markerZstd        = byte('z')
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Cache provides typed caching under a key prefix.
type Cache[T any] struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewCache creates a typed cache.
func NewCache[T any](client *Client, prefix string, ttl time.Duration) (*Cache[T], error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		return nil, errors.New("key prefix is required")
	}
	if ttl <= 0 {
		return nil, errors.New("TTL must be positive")
	}
	return &Cache[T]{client: client.client, keyPrefix: prefix, ttl: ttl}, nil
}

func (c *Cache[T]) buildKey(key string) string {
	return c.keyPrefix + ":" + key
}

// Get retrieves a cached value. Returns ErrCacheMiss if the key does not exist.
func (c *Cache[T]) Get(ctx context.Context, key string) (*T, error) {
	if key == "" {
		return nil, errors.New("key is required")
	}
	defer observe("cache_get", time.Now())

	data, err := c.client.Get(ctx, c.buildKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		cacheRequests.WithLabelValues(c.keyPrefix, "miss").Inc()
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	value, err := decodeValue[T](data)
	if err != nil {
		return nil, err
	}
	cacheRequests.WithLabelValues(c.keyPrefix, "hit").Inc()
	return value, nil
}

// Set stores a value with the cache TTL.
func (c *Cache[T]) Set(ctx context.Context, key string, value T) error {
	if key == "" {
		return errors.New("key is required")
	}
	defer observe("cache_set", time.Now())

	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.buildKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete removes a key.
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("key is required")
	}
	if err := c.client.Del(ctx, c.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func encodeValue[T any](value T) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("cache marshal: %w", err)
	}
	if len(data) < compressThreshold {
		return append([]byte{markerPlain}, data...), nil
	}
	return zstdEncoder.EncodeAll(data, []byte{markerZstd}), nil
}

func decodeValue[T any](data []byte) (*T, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cache unmarshal: %w", ErrCorruptValue)
	}

	payload := data[1:]
	switch data[0] {
	case markerPlain:
	case markerZstd:
		var err error
		payload, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("cache decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("cache unmarshal: %w", ErrCorruptValue)
	}

	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, fmt.Errorf("cache unmarshal: %w", err)
	}
	return &value, nil
}

func observe(op string, start time.Time) {
	cacheOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
