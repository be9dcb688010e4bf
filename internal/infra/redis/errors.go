package redis

import "errors"

var (
	// ErrCacheMiss is returned when a cached item is not found.
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrCorruptValue is returned for stored values this cache did not write.
	ErrCorruptValue = errors.New("cache: corrupt value")
)
