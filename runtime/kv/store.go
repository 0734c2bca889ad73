// Package kv defines the shared key-value store used for cross-process task
// coordination: task ownership records, stop flags, and rate-limit membership.
//
// Every operation touches a single key and is assumed atomic at the store
// level. Implementations live in runtime/kv/inmem (single process, tests) and
// features/kv/redis (production).
package kv

import (
	"context"
	"time"
)

// Store is the subset of Redis-class operations required by the task queue
// registry and the rate limiters.
type Store interface {
	// Get returns the value stored at key. The boolean is false when the key
	// does not exist or has expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetEx stores value at key with the given TTL.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error
	// Exists reports whether key exists.
	Exists(ctx context.Context, key string) (bool, error)
	// Expire refreshes the TTL of key. It is a no-op for missing keys.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Incr atomically increments the integer at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// HSet sets field in the hash stored at key.
	HSet(ctx context.Context, key, field, value string) error
	// HSetIfBelow sets field in the hash stored at key only when the hash
	// currently holds fewer than limit fields. It reports whether the field was
	// written. The check and the write happen atomically.
	HSetIfBelow(ctx context.Context, key, field, value string, limit int) (bool, error)
	// HGetAll returns every field of the hash stored at key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HDel removes fields from the hash stored at key.
	HDel(ctx context.Context, key string, fields ...string) error
	// HLen returns the number of fields in the hash stored at key.
	HLen(ctx context.Context, key string) (int64, error)

	// ZAdd adds member with score to the sorted set stored at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRemRangeByScore removes members whose score lies within [min, max].
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	// ZCard returns the cardinality of the sorted set stored at key.
	ZCard(ctx context.Context, key string) (int64, error)
}
