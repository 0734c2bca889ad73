// Package redis implements kv.Store on top of go-redis so task ownership, stop
// flags, and rate-limit membership are shared by every worker process.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"goa.design/taskstream/runtime/kv"
)

// Store is a kv.Store backed by Redis.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// Option configures a Store.
type Option func(*Store)

var (
	_ kv.Store      = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// hsetIfBelow writes ARGV[1]=ARGV[2] into the hash at KEYS[1] only when the hash
// holds fewer than ARGV[3] fields. Redis runs scripts atomically.
var hsetIfBelow = redis.NewScript(`
if redis.call('HLEN', KEYS[1]) < tonumber(ARGV[3]) then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

// WithKeyPrefix prepends prefix to every key. Useful to share a Redis database
// between environments.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New returns a Store using rdb.
func New(rdb *redis.Client, opts ...Option) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	s := &Store{rdb: rdb}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "redis" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, true, nil
}

// SetEx implements kv.Store.
func (s *Store) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Del implements kv.Store.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	if err := s.rdb.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Exists implements kv.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", key, err)
	}
	return n > 0, nil
}

// Expire implements kv.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, s.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %q: %w", key, err)
	}
	return nil
}

// Incr implements kv.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", key, err)
	}
	return n, nil
}

// HSet implements kv.Store.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	if err := s.rdb.HSet(ctx, s.key(key), field, value).Err(); err != nil {
		return fmt.Errorf("redis hset %q: %w", key, err)
	}
	return nil
}

// HSetIfBelow implements kv.Store.
func (s *Store) HSetIfBelow(ctx context.Context, key, field, value string, limit int) (bool, error) {
	n, err := hsetIfBelow.Run(ctx, s.rdb, []string{s.key(key)}, field, value, limit).Int()
	if err != nil {
		return false, fmt.Errorf("redis hset-if-below %q: %w", key, err)
	}
	return n == 1, nil
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %q: %w", key, err)
	}
	return m, nil
}

// HDel implements kv.Store.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, s.key(key), fields...).Err(); err != nil {
		return fmt.Errorf("redis hdel %q: %w", key, err)
	}
	return nil
}

// HLen implements kv.Store.
func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.HLen(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hlen %q: %w", key, err)
	}
	return n, nil
}

// ZAdd implements kv.Store.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.rdb.ZAdd(ctx, s.key(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd %q: %w", key, err)
	}
	return nil
}

// ZRemRangeByScore implements kv.Store.
func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	if err := s.rdb.ZRemRangeByScore(ctx, s.key(key), scoreArg(min), scoreArg(max)).Err(); err != nil {
		return fmt.Errorf("redis zremrangebyscore %q: %w", key, err)
	}
	return nil
}

// ZCard implements kv.Store.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard %q: %w", key, err)
	}
	return n, nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func scoreArg(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
