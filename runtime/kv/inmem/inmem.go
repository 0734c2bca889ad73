// Package inmem provides an in-memory implementation of kv.Store.
//
// It is intended for tests and single-process development. Deployments with
// more than one worker process must use a shared implementation such as
// features/kv/redis, otherwise stop flags and rate-limit membership are not
// visible across processes.
package inmem

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"goa.design/taskstream/runtime/kv"
)

type (
	// Store is an in-memory kv.Store. It is safe for concurrent use.
	Store struct {
		mu      sync.Mutex
		now     func() time.Time
		strings map[string]string
		hashes  map[string]map[string]string
		zsets   map[string]map[string]float64
		expiry  map[string]time.Time
	}

	// Option configures a Store.
	Option func(*Store)
)

var _ kv.Store = (*Store)(nil)

// WithClock overrides the clock used to evaluate TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		expiry:  make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get implements kv.Store.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	v, ok := s.strings[key]
	return v, ok, nil
}

// SetEx implements kv.Store.
func (s *Store) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key)
	s.strings[key] = value
	if ttl > 0 {
		s.expiry[key] = s.now().Add(ttl)
	}
	return nil
}

// Del implements kv.Store.
func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.deleteLocked(k)
	}
	return nil
}

// Exists implements kv.Store.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	return s.existsLocked(key), nil
}

// Expire implements kv.Store.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	if !s.existsLocked(key) {
		return nil
	}
	s.expiry[key] = s.now().Add(ttl)
	return nil
}

// Incr implements kv.Store.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	var n int64
	if cur, ok := s.strings[key]; ok {
		v, err := strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	}
	n++
	s.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

// HSet implements kv.Store.
func (s *Store) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	s.hashLocked(key)[field] = value
	return nil
}

// HSetIfBelow implements kv.Store.
func (s *Store) HSetIfBelow(_ context.Context, key, field, value string, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	h := s.hashLocked(key)
	if len(h) >= limit {
		if len(h) == 0 {
			delete(s.hashes, key)
		}
		return false, nil
	}
	h[field] = value
	return true, nil
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// HDel implements kv.Store.
func (s *Store) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		s.deleteLocked(key)
	}
	return nil
}

// HLen implements kv.Store.
func (s *Store) HLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	return int64(len(s.hashes[key])), nil
}

// ZAdd implements kv.Store.
func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

// ZRemRangeByScore implements kv.Store.
func (s *Store) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	z, ok := s.zsets[key]
	if !ok {
		return nil
	}
	for m, score := range z {
		if score >= min && score <= max {
			delete(z, m)
		}
	}
	if len(z) == 0 {
		s.deleteLocked(key)
	}
	return nil
}

// ZCard implements kv.Store.
func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	return int64(len(s.zsets[key])), nil
}

// Keys returns the live keys in lexical order (useful in tests).
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for k := range s.strings {
		seen[k] = struct{}{}
	}
	for k := range s.hashes {
		seen[k] = struct{}{}
	}
	for k := range s.zsets {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		s.evictLocked(k)
		if s.existsLocked(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// TTL returns the remaining time to live of key, or zero when the key has no
// expiry or does not exist.
func (s *Store) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	exp, ok := s.expiry[key]
	if !ok {
		return 0
	}
	return exp.Sub(s.now())
}

func (s *Store) hashLocked(key string) map[string]string {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	return h
}

func (s *Store) existsLocked(key string) bool {
	if _, ok := s.strings[key]; ok {
		return true
	}
	if h, ok := s.hashes[key]; ok && len(h) > 0 {
		return true
	}
	if z, ok := s.zsets[key]; ok && len(z) > 0 {
		return true
	}
	return false
}

func (s *Store) evictLocked(key string) {
	exp, ok := s.expiry[key]
	if ok && !s.now().Before(exp) {
		s.deleteLocked(key)
	}
}

func (s *Store) deleteLocked(key string) {
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.zsets, key)
	delete(s.expiry, key)
}
