package inmem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSetExExpires(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.SetEx(ctx, "k", "v", time.Minute))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, time.Minute, s.TTL("k"))

	clock.Advance(time.Minute)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExpireIgnoresMissingKeys(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Expire(ctx, "missing", time.Second))
	assert.Empty(t, s.Keys())
}

func TestIncr(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		n, err := s.Incr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	require.NoError(t, s.SetEx(ctx, "text", "abc", 0))
	_, err := s.Incr(ctx, "text")
	assert.Error(t, err)
}

func TestHashOperations(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", "a", "1"))
	require.NoError(t, s.HSet(ctx, "h", "b", "2"))
	n, err := s.HLen(ctx, "h")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	require.NoError(t, s.HDel(ctx, "h", "a", "b"))
	exists, err := s.Exists(ctx, "h")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHSetIfBelowIsAtomic(t *testing.T) {
	s := New()
	ctx := context.Background()
	const limit = 5

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.HSetIfBelow(ctx, "active", string(rune('a'+i)), "x", limit)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, limit, accepted)
	n, err := s.HLen(ctx, "active")
	require.NoError(t, err)
	assert.EqualValues(t, limit, n)
}

func TestHSetIfBelowZeroLimitLeavesNoKey(t *testing.T) {
	s := New()
	ok, err := s.HSetIfBelow(context.Background(), "h", "f", "v", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, s.Keys())
}

func TestSortedSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.ZAdd(ctx, "z", 10, "a"))
	require.NoError(t, s.ZAdd(ctx, "z", 20, "b"))
	require.NoError(t, s.ZAdd(ctx, "z", 30, "c"))

	require.NoError(t, s.ZRemRangeByScore(ctx, "z", 0, 20))
	n, err := s.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, s.ZRemRangeByScore(ctx, "z", 0, 100))
	assert.Empty(t, s.Keys())
}

func TestDelRemovesEveryKind(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SetEx(ctx, "s", "v", 0))
	require.NoError(t, s.HSet(ctx, "h", "f", "v"))
	require.NoError(t, s.ZAdd(ctx, "z", 1, "m"))
	assert.Equal(t, []string{"h", "s", "z"}, s.Keys())

	require.NoError(t, s.Del(ctx, "s", "h", "z", "missing"))
	assert.Empty(t, s.Keys())
}
