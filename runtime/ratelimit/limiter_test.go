package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/taskstream/runtime/kv/inmem"
	"goa.design/taskstream/runtime/taskerrors"
	"goa.design/taskstream/runtime/telemetry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestEnterCeilingUnderConcurrency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly ceiling concurrent enters succeed", prop.ForAll(
		func(ceiling int) bool {
			store := inmem.New()
			l, err := New(context.Background(), store, "app", ceiling)
			if err != nil {
				return false
			}
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				ok, full int
			)
			for range ceiling + 1 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := l.Enter(context.Background(), "")
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, ErrQuotaExceeded):
						full++
					}
				}()
			}
			wg.Wait()
			return ok == ceiling && full == 1
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestQuotaErrorIsClassified(t *testing.T) {
	ctx := context.Background()
	metrics := telemetry.NewRecordingMetrics()
	l, err := New(ctx, inmem.New(), "app-1", 1, WithTelemetry(telemetry.Telemetry{Metrics: metrics}))
	require.NoError(t, err)

	_, err = l.Enter(ctx, "r1")
	require.NoError(t, err)
	_, err = l.Enter(ctx, "r2")
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrQuotaExceeded)
	te := taskerrors.Classify(err)
	assert.Equal(t, taskerrors.KindQuotaExceeded, te.Kind)
	assert.Contains(t, te.Message, "app-1 is 1")
	assert.Equal(t, 1.0, metrics.Counter(telemetry.MetricRateLimitRejected))
}

func TestExitFreesSlot(t *testing.T) {
	ctx := context.Background()
	l, err := New(ctx, inmem.New(), "app", 2)
	require.NoError(t, err)

	a, err := l.Enter(ctx, "")
	require.NoError(t, err)
	_, err = l.Enter(ctx, "")
	require.NoError(t, err)
	_, err = l.Enter(ctx, "")
	require.ErrorIs(t, err, ErrQuotaExceeded)

	require.NoError(t, l.Exit(ctx, a))
	_, err = l.Enter(ctx, "")
	assert.NoError(t, err)
}

func TestDisabledLimiterIsNoop(t *testing.T) {
	ctx := context.Background()
	for _, ceiling := range []int{0, -1} {
		store := inmem.New()
		l, err := New(ctx, store, "app", ceiling)
		require.NoError(t, err)
		assert.True(t, l.Disabled())
		for range 50 {
			id, err := l.Enter(ctx, "req")
			require.NoError(t, err)
			assert.Equal(t, UnlimitedRequestID, id)
		}
		require.NoError(t, l.Exit(ctx, UnlimitedRequestID))
		require.NoError(t, l.FlushCache(ctx, true))
		assert.Empty(t, store.Keys())
	}
}

func TestDisabledLimiterIgnoresLaterCeiling(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	l, err := New(ctx, store, "app", 0)
	require.NoError(t, err)

	require.NoError(t, store.SetEx(ctx, CeilingKey("app"), "2", time.Hour))
	require.NoError(t, l.FlushCache(ctx, false))
	id, err := l.Enter(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, UnlimitedRequestID, id)
	assert.True(t, l.Disabled())

	require.NoError(t, l.SetMaxActive(ctx, 1))
	_, err = l.Enter(ctx, "r1")
	require.NoError(t, err)
	_, err = l.Enter(ctx, "r2")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestFlushCachePurgesStaleEntries(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := inmem.New(inmem.WithClock(c.Now))
	l, err := New(ctx, store, "app", 5, WithClock(c.Now))
	require.NoError(t, err)

	_, err = l.Enter(ctx, "old")
	require.NoError(t, err)
	c.Advance(DefaultMaxAliveTime / 2)
	_, err = l.Enter(ctx, "fresh")
	require.NoError(t, err)
	c.Advance(DefaultMaxAliveTime/2 + time.Second)

	require.NoError(t, l.FlushCache(ctx, false))
	entries, err := store.HGetAll(ctx, ActiveKey("app"))
	require.NoError(t, err)
	assert.NotContains(t, entries, "old")
	assert.Contains(t, entries, "fresh")
	assert.Equal(t, 24*time.Hour, store.TTL(ActiveKey("app")))
}

func TestEnterFlushesAfterInterval(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := inmem.New(inmem.WithClock(c.Now))
	l, err := New(ctx, store, "app", 1, WithClock(c.Now))
	require.NoError(t, err)

	// A crashed producer never exits.
	_, err = l.Enter(ctx, "leaked")
	require.NoError(t, err)
	_, err = l.Enter(ctx, "blocked")
	require.ErrorIs(t, err, ErrQuotaExceeded)

	c.Advance(DefaultMaxAliveTime + time.Second)
	_, err = l.Enter(ctx, "recovered")
	assert.NoError(t, err)
}

func TestCeilingReconciliation(t *testing.T) {
	ctx := context.Background()
	store := inmem.New(inmem.WithClock(newClock().Now))

	l, err := New(ctx, store, "app", 3)
	require.NoError(t, err)
	v, ok, err := store.Get(ctx, CeilingKey("app"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", v)
	assert.Equal(t, 24*time.Hour, store.TTL(CeilingKey("app")))

	// Shared storage is authoritative on regular flushes.
	require.NoError(t, store.SetEx(ctx, CeilingKey("app"), "7", time.Hour))
	require.NoError(t, l.FlushCache(ctx, false))
	assert.Equal(t, 7, l.MaxActive())

	// Forcing writes the local value back.
	require.NoError(t, l.SetMaxActive(ctx, 2))
	require.NoError(t, l.FlushCache(ctx, true))
	v, _, err = store.Get(ctx, CeilingKey("app"))
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	// A missing shared value is reseeded from the local one.
	require.NoError(t, store.Del(ctx, CeilingKey("app")))
	require.NoError(t, l.FlushCache(ctx, false))
	v, _, err = store.Get(ctx, CeilingKey("app"))
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestLimitersShareState(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	a, err := New(ctx, store, "app", 1)
	require.NoError(t, err)
	b, err := New(ctx, store, "app", 1)
	require.NoError(t, err)

	_, err = a.Enter(ctx, "r1")
	require.NoError(t, err)
	_, err = b.Enter(ctx, "r2")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestManagerCachesLimiters(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(inmem.New())
	require.NoError(t, err)

	a, err := m.Limiter(ctx, "app", 2)
	require.NoError(t, err)
	b, err := m.Limiter(ctx, "app", 4)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 4, b.MaxActive())

	// A client first seen disabled is enabled by a later positive ceiling.
	d, err := m.Limiter(ctx, "other", 0)
	require.NoError(t, err)
	assert.True(t, d.Disabled())
	d, err = m.Limiter(ctx, "other", 1)
	require.NoError(t, err)
	assert.False(t, d.Disabled())
	_, err = d.Enter(ctx, "x")
	require.NoError(t, err)
	_, err = d.Enter(ctx, "y")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(context.Background(), nil, "app", 1)
	assert.Error(t, err)
	_, err = New(context.Background(), inmem.New(), "", 1)
	assert.Error(t, err)
}

func TestStreamReleasesOnExhaustion(t *testing.T) {
	ctx := context.Background()
	l, id := admitted(t, 1)

	s := Wrap(ctx, l, id, seqOf(3, nil))
	var got []int
	for v, err := range s.All() {
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
	assertReleased(t, l)
}

func TestStreamReleasesOnEarlyBreak(t *testing.T) {
	l, id := admitted(t, 1)
	var released error = errors.New("not released")
	s := Wrap(context.Background(), l, id, seqOf(10, nil)).OnRelease(func(err error) { released = err })
	for range s.All() {
		break
	}
	assert.NoError(t, released)
	assertReleased(t, l)
}

func TestStreamReleasesOnError(t *testing.T) {
	l, id := admitted(t, 1)
	boom := errors.New("boom")
	s := Wrap(context.Background(), l, id, seqOf(2, boom))
	var seen error
	for _, err := range s.All() {
		if err != nil {
			seen = err
		}
	}
	assert.ErrorIs(t, seen, boom)
	assertReleased(t, l)
}

func TestStreamReleasesOnPanic(t *testing.T) {
	l, id := admitted(t, 1)
	s := Wrap(context.Background(), l, id, seqOf(5, nil))
	assert.Panics(t, func() {
		for range s.All() {
			panic("consumer failure")
		}
	})
	assertReleased(t, l)
}

func TestStreamCloseWithoutIteration(t *testing.T) {
	l, id := admitted(t, 1)
	// The request context is gone by the time the handler cleans up.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := Wrap(ctx, l, id, seqOf(5, nil))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assertReleased(t, l)

	var n int
	for range s.All() {
		n++
	}
	assert.Zero(t, n)
}

func TestWindowLimiter(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := inmem.New(inmem.WithClock(c.Now))
	w, err := NewWindowLimiter(store, "app_daily_rate_limiter", 3, 24*time.Hour, WithWindowClock(c.Now))
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, w.Allow(ctx, "tenant"))
	}
	err = w.Allow(ctx, "tenant")
	require.ErrorIs(t, err, ErrWindowExceeded)
	assert.Equal(t, taskerrors.KindQuotaExceeded, taskerrors.Classify(err).Kind)

	// Other tenants are independent.
	assert.NoError(t, w.Allow(ctx, "other"))

	c.Advance(24*time.Hour + time.Second)
	assert.NoError(t, w.Allow(ctx, "tenant"))
}

func TestWindowLimiterDisabled(t *testing.T) {
	w, err := NewWindowLimiter(inmem.New(), "p", 0, time.Hour)
	require.NoError(t, err)
	limited, err := w.Limited(context.Background(), "t")
	require.NoError(t, err)
	assert.False(t, limited)

	_, err = NewWindowLimiter(inmem.New(), "p", 1, 0)
	assert.Error(t, err)
}

func TestReaperSweepsIndexedClients(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := inmem.New(inmem.WithClock(c.Now))
	index := NewKVIndex(store)
	for i := range 3 {
		l, err := New(ctx, store, "app-"+strconv.Itoa(i), 5, WithClock(c.Now), WithClientIndex(index))
		require.NoError(t, err)
		_, err = l.Enter(ctx, fmt.Sprintf("req-%d", i))
		require.NoError(t, err)
	}
	clients, err := index.Clients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-0", "app-1", "app-2"}, clients)

	r, err := NewReaper(store, index, WithReaperClock(c.Now))
	require.NoError(t, err)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(DefaultMaxAliveTime + time.Second)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReaperLoop(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	index := NewKVIndex(store)
	require.NoError(t, index.Add(ctx, "app"))
	require.NoError(t, store.HSet(ctx, ActiveKey("app"), "stale", "1"))

	r, err := NewReaper(store, index, WithReaperInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))
	assert.Error(t, r.Start(ctx))
	defer r.Close()

	require.Eventually(t, func() bool {
		n, err := store.HLen(ctx, ActiveKey("app"))
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
	r.Close()
	r.Close()
}

func admitted(t *testing.T, ceiling int) (*Limiter, string) {
	t.Helper()
	l, err := New(context.Background(), inmem.New(), "app", ceiling)
	require.NoError(t, err)
	id, err := l.Enter(context.Background(), "")
	require.NoError(t, err)
	return l, id
}

func assertReleased(t *testing.T, l *Limiter) {
	t.Helper()
	n, err := l.Active(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// seqOf yields 0..n-1 and then failure, if any.
func seqOf(n int, failure error) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		for i := range n {
			if !yield(i, nil) {
				return
			}
		}
		if failure != nil {
			yield(0, failure)
		}
	}
}
