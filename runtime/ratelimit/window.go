package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"goa.design/taskstream/runtime/kv"
	"goa.design/taskstream/runtime/taskerrors"
)

// ErrWindowExceeded is wrapped by the error returned when a tenant exhausted
// its request allowance for the current window.
var ErrWindowExceeded = errors.New("request window exhausted")

// WindowLimiter caps the number of requests per key over a sliding window
// using a sorted set of request timestamps.
type WindowLimiter struct {
	store       kv.Store
	prefix      string
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

// WindowOption configures a WindowLimiter.
type WindowOption func(*WindowLimiter)

// WithWindowClock overrides the clock of the window limiter.
func WithWindowClock(now func() time.Time) WindowOption {
	return func(w *WindowLimiter) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWindowLimiter returns a limiter allowing maxAttempts requests per key in
// any window. Keys are stored under "{prefix}:{key}".
func NewWindowLimiter(store kv.Store, prefix string, maxAttempts int, window time.Duration, opts ...WindowOption) (*WindowLimiter, error) {
	if store == nil {
		return nil, errors.New("kv store is required")
	}
	if window <= 0 {
		return nil, errors.New("window must be positive")
	}
	w := &WindowLimiter{store: store, prefix: prefix, maxAttempts: maxAttempts, window: window, now: time.Now}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Limited drops attempts older than the window and reports whether key
// reached its allowance.
func (w *WindowLimiter) Limited(ctx context.Context, key string) (bool, error) {
	if w.maxAttempts <= 0 {
		return false, nil
	}
	k := w.key(key)
	cutoff := float64(w.now().Add(-w.window).Unix())
	if err := w.store.ZRemRangeByScore(ctx, k, math.Inf(-1), cutoff); err != nil {
		return false, fmt.Errorf("trim window %s: %w", key, err)
	}
	n, err := w.store.ZCard(ctx, k)
	if err != nil {
		return false, fmt.Errorf("count window %s: %w", key, err)
	}
	return n >= int64(w.maxAttempts), nil
}

// Record counts one attempt for key.
func (w *WindowLimiter) Record(ctx context.Context, key string) error {
	k := w.key(key)
	now := w.now().Unix()
	seq, err := w.store.Incr(ctx, k+":seq")
	if err != nil {
		return fmt.Errorf("sequence window %s: %w", key, err)
	}
	if err := w.store.ZAdd(ctx, k, float64(now), fmt.Sprintf("%d-%d", now, seq)); err != nil {
		return fmt.Errorf("record window %s: %w", key, err)
	}
	if err := w.store.Expire(ctx, k, 2*w.window); err != nil {
		return fmt.Errorf("expire window %s: %w", key, err)
	}
	if err := w.store.Expire(ctx, k+":seq", 2*w.window); err != nil {
		return fmt.Errorf("expire window sequence %s: %w", key, err)
	}
	return nil
}

// Allow checks and records an attempt. It returns a KindQuotaExceeded error
// wrapping ErrWindowExceeded when key is over its allowance.
func (w *WindowLimiter) Allow(ctx context.Context, key string) error {
	limited, err := w.Limited(ctx, key)
	if err != nil {
		return err
	}
	if limited {
		return &windowError{err: taskerrors.QuotaExceeded(fmt.Sprintf(
			"Rate limit exceeded, please upgrade your plan or keep daily requests under %d.", w.maxAttempts))}
	}
	return w.Record(ctx, key)
}

func (w *WindowLimiter) key(k string) string {
	return w.prefix + ":" + k
}

type windowError struct {
	err *taskerrors.Error
}

func (e *windowError) Error() string   { return e.err.Error() }
func (e *windowError) Unwrap() []error { return []error{e.err, ErrWindowExceeded} }
