// Package ratelimit bounds the number of in-flight generation requests per
// client (application) and the number of requests per tenant per day.
//
// All membership state lives in a shared kv.Store so limiters for the same
// client in different processes observe the same active set. Limiter values
// only cache the ceiling and the time of the last reconciliation.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"goa.design/taskstream/runtime/kv"
	"goa.design/taskstream/runtime/taskerrors"
	"goa.design/taskstream/runtime/telemetry"
)

const (
	// UnlimitedRequestID is returned by Enter when the limiter is disabled.
	UnlimitedRequestID = "unlimited_request_id"
	// DefaultMaxAliveTime is the age after which an active entry is presumed
	// leaked by a crashed producer.
	DefaultMaxAliveTime = 600 * time.Second
	// DefaultFlushInterval is how often Enter reconciles with the store.
	DefaultFlushInterval = 300 * time.Second

	keyTTL    = 24 * time.Hour
	keyPrefix = "taskstream:rate_limit:"
)

// ErrQuotaExceeded is wrapped by the error returned when the concurrency
// ceiling is reached.
var ErrQuotaExceeded = errors.New("too many concurrent requests")

type (
	// Limiter is the concurrency gate of one client.
	Limiter struct {
		clientID   string
		store      kv.Store
		opts       options
		activeKey  string
		ceilingKey string

		mu          sync.Mutex
		maxActive   int
		initialized bool
		lastFlush   time.Time

		rejectLog rate.Sometimes
	}

	// Option configures limiters.
	Option func(*options)

	options struct {
		maxAliveTime  time.Duration
		flushInterval time.Duration
		now           func() time.Time
		index         ClientIndex
		tel           telemetry.Telemetry
	}

	// quotaError carries the classified error while letting callers test
	// errors.Is(err, ErrQuotaExceeded).
	quotaError struct {
		err *taskerrors.Error
	}
)

// WithMaxAliveTime overrides DefaultMaxAliveTime.
func WithMaxAliveTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxAliveTime = d
		}
	}
}

// WithFlushInterval overrides DefaultFlushInterval.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flushInterval = d
		}
	}
}

// WithClock overrides the clock used for entry timestamps and flush timing.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithClientIndex records every enabled client in idx so a Reaper can sweep
// clients that no longer receive traffic.
func WithClientIndex(idx ClientIndex) Option {
	return func(o *options) { o.index = idx }
}

// WithTelemetry sets the logger and metrics used by limiters.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(o *options) { o.tel = t }
}

func newOptions(opts []Option) options {
	o := options{
		maxAliveTime:  DefaultMaxAliveTime,
		flushInterval: DefaultFlushInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.tel = o.tel.WithDefaults()
	return o
}

// ActiveKey returns the store key of the active-request hash of clientID.
func ActiveKey(clientID string) string {
	return keyPrefix + clientID + ":active_requests"
}

// CeilingKey returns the store key of the shared ceiling of clientID.
func CeilingKey(clientID string) string {
	return keyPrefix + clientID + ":max_active_requests"
}

// New returns the limiter of clientID. A positive maxActive seeds the shared
// ceiling with the local value; maxActive <= 0 disables the limiter.
func New(ctx context.Context, store kv.Store, clientID string, maxActive int, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("kv store is required")
	}
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	l := &Limiter{
		clientID:   clientID,
		store:      store,
		opts:       newOptions(opts),
		activeKey:  ActiveKey(clientID),
		ceilingKey: CeilingKey(clientID),
		rejectLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if err := l.SetMaxActive(ctx, maxActive); err != nil {
		return nil, err
	}
	return l, nil
}

// ClientID returns the client the limiter guards.
func (l *Limiter) ClientID() string { return l.clientID }

// MaxActive returns the cached ceiling.
func (l *Limiter) MaxActive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxActive
}

// Disabled reports whether the limiter admits everything.
func (l *Limiter) Disabled() bool { return l.MaxActive() <= 0 }

// SetMaxActive updates the local ceiling. The first positive value seeds the
// shared ceiling; later values are overridden by the store on the next
// non-forced flush.
func (l *Limiter) SetMaxActive(ctx context.Context, n int) error {
	l.mu.Lock()
	l.maxActive = n
	seed := n > 0 && !l.initialized
	if seed {
		l.initialized = true
	}
	l.mu.Unlock()
	if !seed {
		return nil
	}
	if l.opts.index != nil {
		if err := l.opts.index.Add(ctx, l.clientID); err != nil {
			l.opts.tel.Logger.Warn(ctx, "client index update failed", "client_id", l.clientID, "err", err)
		}
	}
	return l.FlushCache(ctx, true)
}

// Enter admits a request and returns its id. An empty requestID is replaced by
// a generated one. Disabled limiters return UnlimitedRequestID without
// touching the store. When the active set is full Enter returns a
// taskerrors.KindQuotaExceeded error that wraps ErrQuotaExceeded.
func (l *Limiter) Enter(ctx context.Context, requestID string) (string, error) {
	if l.Disabled() {
		return UnlimitedRequestID, nil
	}
	l.mu.Lock()
	due := l.opts.now().Sub(l.lastFlush) > l.opts.flushInterval
	l.mu.Unlock()
	if due {
		if err := l.FlushCache(ctx, false); err != nil {
			return "", err
		}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ceiling := l.MaxActive()
	if ceiling <= 0 {
		return UnlimitedRequestID, nil
	}
	ok, err := l.store.HSetIfBelow(ctx, l.activeKey, requestID, timestamp(l.opts.now()), ceiling)
	if err != nil {
		return "", fmt.Errorf("admit request %s: %w", requestID, err)
	}
	if !ok {
		l.opts.tel.Metrics.IncCounter(telemetry.MetricRateLimitRejected, 1, "client_id", l.clientID)
		l.rejectLog.Do(func() {
			l.opts.tel.Logger.Warn(ctx, "concurrency ceiling reached", "client_id", l.clientID, "max_active_requests", ceiling)
		})
		return "", &quotaError{taskerrors.QuotaExceeded(fmt.Sprintf(
			"Too many requests. Please try again later. The current maximum concurrent requests allowed for %s is %d.",
			l.clientID, ceiling))}
	}
	return requestID, nil
}

// Exit releases requestID. It is a no-op for UnlimitedRequestID.
func (l *Limiter) Exit(ctx context.Context, requestID string) error {
	if requestID == UnlimitedRequestID || requestID == "" {
		return nil
	}
	if err := l.store.HDel(ctx, l.activeKey, requestID); err != nil {
		return fmt.Errorf("release request %s: %w", requestID, err)
	}
	return nil
}

// Active returns the number of recorded active requests.
func (l *Limiter) Active(ctx context.Context) (int, error) {
	n, err := l.store.HLen(ctx, l.activeKey)
	return int(n), err
}

// FlushCache reconciles the ceiling with the store and purges entries older
// than the max alive time. When forceLocal is set, or the shared ceiling is
// missing, the local value is written; otherwise the shared value replaces the
// local one.
func (l *Limiter) FlushCache(ctx context.Context, forceLocal bool) error {
	if l.Disabled() {
		return nil
	}
	now := l.opts.now()
	l.mu.Lock()
	l.lastFlush = now
	local := l.maxActive
	l.mu.Unlock()

	shared, ok, err := l.store.Get(ctx, l.ceilingKey)
	if err != nil {
		return fmt.Errorf("load ceiling of %s: %w", l.clientID, err)
	}
	if forceLocal || !ok {
		if err := l.store.SetEx(ctx, l.ceilingKey, strconv.Itoa(local), keyTTL); err != nil {
			return fmt.Errorf("store ceiling of %s: %w", l.clientID, err)
		}
	} else {
		n, err := strconv.Atoi(shared)
		if err != nil {
			return fmt.Errorf("parse ceiling of %s: %w", l.clientID, err)
		}
		l.mu.Lock()
		l.maxActive = n
		l.mu.Unlock()
		if err := l.store.Expire(ctx, l.ceilingKey, keyTTL); err != nil {
			return fmt.Errorf("refresh ceiling of %s: %w", l.clientID, err)
		}
	}

	removed, err := purgeStale(ctx, l.store, l.activeKey, now, l.opts.maxAliveTime)
	if err != nil {
		return err
	}
	if removed > 0 {
		l.opts.tel.Metrics.IncCounter(telemetry.MetricRateLimitReaped, float64(removed), "client_id", l.clientID)
		l.opts.tel.Logger.Info(ctx, "reaped stale requests", "client_id", l.clientID, "count", removed)
	}
	return nil
}

// purgeStale removes entries of the active hash at key older than maxAlive
// and refreshes the hash TTL. Unparseable timestamps are treated as stale.
func purgeStale(ctx context.Context, store kv.Store, key string, now time.Time, maxAlive time.Duration) (int, error) {
	exists, err := store.Exists(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("check %s: %w", key, err)
	}
	if !exists {
		return 0, nil
	}
	entries, err := store.HGetAll(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", key, err)
	}
	if err := store.Expire(ctx, key, keyTTL); err != nil {
		return 0, fmt.Errorf("refresh %s: %w", key, err)
	}
	var stale []string
	for id, v := range entries {
		at, err := strconv.ParseFloat(v, 64)
		if err != nil || now.Sub(fromTimestamp(at)) > maxAlive {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := store.HDel(ctx, key, stale...); err != nil {
		return 0, fmt.Errorf("purge %s: %w", key, err)
	}
	return len(stale), nil
}

func (e *quotaError) Error() string   { return e.err.Error() }
func (e *quotaError) Unwrap() []error { return []error{e.err, ErrQuotaExceeded} }

func timestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func fromTimestamp(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}
