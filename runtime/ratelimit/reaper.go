package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"goa.design/taskstream/runtime/kv"
	"goa.design/taskstream/runtime/telemetry"
)

const (
	reaperTickerName = "taskstream:ratelimit:reaper"
	clientIndexKey   = keyPrefix + "clients"
)

type (
	// ClientIndex lists the clients whose active sets must be swept.
	ClientIndex interface {
		Add(ctx context.Context, clientID string) error
		Clients(ctx context.Context) ([]string, error)
	}

	// KVIndex keeps the client list in a hash of the shared store.
	KVIndex struct {
		store kv.Store
	}

	// RMapIndex keeps the client list in a Pulse replicated map so every node
	// reads it locally.
	RMapIndex struct {
		m *rmap.Map
	}

	// Reaper periodically purges stale entries of every indexed client, so
	// slots leaked by crashed producers are recovered even for clients that
	// receive no new traffic. With a Pulse pool node the tick is distributed:
	// one node in the pool sweeps per interval.
	Reaper struct {
		store    kv.Store
		index    ClientIndex
		node     *pool.Node
		interval time.Duration
		maxAlive time.Duration
		now      func() time.Time
		tel      telemetry.Telemetry

		mu      sync.Mutex
		cancel  context.CancelFunc
		stopped chan struct{}
	}

	// ReaperOption configures a Reaper.
	ReaperOption func(*Reaper)
)

// NewKVIndex returns an index stored in store.
func NewKVIndex(store kv.Store) *KVIndex { return &KVIndex{store: store} }

// Add implements ClientIndex.
func (i *KVIndex) Add(ctx context.Context, clientID string) error {
	return i.store.HSet(ctx, clientIndexKey, clientID, strconv.FormatInt(time.Now().Unix(), 10))
}

// Clients implements ClientIndex.
func (i *KVIndex) Clients(ctx context.Context) ([]string, error) {
	all, err := i.store.HGetAll(ctx, clientIndexKey)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// NewRMapIndex returns an index backed by m.
func NewRMapIndex(m *rmap.Map) *RMapIndex { return &RMapIndex{m: m} }

// Add implements ClientIndex.
func (i *RMapIndex) Add(ctx context.Context, clientID string) error {
	_, err := i.m.Set(ctx, clientID, strconv.FormatInt(time.Now().Unix(), 10))
	return err
}

// Clients implements ClientIndex.
func (i *RMapIndex) Clients(context.Context) ([]string, error) {
	ids := i.m.Keys()
	sort.Strings(ids)
	return ids, nil
}

// WithReaperNode distributes ticks over the Pulse pool of node.
func WithReaperNode(node *pool.Node) ReaperOption {
	return func(r *Reaper) { r.node = node }
}

// WithReaperInterval overrides DefaultFlushInterval as the sweep period.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReaperMaxAliveTime overrides DefaultMaxAliveTime.
func WithReaperMaxAliveTime(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.maxAlive = d
		}
	}
}

// WithReaperClock overrides the clock used to age entries.
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		if now != nil {
			r.now = now
		}
	}
}

// WithReaperTelemetry sets the reaper logger and metrics.
func WithReaperTelemetry(t telemetry.Telemetry) ReaperOption {
	return func(r *Reaper) { r.tel = t }
}

// NewReaper returns a Reaper sweeping the clients of index.
func NewReaper(store kv.Store, index ClientIndex, opts ...ReaperOption) (*Reaper, error) {
	if store == nil {
		return nil, errors.New("kv store is required")
	}
	if index == nil {
		return nil, errors.New("client index is required")
	}
	r := &Reaper{
		store:    store,
		index:    index,
		interval: DefaultFlushInterval,
		maxAlive: DefaultMaxAliveTime,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.tel = r.tel.WithDefaults()
	return r, nil
}

// Sweep purges stale entries of every indexed client and returns the number
// of entries removed. Errors on one client do not prevent sweeping others.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	clients, err := r.index.Clients(ctx)
	if err != nil {
		return 0, fmt.Errorf("list clients: %w", err)
	}
	var (
		total int
		errs  []error
	)
	now := r.now()
	for _, id := range clients {
		n, err := purgeStale(ctx, r.store, ActiveKey(id), now, r.maxAlive)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			r.tel.Metrics.IncCounter(telemetry.MetricRateLimitReaped, float64(n), "client_id", id)
		}
		total += n
	}
	if total > 0 {
		r.tel.Logger.Info(ctx, "reaper swept stale requests", "count", total, "clients", len(clients))
	}
	return total, errors.Join(errs...)
}

// Start runs Sweep every interval until Close. It returns an error if the
// distributed ticker cannot be created or the reaper already runs.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("reaper already started")
	}

	var (
		ticks <-chan time.Time
		stop  func()
	)
	if r.node != nil {
		ticker, err := r.node.NewTicker(ctx, reaperTickerName, r.interval)
		if err != nil {
			return fmt.Errorf("create distributed ticker: %w", err)
		}
		ticks, stop = ticker.C, func() { ticker.Stop() }
	} else {
		ticker := time.NewTicker(r.interval)
		ticks, stop = ticker.C, ticker.Stop
	}

	// The loop outlives the caller context and ends on Close.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.stopped = make(chan struct{})
	go r.loop(loopCtx, ticks, stop, r.stopped)
	return nil
}

// Close stops the sweep loop and waits for it to exit.
func (r *Reaper) Close() {
	r.mu.Lock()
	cancel, stopped := r.cancel, r.stopped
	r.cancel, r.stopped = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (r *Reaper) loop(ctx context.Context, ticks <-chan time.Time, stop func(), stopped chan struct{}) {
	defer close(stopped)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if _, err := r.Sweep(ctx); err != nil {
				r.tel.Logger.Warn(ctx, "reaper sweep failed", "err", err)
			}
		}
	}
}
