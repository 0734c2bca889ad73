package taskqueue

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"goa.design/taskstream/runtime/taskerrors"
	"goa.design/taskstream/runtime/telemetry"
)

const (
	// DefaultPollInterval bounds how long a single listen poll waits for an
	// event. It is also the worst-case latency to observe a stop or timeout.
	DefaultPollInterval = time.Second
	// DefaultHeartbeatInterval is the spacing of Ping boundaries.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultMaxExecutionTime is the wall-clock budget of a listen loop.
	DefaultMaxExecutionTime = 1200 * time.Second
)

type (
	// Origin identifies who publishes an event.
	Origin int

	// Publisher is the producer side of a Queue handed to business logic.
	Publisher interface {
		// Publish appends ev to the queue. It returns taskerrors.ErrTaskStopped
		// once the task was stopped or the consumer went away; callers unwind
		// when they see it.
		Publish(ctx context.Context, ev Event) error
	}

	// Mirror receives a copy of every published event, for example to fan
	// task events out to other nodes. Failures are logged and ignored.
	Mirror interface {
		Mirror(ctx context.Context, taskID string, ev Event) error
	}

	// Option configures a Queue.
	Option func(*options)

	// Queue is the single-producer single-consumer mailbox of one task.
	// Publish never blocks: the buffer is unbounded.
	Queue struct {
		taskID     string
		userID     string
		invokeFrom InvokeFrom
		registry   *Registry
		opts       options

		mu          sync.Mutex
		items       []item
		closeQueued bool
		stopped     bool
		notify      chan struct{}
		// flagCheckedAt throttles producer-side stop flag lookups to one
		// per poll interval; flagSeen latches a positive lookup.
		flagCheckedAt time.Time
		flagSeen      bool

		listening atomic.Bool
		done      chan struct{}
		doneOnce  sync.Once
	}

	options struct {
		pollInterval      time.Duration
		heartbeatInterval time.Duration
		maxExecutionTime  time.Duration
		mirror            Mirror
		now               func() time.Time
		tel               telemetry.Telemetry
	}

	// item is a queue slot. close marks the sentinel that ends Listen; it is
	// distinct from the Stop data event.
	item struct {
		ev    Event
		close bool
	}

	producer struct {
		q *Queue
	}
)

const (
	// OriginProducer is used by the worker running the business logic.
	OriginProducer Origin = iota
	// OriginPipeline is used by the consumer side (stop and heartbeat
	// injection). Pipeline publishes are never rejected.
	OriginPipeline
)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithMaxExecutionTime overrides DefaultMaxExecutionTime.
func WithMaxExecutionTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxExecutionTime = d
		}
	}
}

// WithMirror copies every published event to m.
func WithMirror(m Mirror) Option {
	return func(o *options) { o.mirror = m }
}

// WithClock overrides the clock used to measure elapsed time.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTelemetry sets the logger, metrics, and tracer used by the queue.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(o *options) { o.tel = t }
}

// New creates the queue of a task and records its owner in registry. An empty
// taskID is replaced by a generated one. An empty userID is rejected with a
// validation error and nothing is registered.
func New(ctx context.Context, registry *Registry, taskID, userID string, from InvokeFrom, opts ...Option) (*Queue, error) {
	if userID == "" {
		return nil, taskerrors.Validation("user is required")
	}
	if registry == nil {
		return nil, errors.New("task registry is required")
	}
	if taskID == "" {
		taskID = uuid.NewString()
	}
	o := options{
		pollInterval:      DefaultPollInterval,
		heartbeatInterval: DefaultHeartbeatInterval,
		maxExecutionTime:  DefaultMaxExecutionTime,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.tel = o.tel.WithDefaults()
	if err := registry.Register(ctx, taskID, from, userID); err != nil {
		return nil, err
	}
	return &Queue{
		taskID:     taskID,
		userID:     userID,
		invokeFrom: from,
		registry:   registry,
		opts:       o,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

// SetStopFlag requests that taskID stops. It is a no-op unless the caller
// identified by from and userID owns the task.
func SetStopFlag(ctx context.Context, registry *Registry, taskID string, from InvokeFrom, userID string) error {
	return registry.SetStopFlag(ctx, taskID, from, userID)
}

// TaskID returns the task identifier.
func (q *Queue) TaskID() string { return q.taskID }

// UserID returns the task owner's user identifier.
func (q *Queue) UserID() string { return q.userID }

// InvokeFrom returns the surface the task was started from.
func (q *Queue) InvokeFrom() InvokeFrom { return q.invokeFrom }

// Done is closed when the listen loop exits. Workers select on it to stop
// early.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Producer returns the publisher handed to the worker.
func (q *Queue) Producer() Publisher { return producer{q: q} }

// Publish appends ev to the queue. Pointer events are stored as values.
//
// Events carrying a LiveHandle are rejected with a *LiveHandleError. Producer
// publishes fail with taskerrors.ErrTaskStopped once the task was stopped (by
// the listen loop, by the stop flag, or because the consumer went away) or
// after a terminal event closed the queue. Terminal events enqueue the close
// sentinel right after themselves.
func (q *Queue) Publish(ctx context.Context, ev Event, origin Origin) error {
	if ev = Value(ev); ev == nil {
		return errors.New("nil event")
	}
	if err := Check(ev); err != nil {
		q.opts.tel.Logger.Error(ctx, "rejected event with live handle", "task_id", q.taskID, "err", err)
		return err
	}
	if origin == OriginProducer && q.producerStopped(ctx) {
		return taskerrors.ErrTaskStopped
	}

	q.mu.Lock()
	if origin == OriginProducer && (q.stopped || q.closeQueued) {
		q.mu.Unlock()
		return taskerrors.ErrTaskStopped
	}
	q.items = append(q.items, item{ev: ev})
	if IsTerminal(ev) && !q.closeQueued {
		q.items = append(q.items, item{close: true})
		q.closeQueued = true
	}
	q.mu.Unlock()
	q.signal()

	q.opts.tel.Metrics.IncCounter(telemetry.MetricQueuePublished, 1, "kind", string(ev.Kind()))
	if q.opts.mirror != nil {
		if err := q.opts.mirror.Mirror(ctx, q.taskID, ev); err != nil {
			q.opts.tel.Logger.Warn(ctx, "event mirror failed", "task_id", q.taskID, "kind", string(ev.Kind()), "err", err)
		}
	}
	return nil
}

// StopListen enqueues the close sentinel. Listen returns once it reaches it.
// StopListen is idempotent and safe to call from any goroutine.
func (q *Queue) StopListen() {
	q.mu.Lock()
	if q.closeQueued {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item{close: true})
	q.closeQueued = true
	q.mu.Unlock()
	q.signal()
}

// Listen returns the event sequence of the task. Only the first call
// consumes the queue; later calls yield nothing.
//
// Each poll waits at most the poll interval. After every poll the loop
// checks the elapsed time and the stop flag: when either trips it publishes
// Stop twice with pipeline origin, and producer publishes fail from then on.
// Each time the elapsed time crosses a new heartbeat boundary a single Ping
// is published. The loop ends at the close sentinel, when ctx is done, or
// when the consumer stops iterating; Done is closed on exit.
func (q *Queue) Listen(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !q.listening.CompareAndSwap(false, true) {
			return
		}
		defer q.finish()

		start := q.opts.now()
		lastPing := 0
		stopInjected := false
		for {
			it, ok := q.poll(ctx)
			if ok {
				if it.close {
					return
				}
				if !yield(it.ev) {
					return
				}
			}
			if ctx.Err() != nil {
				return
			}

			elapsed := q.opts.now().Sub(start)
			if !stopInjected && (elapsed >= q.opts.maxExecutionTime || q.stopFlagSet(ctx)) {
				stopInjected = true
				q.injectStop(ctx, elapsed)
			}
			if boundary := int(elapsed / q.opts.heartbeatInterval); boundary > lastPing {
				lastPing = boundary
				_ = q.Publish(ctx, Ping{}, OriginPipeline)
			}
		}
	}
}

// Stopped reports whether the task observed a stop request or timeout.
func (q *Queue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

func (p producer) Publish(ctx context.Context, ev Event) error {
	return p.q.Publish(ctx, ev, OriginProducer)
}

// poll waits up to the poll interval for the next item.
func (q *Queue) poll(ctx context.Context) (item, bool) {
	timer := time.NewTimer(q.opts.pollInterval)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = item{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-timer.C:
			return item{}, false
		case <-ctx.Done():
			return item{}, false
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) injectStop(ctx context.Context, elapsed time.Duration) {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.opts.tel.Logger.Info(ctx, "stopping task", "task_id", q.taskID, "elapsed", elapsed.String())
	q.opts.tel.Metrics.IncCounter(telemetry.MetricQueueStopped, 1)
	for range 2 {
		_ = q.Publish(ctx, Stop{Reason: StopReasonUserManual}, OriginPipeline)
	}
}

func (q *Queue) stopFlagSet(ctx context.Context) bool {
	stopped, err := q.registry.IsStopped(ctx, q.taskID)
	if err != nil {
		q.opts.tel.Logger.Warn(ctx, "stop flag lookup failed", "task_id", q.taskID, "err", err)
		return false
	}
	return stopped
}

// producerStopped checks the local state first and falls back to the shared
// stop flag so workers observe stops before the next listen poll. The flag
// is read at most once per poll interval.
func (q *Queue) producerStopped(ctx context.Context) bool {
	select {
	case <-q.done:
		return true
	default:
	}
	q.mu.Lock()
	if q.stopped || q.flagSeen {
		q.mu.Unlock()
		return true
	}
	now := q.opts.now()
	if !q.flagCheckedAt.IsZero() && now.Sub(q.flagCheckedAt) < q.opts.pollInterval {
		q.mu.Unlock()
		return false
	}
	q.flagCheckedAt = now
	q.mu.Unlock()

	if !q.stopFlagSet(ctx) {
		return false
	}
	q.mu.Lock()
	q.flagSeen = true
	q.mu.Unlock()
	return true
}

func (q *Queue) finish() {
	q.doneOnce.Do(func() { close(q.done) })
}
