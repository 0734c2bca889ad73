package taskqueue

import (
	"context"
	"errors"
	"reflect"
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

// storeEpoch freezes the store clock so TTLs read back exactly. Nothing in
// these tests lives long enough to expire.
var storeEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) (*Registry, *inmem.Store) {
	t.Helper()
	store := inmem.New(inmem.WithClock(func() time.Time { return storeEpoch }))
	reg, err := NewRegistry(store)
	require.NoError(t, err)
	return reg, store
}

func newQueue(t *testing.T, reg *Registry, taskID, userID string, opts ...Option) *Queue {
	t.Helper()
	q, err := New(context.Background(), reg, taskID, userID, InvokeFromServiceAPI, opts...)
	require.NoError(t, err)
	return q
}

func collect(ctx context.Context, q *Queue) []Event {
	var out []Event
	for ev := range q.Listen(ctx) {
		out = append(out, ev)
	}
	return out
}

// genEvent generates non-terminal events.
func genEvent() gopter.Gen {
	return gen.OneGenOf(
		gen.AlphaString().Map(func(s string) Event { return Chunk{Delta: s} }),
		gen.Identifier().Map(func(s string) Event { return AnnotationReply{AnnotationID: s} }),
		gen.Identifier().Map(func(s string) Event { return MessageFile{FileID: s, Type: "image"} }),
		gen.Bool().Map(func(bool) Event { return Ping{} }),
	)
}

func TestListenPreservesPublishOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("listen yields exactly the published events in order", prop.ForAll(
		func(events []Event) bool {
			reg, _ := newRegistry(t)
			q, err := New(context.Background(), reg, "", "u1", InvokeFromWebApp, WithPollInterval(10*time.Millisecond))
			if err != nil {
				return false
			}
			for _, ev := range events {
				if err := q.Publish(context.Background(), ev, OriginProducer); err != nil {
					return false
				}
			}
			q.StopListen()
			got := collect(context.Background(), q)
			if len(got) != len(events) {
				return false
			}
			for i := range got {
				if got[i] != events[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genEvent(), reflect.TypeOf((*Event)(nil)).Elem()),
	))

	properties.TestingRun(t)
}

func TestListenDeliversConcurrentPublishesInOrder(t *testing.T) {
	reg, _ := newRegistry(t)
	q := newQueue(t, reg, "task", "u1", WithPollInterval(5*time.Millisecond))

	const n = 200
	go func() {
		for i := range n {
			_ = q.Producer().Publish(context.Background(), Chunk{Index: i, Delta: "x"})
		}
		_ = q.Producer().Publish(context.Background(), MessageEnd{FullText: "done"})
	}()

	got := collect(context.Background(), q)
	require.Len(t, got, n+1)
	for i := range n {
		assert.Equal(t, i, got[i].(Chunk).Index)
	}
	assert.Equal(t, KindMessageEnd, got[n].Kind())
}

func TestNewRejectsEmptyUser(t *testing.T) {
	reg, store := newRegistry(t)
	q, err := New(context.Background(), reg, "task", "", InvokeFromServiceAPI)
	require.Error(t, err)
	assert.Nil(t, q)
	var te *taskerrors.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taskerrors.KindValidation, te.Kind)
	assert.Empty(t, store.Keys())
}

func TestNewRegistersOwner(t *testing.T) {
	reg, store := newRegistry(t)
	q := newQueue(t, reg, "", "u1")
	assert.NotEmpty(t, q.TaskID())

	owner, ok, err := reg.Owner(context.Background(), q.TaskID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "end-user-u1", owner)
	assert.Equal(t, DefaultBelongTTL, store.TTL(BelongKey(q.TaskID())))
}

func TestTerminalEventClosesQueue(t *testing.T) {
	reg, _ := newRegistry(t)
	q := newQueue(t, reg, "task", "u1", WithPollInterval(5*time.Millisecond))
	ctx := context.Background()
	p := q.Producer()

	require.NoError(t, p.Publish(ctx, Chunk{Delta: "Hel"}))
	require.NoError(t, p.Publish(ctx, Chunk{Delta: "lo"}))
	require.NoError(t, p.Publish(ctx, MessageEnd{Usage: Usage{TotalTokens: 5}, FullText: "Hello"}))
	assert.ErrorIs(t, p.Publish(ctx, Chunk{Delta: "late"}), taskerrors.ErrTaskStopped)

	got := collect(ctx, q)
	require.Len(t, got, 3)
	assert.Equal(t, Chunk{Delta: "Hel"}, got[0])
	assert.Equal(t, Chunk{Delta: "lo"}, got[1])
	assert.Equal(t, MessageEnd{Usage: Usage{TotalTokens: 5}, FullText: "Hello"}, got[2])
}

func TestMaxExecutionTimeInjectsStop(t *testing.T) {
	reg, _ := newRegistry(t)
	q := newQueue(t, reg, "task", "u1",
		WithPollInterval(5*time.Millisecond),
		WithMaxExecutionTime(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep publishing data until the queue rejects the producer.
	producerErr := make(chan error, 1)
	go func() {
		for {
			if err := q.Producer().Publish(ctx, Chunk{Delta: "."}); err != nil {
				producerErr <- err
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var stops int
	deadline := time.After(5 * time.Second)
	events := make(chan Event)
	go func() {
		defer close(events)
		for ev := range q.Listen(ctx) {
			events <- ev
		}
	}()
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if s, isStop := ev.(Stop); isStop {
				stops++
				assert.Equal(t, StopReasonUserManual, s.Reason)
			}
		case <-deadline:
			t.Fatal("listen did not terminate after max execution time")
		}
	}

	assert.GreaterOrEqual(t, stops, 1)
	assert.True(t, q.Stopped())
	assert.ErrorIs(t, <-producerErr, taskerrors.ErrTaskStopped)
	select {
	case <-q.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestStopFlagStopsOwnedTask(t *testing.T) {
	reg, store := newRegistry(t)
	q := newQueue(t, reg, "task", "u1", WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, SetStopFlag(ctx, reg, "task", InvokeFromWebApp, "u1"))
	assert.Equal(t, DefaultStopFlagTTL, store.TTL(StopKey("task")))

	// The shared flag is visible to the producer before the loop runs.
	assert.ErrorIs(t, q.Producer().Publish(ctx, Chunk{Delta: "x"}), taskerrors.ErrTaskStopped)

	got := collect(ctx, q)
	require.NotEmpty(t, got)
	assert.Equal(t, Stop{Reason: StopReasonUserManual}, got[0])
}

func TestStopFlagAuthorizationIsolation(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	q, err := New(ctx, reg, "X", "u2", InvokeFromServiceAPI,
		WithPollInterval(5*time.Millisecond),
		WithMaxExecutionTime(60*time.Millisecond))
	require.NoError(t, err)

	// Wrong user, and right user in the wrong namespace.
	require.NoError(t, SetStopFlag(ctx, reg, "X", InvokeFromServiceAPI, "u1"))
	require.NoError(t, SetStopFlag(ctx, reg, "X", InvokeFromDebugger, "u2"))
	// Unknown task.
	require.NoError(t, SetStopFlag(ctx, reg, "missing", InvokeFromServiceAPI, "u2"))

	stopped, err := reg.IsStopped(ctx, "X")
	require.NoError(t, err)
	assert.False(t, stopped)

	start := time.Now()
	got := collect(ctx, q)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "loop must run to its timeout")
	require.NotEmpty(t, got)
	assert.Equal(t, KindStop, got[len(got)-1].Kind())
}

func TestHeartbeatOncePerBoundary(t *testing.T) {
	reg, _ := newRegistry(t)
	clock := &stepClock{now: time.Unix(0, 0), step: 4 * time.Second}
	q := newQueue(t, reg, "task", "u1",
		WithPollInterval(time.Millisecond),
		WithClock(clock.Now),
		WithMaxExecutionTime(100*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pings int
	var afterStop bool
	stopped := false
	for ev := range q.Listen(ctx) {
		switch ev.(type) {
		case Ping:
			pings++
			if stopped {
				afterStop = true
			}
		case Stop:
			stopped = true
		}
	}
	assert.False(t, afterStop)
	// The loop ends at the first Stop, at or after 100s: at most ten boundaries.
	assert.LessOrEqual(t, pings, 10)
	assert.GreaterOrEqual(t, pings, 8)
}

func TestSecondListenYieldsNothing(t *testing.T) {
	reg, _ := newRegistry(t)
	q := newQueue(t, reg, "task", "u1", WithPollInterval(5*time.Millisecond))
	require.NoError(t, q.Producer().Publish(context.Background(), Chunk{Delta: "a"}))
	q.StopListen()
	q.StopListen()

	assert.Len(t, collect(context.Background(), q), 1)
	assert.Empty(t, collect(context.Background(), q))
}

func TestAbandonedListenRejectsProducer(t *testing.T) {
	reg, _ := newRegistry(t)
	q := newQueue(t, reg, "task", "u1", WithPollInterval(5*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, q.Producer().Publish(ctx, Chunk{Delta: "a"}))
	require.NoError(t, q.Producer().Publish(ctx, Chunk{Delta: "b"}))

	for range q.Listen(ctx) {
		break
	}
	<-q.Done()
	assert.ErrorIs(t, q.Producer().Publish(ctx, Chunk{Delta: "c"}), taskerrors.ErrTaskStopped)
}

func TestListenEndsOnContextCancel(t *testing.T) {
	reg, _ := newRegistry(t)
	q := newQueue(t, reg, "task", "u1", WithPollInterval(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	assert.Empty(t, collect(ctx, q))
	assert.Less(t, time.Since(start), time.Second)
}

func TestPublishRejectsLiveHandle(t *testing.T) {
	reg, _ := newRegistry(t)
	q := newQueue(t, reg, "task", "u1")
	ev := RetrieverResources{Resources: []RetrieverResource{{
		Position: 1,
		Extra:    map[string]any{"nested": []any{map[string]any{"row": &fakeRow{}}}},
	}}}

	err := q.Publish(context.Background(), ev, OriginProducer)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLiveHandle)
	var lhe *LiveHandleError
	require.ErrorAs(t, err, &lhe)
	assert.Equal(t, KindRetrieverResources, lhe.Kind)
	assert.Contains(t, lhe.Path, "resources[0]")
}

func TestMirrorReceivesEvents(t *testing.T) {
	reg, _ := newRegistry(t)
	m := &recordingMirror{fail: true}
	logger := telemetry.NewRecordingLogger()
	q := newQueue(t, reg, "task", "u1",
		WithMirror(m),
		WithTelemetry(telemetry.Telemetry{Logger: logger}))

	require.NoError(t, q.Producer().Publish(context.Background(), Chunk{Delta: "a"}))
	assert.Equal(t, []Kind{KindChunk}, m.kinds())
	assert.True(t, logger.Has("warn", "event mirror failed"))
}

func TestResolveRole(t *testing.T) {
	assert.Equal(t, RoleAccount, ResolveRole(InvokeFromExplore))
	assert.Equal(t, RoleAccount, ResolveRole(InvokeFromDebugger))
	assert.Equal(t, RoleEndUser, ResolveRole(InvokeFromServiceAPI))
	assert.Equal(t, RoleEndUser, ResolveRole(InvokeFromWebApp))
	assert.Equal(t, "account-u1", Owner(InvokeFromDebugger, "u1"))

	_, err := ParseInvokeFrom("cli")
	assert.Error(t, err)
	from, err := ParseInvokeFrom("web-app")
	require.NoError(t, err)
	assert.Equal(t, InvokeFromWebApp, from)
}

type fakeRow struct{ ID int }

func (*fakeRow) LiveHandle() {}

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// Now advances the clock by step on every call.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

type recordingMirror struct {
	mu   sync.Mutex
	seen []Kind
	fail bool
}

func (m *recordingMirror) Mirror(_ context.Context, _ string, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, ev.Kind())
	if m.fail {
		return errors.New("mirror down")
	}
	return nil
}

func (m *recordingMirror) kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Kind(nil), m.seen...)
}

// existsCounter counts stop flag lookups.
type existsCounter struct {
	*inmem.Store
	mu    sync.Mutex
	calls int
}

func (s *existsCounter) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.Store.Exists(ctx, key)
}

func (s *existsCounter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestProducerReadsStopFlagOncePerPollInterval(t *testing.T) {
	store := &existsCounter{Store: inmem.New()}
	reg, err := NewRegistry(store)
	require.NoError(t, err)
	clock := &stepClock{now: time.Unix(0, 0)}
	q := newQueue(t, reg, "task", "u1", WithPollInterval(time.Second), WithClock(clock.Now))
	ctx := context.Background()
	p := q.Producer()

	for i := range 10 {
		require.NoError(t, p.Publish(ctx, Chunk{Index: i, Delta: "x"}))
	}
	assert.Equal(t, 1, store.count())

	// Once the interval elapsed the next publish sees the flag, and the
	// answer sticks without further lookups.
	require.NoError(t, SetStopFlag(ctx, reg, "task", InvokeFromServiceAPI, "u1"))
	clock.mu.Lock()
	clock.now = clock.now.Add(time.Second)
	clock.mu.Unlock()
	assert.ErrorIs(t, p.Publish(ctx, Chunk{Delta: "y"}), taskerrors.ErrTaskStopped)
	n := store.count()
	assert.ErrorIs(t, p.Publish(ctx, Chunk{Delta: "z"}), taskerrors.ErrTaskStopped)
	assert.Equal(t, n, store.count())
}

func TestPublishStoresPointerEventsAsValues(t *testing.T) {
	reg, _ := newRegistry(t)
	q := newQueue(t, reg, "task", "u1", WithPollInterval(5*time.Millisecond))
	ctx := context.Background()
	p := q.Producer()

	require.NoError(t, p.Publish(ctx, &Chunk{Delta: "Hel"}))
	require.NoError(t, p.Publish(ctx, &MessageEnd{FullText: "Hel"}))
	assert.ErrorIs(t, p.Publish(ctx, Chunk{Delta: "late"}), taskerrors.ErrTaskStopped)

	got := collect(ctx, q)
	assert.Equal(t, []Event{Chunk{Delta: "Hel"}, MessageEnd{FullText: "Hel"}}, got)

	var nilEnd *MessageEnd
	assert.Error(t, q.Publish(ctx, nilEnd, OriginPipeline))
}
