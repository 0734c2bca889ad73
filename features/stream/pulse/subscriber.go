package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/taskstream/features/stream/pulse/clients/pulse"
	"goa.design/taskstream/runtime/taskqueue"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads the streams. Required.
		Client pulse.Client
		// SinkName prefixes the consumer group names. Every subscription
		// gets its own group so concurrent watchers each see every entry.
		// Defaults to "taskstream_subscriber".
		SinkName string
		// Buffer is the capacity of the delivery channel. Defaults to 64.
		Buffer int
		// StreamID maps a task id to its stream name. Defaults to StreamID.
		StreamID func(taskID string) string
	}

	// Subscriber follows mirrored task streams.
	Subscriber struct {
		client   pulse.Client
		name     string
		buffer   int
		streamID func(string) string
	}

	// Delivery is one event read from a task stream.
	Delivery struct {
		// ID is the stream entry id.
		ID     string
		TaskID string
		Event  taskqueue.Event
	}
)

// NewSubscriber returns a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{
		client:   opts.Client,
		name:     opts.SinkName,
		buffer:   opts.Buffer,
		streamID: opts.StreamID,
	}
	if s.name == "" {
		s.name = "taskstream_subscriber"
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	if s.streamID == nil {
		s.streamID = StreamID
	}
	return s, nil
}

// Subscribe opens a new consumer group on the stream of taskID, reading from
// the oldest entry unless opts say otherwise, so a late watcher still sees
// the whole task. Deliveries stop after the first terminal event, when ctx is
// done, or when cancel is called; both channels are closed on exit. Decode
// and ack failures are reported on the error channel and end the
// subscription.
func (s *Subscriber) Subscribe(ctx context.Context, taskID string, opts ...streamopts.Sink) (<-chan Delivery, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(s.streamID(taskID))
	if err != nil {
		return nil, nil, nil, err
	}
	sinkOpts := append([]streamopts.Sink{streamopts.WithSinkStartAtOldest()}, opts...)
	sink, err := str.NewSink(ctx, s.sinkName(), sinkOpts...)
	if err != nil {
		return nil, nil, nil, err
	}
	out := make(chan Delivery, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, out, errs)
	return out, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) sinkName() string {
	return s.name + "_" + uuid.NewString()
}

func (s *Subscriber) consume(ctx context.Context, sink pulse.Sink, out chan<- Delivery, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			d, err := decodeEnvelope(entry.Payload)
			if err != nil {
				errs <- fmt.Errorf("decode task stream entry %s: %w", entry.ID, err)
				return
			}
			d.ID = entry.ID
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, entry); err != nil {
				errs <- fmt.Errorf("ack task stream entry %s: %w", entry.ID, err)
				return
			}
			if taskqueue.IsTerminal(d.Event) {
				return
			}
		}
	}
}

func decodeEnvelope(payload []byte) (Delivery, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Delivery{}, err
	}
	ev, err := taskqueue.UnmarshalEvent(env.Kind, env.Payload)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{TaskID: env.TaskID, Event: ev}, nil
}

// Events subscribes to taskID and yields its events until a terminal event,
// a subscription failure, or the caller stops iterating.
func (s *Subscriber) Events(ctx context.Context, taskID string) iter.Seq2[taskqueue.Event, error] {
	return func(yield func(taskqueue.Event, error) bool) {
		out, errs, cancel, err := s.Subscribe(ctx, taskID)
		if err != nil {
			yield(nil, err)
			return
		}
		defer cancel()
		for d := range out {
			if !yield(d.Event, nil) {
				return
			}
		}
		if err, ok := <-errs; ok && err != nil {
			yield(nil, err)
		}
	}
}
