// Package pulse mirrors task queue events into goa.design/pulse streams so
// other nodes can follow a task that runs elsewhere, and provides the matching
// subscriber. The mirror plugs into taskqueue.WithMirror; the in-process queue
// stays the source of truth.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	"goa.design/taskstream/features/stream/pulse/clients/pulse"
	"goa.design/taskstream/runtime/taskqueue"
)

type (
	// Options configures the mirror.
	Options struct {
		// Client publishes entries. Required.
		Client pulse.Client
		// StreamID maps a task id to its stream name. Defaults to
		// "task/<task_id>".
		StreamID func(taskID string) string
		// Now stamps envelopes. Defaults to time.Now.
		Now func() time.Time
		// Retention is how long a task stream outlives its last entry.
		// Defaults to DefaultRetention.
		Retention time.Duration
	}

	// Mirror publishes task events to Pulse. It is safe for concurrent use.
	Mirror struct {
		client    pulse.Client
		streamID  func(string) string
		now       func() time.Time
		retention time.Duration
	}

	// envelope is the entry payload written to the stream.
	envelope struct {
		Kind      taskqueue.Kind  `json:"kind"`
		TaskID    string          `json:"task_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
)

// DefaultRetention matches the lifetime of the task ownership record.
const DefaultRetention = 30 * time.Minute

// StreamID returns the default stream name of a task.
func StreamID(taskID string) string { return "task/" + taskID }

// NewMirror returns a Mirror publishing through opts.Client.
func NewMirror(opts Options) (*Mirror, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	m := &Mirror{client: opts.Client, streamID: StreamID, now: time.Now, retention: DefaultRetention}
	if opts.StreamID != nil {
		m.streamID = opts.StreamID
	}
	if opts.Now != nil {
		m.now = opts.Now
	}
	if opts.Retention > 0 {
		m.retention = opts.Retention
	}
	return m, nil
}

// Mirror implements taskqueue.Mirror.
func (m *Mirror) Mirror(ctx context.Context, taskID string, ev taskqueue.Event) error {
	if taskID == "" {
		return errors.New("task id is required")
	}
	payload, err := taskqueue.MarshalEvent(ev)
	if err != nil {
		return err
	}
	body, err := json.Marshal(envelope{
		Kind:      ev.Kind(),
		TaskID:    taskID,
		Timestamp: m.now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", ev.Kind(), err)
	}
	// The sliding TTL expires the stream, and its consumer groups, once the
	// task has been quiet for the retention period.
	str, err := m.client.Stream(m.streamID(taskID), streamopts.WithStreamSlidingTTL(m.retention))
	if err != nil {
		return err
	}
	_, err = str.Add(ctx, string(ev.Kind()), body)
	return err
}

// Subscriber returns a subscriber sharing the mirror's client.
func (m *Mirror) Subscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = m.client
	if opts.StreamID == nil {
		opts.StreamID = m.streamID
	}
	return NewSubscriber(opts)
}

// Close releases the client.
func (m *Mirror) Close(ctx context.Context) error {
	return m.client.Close(ctx)
}
