package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/taskstream/runtime/generate"
	"goa.design/taskstream/runtime/taskerrors"
	"goa.design/taskstream/runtime/taskqueue"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	closed bool
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error {
	d.closed = true
	return nil
}

func (d *testDecoder) Err() error { return nil }

type fakeMessages struct {
	dec    *testDecoder
	err    error
	params sdk.MessageNewParams
}

func (f *fakeMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.params = body
	return ssestream.NewStream[sdk.MessageStreamEventUnion](f.dec, f.err)
}

type recordingPublisher struct {
	events []taskqueue.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev taskqueue.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func helloEvents() []ssestream.Event {
	return []ssestream.Event{
		{Type: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","usage":{"input_tokens":3,"output_tokens":1}}}`)},
		{Type: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)},
		{Type: "ping", Data: []byte(`{"type":"ping"}`)},
		{Type: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`)},
		{Type: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`)},
		{Type: "content_block_stop", Data: []byte(`{"type":"content_block_stop","index":0}`)},
		{Type: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`)},
		{Type: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	}
}

func stepClock() func() time.Time {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now := at
		at = at.Add(2 * time.Second)
		return now
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{Model: "m"})
	require.EqualError(t, err, "anthropic client is required")
	_, err = New(&fakeMessages{}, Options{})
	require.EqualError(t, err, "model identifier is required")
	_, err = NewFromAPIKey("", "m")
	require.EqualError(t, err, "api key is required")

	r, err := New(&fakeMessages{}, Options{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, int64(defaultMaxTokens), r.opts.MaxTokens)
}

func TestRunStreamsText(t *testing.T) {
	msgs := &fakeMessages{dec: &testDecoder{events: helloEvents()}}
	r, err := New(msgs, Options{Model: "claude-sonnet-4-5", SystemPrompt: "be brief", Temperature: 0.2, Now: stepClock()})
	require.NoError(t, err)

	pub := &recordingPublisher{}
	require.NoError(t, r.Run(context.Background(), generate.Request{Query: "hi"}, pub))

	require.Equal(t, []taskqueue.Event{
		taskqueue.Chunk{Index: 0, Delta: "Hel"},
		taskqueue.Chunk{Index: 1, Delta: "lo"},
		taskqueue.MessageEnd{
			Usage:    taskqueue.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5, Latency: 2},
			FullText: "Hello",
		},
	}, pub.events)
	assert.True(t, msgs.dec.closed)
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), msgs.params.Model)
	require.Len(t, msgs.params.System, 1)
	assert.Equal(t, "be brief", msgs.params.System[0].Text)
	require.Len(t, msgs.params.Messages, 1)
	assert.Equal(t, int64(defaultMaxTokens), msgs.params.MaxTokens)
}

func TestRunFillsSystemPromptInputs(t *testing.T) {
	msgs := &fakeMessages{dec: &testDecoder{events: helloEvents()}}
	r, err := New(msgs, Options{Model: "claude-sonnet-4-5", SystemPrompt: "Reply in {{language}}."})
	require.NoError(t, err)
	req := generate.Request{Query: "hi", Inputs: map[string]any{"language": "French"}}
	require.NoError(t, r.Run(context.Background(), req, &recordingPublisher{}))
	require.Len(t, msgs.params.System, 1)
	assert.Equal(t, "Reply in French.", msgs.params.System[0].Text)
}

func TestRunUnwindsOnStop(t *testing.T) {
	msgs := &fakeMessages{dec: &testDecoder{events: helloEvents()}}
	r, err := New(msgs, Options{Model: "m"})
	require.NoError(t, err)
	err = r.Run(context.Background(), generate.Request{Query: "hi"}, &recordingPublisher{err: taskerrors.ErrTaskStopped})
	require.ErrorIs(t, err, taskerrors.ErrTaskStopped)
	assert.True(t, msgs.dec.closed)
}

func TestRunRequiresQuery(t *testing.T) {
	r, err := New(&fakeMessages{}, Options{Model: "m"})
	require.NoError(t, err)
	err = r.Run(context.Background(), generate.Request{}, &recordingPublisher{})
	require.Equal(t, taskerrors.KindValidation, taskerrors.Classify(err).Kind)
}

func TestRunStreamFailureIsTransient(t *testing.T) {
	msgs := &fakeMessages{dec: &testDecoder{}, err: fmt.Errorf("connection reset")}
	r, err := New(msgs, Options{Model: "m"})
	require.NoError(t, err)
	pub := &recordingPublisher{}
	err = r.Run(context.Background(), generate.Request{Query: "hi"}, pub)
	te := taskerrors.Classify(err)
	assert.Equal(t, taskerrors.KindInvocation, te.Kind)
	assert.True(t, te.Retryable)
	assert.Empty(t, pub.events)
}

func TestRunClassifiesAPIErrors(t *testing.T) {
	cases := []struct {
		status int
		kind   taskerrors.Kind
	}{
		{http.StatusUnauthorized, taskerrors.KindAuthorization},
		{http.StatusBadRequest, taskerrors.KindInvocation},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(c.status)
			_, _ = fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
		}))
		ac := sdk.NewClient(option.WithAPIKey("k"), option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
		r, err := New(&ac.Messages, Options{Model: "m"})
		require.NoError(t, err)
		err = r.Run(context.Background(), generate.Request{Query: "hi"}, &recordingPublisher{})
		srv.Close()
		assert.Equal(t, c.kind, taskerrors.Classify(err).Kind, "status %d", c.status)
	}
}
