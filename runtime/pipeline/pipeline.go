// Package pipeline converts the event sequence of a generation task into
// client-facing response units and applies the completion side effects:
// output moderation, message persistence, and conversation naming.
//
// A Pipeline runs in the request goroutine. It drains the task queue, yields
// one Response per visible event, and stops at the first terminal event
// (MessageEnd, Error, or Stop). Terminal states are exclusive: once the
// pipeline completed, stopped, or errored it never emits again.
package pipeline

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/taskstream/runtime/taskerrors"
	"goa.design/taskstream/runtime/taskqueue"
	"goa.design/taskstream/runtime/telemetry"
)

type (
	// MessageStore persists the terminal state of a message.
	MessageStore interface {
		Finalize(ctx context.Context, rec MessageRecord) error
	}

	// Moderator inspects the final answer and returns the text to keep.
	Moderator interface {
		Moderate(ctx context.Context, text string) (string, error)
	}

	// Namer generates and stores the name of a new conversation.
	Namer interface {
		Name(ctx context.Context, conversationID, query string) error
	}

	// MessageStatus is the persisted status of a message.
	MessageStatus string

	// MessageRecord is the terminal state written to the MessageStore.
	MessageRecord struct {
		MessageID      string
		ConversationID string
		TaskID         string
		Status         MessageStatus
		Answer         string
		Error          string
		Usage          taskqueue.Usage
		Metadata       Metadata
		Latency        time.Duration
	}

	// StopPolicy decides how a task stopped before MessageEnd is finalized.
	StopPolicy int

	// State is the lifecycle state of a pipeline.
	State int

	// Options configures a Pipeline.
	Options struct {
		TaskID         string
		MessageID      string
		ConversationID string
		// Mode is reported in blocking results, for example "chat".
		Mode string
		// Query is the user input, used for conversation naming.
		Query string
		// NewConversation is set when the message is the first of its
		// conversation.
		NewConversation bool
		// AutoGenerateName enables conversation naming.
		AutoGenerateName bool

		Store      MessageStore
		Moderator  Moderator
		Namer      Namer
		StopPolicy StopPolicy
		Telemetry  telemetry.Telemetry
		Now        func() time.Time
	}

	// Pipeline is the consumer of one task queue.
	Pipeline struct {
		source iter.Seq[taskqueue.Event]
		opts   Options
		start  time.Time

		mu       sync.Mutex
		state    State
		answer   strings.Builder
		metadata Metadata
		final    *Result
		err      *taskerrors.Error
		ran      bool
	}
)

const (
	StatusNormal  MessageStatus = "normal"
	StatusError   MessageStatus = "error"
	StatusStopped MessageStatus = "stopped"
)

const (
	// StopPolicyPersistPartial moderates and persists the partial answer
	// with status stopped.
	StopPolicyPersistPartial StopPolicy = iota
	// StopPolicyMarkError persists the message with status error.
	StopPolicyMarkError
	// StopPolicyDiscard skips persistence.
	StopPolicyDiscard
)

const (
	StateRunning State = iota
	StateStreaming
	StateCompleted
	StateStopped
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s is final.
func (s State) Terminal() bool { return s >= StateCompleted }

// New returns a pipeline draining source.
func New(source iter.Seq[taskqueue.Event], opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Telemetry = opts.Telemetry.WithDefaults()
	return &Pipeline{source: source, opts: opts, start: opts.Now()}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stream returns the response sequence. The sequence ends after the first
// terminal response, or early when ctx is done or the caller stops
// iterating. Only the first call produces responses.
func (p *Pipeline) Stream(ctx context.Context) iter.Seq[Response] {
	return func(yield func(Response) bool) {
		p.mu.Lock()
		if p.ran {
			p.mu.Unlock()
			return
		}
		p.ran = true
		p.mu.Unlock()

		for ev := range p.source {
			resps, terminal := p.handle(ctx, ev)
			for _, r := range resps {
				if !yield(r) {
					return
				}
			}
			if terminal {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		// The source ended without a terminal event.
		te := taskerrors.Internal("task ended without a terminal event")
		yield(p.fail(ctx, te))
	}
}

// Blocking drains the whole sequence and returns the aggregate result. Chunks
// and pings are not returned individually. A failed task returns its
// *taskerrors.Error.
func (p *Pipeline) Blocking(ctx context.Context) (*Result, error) {
	for range p.Stream(ctx) {
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.final == nil {
		if err := ctx.Err(); err != nil {
			return nil, taskerrors.Classify(err)
		}
		return nil, taskerrors.Internal("task produced no result")
	}
	res := *p.final
	return &res, nil
}

// handle processes one event and returns the responses to yield. terminal
// reports whether the stream ends.
func (p *Pipeline) handle(ctx context.Context, ev taskqueue.Event) (resps []Response, terminal bool) {
	if p.State().Terminal() {
		return nil, true
	}
	switch e := taskqueue.Value(ev).(type) {
	case taskqueue.Chunk:
		p.mu.Lock()
		p.state = StateStreaming
		p.answer.WriteString(e.Delta)
		p.mu.Unlock()
		r := p.base(EventMessage)
		r.Answer = e.Delta
		return []Response{r}, false

	case taskqueue.AnnotationReply:
		p.mu.Lock()
		p.metadata.AnnotationReply = &AnnotationReply{ID: e.AnnotationID}
		p.mu.Unlock()
		return nil, false

	case taskqueue.RetrieverResources:
		p.mu.Lock()
		p.metadata.RetrieverResources = append(p.metadata.RetrieverResources, e.Resources...)
		p.mu.Unlock()
		return nil, false

	case taskqueue.MessageFile:
		r := p.base(EventMessageFile)
		r.ID, r.Type, r.URL, r.BelongsTo = e.FileID, e.Type, e.URL, e.BelongsTo
		return []Response{r}, false

	case taskqueue.Ping:
		return []Response{p.base(EventPing)}, false

	case taskqueue.Error:
		te := e.Err
		if te == nil {
			te = taskerrors.Internal("error event without cause")
		}
		if te.Kind == taskerrors.KindTaskStopped {
			return []Response{p.stop(ctx, taskqueue.StopReasonUserManual)}, true
		}
		return []Response{p.fail(ctx, te)}, true

	case taskqueue.MessageEnd:
		return p.complete(ctx, e), true

	case taskqueue.Stop:
		return []Response{p.stop(ctx, e.Reason)}, true
	}
	return nil, false
}

func (p *Pipeline) complete(ctx context.Context, e taskqueue.MessageEnd) []Response {
	p.mu.Lock()
	text := e.FullText
	if text == "" {
		text = p.answer.String()
	}
	p.mu.Unlock()

	moderated := p.moderate(ctx, text)
	usage := e.Usage
	usage.Latency = p.opts.Now().Sub(p.start).Seconds()

	p.mu.Lock()
	p.state = StateCompleted
	p.metadata.Usage = &usage
	md := p.metadata
	p.final = p.result(moderated, md, false)
	p.mu.Unlock()

	p.persist(ctx, MessageRecord{Status: StatusNormal, Answer: moderated, Usage: usage, Metadata: md})
	p.name(ctx)

	var resps []Response
	if moderated != text {
		r := p.base(EventMessageReplace)
		r.Answer = moderated
		resps = append(resps, r)
	}
	end := p.base(EventMessageEnd)
	end.Answer = moderated
	end.Metadata = &md
	return append(resps, end)
}

func (p *Pipeline) stop(ctx context.Context, reason taskqueue.StopReason) Response {
	p.mu.Lock()
	partial := p.answer.String()
	p.state = StateStopped
	md := p.metadata
	p.mu.Unlock()

	answer := partial
	switch p.opts.StopPolicy {
	case StopPolicyPersistPartial:
		answer = p.moderate(ctx, partial)
		p.persist(ctx, MessageRecord{Status: StatusStopped, Answer: answer, Metadata: md})
	case StopPolicyMarkError:
		p.persist(ctx, MessageRecord{Status: StatusError, Answer: partial, Error: "task stopped", Metadata: md})
	case StopPolicyDiscard:
	}

	p.mu.Lock()
	p.final = p.result(answer, md, true)
	p.mu.Unlock()

	r := p.base(EventStop)
	r.Reason = string(reason)
	r.Metadata = &md
	return r
}

func (p *Pipeline) fail(ctx context.Context, te *taskerrors.Error) Response {
	p.mu.Lock()
	p.state = StateErrored
	p.err = te
	partial := p.answer.String()
	p.mu.Unlock()

	p.opts.Telemetry.Logger.Warn(ctx, "task failed", "task_id", p.opts.TaskID, "kind", string(te.Kind), "err", te)
	p.persist(ctx, MessageRecord{Status: StatusError, Answer: partial, Error: te.Describe()})

	r := p.base(EventError)
	r.Status = te.HTTPStatus()
	r.Code = te.Code()
	r.Message = te.Describe()
	return r
}

// moderate returns the moderated text. Moderator failures keep the original.
func (p *Pipeline) moderate(ctx context.Context, text string) string {
	if p.opts.Moderator == nil || text == "" {
		return text
	}
	out, err := p.opts.Moderator.Moderate(ctx, text)
	if err != nil {
		p.opts.Telemetry.Logger.Warn(ctx, "output moderation failed", "task_id", p.opts.TaskID, "err", err)
		return text
	}
	return out
}

// persist writes the terminal message state. It runs detached from ctx
// cancellation so abandoned requests still record their outcome.
func (p *Pipeline) persist(ctx context.Context, rec MessageRecord) {
	status := string(rec.Status)
	defer p.opts.Telemetry.Metrics.RecordTimer(telemetry.MetricPipelineDuration, p.opts.Now().Sub(p.start), "status", status)
	if p.opts.Store == nil || p.opts.MessageID == "" {
		return
	}
	rec.MessageID = p.opts.MessageID
	rec.ConversationID = p.opts.ConversationID
	rec.TaskID = p.opts.TaskID
	rec.Latency = p.opts.Now().Sub(p.start)

	ctx, span := p.opts.Telemetry.Tracer.Start(context.WithoutCancel(ctx), "pipeline.finalize")
	defer span.End()
	span.AddEvent("finalize", "message_id", rec.MessageID, "status", status)
	if err := p.opts.Store.Finalize(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize message")
		p.opts.Telemetry.Logger.Error(ctx, "persist message failed", "task_id", p.opts.TaskID, "message_id", rec.MessageID, "err", err)
		return
	}
	span.SetStatus(codes.Ok, "")
}

// name starts conversation naming in the background for the first message of
// a new conversation. Failures are only logged.
func (p *Pipeline) name(ctx context.Context) {
	if !p.opts.AutoGenerateName || !p.opts.NewConversation || p.opts.Namer == nil || p.opts.ConversationID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	logger := p.opts.Telemetry.Logger
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Debug(ctx, "conversation naming panicked", "conversation_id", p.opts.ConversationID, "panic", fmt.Sprint(r))
			}
		}()
		if err := p.opts.Namer.Name(ctx, p.opts.ConversationID, p.opts.Query); err != nil {
			logger.Debug(ctx, "conversation naming failed", "conversation_id", p.opts.ConversationID, "err", err)
		}
	}()
}

func (p *Pipeline) base(ev EventType) Response {
	return Response{
		Event:          ev,
		TaskID:         p.opts.TaskID,
		MessageID:      p.opts.MessageID,
		ConversationID: p.opts.ConversationID,
		CreatedAt:      p.start.Unix(),
	}
}

func (p *Pipeline) result(answer string, md Metadata, stopped bool) *Result {
	return &Result{
		Event:          EventMessage,
		TaskID:         p.opts.TaskID,
		ID:             p.opts.MessageID,
		MessageID:      p.opts.MessageID,
		ConversationID: p.opts.ConversationID,
		Mode:           p.opts.Mode,
		Answer:         answer,
		Metadata:       md,
		CreatedAt:      p.start.Unix(),
		Stopped:        stopped,
	}
}
