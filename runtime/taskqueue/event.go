// Package taskqueue implements the task-scoped event mailbox that bridges one
// generation worker (the producer) and one request handler (the consumer).
//
// The worker publishes lifecycle events (text chunks, annotations, files,
// errors, the final message) into a Queue while the handler drains
// Queue.Listen. The listen loop owns the stop and heartbeat policy: it injects
// Stop events when the task exceeds its maximum execution time or when an
// authorized caller sets the task's stop flag through the Registry, and Ping
// events at fixed boundaries so transports can keep idle connections alive.
//
// Events are plain values. They never carry handles to storage records so they
// can cross the goroutine boundary without synchronization.
package taskqueue

import (
	"goa.design/taskstream/runtime/taskerrors"
)

type (
	// Event is one lifecycle occurrence of a generation task. The set of
	// implementations is closed: only the types declared in this package
	// satisfy the interface.
	Event interface {
		// Kind returns the discriminator of the event.
		Kind() Kind
		event()
	}

	// Kind discriminates Event implementations.
	Kind string

	// StopReason records why a Stop event was emitted.
	StopReason string

	// Usage captures model token accounting reported with the final message.
	Usage struct {
		PromptTokens     int     `json:"prompt_tokens"`
		CompletionTokens int     `json:"completion_tokens"`
		TotalTokens      int     `json:"total_tokens"`
		Latency          float64 `json:"latency,omitempty"`
	}

	// Chunk carries one incremental piece of generated text.
	Chunk struct {
		// Index is the position of the chunk in the generated sequence.
		Index int `json:"index"`
		// Delta is the text produced since the previous chunk.
		Delta string `json:"delta"`
	}

	// MessageEnd marks successful completion. FullText is the complete answer
	// as produced by the model, before output moderation.
	MessageEnd struct {
		Usage    Usage  `json:"usage"`
		FullText string `json:"full_text,omitempty"`
	}

	// AnnotationReply indicates the answer was served from a curated
	// annotation instead of the model.
	AnnotationReply struct {
		AnnotationID string `json:"annotation_id"`
		Content      string `json:"content"`
	}

	// MessageFile references a file produced or attached during generation.
	MessageFile struct {
		FileID    string `json:"file_id"`
		URL       string `json:"url"`
		Type      string `json:"type"`
		BelongsTo string `json:"belongs_to,omitempty"`
	}

	// RetrieverResource is one citation retrieved from a knowledge base.
	RetrieverResource struct {
		Position     int            `json:"position"`
		DatasetID    string         `json:"dataset_id,omitempty"`
		DatasetName  string         `json:"dataset_name,omitempty"`
		DocumentID   string         `json:"document_id,omitempty"`
		DocumentName string         `json:"document_name,omitempty"`
		SegmentID    string         `json:"segment_id,omitempty"`
		Score        float64        `json:"score,omitempty"`
		Content      string         `json:"content,omitempty"`
		Extra        map[string]any `json:"extra,omitempty"`
	}

	// RetrieverResources carries the citations used to ground the answer.
	RetrieverResources struct {
		Resources []RetrieverResource `json:"resources"`
	}

	// Error reports a classified task failure. It is terminal.
	Error struct {
		Err *taskerrors.Error `json:"error"`
	}

	// Ping is a heartbeat emitted by the listen loop.
	Ping struct{}

	// Stop reports that the task was terminated early. It is terminal.
	Stop struct {
		Reason StopReason `json:"reason"`
	}
)

const (
	KindChunk              Kind = "chunk"
	KindMessageEnd         Kind = "message_end"
	KindAnnotationReply    Kind = "annotation_reply"
	KindMessageFile        Kind = "message_file"
	KindRetrieverResources Kind = "retriever_resources"
	KindError              Kind = "error"
	KindPing               Kind = "ping"
	KindStop               Kind = "stop"
)

const (
	// StopReasonUserManual covers both explicit stop requests and the
	// maximum execution time.
	StopReasonUserManual StopReason = "user-manual"
	// StopReasonOutputModeration is used when moderation ends the task.
	StopReasonOutputModeration StopReason = "output-moderation"
)

func (Chunk) Kind() Kind              { return KindChunk }
func (MessageEnd) Kind() Kind         { return KindMessageEnd }
func (AnnotationReply) Kind() Kind    { return KindAnnotationReply }
func (MessageFile) Kind() Kind        { return KindMessageFile }
func (RetrieverResources) Kind() Kind { return KindRetrieverResources }
func (Error) Kind() Kind              { return KindError }
func (Ping) Kind() Kind               { return KindPing }
func (Stop) Kind() Kind               { return KindStop }

func (Chunk) event()              {}
func (MessageEnd) event()         {}
func (AnnotationReply) event()    {}
func (MessageFile) event()        {}
func (RetrieverResources) event() {}
func (Error) event()              {}
func (Ping) event()               {}
func (Stop) event()               {}

// IsTerminal reports whether ev ends the task: MessageEnd, Error, or Stop.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case MessageEnd, *MessageEnd, Error, *Error, Stop, *Stop:
		return true
	}
	return false
}

// Value returns ev with pointer events dereferenced so callers can switch on
// value types only. A nil pointer yields nil.
func Value(ev Event) Event {
	switch e := ev.(type) {
	case *Chunk:
		return deref(e)
	case *MessageEnd:
		return deref(e)
	case *AnnotationReply:
		return deref(e)
	case *MessageFile:
		return deref(e)
	case *RetrieverResources:
		return deref(e)
	case *Error:
		return deref(e)
	case *Ping:
		return deref(e)
	case *Stop:
		return deref(e)
	}
	return ev
}

func deref[T Event](p *T) Event {
	if p == nil {
		return nil
	}
	return *p
}

// NewError returns an Error event for err, classifying it first.
func NewError(err error) Error {
	return Error{Err: taskerrors.Classify(err)}
}
