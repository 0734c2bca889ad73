package pipeline

import (
	"goa.design/taskstream/runtime/taskqueue"
)

// EventType discriminates response units.
type EventType string

const (
	EventMessage        EventType = "message"
	EventMessageReplace EventType = "message_replace"
	EventMessageFile    EventType = "message_file"
	EventPing           EventType = "ping"
	EventMessageEnd     EventType = "message_end"
	EventError          EventType = "error"
	EventStop           EventType = "stop"
)

type (
	// Response is one unit of the client-facing stream. Exactly one of
	// message_end, error, or stop ends a stream.
	Response struct {
		Event          EventType `json:"event"`
		TaskID         string    `json:"task_id"`
		MessageID      string    `json:"message_id,omitempty"`
		ConversationID string    `json:"conversation_id,omitempty"`
		CreatedAt      int64     `json:"created_at,omitempty"`

		// Answer is the text delta (message), the replacement text
		// (message_replace), or the final moderated answer (message_end).
		Answer string `json:"answer,omitempty"`

		// File fields (message_file).
		ID        string `json:"id,omitempty"`
		Type      string `json:"type,omitempty"`
		URL       string `json:"url,omitempty"`
		BelongsTo string `json:"belongs_to,omitempty"`

		// Metadata accompanies message_end and stop.
		Metadata *Metadata `json:"metadata,omitempty"`

		// Error fields (error).
		Status  int    `json:"status,omitempty"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`

		// Reason explains a stop.
		Reason string `json:"reason,omitempty"`
	}

	// Metadata is attached to the final message.
	Metadata struct {
		Usage              *taskqueue.Usage              `json:"usage,omitempty"`
		AnnotationReply    *AnnotationReply              `json:"annotation_reply,omitempty"`
		RetrieverResources []taskqueue.RetrieverResource `json:"retriever_resources,omitempty"`
	}

	// AnnotationReply identifies the annotation that answered the query.
	AnnotationReply struct {
		ID string `json:"id"`
	}

	// Result is the aggregate returned to non-streaming callers.
	Result struct {
		Event          EventType `json:"event"`
		TaskID         string    `json:"task_id"`
		ID             string    `json:"id,omitempty"`
		MessageID      string    `json:"message_id,omitempty"`
		ConversationID string    `json:"conversation_id,omitempty"`
		Mode           string    `json:"mode"`
		Answer         string    `json:"answer"`
		Metadata       Metadata  `json:"metadata"`
		CreatedAt      int64     `json:"created_at"`
		// Stopped is set when the task was stopped before completion; Answer
		// then holds the partial transcript.
		Stopped bool `json:"stopped,omitempty"`
	}
)

// IsTerminal reports whether r ends the stream.
func (r Response) IsTerminal() bool {
	switch r.Event {
	case EventMessageEnd, EventError, EventStop:
		return true
	}
	return false
}
