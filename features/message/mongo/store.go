// Package mongo persists generated messages and conversation names in
// MongoDB. Store implements pipeline.MessageStore and the name sink used by
// conversation namers. Build the low-level client with clients/mongo.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	clientsmongo "goa.design/taskstream/features/message/mongo/clients/mongo"
	"goa.design/taskstream/runtime/pipeline"
)

// Options configures the Store.
type Options struct {
	Client clientsmongo.Client
}

// Store delegates to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore returns a Store over opts.Client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo builds the client from opts and wraps it.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	c, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: c})
}

// Client returns the underlying client, for health checks.
func (s *Store) Client() clientsmongo.Client { return s.client }

// Finalize implements pipeline.MessageStore.
func (s *Store) Finalize(ctx context.Context, rec pipeline.MessageRecord) error {
	md, err := metadataDocument(rec.Metadata)
	if err != nil {
		return err
	}
	return s.client.FinalizeMessage(ctx, clientsmongo.MessageDocument{
		ID:               rec.MessageID,
		ConversationID:   rec.ConversationID,
		TaskID:           rec.TaskID,
		Status:           string(rec.Status),
		Answer:           rec.Answer,
		Error:            rec.Error,
		PromptTokens:     rec.Usage.PromptTokens,
		CompletionTokens: rec.Usage.CompletionTokens,
		TotalTokens:      rec.Usage.TotalTokens,
		LatencySeconds:   rec.Latency.Seconds(),
		Metadata:         md,
	})
}

// Message returns the stored message.
func (s *Store) Message(ctx context.Context, messageID string) (clientsmongo.MessageDocument, error) {
	return s.client.LoadMessage(ctx, messageID)
}

// SetConversationName records the name of a conversation.
func (s *Store) SetConversationName(ctx context.Context, conversationID, name string) error {
	return s.client.SetConversationName(ctx, conversationID, name)
}

// metadataDocument converts md to the document stored alongside the message.
// Empty metadata is omitted.
func metadataDocument(md pipeline.Metadata) (bson.M, error) {
	if md.Usage == nil && md.AnnotationReply == nil && len(md.RetrieverResources) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode message metadata: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode message metadata: %w", err)
	}
	return bson.M(m), nil
}
