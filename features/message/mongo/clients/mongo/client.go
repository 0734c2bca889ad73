// Package mongo implements the low-level MongoDB client used by the message
// store: it finalizes generated messages and records conversation names.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultMessages      = "messages"
	defaultConversations = "conversations"
	defaultTimeout       = 5 * time.Second
	clientName           = "message-mongo"
)

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("message not found")

type (
	// Client exposes the Mongo operations backing the message store.
	Client interface {
		health.Pinger

		// FinalizeMessage upserts the terminal state of a message.
		FinalizeMessage(ctx context.Context, doc MessageDocument) error
		// LoadMessage returns the stored message with the given id.
		LoadMessage(ctx context.Context, messageID string) (MessageDocument, error)
		// SetConversationName records the generated name of a conversation.
		SetConversationName(ctx context.Context, conversationID, name string) error
		// ConversationName returns the recorded name, or "" when unnamed.
		ConversationName(ctx context.Context, conversationID string) (string, error)
	}

	// Options configures the client.
	Options struct {
		Client        *mongodriver.Client
		Database      string
		Messages      string
		Conversations string
		Timeout       time.Duration
	}

	// MessageDocument is the stored form of a finalized message.
	MessageDocument struct {
		ID               string    `bson:"_id"`
		ConversationID   string    `bson:"conversation_id,omitempty"`
		TaskID           string    `bson:"task_id"`
		Status           string    `bson:"status"`
		Answer           string    `bson:"answer"`
		Error            string    `bson:"error,omitempty"`
		PromptTokens     int       `bson:"message_tokens"`
		CompletionTokens int       `bson:"answer_tokens"`
		TotalTokens      int       `bson:"total_tokens"`
		LatencySeconds   float64   `bson:"provider_response_latency"`
		Metadata         bson.M    `bson:"message_metadata,omitempty"`
		UpdatedAt        time.Time `bson:"updated_at"`
	}

	conversationDocument struct {
		ID        string    `bson:"_id"`
		Name      string    `bson:"name"`
		UpdatedAt time.Time `bson:"updated_at"`
	}

	client struct {
		mongo         *mongodriver.Client
		messages      collection
		conversations collection
		timeout       time.Duration
		now           func() time.Time
	}

	// collection is the subset of *mongodriver.Collection used by the client.
	collection interface {
		FindOne(ctx context.Context, filter any) singleResult
		Upsert(ctx context.Context, filter, update any) error
		EnsureIndex(ctx context.Context, keys bson.D) error
	}

	singleResult interface {
		Decode(val any) error
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}
)

// New returns a Client over the given MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	msgs := opts.Messages
	if msgs == "" {
		msgs = defaultMessages
	}
	convs := opts.Conversations
	if convs == "" {
		convs = defaultConversations
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	messages := mongoCollection{coll: db.Collection(msgs)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := messages.EnsureIndex(ctx, bson.D{{Key: "conversation_id", Value: 1}, {Key: "updated_at", Value: -1}}); err != nil {
		return nil, fmt.Errorf("create message index: %w", err)
	}
	return newClient(opts.Client, messages, mongoCollection{coll: db.Collection(convs)}, timeout)
}

func newClient(mc *mongodriver.Client, messages, conversations collection, timeout time.Duration) (*client, error) {
	if messages == nil || conversations == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{mongo: mc, messages: messages, conversations: conversations, timeout: timeout, now: time.Now}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client not connected")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) FinalizeMessage(ctx context.Context, doc MessageDocument) error {
	if doc.ID == "" {
		return errors.New("message id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	doc.UpdatedAt = c.now().UTC()
	set := bson.M{
		"conversation_id":           doc.ConversationID,
		"task_id":                   doc.TaskID,
		"status":                    doc.Status,
		"answer":                    doc.Answer,
		"error":                     doc.Error,
		"message_tokens":            doc.PromptTokens,
		"answer_tokens":             doc.CompletionTokens,
		"total_tokens":              doc.TotalTokens,
		"provider_response_latency": doc.LatencySeconds,
		"updated_at":                doc.UpdatedAt,
	}
	if len(doc.Metadata) > 0 {
		set["message_metadata"] = doc.Metadata
	}
	if err := c.messages.Upsert(ctx, bson.M{"_id": doc.ID}, bson.M{"$set": set}); err != nil {
		return fmt.Errorf("finalize message %s: %w", doc.ID, err)
	}
	return nil
}

func (c *client) LoadMessage(ctx context.Context, messageID string) (MessageDocument, error) {
	if messageID == "" {
		return MessageDocument{}, errors.New("message id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var doc MessageDocument
	if err := c.messages.FindOne(ctx, bson.M{"_id": messageID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return MessageDocument{}, ErrNotFound
		}
		return MessageDocument{}, fmt.Errorf("load message %s: %w", messageID, err)
	}
	return doc, nil
}

func (c *client) SetConversationName(ctx context.Context, conversationID, name string) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	update := bson.M{"$set": bson.M{"name": name, "updated_at": c.now().UTC()}}
	if err := c.conversations.Upsert(ctx, bson.M{"_id": conversationID}, update); err != nil {
		return fmt.Errorf("name conversation %s: %w", conversationID, err)
	}
	return nil
}

func (c *client) ConversationName(ctx context.Context, conversationID string) (string, error) {
	if conversationID == "" {
		return "", errors.New("conversation id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var doc conversationDocument
	if err := c.conversations.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return "", nil
		}
		return "", fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	return doc.Name, nil
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) Upsert(ctx context.Context, filter, update any) error {
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c mongoCollection) EnsureIndex(ctx context.Context, keys bson.D) error {
	_, err := c.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{Keys: keys})
	return err
}
