package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/taskstream/runtime/pipeline"
)

const (
	maxNameRunes = 75
	defaultName  = "New conversation"
	namePrompt   = "Summarize the user's message as a short conversation title. " +
		"Answer with the title only, in the language of the message."
)

type (
	// NameSink records generated conversation names.
	NameSink interface {
		SetConversationName(ctx context.Context, conversationID, name string) error
	}

	// NamerOptions configures the Namer.
	NamerOptions struct {
		Client ChatClient
		Model  string
		Sink   NameSink
	}

	// Namer implements pipeline.Namer with a short chat completion.
	Namer struct {
		client ChatClient
		model  string
		sink   NameSink
	}
)

var _ pipeline.Namer = (*Namer)(nil)

// NewNamer validates opts and returns a Namer.
func NewNamer(opts NamerOptions) (*Namer, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("name sink is required")
	}
	return &Namer{client: opts.Client, model: opts.Model, sink: opts.Sink}, nil
}

// Name asks the model for a title of query and stores it for the
// conversation. Titles longer than 75 characters are truncated.
func (n *Namer) Name(ctx context.Context, conversationID, query string) error {
	resp, err := n.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: n.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: namePrompt},
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
		MaxTokens: 64,
	})
	if err != nil {
		return fmt.Errorf("generate conversation name: %w", classify(err))
	}
	var name string
	if len(resp.Choices) > 0 {
		name = strings.Trim(strings.TrimSpace(resp.Choices[0].Message.Content), `"'`)
	}
	if name == "" {
		name = defaultName
	}
	return n.sink.SetConversationName(ctx, conversationID, truncateName(name))
}

func truncateName(name string) string {
	r := []rune(name)
	if len(r) <= maxNameRunes {
		return name
	}
	return string(r[:maxNameRunes]) + "..."
}
