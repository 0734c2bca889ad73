// Package openai runs generation tasks against the OpenAI Chat Completions
// API. Runner streams completions into a task queue and Namer titles new
// conversations. Both use github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/taskstream/runtime/generate"
	"goa.design/taskstream/runtime/taskerrors"
	"goa.design/taskstream/runtime/taskqueue"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// runner and the namer. *openai.Client satisfies it.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
			openai.ChatCompletionResponse, error)
		CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (
			*openai.ChatCompletionStream, error)
	}

	// Options configures the Runner.
	Options struct {
		Client ChatClient
		// Model is the chat model identifier, for example "gpt-4o-mini".
		Model string
		// SystemPrompt is sent ahead of the user query when set, with the
		// request inputs filled in.
		SystemPrompt string
		MaxTokens    int
		Temperature  float32
		// Now defaults to time.Now. It is used to measure provider latency.
		Now func() time.Time
	}

	// Runner implements generate.Runner by streaming a chat completion.
	Runner struct {
		client ChatClient
		opts   Options
	}
)

var _ generate.Runner = (*Runner)(nil)

// NewRunner validates opts and returns a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{client: opts.Client, opts: opts}, nil
}

// NewFromAPIKey constructs a Runner using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, model string) (*Runner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return NewRunner(Options{Client: openai.NewClient(apiKey), Model: model})
}

// Client returns the underlying chat client so a Namer can share it.
func (r *Runner) Client() ChatClient { return r.client }

// Run streams the completion for req.Query. Every content delta is published
// as a Chunk and the stream ends with a MessageEnd carrying the full text and
// token usage. Publish failures, including taskerrors.ErrTaskStopped, are
// returned as is.
func (r *Runner) Run(ctx context.Context, req generate.Request, pub taskqueue.Publisher) error {
	if strings.TrimSpace(req.Query) == "" {
		return taskerrors.Validation("query is required")
	}
	start := r.opts.Now()
	stream, err := r.client.CreateChatCompletionStream(ctx, r.request(req))
	if err != nil {
		return classify(err)
	}
	defer func() { _ = stream.Close() }()

	var (
		full  strings.Builder
		usage taskqueue.Usage
		index int
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return classify(err)
		}
		if resp.Usage != nil {
			usage.PromptTokens = resp.Usage.PromptTokens
			usage.CompletionTokens = resp.Usage.CompletionTokens
			usage.TotalTokens = resp.Usage.TotalTokens
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			full.WriteString(choice.Delta.Content)
			if err := pub.Publish(ctx, taskqueue.Chunk{Index: index, Delta: choice.Delta.Content}); err != nil {
				return err
			}
			index++
		}
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	usage.Latency = r.opts.Now().Sub(start).Seconds()
	return pub.Publish(ctx, taskqueue.MessageEnd{Usage: usage, FullText: full.String()})
}

func (r *Runner) request(req generate.Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system := req.Prompt(r.opts.SystemPrompt); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Query})
	return openai.ChatCompletionRequest{
		Model:         r.opts.Model,
		Messages:      messages,
		MaxTokens:     r.opts.MaxTokens,
		Temperature:   r.opts.Temperature,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		User:          req.UserID,
	}
}

// classify maps go-openai failures onto the task error taxonomy. Context
// errors are returned unchanged so the worker can tell cancellation apart.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Type
		if s, ok := apiErr.Code.(string); ok && s != "" {
			code = s
		}
		return taskerrors.FromStatus(apiErr.HTTPStatusCode, code, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return taskerrors.FromStatus(reqErr.HTTPStatusCode, "", reqErr.Error())
	}
	return taskerrors.Invocation(err.Error(), true)
}
