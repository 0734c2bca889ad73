// Package anthropic runs generation tasks against the Anthropic Claude
// Messages API using github.com/anthropics/anthropic-sdk-go. Runner streams
// text deltas into the task queue and reports token usage with the final
// message.
package anthropic

import (
	"context"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/taskstream/runtime/generate"
	"goa.design/taskstream/runtime/taskerrors"
	"goa.design/taskstream/runtime/taskqueue"
)

const defaultMaxTokens = 1024

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the runner. It is satisfied by *sdk.MessageService.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Runner.
	Options struct {
		// Model is the Claude model identifier. Prefer the sdk.Model constants.
		Model string
		// SystemPrompt is sent as the system block when set.
		SystemPrompt string
		// MaxTokens caps the completion. Defaults to 1024.
		MaxTokens int64
		// Temperature is sent when positive.
		Temperature float64
		Now         func() time.Time
	}

	// Runner implements generate.Runner on top of Messages.NewStreaming.
	Runner struct {
		msg  MessagesClient
		opts Options
	}

	// streamState accumulates the answer and usage across stream events.
	streamState struct {
		full   strings.Builder
		index  int
		input  int
		output int
	}
)

var _ generate.Runner = (*Runner)(nil)

// New builds a Runner from the Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Runner, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{msg: msg, opts: opts}, nil
}

// NewFromAPIKey constructs a Runner using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Runner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// Run streams the answer to req.Query into pub.
func (r *Runner) Run(ctx context.Context, req generate.Request, pub taskqueue.Publisher) error {
	if strings.TrimSpace(req.Query) == "" {
		return taskerrors.Validation("query is required")
	}
	start := r.opts.Now()
	stream := r.msg.NewStreaming(ctx, r.params(req))
	defer func() { _ = stream.Close() }()

	var st streamState
	for stream.Next() {
		if err := st.handle(ctx, stream.Current(), pub); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return classify(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	usage := taskqueue.Usage{
		PromptTokens:     st.input,
		CompletionTokens: st.output,
		TotalTokens:      st.input + st.output,
		Latency:          r.opts.Now().Sub(start).Seconds(),
	}
	return pub.Publish(ctx, taskqueue.MessageEnd{Usage: usage, FullText: st.full.String()})
}

func (r *Runner) params(req generate.Request) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		MaxTokens: r.opts.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Query))},
		Model:     sdk.Model(r.opts.Model),
	}
	if system := req.Prompt(r.opts.SystemPrompt); system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if r.opts.Temperature > 0 {
		params.Temperature = sdk.Float(r.opts.Temperature)
	}
	return params
}

func (s *streamState) handle(ctx context.Context, event sdk.MessageStreamEventUnion, pub taskqueue.Publisher) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.input = int(ev.Message.Usage.InputTokens)
		s.output = int(ev.Message.Usage.OutputTokens)
	case sdk.ContentBlockDeltaEvent:
		delta, ok := ev.Delta.AsAny().(sdk.TextDelta)
		if !ok || delta.Text == "" {
			return nil
		}
		s.full.WriteString(delta.Text)
		if err := pub.Publish(ctx, taskqueue.Chunk{Index: s.index, Delta: delta.Text}); err != nil {
			return err
		}
		s.index++
	case sdk.MessageDeltaEvent:
		// Usage on message_delta is cumulative.
		if ev.Usage.InputTokens > 0 {
			s.input = int(ev.Usage.InputTokens)
		}
		s.output = int(ev.Usage.OutputTokens)
	}
	return nil
}

// classify maps SDK failures onto the task error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return taskerrors.FromStatus(apiErr.StatusCode, "", apiErr.Error())
	}
	return taskerrors.Invocation(err.Error(), true)
}
