// Package generate wires the concurrency limiter, the task queue, a worker
// goroutine running the business logic, and the streaming pipeline into the
// request-level operations exposed by transports: streaming and blocking
// generation and stop-task.
package generate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"goa.design/taskstream/runtime/kv"
	"goa.design/taskstream/runtime/pipeline"
	"goa.design/taskstream/runtime/ratelimit"
	"goa.design/taskstream/runtime/taskerrors"
	"goa.design/taskstream/runtime/taskqueue"
	"goa.design/taskstream/runtime/telemetry"
)

type (
	// Runner executes the business logic of one generation task. It publishes
	// events through pub and must end with a terminal event (MessageEnd,
	// Error, or Stop) or return an error. Runners return (or wrap)
	// taskerrors.ErrTaskStopped when Publish reports the task was stopped, and
	// should honor ctx cancellation.
	Runner interface {
		Run(ctx context.Context, req Request, pub taskqueue.Publisher) error
	}

	// RunnerFunc adapts a function to the Runner interface.
	RunnerFunc func(ctx context.Context, req Request, pub taskqueue.Publisher) error

	// Request describes one generation request.
	Request struct {
		// AppID is the client fingerprint used by the concurrency limiter.
		AppID string
		// TenantID keys the daily window limiter. Empty disables the check.
		TenantID string
		// UserID identifies the caller; it is required.
		UserID string
		// InvokeFrom is the surface the request comes from.
		InvokeFrom taskqueue.InvokeFrom
		// MaxActiveRequests is the app's concurrency ceiling; <= 0 disables
		// the limiter.
		MaxActiveRequests int

		Query string
		// Inputs fill the {{name}} placeholders of the runner's system
		// prompt; see Prompt.
		Inputs           map[string]any
		ConversationID   string
		MessageID        string
		NewConversation  bool
		AutoGenerateName bool
		Mode             string

		// TaskID is assigned by the service.
		TaskID string
	}

	// Options configures a Service. Store, Limiters, and Runner are required.
	Options struct {
		Store    kv.Store
		Limiters *ratelimit.Manager
		Runner   Runner
		// Window optionally caps daily requests per tenant.
		Window *ratelimit.WindowLimiter
		// Registry defaults to a registry over Store.
		Registry *taskqueue.Registry
		// QueueOptions are applied to every task queue.
		QueueOptions []taskqueue.Option

		MessageStore pipeline.MessageStore
		Moderator    pipeline.Moderator
		Namer        pipeline.Namer
		StopPolicy   pipeline.StopPolicy

		Telemetry telemetry.Telemetry
	}

	// Service runs generation tasks.
	Service struct {
		opts     Options
		registry *taskqueue.Registry
		tel      telemetry.Telemetry
	}

	// trackingPublisher remembers whether the runner published a terminal
	// event.
	trackingPublisher struct {
		pub      taskqueue.Publisher
		terminal atomic.Bool
	}

	task struct {
		queue     *taskqueue.Queue
		limiter   *ratelimit.Limiter
		requestID string
		cancel    context.CancelFunc
		req       Request
	}
)

var inputVar = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Prompt fills the {{name}} placeholders of tmpl with the request inputs.
// Unknown placeholders are left as is.
func (r Request) Prompt(tmpl string) string {
	if len(r.Inputs) == 0 || tmpl == "" {
		return tmpl
	}
	return inputVar.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := inputVar.FindStringSubmatch(m)[1]
		v, ok := r.Inputs[name]
		if !ok {
			return m
		}
		return fmt.Sprint(v)
	})
}

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, req Request, pub taskqueue.Publisher) error {
	return f(ctx, req, pub)
}

// New returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("kv store is required")
	}
	if opts.Limiters == nil {
		return nil, errors.New("limiter manager is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	tel := opts.Telemetry.WithDefaults()
	reg := opts.Registry
	if reg == nil {
		var err error
		reg, err = taskqueue.NewRegistry(opts.Store, taskqueue.WithRegistryLogger(tel.Logger))
		if err != nil {
			return nil, err
		}
	}
	return &Service{opts: opts, registry: reg, tel: tel}, nil
}

// Registry returns the task registry used by the service.
func (s *Service) Registry() *taskqueue.Registry { return s.registry }

// Stream admits req, starts its worker, and returns the response stream. The
// limiter slot is released when iteration ends or the stream is closed;
// callers that may not iterate must call Close.
func (s *Service) Stream(ctx context.Context, req Request) (*ratelimit.Stream[pipeline.Response], error) {
	t, err := s.start(ctx, req)
	if err != nil {
		return nil, err
	}
	p := s.pipeline(ctx, t)
	seq := func(yield func(pipeline.Response, error) bool) {
		for r := range p.Stream(ctx) {
			if !yield(r, nil) {
				return
			}
		}
	}
	stream := ratelimit.Wrap(ctx, t.limiter, t.requestID, iter.Seq2[pipeline.Response, error](seq))
	return stream.OnRelease(func(err error) {
		// Listen may never have run; make sure the worker unwinds.
		t.queue.StopListen()
		t.cancel()
		if err != nil {
			s.tel.Logger.Warn(ctx, "release limiter slot failed", "task_id", t.queue.TaskID(), "err", err)
		}
	}), nil
}

// Blocking admits req, runs it to completion, and returns the aggregate
// result. Failures are returned as *taskerrors.Error.
func (s *Service) Blocking(ctx context.Context, req Request) (*pipeline.Result, error) {
	t, err := s.start(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		t.queue.StopListen()
		t.cancel()
		if err := t.limiter.Exit(context.WithoutCancel(ctx), t.requestID); err != nil {
			s.tel.Logger.Warn(ctx, "release limiter slot failed", "task_id", t.queue.TaskID(), "err", err)
		}
	}()
	return s.pipeline(ctx, t).Blocking(ctx)
}

// Stop requests that taskID stops. Unknown tasks and tasks owned by another
// caller are ignored.
func (s *Service) Stop(ctx context.Context, taskID string, from taskqueue.InvokeFrom, userID string) error {
	if taskID == "" {
		return taskerrors.Validation("task id is required")
	}
	if userID == "" {
		return taskerrors.Validation("user is required")
	}
	return taskqueue.SetStopFlag(ctx, s.registry, taskID, from, userID)
}

// start runs admission, creates the queue, and launches the worker.
func (s *Service) start(ctx context.Context, req Request) (*task, error) {
	if req.AppID == "" {
		return nil, taskerrors.Validation("app id is required")
	}
	if req.UserID == "" {
		return nil, taskerrors.Validation("user is required")
	}
	if req.InvokeFrom == "" {
		req.InvokeFrom = taskqueue.InvokeFromServiceAPI
	}
	if s.opts.Window != nil && req.TenantID != "" {
		if err := s.opts.Window.Allow(ctx, req.TenantID); err != nil {
			return nil, err
		}
	}
	limiter, err := s.opts.Limiters.Limiter(ctx, req.AppID, req.MaxActiveRequests)
	if err != nil {
		return nil, err
	}
	requestID, err := limiter.Enter(ctx, "")
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.New(ctx, s.registry, "", req.UserID, req.InvokeFrom, s.queueOptions()...)
	if err != nil {
		if xerr := limiter.Exit(context.WithoutCancel(ctx), requestID); xerr != nil {
			s.tel.Logger.Warn(ctx, "release limiter slot failed", "app_id", req.AppID, "err", xerr)
		}
		return nil, err
	}
	req.TaskID = q.TaskID()
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	if req.NewConversation && req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{queue: q, limiter: limiter, requestID: requestID, cancel: cancel, req: req}
	go func() {
		select {
		case <-q.Done():
		case <-wctx.Done():
		}
		cancel()
	}()
	go s.work(wctx, t)
	return t, nil
}

func (s *Service) queueOptions() []taskqueue.Option {
	opts := make([]taskqueue.Option, 0, len(s.opts.QueueOptions)+1)
	opts = append(opts, taskqueue.WithTelemetry(s.tel))
	return append(opts, s.opts.QueueOptions...)
}

func (s *Service) pipeline(ctx context.Context, t *task) *pipeline.Pipeline {
	return pipeline.New(t.queue.Listen(ctx), pipeline.Options{
		TaskID:           t.queue.TaskID(),
		MessageID:        t.req.MessageID,
		ConversationID:   t.req.ConversationID,
		Mode:             t.req.Mode,
		Query:            t.req.Query,
		NewConversation:  t.req.NewConversation,
		AutoGenerateName: t.req.AutoGenerateName,
		Store:            s.opts.MessageStore,
		Moderator:        s.opts.Moderator,
		Namer:            s.opts.Namer,
		StopPolicy:       s.opts.StopPolicy,
		Telemetry:        s.tel,
	})
}

// work runs the runner and converts its outcome into queue events. Stop
// errors are swallowed; panics become internal errors.
func (s *Service) work(ctx context.Context, t *task) {
	defer t.cancel()
	taskID := t.queue.TaskID()
	pub := &trackingPublisher{pub: t.queue.Producer()}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.tel.Metrics.IncCounter(telemetry.MetricWorkerPanics, 1)
			s.tel.Logger.Error(ctx, "generation worker panicked", "task_id", taskID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			s.publishError(ctx, pub, taskerrors.Internal(fmt.Sprintf("worker panic: %v", r)))
		}
	}()

	err := s.opts.Runner.Run(ctx, t.req, pub)
	switch {
	case err == nil:
		if !pub.terminal.Load() {
			s.publishError(ctx, pub, taskerrors.Internal("runner returned without a final message"))
		}
	case taskerrors.IsStopped(err):
		s.tel.Logger.Debug(ctx, "generation worker stopped", "task_id", taskID, "elapsed", time.Since(start).String())
	default:
		te := taskerrors.Classify(err)
		if te.Kind == taskerrors.KindInternal {
			s.tel.Logger.Error(ctx, "generation worker failed", "task_id", taskID, "err", err)
		} else {
			s.tel.Logger.Warn(ctx, "generation worker failed", "task_id", taskID, "kind", string(te.Kind), "err", err)
		}
		s.publishError(ctx, pub, te)
	}
}

func (s *Service) publishError(ctx context.Context, pub taskqueue.Publisher, te *taskerrors.Error) {
	if err := pub.Publish(ctx, taskqueue.Error{Err: te}); err != nil && !errors.Is(err, taskerrors.ErrTaskStopped) {
		s.tel.Logger.Warn(ctx, "publish worker error failed", "err", err)
	}
}

func (p *trackingPublisher) Publish(ctx context.Context, ev taskqueue.Event) error {
	err := p.pub.Publish(ctx, ev)
	if err == nil && ev != nil && taskqueue.IsTerminal(ev) {
		p.terminal.Store(true)
	}
	return err
}
