// Package sse exposes the generate service over HTTP with gin. Streaming
// responses are written as Server-Sent Events, one `data: <json>` frame per
// pipeline response; blocking responses are plain JSON.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"goa.design/taskstream/runtime/generate"
	"goa.design/taskstream/runtime/pipeline"
	"goa.design/taskstream/runtime/ratelimit"
	"goa.design/taskstream/runtime/taskerrors"
	"goa.design/taskstream/runtime/taskqueue"
	"goa.design/taskstream/runtime/telemetry"
)

const (
	responseModeStreaming = "streaming"
	responseModeBlocking  = "blocking"

	// modeCompletion tags single-shot requests that carry no conversation.
	modeCompletion = "completion"
)

// ErrAppNotFound is returned by AppLookup for unknown apps.
var ErrAppNotFound = errors.New("app not found")

type (
	// Generator is the subset of *generate.Service used by the handlers.
	Generator interface {
		Stream(ctx context.Context, req generate.Request) (*ratelimit.Stream[pipeline.Response], error)
		Blocking(ctx context.Context, req generate.Request) (*pipeline.Result, error)
		Stop(ctx context.Context, taskID string, from taskqueue.InvokeFrom, userID string) error
	}

	// EventWatcher follows the mirrored events of a task, possibly running
	// on another node.
	EventWatcher interface {
		Events(ctx context.Context, taskID string) iter.Seq2[taskqueue.Event, error]
	}

	// AppSettings holds the per-app admission settings.
	AppSettings struct {
		// MaxActiveRequests is the concurrency ceiling; <= 0 disables it.
		MaxActiveRequests int
		// TenantID keys the daily window limiter.
		TenantID string
		// Mode is echoed in blocking responses.
		Mode string
	}

	// AppLookup resolves the settings of an app. It returns ErrAppNotFound
	// for unknown apps.
	AppLookup func(ctx context.Context, appID string) (AppSettings, error)

	// Options configures the Handler. Generator is required.
	Options struct {
		Generator Generator
		// Apps defaults to a lookup returning DefaultSettings for any app.
		Apps AppLookup
		// DefaultSettings is used when Apps is nil.
		DefaultSettings AppSettings
		// Watcher enables the task events route when set.
		Watcher EventWatcher
		// InvokeFrom tags requests served by this handler. Defaults to
		// service-api.
		InvokeFrom taskqueue.InvokeFrom
		// Health is mounted on /livez when set.
		Health    http.Handler
		Telemetry telemetry.Telemetry
	}

	// Handler serves the chat and completion message routes.
	Handler struct {
		gen     Generator
		apps    AppLookup
		watcher EventWatcher
		from    taskqueue.InvokeFrom
		health  http.Handler
		tel     telemetry.Telemetry
	}

	chatRequest struct {
		Query            string         `json:"query" binding:"required"`
		Inputs           map[string]any `json:"inputs"`
		User             string         `json:"user" binding:"required"`
		ConversationID   string         `json:"conversation_id"`
		ResponseMode     string         `json:"response_mode"`
		AutoGenerateName *bool          `json:"auto_generate_name"`
	}

	completionRequest struct {
		Query        string         `json:"query"`
		Inputs       map[string]any `json:"inputs" binding:"required"`
		User         string         `json:"user" binding:"required"`
		ResponseMode string         `json:"response_mode"`
	}

	stopRequest struct {
		User string `json:"user" binding:"required"`
	}

	errorBody struct {
		Status  int    `json:"status"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	// eventFrame is the wire form of a mirrored task event.
	eventFrame struct {
		Event  taskqueue.Kind  `json:"event"`
		TaskID string          `json:"task_id"`
		Data   taskqueue.Event `json:"data,omitempty"`
	}
)

// New returns a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Generator == nil {
		return nil, errors.New("generator is required")
	}
	apps := opts.Apps
	if apps == nil {
		def := opts.DefaultSettings
		apps = func(context.Context, string) (AppSettings, error) { return def, nil }
	}
	from := opts.InvokeFrom
	if from == "" {
		from = taskqueue.InvokeFromServiceAPI
	}
	return &Handler{
		gen:     opts.Generator,
		apps:    apps,
		watcher: opts.Watcher,
		from:    from,
		health:  opts.Health,
		tel:     opts.Telemetry.WithDefaults(),
	}, nil
}

// NewRouter returns a gin engine with recovery and the handler routes.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r)
	return r
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/v1/apps/:app_id/chat-messages", h.ChatMessages)
	r.POST("/v1/apps/:app_id/chat-messages/:task_id/stop", h.StopTask)
	r.POST("/v1/apps/:app_id/completion-messages", h.CompletionMessages)
	r.POST("/v1/apps/:app_id/completion-messages/:task_id/stop", h.StopTask)
	if h.watcher != nil {
		r.GET("/v1/apps/:app_id/tasks/:task_id/events", h.TaskEvents)
	}
	if h.health != nil {
		r.GET("/livez", gin.WrapH(h.health))
	}
}

// ChatMessages runs a generation request in streaming or blocking mode.
func (h *Handler) ChatMessages(c *gin.Context) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, taskerrors.Validation(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	mode, ok := responseMode(c, body.ResponseMode)
	if !ok {
		return
	}
	app, ok := h.lookupApp(c)
	if !ok {
		return
	}
	req := h.newRequest(c, app, body.User, body.Query, body.Inputs)
	req.ConversationID = body.ConversationID
	req.NewConversation = body.ConversationID == ""
	req.AutoGenerateName = body.AutoGenerateName == nil || *body.AutoGenerateName
	req.Mode = app.Mode
	h.run(c, mode, req)
}

// CompletionMessages runs a single-shot completion. Completions never
// belong to a conversation so nothing is named or threaded.
func (h *Handler) CompletionMessages(c *gin.Context) {
	var body completionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, taskerrors.Validation(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	mode, ok := responseMode(c, body.ResponseMode)
	if !ok {
		return
	}
	app, ok := h.lookupApp(c)
	if !ok {
		return
	}
	req := h.newRequest(c, app, body.User, body.Query, body.Inputs)
	req.Mode = modeCompletion
	h.run(c, mode, req)
}

// StopTask sets the stop flag of a task owned by the caller.
func (h *Handler) StopTask(c *gin.Context) {
	var body stopRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, taskerrors.Validation(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if err := h.gen.Stop(c.Request.Context(), c.Param("task_id"), h.from, body.User); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "success"})
}

// TaskEvents streams the mirrored events of a task until it ends.
func (h *Handler) TaskEvents(c *gin.Context) {
	taskID := c.Param("task_id")
	ctx := c.Request.Context()
	setHeaders(c)
	for ev, err := range h.watcher.Events(ctx, taskID) {
		if err != nil {
			h.tel.Logger.Warn(ctx, "watch task events failed", "task_id", taskID, "err", err)
			te := taskerrors.Classify(err)
			_ = writeFrame(c, errorBody{Status: te.HTTPStatus(), Code: te.Code(), Message: te.Describe()})
			return
		}
		if err := writeFrame(c, eventFrame{Event: ev.Kind(), TaskID: taskID, Data: ev}); err != nil {
			h.tel.Logger.Debug(ctx, "write task event failed", "task_id", taskID, "err", err)
			return
		}
	}
}

func responseMode(c *gin.Context, mode string) (string, bool) {
	if mode == "" {
		return responseModeStreaming, true
	}
	if mode != responseModeStreaming && mode != responseModeBlocking {
		writeError(c, taskerrors.Validation("response_mode must be streaming or blocking"))
		return "", false
	}
	return mode, true
}

func (h *Handler) lookupApp(c *gin.Context) (AppSettings, bool) {
	app, err := h.apps(c.Request.Context(), c.Param("app_id"))
	if err != nil {
		if errors.Is(err, ErrAppNotFound) {
			c.JSON(http.StatusNotFound, errorBody{Status: http.StatusNotFound, Code: "app_unavailable", Message: "App unavailable"})
			return AppSettings{}, false
		}
		writeError(c, err)
		return AppSettings{}, false
	}
	return app, true
}

func (h *Handler) newRequest(c *gin.Context, app AppSettings, user, query string, inputs map[string]any) generate.Request {
	return generate.Request{
		AppID:             c.Param("app_id"),
		TenantID:          app.TenantID,
		UserID:            user,
		InvokeFrom:        h.from,
		MaxActiveRequests: app.MaxActiveRequests,
		Query:             query,
		Inputs:            inputs,
	}
}

func (h *Handler) run(c *gin.Context, mode string, req generate.Request) {
	if mode == responseModeBlocking {
		h.blocking(c, req)
		return
	}
	h.stream(c, req)
}

func (h *Handler) blocking(c *gin.Context, req generate.Request) {
	res, err := h.gen.Blocking(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) stream(c *gin.Context, req generate.Request) {
	ctx := c.Request.Context()
	start := time.Now()
	stream, err := h.gen.Stream(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	defer func() { _ = stream.Close() }()
	setHeaders(c)
	for r, err := range stream.All() {
		if err != nil {
			te := taskerrors.Classify(err)
			_ = writeFrame(c, pipeline.Response{Event: pipeline.EventError, Status: te.HTTPStatus(), Code: te.Code(), Message: te.Describe()})
			return
		}
		if err := writeFrame(c, r); err != nil {
			// The client went away; releasing the stream unwinds the worker.
			h.tel.Logger.Debug(ctx, "write response frame failed", "app_id", req.AppID, "err", err)
			return
		}
	}
	h.tel.Logger.Debug(ctx, "stream finished", "app_id", req.AppID, "duration", time.Since(start))
}

func setHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
}

func writeFrame(c *gin.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", body); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func writeError(c *gin.Context, err error) {
	te := taskerrors.Classify(err)
	status := te.HTTPStatus()
	if te.Kind == taskerrors.KindTaskStopped {
		status = http.StatusBadRequest
	}
	c.JSON(status, errorBody{Status: status, Code: te.Code(), Message: te.Describe()})
}
