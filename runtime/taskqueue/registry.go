package taskqueue

import (
	"context"
	"fmt"
	"time"

	"goa.design/taskstream/runtime/kv"
	"goa.design/taskstream/runtime/telemetry"
)

const (
	// DefaultBelongTTL is the lifetime of the task owner record.
	DefaultBelongTTL = 1800 * time.Second
	// DefaultStopFlagTTL is the lifetime of a stop flag.
	DefaultStopFlagTTL = 600 * time.Second

	belongKeyPrefix  = "generate_task_belong:"
	stoppedKeyPrefix = "generate_task_stopped:"
)

type (
	// Registry records task ownership and stop flags in a shared kv.Store so
	// a stop request handled by any process reaches the process running the
	// task.
	Registry struct {
		store     kv.Store
		belongTTL time.Duration
		stopTTL   time.Duration
		logger    telemetry.Logger
	}

	// RegistryOption configures a Registry.
	RegistryOption func(*Registry)
)

// WithBelongTTL overrides DefaultBelongTTL.
func WithBelongTTL(d time.Duration) RegistryOption {
	return func(r *Registry) { r.belongTTL = d }
}

// WithStopFlagTTL overrides DefaultStopFlagTTL.
func WithStopFlagTTL(d time.Duration) RegistryOption {
	return func(r *Registry) { r.stopTTL = d }
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l telemetry.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns a Registry over store.
func NewRegistry(store kv.Store, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	r := &Registry{
		store:     store,
		belongTTL: DefaultBelongTTL,
		stopTTL:   DefaultStopFlagTTL,
		logger:    telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// BelongKey returns the store key of the owner record of taskID.
func BelongKey(taskID string) string { return belongKeyPrefix + taskID }

// StopKey returns the store key of the stop flag of taskID.
func StopKey(taskID string) string { return stoppedKeyPrefix + taskID }

// Register records the owner of taskID. It is called once, when the queue is
// created.
func (r *Registry) Register(ctx context.Context, taskID string, from InvokeFrom, userID string) error {
	if err := r.store.SetEx(ctx, BelongKey(taskID), Owner(from, userID), r.belongTTL); err != nil {
		return fmt.Errorf("register task %s: %w", taskID, err)
	}
	return nil
}

// Owner returns the owner fingerprint recorded for taskID.
func (r *Registry) Owner(ctx context.Context, taskID string) (string, bool, error) {
	return r.store.Get(ctx, BelongKey(taskID))
}

// SetStopFlag sets the stop flag of taskID when the caller identified by from
// and userID owns the task. Unknown tasks and foreign callers are ignored so
// the operation never reveals whether a task exists. Only store failures are
// returned.
func (r *Registry) SetStopFlag(ctx context.Context, taskID string, from InvokeFrom, userID string) error {
	owner, ok, err := r.Owner(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load owner of task %s: %w", taskID, err)
	}
	if !ok {
		r.logger.Debug(ctx, "stop ignored for unknown task", "task_id", taskID)
		return nil
	}
	if owner != Owner(from, userID) {
		r.logger.Warn(ctx, "stop ignored for foreign task", "task_id", taskID, "role", string(ResolveRole(from)))
		return nil
	}
	if err := r.store.SetEx(ctx, StopKey(taskID), "1", r.stopTTL); err != nil {
		return fmt.Errorf("set stop flag of task %s: %w", taskID, err)
	}
	r.logger.Info(ctx, "stop flag set", "task_id", taskID)
	return nil
}

// IsStopped reports whether the stop flag of taskID is set.
func (r *Registry) IsStopped(ctx context.Context, taskID string) (bool, error) {
	return r.store.Exists(ctx, StopKey(taskID))
}
