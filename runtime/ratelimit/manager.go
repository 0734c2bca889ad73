package ratelimit

import (
	"context"
	"errors"
	"sync"

	"goa.design/taskstream/runtime/kv"
)

// Manager hands out one Limiter per client id within the process. The cache
// only avoids re-seeding the shared ceiling on every request; correctness
// relies on the shared store.
type Manager struct {
	store kv.Store
	opts  []Option

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewManager returns a Manager creating limiters over store with opts.
func NewManager(store kv.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("kv store is required")
	}
	return &Manager{store: store, opts: opts, limiters: make(map[string]*Limiter)}, nil
}

// Limiter returns the limiter of clientID, creating it on first use. Later
// calls update the local ceiling to maxActive.
func (m *Manager) Limiter(ctx context.Context, clientID string, maxActive int) (*Limiter, error) {
	m.mu.Lock()
	l, ok := m.limiters[clientID]
	m.mu.Unlock()
	if ok {
		if err := l.SetMaxActive(ctx, maxActive); err != nil {
			return nil, err
		}
		return l, nil
	}

	l, err := New(ctx, m.store, clientID, maxActive, m.opts...)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.limiters[clientID]; ok {
		return existing, nil
	}
	m.limiters[clientID] = l
	return l, nil
}
