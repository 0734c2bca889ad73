package ratelimit

import (
	"context"
	"iter"
	"sync"
)

type (
	// Releaser gives back an admission slot.
	Releaser interface {
		Exit(ctx context.Context, requestID string) error
	}

	// Stream owns a limiter slot for the lifetime of a streamed response. The
	// slot is released exactly once: when iteration of All ends for any reason
	// (exhaustion, early break, error, panic) or when Close is called.
	Stream[T any] struct {
		ctx       context.Context
		releaser  Releaser
		requestID string
		seq       iter.Seq2[T, error]

		once     sync.Once
		iterated sync.Once
		onExit   func(error)
	}
)

// Wrap binds the slot requestID of releaser to seq. Release runs on a context
// detached from ctx cancellation so abandoned requests still free their slot.
func Wrap[T any](ctx context.Context, releaser Releaser, requestID string, seq iter.Seq2[T, error]) *Stream[T] {
	return &Stream[T]{
		ctx:       context.WithoutCancel(ctx),
		releaser:  releaser,
		requestID: requestID,
		seq:       seq,
	}
}

// OnRelease registers fn to observe the result of the release.
func (s *Stream[T]) OnRelease(fn func(error)) *Stream[T] {
	s.onExit = fn
	return s
}

// RequestID returns the admitted request id.
func (s *Stream[T]) RequestID() string { return s.requestID }

// All returns the wrapped sequence. Only the first call iterates; later calls
// yield nothing.
func (s *Stream[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		first := false
		s.iterated.Do(func() { first = true })
		if !first {
			return
		}
		defer s.release()
		for v, err := range s.seq {
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the slot if iteration never started or did not finish. It is
// idempotent.
func (s *Stream[T]) Close() error {
	s.iterated.Do(func() {})
	s.release()
	return nil
}

func (s *Stream[T]) release() {
	s.once.Do(func() {
		err := s.releaser.Exit(s.ctx, s.requestID)
		if s.onExit != nil {
			s.onExit(err)
		}
	})
}
