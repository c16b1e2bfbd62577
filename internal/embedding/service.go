package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNotReady is returned when the model is not initialized and the current
// initialization attempt failed. Callers degrade to empty results; the next
// call retries initialization lazily.
var ErrNotReady = errors.New("embedding model not ready")

// State is the model lifecycle state. It moves Uninitialized → Initializing →
// Ready and never leaves Ready. A failed attempt falls back to Uninitialized
// so a later call can retry.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

// String returns the state name for logs and status reporting.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Factory produces the embedding backend. It is called at most once per
// initialization attempt and may take seconds (model load, session setup).
type Factory func() (Embedder, error)

// Service wraps an Embedder behind memoized asynchronous initialization.
// Start (or the first Await) launches a single init goroutine; every caller
// awaits the same attempt rather than re-triggering it, and no caller blocks
// anything but itself while the model loads.
type Service struct {
	factory    Factory
	dimensions int
	logger     *zap.Logger

	mu       sync.Mutex
	state    State
	done     chan struct{} // closed when the current attempt finishes
	embedder Embedder
	initErr  error
}

// NewService creates a model service. dimensions is the embedding dimension
// the backend is expected to produce; it is reported before the model is ready.
func NewService(factory Factory, dimensions int, logger *zap.Logger) *Service {
	return &Service{factory: factory, dimensions: dimensions, logger: logger}
}

// Start triggers initialization if it has not begun. Safe to call repeatedly.
func (s *Service) Start() {
	s.mu.Lock()
	s.startLocked()
	s.mu.Unlock()
}

func (s *Service) startLocked() {
	if s.state != StateUninitialized {
		return
	}
	s.state = StateInitializing
	s.done = make(chan struct{})
	done := s.done
	go func() {
		embedder, err := s.factory()
		s.mu.Lock()
		if err != nil {
			s.state = StateUninitialized
			s.initErr = err
			s.logger.Warn("embedding model initialization failed", zap.Error(err))
		} else {
			s.state = StateReady
			s.embedder = embedder
			s.initErr = nil
			s.logger.Info("embedding model ready", zap.Int("dimensions", embedder.Dimensions()))
		}
		s.mu.Unlock()
		close(done)
	}()
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Await blocks until the model is ready or the context is done. If no attempt
// is in flight it starts one, so a previously failed initialization is retried
// lazily. When the awaited attempt fails, ErrNotReady is returned wrapping the
// cause; in-memory state is untouched.
func (s *Service) Await(ctx context.Context) (Embedder, error) {
	s.mu.Lock()
	if s.state == StateReady {
		embedder := s.embedder
		s.mu.Unlock()
		return embedder, nil
	}
	s.startLocked()
	done := s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, s.initErr)
	}
	return s.embedder, nil
}

// Embed awaits readiness and embeds a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	embedder, err := s.Await(ctx)
	if err != nil {
		return nil, err
	}
	return embedder.Embed(ctx, text)
}

// EmbedBatch awaits readiness and embeds texts in order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embedder, err := s.Await(ctx)
	if err != nil {
		return nil, err
	}
	return embedder.EmbedBatch(ctx, texts)
}

// Dimensions returns the configured embedding dimension.
func (s *Service) Dimensions() int {
	return s.dimensions
}

// Close releases the backend if one was created.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.embedder != nil {
		return s.embedder.Close()
	}
	return nil
}
