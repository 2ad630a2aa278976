// Package supervisor runs named goroutines under one cancellable scope.
//
// A task that panics or returns an error is logged and counted; it never
// cancels its siblings. Stop cancels the scope and waits for every task to
// return.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Go when the scope has already been cancelled.
var ErrStopped = errors.New("supervisor stopped")

// PanicHook is notified after a task panic has been recovered.
type PanicHook func(name string, recovered any)

// Counters are best-effort operational numbers, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
	Panics  uint64 `json:"panics"`
	Failed  uint64 `json:"failed"`
}

// Supervisor owns a context and the goroutines started against it.
type Supervisor struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	onPanic PanicHook

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	active  atomic.Int64
	started atomic.Uint64
	panics  atomic.Uint64
	failed  atomic.Uint64
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPanicHook registers a callback invoked for every recovered panic.
func WithPanicHook(h PanicHook) Option {
	return func(s *Supervisor) { s.onPanic = h }
}

// New creates a Supervisor whose scope derives from parent.
func New(parent context.Context, logger *zap.Logger, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Context returns the supervising scope.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Go starts fn in its own goroutine. The call never blocks on fn.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.started.Add(1)
	s.active.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		start := time.Now()
		if err := s.run(name, fn); err != nil {
			s.failed.Add(1)
			s.logger.Error("task failed",
				zap.String("task", name),
				zap.Duration("took", time.Since(start)),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// run executes fn and turns a panic into an error.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error("task panicked",
				zap.String("task", name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			if s.onPanic != nil {
				s.onPanic(name, r)
			}
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()

	err = fn(s.ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop cancels the scope and waits for all tasks, or for ctx to expire.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d tasks: %w", s.active.Load(), ctx.Err())
	}
}

// Counters returns the current task counters.
func (s *Supervisor) Counters() Counters {
	return Counters{
		Active:  s.active.Load(),
		Started: s.started.Load(),
		Panics:  s.panics.Load(),
		Failed:  s.failed.Load(),
	}
}
