package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawlkit/internal/queue/memory"
)

// Handler processes one dispatched item. ctx is cancelled when the item is
// removed by key or the parent context passed to Run ends.
type Handler[T any] func(ctx context.Context, item T)

// Config controls scheduler limits.
type Config struct {
	MaxConcurrency int
}

// Option customizes a Scheduler.
type Option[K comparable, T any] func(*Scheduler[K, T])

// WithOnDone registers a callback invoked exactly once for every popped item,
// after its handler returns or when it is skipped because of a pending removal.
func WithOnDone[K comparable, T any](fn func(item T, skipped bool)) Option[K, T] {
	return func(s *Scheduler[K, T]) {
		s.onDone = fn
	}
}

type inflight struct {
	cancel context.CancelFunc
}

// Scheduler dispatches queued items to a handler with at most MaxConcurrency
// handlers running at once.
type Scheduler[K comparable, T any] struct {
	permits *semaphore.Weighted
	queue   *memory.FIFO[T]
	keyOf   func(T) K
	handle  Handler[T]
	onDone  func(item T, skipped bool)
	logger  *zap.Logger

	mu         sync.Mutex
	state      State
	paused     bool
	gate       chan struct{}
	stopLoop   context.CancelFunc
	inflight   map[K]*inflight
	suppressed map[K]struct{}

	drain   atomic.Int32
	running atomic.Int64
	wg      sync.WaitGroup
}

// New constructs a scheduler. keyOf derives the registry key for an item.
func New[K comparable, T any](
	cfg Config,
	keyOf func(T) K,
	handle Handler[T],
	logger *zap.Logger,
	opts ...Option[K, T],
) (*Scheduler[K, T], error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency must be > 0")
	}
	if keyOf == nil || handle == nil {
		return nil, errors.New("scheduler requires a key function and a handler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := make(chan struct{})
	close(gate)
	s := &Scheduler[K, T]{
		permits:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		queue:      memory.NewFIFO[T](),
		keyOf:      keyOf,
		handle:     handle,
		logger:     logger,
		gate:       gate,
		inflight:   make(map[K]*inflight),
		suppressed: make(map[K]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit appends an item to the work queue. A pending removal recorded for the
// item's key is cleared, so the removal only applies to work queued before it.
func (s *Scheduler[K, T]) Submit(item T) {
	key := s.keyOf(item)
	s.mu.Lock()
	delete(s.suppressed, key)
	s.mu.Unlock()
	s.queue.Push(item)
}

// Run drives the dispatch loop until Stop is called or ctx ends, then waits for
// dispatched handlers to return. Handler contexts derive from ctx, so Stop
// leaves in-flight work alone while cancelling ctx cancels it.
func (s *Scheduler[K, T]) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateRunning, StatePaused:
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.stopLoop = cancel
	s.state = StateRunning
	if s.paused {
		s.state = StatePaused
	}
	s.mu.Unlock()

	defer s.wg.Wait()
	for {
		if err := s.waitGate(loopCtx); err != nil {
			return s.exit(ctx)
		}
		if err := s.permits.Acquire(loopCtx, 1); err != nil {
			return s.exit(ctx)
		}
		item, err := s.queue.Pop(loopCtx)
		if err != nil {
			s.permits.Release(1)
			return s.exit(ctx)
		}
		if s.isPaused() {
			s.queue.PushFront(item)
			s.permits.Release(1)
			continue
		}
		s.dispatch(ctx, item)
	}
}

func (s *Scheduler[K, T]) exit(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scheduler interrupted: %w", err)
	}
	return nil
}

func (s *Scheduler[K, T]) waitGate(ctx context.Context) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-gate:
		return nil
	}
}

func (s *Scheduler[K, T]) dispatch(ctx context.Context, item T) {
	key := s.keyOf(item)

	s.mu.Lock()
	if _, ok := s.suppressed[key]; ok {
		delete(s.suppressed, key)
		s.mu.Unlock()
		s.permits.Release(1)
		s.logger.Debug("skipping removed item", zap.Any("key", key))
		s.done(item, true)
		return
	}
	workCtx, cancel := context.WithCancel(ctx)
	entry := &inflight{cancel: cancel}
	s.inflight[key] = entry
	s.mu.Unlock()

	s.running.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			if s.inflight[key] == entry {
				delete(s.inflight, key)
			}
			s.mu.Unlock()
			cancel()
			s.running.Add(-1)
			s.permits.Release(1)
			s.done(item, false)
		}()
		s.handle(workCtx, item)
	}()
}

func (s *Scheduler[K, T]) done(item T, skipped bool) {
	if s.onDone != nil {
		s.onDone(item, skipped)
	}
}

// Pause stops new dispatches until Unpause. In-flight work keeps running.
func (s *Scheduler[K, T]) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.gate = make(chan struct{})
	if s.state == StateRunning {
		s.state = StatePaused
	}
}

// Unpause reopens the dispatch gate.
func (s *Scheduler[K, T]) Unpause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.gate)
	if s.state == StatePaused {
		s.state = StateRunning
	}
}

func (s *Scheduler[K, T]) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Stop ends the dispatch loop at its current wait point. It does not cancel
// in-flight work.
func (s *Scheduler[K, T]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateStopped
	if s.stopLoop != nil {
		s.stopLoop()
	}
}

// RemoveByKey cancels in-flight work with the given key and reports true. When
// nothing with that key is in flight the key is suppressed so that a queued
// item carrying it is skipped at dispatch.
func (s *Scheduler[K, T]) RemoveByKey(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.inflight[key]; ok {
		entry.cancel()
		delete(s.inflight, key)
		return true
	}
	s.suppressed[key] = struct{}{}
	return false
}

// State returns the current loop state.
func (s *Scheduler[K, T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InFlight returns the number of handlers currently running.
func (s *Scheduler[K, T]) InFlight() int {
	return int(s.running.Load())
}

// Tracked reports whether key is registered as in flight.
func (s *Scheduler[K, T]) Tracked(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[key]
	return ok
}

// Pending returns the number of queued, not yet dispatched items.
func (s *Scheduler[K, T]) Pending() int {
	return s.queue.Len()
}

// DrainStatus returns the current drain status.
func (s *Scheduler[K, T]) DrainStatus() DrainStatus {
	return DrainStatus(s.drain.Load())
}

// AdvanceDrain moves the drain status forward to next. It reports false when
// the status is already at or past next.
func (s *Scheduler[K, T]) AdvanceDrain(next DrainStatus) bool {
	for {
		cur := s.drain.Load()
		if DrainStatus(cur) >= next {
			return false
		}
		if s.drain.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Status returns a point-in-time summary of the scheduler.
func (s *Scheduler[K, T]) Status() Status {
	return Status{
		State:    s.State().String(),
		Drain:    s.DrainStatus().String(),
		InFlight: s.InFlight(),
		Pending:  s.Pending(),
	}
}
