package crawler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawlkit/internal/dedup"
	"github.com/JakeFAU/crawlkit/internal/fetch"
	"github.com/JakeFAU/crawlkit/internal/queue/memory"
	"github.com/JakeFAU/crawlkit/internal/scheduler"
	"github.com/JakeFAU/crawlkit/internal/storage"
)

// Config tunes an Engine.
type Config struct {
	// Name labels logs and scopes dedup keys.
	Name string
	// Concurrency bounds in-flight fetches.
	Concurrency int
	// ParseConcurrency bounds parses running at once.
	ParseConcurrency int
	// Retries is the initial retry budget of every task.
	Retries int
	// QueueSize is the capacity of the down-queue between fetch and parse.
	QueueSize int
	// AllowStatus is applied to requests that carry no allow-list of their own.
	AllowStatus []int
	// Requeue retries failed tasks by putting them back on the work queue
	// instead of retrying in place under the same permit.
	Requeue bool
}

// Option customizes an Engine.
type Option[P any] func(*Engine[P])

// WithDedup skips tasks whose key the filter has seen and marks a task once
// every round has been parsed and its items collected. It only applies to
// definitions implementing Keyer.
func WithDedup[P any](filter dedup.Filter) Option[P] {
	return func(e *Engine[P]) {
		e.filter = filter
	}
}

// Engine runs one Definition to completion.
type Engine[P any] struct {
	cfg       Config
	def       Definition[P]
	keyer     Keyer[P]
	continuer Continuer[P]
	client    Fetcher
	collector storage.Collector
	monitor   Monitor
	filter    dedup.Filter
	logger    *zap.Logger

	sched   *scheduler.Scheduler[int, *Task[P]]
	results *memory.Queue[result[P]]
	parsers *semaphore.Weighted

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	abort   context.CancelCauseFunc
	nextID  int
	live    map[int]*Task[P]
	keys    map[string]int
	parsing map[int]*parseState
}

type parseState struct {
	pending int
	failed  bool
	last    bool
}

// New wires an engine. collector and monitor are required.
func New[P any](
	cfg Config,
	def Definition[P],
	client Fetcher,
	collector storage.Collector,
	monitor Monitor,
	logger *zap.Logger,
	opts ...Option[P],
) (*Engine[P], error) {
	if def == nil || client == nil || collector == nil || monitor == nil {
		return nil, errors.New("crawler requires a definition, client, collector and monitor")
	}
	if cfg.Name == "" {
		cfg.Name = "crawler"
	}
	if cfg.ParseConcurrency <= 0 {
		cfg.ParseConcurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine[P]{
		cfg:       cfg,
		def:       def,
		client:    client,
		collector: collector,
		monitor:   monitor,
		logger:    logger.Named(cfg.Name),
		results:   memory.NewQueue[result[P]](cfg.QueueSize),
		parsers:   semaphore.NewWeighted(int64(cfg.ParseConcurrency)),
		live:      make(map[int]*Task[P]),
		parsing:   make(map[int]*parseState),
		keys:      make(map[string]int),
	}
	e.keyer, _ = def.(Keyer[P])
	e.continuer, _ = def.(Continuer[P])
	for _, opt := range opts {
		opt(e)
	}

	sched, err := scheduler.New[int, *Task[P]](
		scheduler.Config{MaxConcurrency: cfg.Concurrency},
		func(t *Task[P]) int { return t.ID },
		e.handle,
		e.logger,
		scheduler.WithOnDone[int, *Task[P]](func(t *Task[P], skipped bool) {
			if skipped {
				e.retire(t.ID)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	e.sched = sched
	return e, nil
}

// Run loads tasks, fetches and parses them and returns once every task has
// retired, Stop was called, ctx ended, or a contract violation occurred.
// An engine runs once.
func (e *Engine[P]) Run(ctx context.Context) error {
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("crawler already ran")
	}
	e.started = true
	e.runCtx = runCtx
	e.abort = abort
	e.mu.Unlock()

	e.logger.Info("crawl started",
		zap.Int("concurrency", e.cfg.Concurrency),
		zap.Int("parse_concurrency", e.cfg.ParseConcurrency),
		zap.Int("retries", e.cfg.Retries),
	)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := e.sched.Run(gctx)
		e.afterLoop(gctx)
		return err
	})
	g.Go(func() error { return e.produce(gctx) })
	g.Go(func() error { return e.consume(gctx) })
	err := g.Wait()

	if cause := context.Cause(runCtx); errors.Is(cause, ErrContract) {
		e.logger.Error("crawl aborted", zap.Error(cause))
		return cause
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", e.cfg.Name, err)
	}
	e.logger.Info("crawl finished", zap.Stringer("drain", e.sched.DrainStatus()))
	return nil
}

// afterLoop ends the consumer when the loop stopped before every task
// retired, e.g. after Stop.
func (e *Engine[P]) afterLoop(ctx context.Context) {
	if e.sched.AdvanceDrain(scheduler.QueueDrained) {
		_ = e.results.Enqueue(ctx, result[P]{done: true})
	}
}

func (e *Engine[P]) produce(ctx context.Context) error {
	for payload, err := range e.def.LoadTasks(ctx) {
		if err != nil {
			return fmt.Errorf("load tasks: %w", err)
		}
		if e.sched.State() == scheduler.StateStopped {
			break
		}
		key, skip, err := e.seen(ctx, payload)
		if err != nil {
			return err
		}
		if skip {
			e.logger.Debug("skipping seen task", zap.String("key", key))
			continue
		}
		e.mu.Lock()
		e.nextID++
		task := &Task[P]{ID: e.nextID, Payload: payload, RetriesRemaining: e.cfg.Retries}
		e.live[task.ID] = task
		if key != "" {
			e.keys[key] = task.ID
		}
		e.mu.Unlock()
		e.monitor.AddTasks(1)
		e.sched.Submit(task)
	}

	e.sched.AdvanceDrain(scheduler.SourceExhausted)
	e.mu.Lock()
	total := e.nextID
	finished := e.finishLocked()
	e.mu.Unlock()
	e.logger.Debug("task source exhausted", zap.Int("tasks", total))
	if finished {
		e.complete()
	}
	return nil
}

// seen returns the task's dedup key and whether the filter already has it.
func (e *Engine[P]) seen(ctx context.Context, payload P) (string, bool, error) {
	if e.keyer == nil {
		return "", false, nil
	}
	key := e.keyer.TaskKey(payload)
	if e.filter == nil || key == "" {
		return key, false, nil
	}
	ok, err := e.filter.Exists(ctx, e.dedupKey(key))
	if err != nil {
		return key, false, fmt.Errorf("check task %q: %w", key, err)
	}
	return key, ok, nil
}

func (e *Engine[P]) dedupKey(key string) string {
	return e.cfg.Name + ":" + key
}

func (e *Engine[P]) handle(ctx context.Context, task *Task[P]) {
	for {
		if ctx.Err() != nil {
			e.retire(task.ID)
			return
		}
		req, err := e.def.Request(ctx, *task)
		if err == nil && req == nil {
			err = errors.New("nil request")
		}
		if err == nil {
			err = req.Validate()
		}
		if err != nil {
			e.abort(fmt.Errorf("%w: build request for task %d: %w", ErrContract, task.ID, err))
			e.retire(task.ID)
			return
		}
		if len(req.AllowStatus) == 0 && len(e.cfg.AllowStatus) > 0 {
			req = req.Clone()
			req.AllowStatus = append([]int(nil), e.cfg.AllowStatus...)
		}

		budget := &task.RetriesRemaining
		if e.cfg.Requeue {
			budget = new(int)
		}
		resp, err := e.client.Do(ctx, req, budget)
		if ctx.Err() != nil {
			e.logger.Debug("task cancelled", zap.Int("task_id", task.ID), zap.String("url", req.URL))
			e.retire(task.ID)
			return
		}
		if err != nil {
			resubmit := e.cfg.Requeue && errors.Is(err, fetch.ErrRetryExhausted) && task.RetriesRemaining > 0
			if resubmit {
				task.RetriesRemaining--
				err = attemptCause(err)
			}
			task.Success = false
			task.Err = err
			pushed := e.push(ctx, result[P]{task: *task, url: req.URL, err: err, live: task, resubmit: resubmit})
			if !pushed || !resubmit {
				e.retire(task.ID)
			}
			return
		}

		task.Success = true
		task.Err = nil
		last := e.continuer == nil || e.continuer.IsStopped(*task, resp)
		if !e.push(ctx, result[P]{task: *task, url: req.URL, resp: resp, live: task, last: last}) {
			e.retire(task.ID)
			return
		}
		if last {
			e.retire(task.ID)
			return
		}
		task.Round++
	}
}

// attemptCause returns the failure of the single attempt behind a
// zero-budget ErrRetryExhausted.
func attemptCause(err error) error {
	var fe *fetch.Error
	if errors.As(err, &fe) && errors.Is(fe.Kind, fetch.ErrRetryExhausted) && fe.Err != nil {
		return fe.Err
	}
	return err
}

func (e *Engine[P]) push(ctx context.Context, r result[P]) bool {
	if err := e.results.Enqueue(ctx, r); err != nil {
		e.logger.Debug("dropping result", zap.Int("task_id", r.task.ID), zap.Error(err))
		return false
	}
	return true
}

// retire removes a task from the live registry and completes the run when it
// was the last one and the source is exhausted. Retiring twice is harmless.
func (e *Engine[P]) retire(id int) {
	e.mu.Lock()
	finished := e.retireLocked(id)
	e.mu.Unlock()
	if finished {
		e.complete()
	}
}

func (e *Engine[P]) retireLocked(id int) bool {
	task, ok := e.live[id]
	if !ok {
		return false
	}
	delete(e.live, id)
	if e.keyer != nil {
		if key := e.keyer.TaskKey(task.Payload); e.keys[key] == id {
			delete(e.keys, key)
		}
	}
	return e.finishLocked()
}

func (e *Engine[P]) finishLocked() bool {
	return len(e.live) == 0 &&
		e.sched.DrainStatus() == scheduler.SourceExhausted &&
		e.sched.AdvanceDrain(scheduler.QueueDrained)
}

func (e *Engine[P]) complete() {
	e.sched.Stop()
	_ = e.results.Enqueue(e.runCtx, result[P]{done: true})
}

func (e *Engine[P]) consume(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		r, err := e.results.Dequeue(ctx)
		if err != nil {
			return fmt.Errorf("consume results: %w", err)
		}
		if r.done {
			return nil
		}
		if r.err != nil {
			e.onFailure(r)
			continue
		}
		e.monitor.Update(true, nil)
		e.trackParse(r.task.ID, r.last)
		if err := e.parsers.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquire parser: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.parsers.Release(1)
			e.finishParse(ctx, r.task, e.parse(ctx, r))
		}()
	}
}

func (e *Engine[P]) onFailure(r result[P]) {
	e.monitor.Update(false, r.err)
	if r.resubmit {
		e.mu.Lock()
		_, live := e.live[r.task.ID]
		if live {
			e.sched.Submit(r.live)
		}
		e.mu.Unlock()
		if live {
			e.logger.Debug("task requeued",
				zap.Int("task_id", r.task.ID),
				zap.Int("retries_remaining", r.task.RetriesRemaining),
			)
		}
		return
	}
	e.abandonParse(r.task.ID)
	e.logger.Warn("task failed",
		zap.Int("task_id", r.task.ID),
		zap.String("url", r.url),
		zap.Int("status", fetch.StatusOf(r.err)),
		zap.Error(r.err),
	)
}

// trackParse records a round handed to the parse pool. last marks the final
// round of the task.
func (e *Engine[P]) trackParse(id int, last bool) {
	if e.keyer == nil || e.filter == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.parsing[id]
	if st == nil {
		st = &parseState{}
		e.parsing[id] = st
	}
	st.pending++
	st.last = st.last || last
}

// finishParse records the outcome of one parsed round. A task is marked seen
// once its final round is parsed and every round stored its items.
func (e *Engine[P]) finishParse(ctx context.Context, task Task[P], ok bool) {
	if e.keyer == nil || e.filter == nil {
		return
	}
	e.mu.Lock()
	st := e.parsing[task.ID]
	if st == nil {
		e.mu.Unlock()
		return
	}
	st.pending--
	st.failed = st.failed || !ok
	settled, failed := st.pending == 0 && st.last, st.failed
	if settled {
		delete(e.parsing, task.ID)
	}
	e.mu.Unlock()
	if settled && !failed {
		e.markSeen(ctx, task)
	}
}

// abandonParse stops tracking a task whose fetch failed for good. Rounds
// still parsing finish without marking it.
func (e *Engine[P]) abandonParse(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.parsing[id]
	if st == nil {
		return
	}
	if st.pending == 0 {
		delete(e.parsing, id)
		return
	}
	st.failed = true
	st.last = true
}

func (e *Engine[P]) markSeen(ctx context.Context, task Task[P]) {
	if e.keyer == nil || e.filter == nil {
		return
	}
	key := e.keyer.TaskKey(task.Payload)
	if key == "" {
		return
	}
	if err := e.filter.Add(ctx, e.dedupKey(key)); err != nil {
		e.logger.Warn("mark task seen", zap.String("key", key), zap.Error(err))
	}
}

// parse reports whether the round's items reached the collector.
func (e *Engine[P]) parse(ctx context.Context, r result[P]) bool {
	items, err := e.def.Parse(ctx, r.task, r.resp)
	if err != nil {
		e.logger.Warn("parse failed", zap.Int("task_id", r.task.ID), zap.String("url", r.url), zap.Error(err))
		return false
	}
	if len(items) == 0 {
		return true
	}
	if err := e.collector.Collect(ctx, items); err != nil {
		e.logger.Error("collect items", zap.Int("task_id", r.task.ID), zap.Int("items", len(items)), zap.Error(err))
		return false
	}
	return true
}

// Pause stops dispatching new fetches. In-flight fetches continue.
func (e *Engine[P]) Pause() { e.sched.Pause() }

// Unpause resumes dispatching.
func (e *Engine[P]) Unpause() { e.sched.Unpause() }

// Stop ends the run once in-flight fetches return. Queued tasks are abandoned.
func (e *Engine[P]) Stop() { e.sched.Stop() }

// Remove cancels a live task by its Keyer key or its numeric ID and reports
// whether such a task existed.
func (e *Engine[P]) Remove(key string) bool {
	e.mu.Lock()
	id, ok := e.keys[key]
	if !ok {
		n, err := strconv.Atoi(key)
		if err != nil {
			e.mu.Unlock()
			return false
		}
		id = n
	}
	if _, live := e.live[id]; !live {
		e.mu.Unlock()
		return false
	}
	if e.sched.RemoveByKey(id) {
		e.mu.Unlock()
		return true
	}
	finished := e.retireLocked(id)
	e.mu.Unlock()
	if finished {
		e.complete()
	}
	return true
}

// State returns the scheduler state.
func (e *Engine[P]) State() scheduler.State { return e.sched.State() }

// DrainStatus returns how close the run is to completion.
func (e *Engine[P]) DrainStatus() scheduler.DrainStatus { return e.sched.DrainStatus() }

// LiveTasks returns the number of tasks that have not retired.
func (e *Engine[P]) LiveTasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Status summarizes the engine for the control API.
func (e *Engine[P]) Status() scheduler.Status {
	st := e.sched.Status()
	st.Live = e.LiveTasks()
	return st
}
