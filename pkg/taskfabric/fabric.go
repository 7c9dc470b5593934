// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package taskfabric

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adamsih300u/bastion/pkg/config"
)

// Handler executes one task. The returned value becomes the task result
// unless the handler stashed it out-of-band.
type Handler func(tc *TaskContext) (any, error)

// HandlerOptions tune execution per task name.
type HandlerOptions struct {
	// RateLimit caps starts of this task name; zero means unlimited.
	// A limit of 2 with RatePeriod of a minute reads "2 per minute".
	RateLimit  int
	RatePeriod time.Duration

	// MaxRetries is how many times a failed run is retried.
	MaxRetries int

	// RetryBase is the first retry delay; doubles each attempt.
	RetryBase time.Duration

	// Priority orders dequeue among waiting tasks; higher runs first.
	Priority int
}

type registration struct {
	handler Handler
	opts    HandlerOptions
	limiter *rateLimiter
}

// Fabric is the task runtime. Submit is non-blocking; Status is
// authoritative; results larger than comfortable for the state store go
// through the Stash.
type Fabric struct {
	cfg   *config.FabricConfig
	stash *ResultStash

	mu       sync.RWMutex
	handlers map[string]*registration
	tasks    map[string]*Task
	cancels  map[string]context.CancelFunc
	waiting  taskQueue
	seq      uint64

	// queue carries one token per waiting task; workers drain the
	// highest-priority entry for each token received.
	queue   chan struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

// New builds a fabric. stash may be nil when no task stashes results.
func New(cfg *config.FabricConfig, stash *ResultStash) *Fabric {
	if cfg == nil {
		cfg = &config.FabricConfig{}
	}
	cfg.SetDefaults()
	return &Fabric{
		cfg:      cfg,
		stash:    stash,
		handlers: make(map[string]*registration),
		tasks:    make(map[string]*Task),
		cancels:  make(map[string]context.CancelFunc),
		queue:    make(chan struct{}, cfg.QueueSize),
	}
}

// Register binds a handler to a task name. Must happen before Submit.
func (f *Fabric) Register(name string, handler Handler, opts HandlerOptions) {
	if opts.RatePeriod == 0 {
		opts.RatePeriod = time.Minute
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = 60 * time.Second
	}
	reg := &registration{handler: handler, opts: opts}
	if opts.RateLimit > 0 {
		reg.limiter = newRateLimiter(opts.RateLimit, opts.RatePeriod)
	}

	f.mu.Lock()
	f.handlers[name] = reg
	f.mu.Unlock()
}

// Start launches the worker pool.
func (f *Fabric) Start(ctx context.Context) {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	for i := 0; i < f.cfg.Workers; i++ {
		f.wg.Add(1)
		go f.worker(ctx)
	}
	slog.Info("Task fabric started", "workers", f.cfg.Workers, "queue_size", f.cfg.QueueSize)
}

// Stop drains the workers. Queued tasks stay pending.
func (f *Fabric) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
}

// Submit enqueues a task and returns its id without blocking. A full
// queue is an error, not a wait.
func (f *Fabric) Submit(name string, args map[string]any) (string, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:        strings.ReplaceAll(uuid.New().String(), "-", ""),
		Name:      name,
		Args:      args,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	f.mu.Lock()
	reg, known := f.handlers[name]
	if !known {
		f.mu.Unlock()
		return "", fmt.Errorf("no handler registered for task %s", name)
	}
	if f.waiting.Len() >= f.cfg.QueueSize {
		f.mu.Unlock()
		return "", fmt.Errorf("task queue full (%d)", f.cfg.QueueSize)
	}
	f.tasks[task.ID] = task
	f.seq++
	heap.Push(&f.waiting, &queuedTask{task: task, priority: reg.opts.Priority, seq: f.seq})
	f.mu.Unlock()

	// The length check above keeps this within channel capacity.
	f.queue <- struct{}{}
	tasksSubmitted.WithLabelValues(name).Inc()
	return task.ID, nil
}

// Status reports a task's current state. Unknown ids return an error.
func (f *Fabric) Status(taskID string) (Status, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return Status{}, fmt.Errorf("unknown task %s", taskID)
	}
	return task.status(), nil
}

// Cancel marks a pending task cancelled or interrupts a started one.
// Terminal tasks are left alone.
func (f *Fabric) Cancel(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	task, ok := f.tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	if task.State.IsTerminal() {
		return nil
	}

	if cancel, running := f.cancels[taskID]; running {
		cancel()
		return nil
	}
	return task.transition(StateCancelled)
}

func (f *Fabric) worker(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.queue:
			f.mu.Lock()
			item := heap.Pop(&f.waiting).(*queuedTask)
			f.mu.Unlock()
			f.run(ctx, item.task)
		}
	}
}

// queuedTask orders waiting tasks: higher priority first, submission
// order within a priority.
type queuedTask struct {
	task     *Task
	priority int
	seq      uint64
}

type taskQueue []*queuedTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*queuedTask)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (f *Fabric) run(ctx context.Context, task *Task) {
	f.mu.Lock()
	if task.State != StatePending {
		// Cancelled while queued.
		f.mu.Unlock()
		return
	}
	reg := f.handlers[task.Name]
	f.mu.Unlock()

	if reg.limiter != nil {
		if err := reg.limiter.wait(ctx); err != nil {
			return // shutdown while throttled
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, f.cfg.SoftTimeLimit)
	defer cancel()

	f.mu.Lock()
	if err := task.transition(StateStarted); err != nil {
		f.mu.Unlock()
		return
	}
	f.cancels[task.ID] = cancel
	f.mu.Unlock()

	tasksInflight.Inc()
	defer tasksInflight.Dec()

	result, taskErr := f.execute(runCtx, task, reg)

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cancels, task.ID)

	switch {
	case taskErr == nil:
		task.Result = result
		_ = task.transition(StateSuccess)
	case isCancelError(taskErr):
		task.Error = taskErr
		_ = task.transition(StateCancelled)
	default:
		task.Error = taskErr
		_ = task.transition(StateFailure)
	}
	tasksCompleted.WithLabelValues(task.Name, string(task.State)).Inc()
}

// execute runs the handler with retries and panic capture. Every
// failure path yields serialized error meta, never a crash.
func (f *Fabric) execute(ctx context.Context, task *Task, reg *registration) (result any, taskErr *TaskError) {
	attempts := reg.opts.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		result, taskErr = f.attempt(ctx, task, reg)
		if taskErr == nil {
			return result, nil
		}
		if taskErr.ErrorType == "panic" || taskErr.ErrorType == ErrorTypeSoftTimeLimit || taskErr.ErrorType == "cancelled" {
			return nil, taskErr
		}
		if attempt == attempts {
			return nil, taskErr
		}

		delay := reg.opts.RetryBase * time.Duration(1<<(attempt-1))
		slog.Warn("Task attempt failed, retrying",
			"task_id", task.ID,
			"name", task.Name,
			"attempt", attempt,
			"delay", delay,
			"error", taskErr.Message)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, classifyCtxError(ctx)
		}
	}
	return nil, taskErr
}

func (f *Fabric) attempt(ctx context.Context, task *Task, reg *registration) (result any, taskErr *TaskError) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Task panicked",
				"task_id", task.ID,
				"name", task.Name,
				"panic", r,
				"stack", string(debug.Stack()))
			taskErr = newTaskError(fmt.Errorf("panic: %v", r), "panic")
		}
	}()

	tc := &TaskContext{Context: ctx, TaskID: task.ID, Args: task.Args, fabric: f}
	result, err := reg.handler(tc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, classifyCtxError(ctx)
		}
		return nil, newTaskError(err, fmt.Sprintf("%T", err))
	}
	if ctx.Err() != nil {
		return nil, classifyCtxError(ctx)
	}
	return result, nil
}

func classifyCtxError(ctx context.Context) *TaskError {
	if ctx.Err() == context.DeadlineExceeded {
		return newTaskError(ctx.Err(), ErrorTypeSoftTimeLimit)
	}
	return newTaskError(ctx.Err(), "cancelled")
}

func isCancelError(e *TaskError) bool {
	return e.ErrorType == "cancelled"
}

// TaskContext is handed to handlers: the run context, the submitted
// args, progress reporting and the result stash.
type TaskContext struct {
	context.Context
	TaskID string
	Args   map[string]any
	fabric *Fabric
}

// SetProgress records advisory progress readable through Status.
func (tc *TaskContext) SetProgress(current, total int, message string) {
	tc.fabric.mu.Lock()
	defer tc.fabric.mu.Unlock()
	if task, ok := tc.fabric.tasks[tc.TaskID]; ok {
		task.Progress = Progress{Current: current, Total: total, Message: message}
		task.UpdatedAt = time.Now().UTC()
	}
}

// StashResult stores a large payload out-of-band and returns the marker
// to use as the task result. Readers consult the stash, not the task.
func (tc *TaskContext) StashResult(payload any) (map[string]any, error) {
	if tc.fabric.stash == nil {
		return nil, fmt.Errorf("no result stash configured")
	}
	if err := tc.fabric.stash.Store(tc, tc.TaskID, payload); err != nil {
		return nil, err
	}
	return map[string]any{
		"success":         true,
		"task_id":         tc.TaskID,
		"stored_in_redis": true,
	}, nil
}

// rateLimiter spaces task starts evenly: limit per period becomes a
// minimum gap of period/limit between consecutive starts.
type rateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func newRateLimiter(limit int, period time.Duration) *rateLimiter {
	return &rateLimiter{interval: period / time.Duration(limit)}
}

func (l *rateLimiter) wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	if l.next.Before(now) {
		l.next = now
	}
	wait := l.next.Sub(now)
	l.next = l.next.Add(l.interval)
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
