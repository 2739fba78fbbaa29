// Package executor runs tasks on a bounded pool of workers.
//
// Every Task moves through a small state machine (see State). Bodies are cooperative:
// Interrupt cancels the context passed to the body. Kill does not wait for the body:
// the task becomes KILLED at once and its worker slot is returned to the pool. An
// abandoned body keeps running on its own goroutine until it returns, and whatever it
// returns is ignored. Bodies which own external resources (see Runner) release them
// when Task.Killed is closed.
package executor

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Hunter/internal/log"
	"github.com/CZERTAINLY/Hunter/internal/model"

	"github.com/puzpuzpuz/xsync/v3"
)

const logger = log.Origin("executor")

type Option func(*Executor)

// WithMaxWorkers limits the number of concurrently running tasks. n <= 0 means
// runtime.NumCPU().
func WithMaxWorkers(n int) Option {
	return func(e *Executor) {
		if n <= 0 {
			n = runtime.NumCPU()
		}
		e.limit = n
	}
}

// WithUnbounded starts a worker for every submitted task.
func WithUnbounded() Option {
	return func(e *Executor) {
		e.limit = 0
	}
}

// WithName sets the prefix of worker names.
func WithName(name string) Option {
	return func(e *Executor) {
		e.name = name
	}
}

// Executor is a pool of workers. It is safe for concurrent use.
type Executor struct {
	name  string
	limit int // 0 means unbounded

	mx      sync.Mutex
	closed  bool
	pending []*Task
	active  map[*Task]struct{}
	wg      sync.WaitGroup

	seq    atomic.Uint64
	groups *xsync.MapOf[string, *group]
}

func New(opts ...Option) *Executor {
	e := &Executor{
		name:   "hunter",
		limit:  runtime.NumCPU(),
		active: make(map[*Task]struct{}),
		groups: xsync.NewMapOf[string, *group](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewTask creates a task in CREATED state.
func (e *Executor) NewTask(body Body) *Task {
	return newTask(e, body)
}

// Go creates and submits a task.
func (e *Executor) Go(body Body) (*Task, error) {
	return e.Submit(e.NewTask(body))
}

// RunOnlyOnce creates a task belonging to the dedup group key. See Task.RunOnlyOnce.
func (e *Executor) RunOnlyOnce(key string, satisfied func() bool, body Body) *Task {
	return e.NewTask(body).RunOnlyOnce(key, satisfied)
}

// Submit queues a task. It fails with model.ErrExecutorClosed after Shutdown and with
// ErrAlreadySubmitted for a task which is not in CREATED state. A run-once task whose
// predicate already holds is SKIPPED without being queued.
func (e *Executor) Submit(t *Task) (*Task, error) {
	if t.exec != e {
		return t, fmt.Errorf("task %s belongs to another executor", t.id)
	}
	skip := t.satisfied != nil && t.satisfied()

	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return t, model.ErrExecutorClosed
	}
	if !t.move(StateSubmitted, nil) {
		e.mx.Unlock()
		return t, fmt.Errorf("task %s: %w", t.id, ErrAlreadySubmitted)
	}
	if skip {
		e.mx.Unlock()
		logger.Debug(t.ctx, "task skipped", "task", t.id, "group", t.groupKey)
		t.skip(nil)
		return t, nil
	}
	e.wg.Add(1)
	e.pending = append(e.pending, t)
	e.dispatchLocked()
	e.mx.Unlock()
	return t, nil
}

func (e *Executor) dispatchLocked() {
	for len(e.pending) > 0 && (e.limit == 0 || len(e.active) < e.limit) {
		t := e.pending[0]
		e.pending[0] = nil
		e.pending = e.pending[1:]
		e.active[t] = struct{}{}
		worker := fmt.Sprintf("%s-worker-%d", e.name, e.seq.Add(1))
		go e.work(worker, t)
	}
}

func (e *Executor) release(t *Task) {
	e.mx.Lock()
	delete(e.active, t)
	e.dispatchLocked()
	e.mx.Unlock()
	e.wg.Done()
}

func (e *Executor) work(worker string, t *Task) {
	t.attach(worker)
	defer e.release(t)
	defer t.detach()

	if t.groupKey != "" {
		g, ok := e.acquire(t)
		if !ok {
			// killed or interrupted while waiting for the group
			if t.start() {
				t.complete(context.Cause(t.ctx))
			}
			return
		}
		defer e.unlock(t.groupKey, g)
		if t.satisfied != nil && t.satisfied() {
			logger.Debug(t.ctx, "task skipped", "task", t.id, "group", t.groupKey)
			t.move(StateSkipped, nil)
			return
		}
	}

	if !t.start() {
		return
	}

	result := make(chan error, 1)
	go t.carry(result)
	select {
	case err := <-result:
		t.complete(err)
	case <-t.killCh:
		logger.Debug(t.ctx, "task killed, body abandoned", "task", t.id, "worker", worker)
	}
}

// dequeue terminates a killed task which still waits for a worker.
func (e *Executor) dequeue(t *Task) {
	e.mx.Lock()
	i := slices.Index(e.pending, t)
	if i < 0 {
		e.mx.Unlock()
		return
	}
	e.pending = slices.Delete(e.pending, i, i+1)
	e.mx.Unlock()

	t.start()
	close(t.exited)
	e.wg.Done()
}

// Pending returns the number of queued tasks waiting for a worker.
func (e *Executor) Pending() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return len(e.pending)
}

// Running returns the number of occupied workers.
func (e *Executor) Running() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return len(e.active)
}

func (e *Executor) Closed() bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.closed
}

// Shutdown rejects new tasks and waits for the submitted ones. When ctx is done first,
// tasks still queued are SKIPPED with model.ErrExecutorClosed, running ones are
// interrupted and the ctx error is returned.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mx.Lock()
	e.closed = true
	e.mx.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	e.mx.Lock()
	pending := e.pending
	e.pending = nil
	running := make([]*Task, 0, len(e.active))
	for t := range e.active {
		running = append(running, t)
	}
	e.mx.Unlock()

	for _, t := range pending {
		t.skip(model.ErrExecutorClosed)
		e.wg.Done()
	}
	for _, t := range running {
		t.Interrupt()
	}
	logger.Warn(ctx, "shutdown deadline exceeded", ctx.Err(), "skipped", len(pending), "interrupted", len(running))
	return fmt.Errorf("executor shutdown: %w", ctx.Err())
}

// group serializes the tasks of one run-once key.
type group struct {
	sem  chan struct{}
	refs int
}

func (e *Executor) acquire(t *Task) (*group, bool) {
	g, _ := e.groups.Compute(t.groupKey, func(old *group, loaded bool) (*group, bool) {
		if !loaded {
			old = &group{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})
	select {
	case g.sem <- struct{}{}:
		return g, true
	case <-t.killCh:
	case <-t.ctx.Done():
	}
	e.unref(t.groupKey)
	return nil, false
}

func (e *Executor) unlock(key string, g *group) {
	<-g.sem
	e.unref(key)
}

func (e *Executor) unref(key string) {
	e.groups.Compute(key, func(old *group, loaded bool) (*group, bool) {
		if !loaded {
			return old, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}
