package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Hunter/internal/executor"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrGroupClosed = errors.New("group closed")
	// ErrNotJoined is returned by Close when it gave up waiting for the units.
	ErrNotJoined = errors.New("group not joined")
)

// Error is returned by Group.Close. Err is the first failure, the later ones are
// attached as Suppressed.
type Error struct {
	Err        error
	Suppressed *multierror.Error
}

func (e *Error) Error() string {
	n := len(e.Suppressed.WrappedErrors())
	if n == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s (%d suppressed)", e.Err, n)
}

func (e *Error) Unwrap() []error {
	return append([]error{e.Err}, e.Suppressed.WrappedErrors()...)
}

// Group is a bounded fan-out/join coordinator running its units on an Executor.
// AddTask blocks while the number of outstanding units equals the capacity.
type Group struct {
	exec *executor.Executor
	sem  chan struct{}

	mx     sync.Mutex
	closed bool
	tasks  map[*executor.Task]struct{}
	errs   []error
	wg     sync.WaitGroup

	outstanding atomic.Int64
	peak        atomic.Int64
}

func NewGroup(exec *executor.Executor, capacity int) (*Group, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("group capacity must be at least 1, got %d", capacity)
	}
	return &Group{
		exec:  exec,
		sem:   make(chan struct{}, capacity),
		tasks: make(map[*executor.Task]struct{}),
	}, nil
}

// AddTask submits fn. A failure of fn does not affect sibling units, it is reported
// by Close.
func (g *Group) AddTask(ctx context.Context, fn func(context.Context) error) error {
	g.mx.Lock()
	if g.closed {
		g.mx.Unlock()
		return ErrGroupClosed
	}
	g.wg.Add(1)
	g.mx.Unlock()

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		g.wg.Done()
		return ctx.Err()
	}
	g.enter()

	task := g.exec.NewTask(func(ctx context.Context, _ *executor.Task) error {
		return fn(ctx)
	})
	g.mx.Lock()
	g.tasks[task] = struct{}{}
	g.mx.Unlock()
	task.OnDone(g.done)

	if _, err := g.exec.Submit(task); err != nil {
		g.mx.Lock()
		delete(g.tasks, task)
		g.mx.Unlock()
		g.leave()
		return err
	}
	return nil
}

func (g *Group) enter() {
	n := g.outstanding.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *Group) leave() {
	g.outstanding.Add(-1)
	<-g.sem
	g.wg.Done()
}

func (g *Group) done(t *executor.Task) {
	g.mx.Lock()
	delete(g.tasks, t)
	if err := t.Err(); err != nil {
		g.errs = append(g.errs, err)
	}
	g.mx.Unlock()
	g.leave()
}

// Close rejects further units and waits for the outstanding ones. If ctx ends first,
// the running units are interrupted and ErrNotJoined is returned together with the ctx
// error; the units may still be running then.
func (g *Group) Close(ctx context.Context) error {
	g.mx.Lock()
	g.closed = true
	g.mx.Unlock()

	joined := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-ctx.Done():
		g.mx.Lock()
		for t := range g.tasks {
			t.Interrupt()
		}
		g.mx.Unlock()
		return fmt.Errorf("%w: %w", ErrNotJoined, ctx.Err())
	}

	g.mx.Lock()
	defer g.mx.Unlock()
	if len(g.errs) == 0 {
		return nil
	}
	return &Error{
		Err:        g.errs[0],
		Suppressed: multierror.Append(&multierror.Error{}, g.errs[1:]...),
	}
}

func (g *Group) Capacity() int {
	return cap(g.sem)
}

// Outstanding returns the number of submitted units which did not terminate yet.
func (g *Group) Outstanding() int {
	return int(g.outstanding.Load())
}

// Peak returns the highest Outstanding value observed.
func (g *Group) Peak() int {
	return int(g.peak.Load())
}
