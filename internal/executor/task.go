package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State of a Task.
//
//	CREATED -> SUBMITTED -> STARTED -> FINISHED | KILLED | INTERRUPTED
//	                     \-> SKIPPED
type State int32

const (
	StateCreated State = iota
	StateSubmitted
	StateStarted
	StateFinished
	StateKilled
	StateInterrupted
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateSubmitted:
		return "SUBMITTED"
	case StateStarted:
		return "STARTED"
	case StateFinished:
		return "FINISHED"
	case StateKilled:
		return "KILLED"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateSkipped:
		return "SKIPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) Terminal() bool {
	return s >= StateFinished
}

func (s State) canMove(to State) bool {
	switch s {
	case StateCreated:
		return to == StateSubmitted
	case StateSubmitted:
		return to == StateStarted || to == StateSkipped
	case StateStarted:
		return to == StateFinished || to == StateKilled || to == StateInterrupted
	default:
		return false
	}
}

var (
	ErrKilled           = errors.New("task killed")
	ErrInterrupted      = errors.New("task interrupted")
	ErrAlreadySubmitted = errors.New("task already submitted")
)

// Body is the work of a Task. ctx is canceled when the task is interrupted or killed;
// context.Cause(ctx) tells which one.
type Body func(ctx context.Context, t *Task) error

// Task is a handle of a single unit of work owned by an Executor.
type Task struct {
	id   string
	exec *Executor
	body Body

	groupKey  string
	satisfied func() bool

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu                 sync.Mutex
	state              State
	worker             string
	alive              bool
	executed           bool
	interruptRequested bool
	killRequested      bool
	err                error
	submittedAt        time.Time
	startedAt          time.Time
	finishedAt         time.Time
	onDone             []func(*Task)

	started chan struct{} // closed once the task leaves SUBMITTED
	done    chan struct{} // closed on a terminal state
	exited  chan struct{} // closed once no worker executes the task
	killCh  chan struct{}
}

func newTask(e *Executor, body Body) *Task {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Task{
		id:      uuid.NewString(),
		exec:    e,
		body:    body,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateCreated,
		started: make(chan struct{}),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		killCh:  make(chan struct{}),
	}
}

func (t *Task) ID() string {
	return t.id
}

// GroupKey returns the run-once group of the task, if any.
func (t *Task) GroupKey() string {
	return t.groupKey
}

// RunOnlyOnce tags a not yet submitted task with a dedup group. At most one task of a
// group runs at a time, and satisfied is evaluated at submission and again right before
// the body would start: if it reports true, the task is SKIPPED.
func (t *Task) RunOnlyOnce(key string, satisfied func() bool) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCreated {
		logger.Warn(t.ctx, "run only once ignored: task already submitted", nil, "task", t.id, "state", t.state)
		return t
	}
	t.groupKey = key
	t.satisfied = satisfied
	return t
}

// OnDone registers fn to be called once the task reaches a terminal state. If it
// already did, fn is called immediately.
func (t *Task) OnDone(fn func(*Task)) *Task {
	t.mu.Lock()
	if !t.state.Terminal() {
		t.onDone = append(t.onDone, fn)
		t.mu.Unlock()
		return t
	}
	t.mu.Unlock()
	fn(t)
	return t
}

// Submit is a shortcut for Executor.Submit.
func (t *Task) Submit() (*Task, error) {
	return t.exec.Submit(t)
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error of a terminal task: the body error, ErrKilled or the reason a
// task was skipped by a shutdown.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Killed is closed when Kill was requested.
func (t *Task) Killed() <-chan struct{} {
	return t.killCh
}

// WaitForStarting blocks until the task is STARTED or terminal.
func (t *Task) WaitForStarting(ctx context.Context) error {
	select {
	case <-t.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForFinish blocks until no worker executes the task anymore.
func (t *Task) WaitForFinish(ctx context.Context) error {
	select {
	case <-t.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForTerminatedThreadNotAlive waits at most timeout for the task to terminate and
// for its worker to be released, then reports IsTerminatedThreadNotAlive.
func (t *Task) WaitForTerminatedThreadNotAlive(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.exited:
	case <-timer.C:
	}
	return t.IsTerminatedThreadNotAlive()
}

func (t *Task) IsTerminatedThreadNotAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Terminal() && !t.alive
}

// WasExecuted reports whether the body returned without an error and without being killed.
func (t *Task) WasExecuted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executed
}

// Kill terminates the task without waiting for the body to cooperate. A running task
// becomes KILLED immediately and its worker is released; the body is abandoned and any
// result it produces later is ignored.
//
// Go cannot stop a goroutine from outside. IsTerminatedThreadNotAlive reports the
// worker, not the body: a body which never returns, e.g. a loop ignoring its context,
// keeps its goroutine and CPU until the process exits.
func (t *Task) Kill() *Task {
	t.mu.Lock()
	if t.state.Terminal() || t.killRequested {
		t.mu.Unlock()
		return t
	}
	t.killRequested = true
	close(t.killCh)
	var callbacks []func(*Task)
	queued := t.state == StateSubmitted
	if t.state == StateStarted {
		callbacks = t.moveLocked(StateKilled, ErrKilled)
	}
	t.mu.Unlock()

	t.cancel(ErrKilled)
	t.runCallbacks(callbacks)
	if queued {
		t.exec.dequeue(t)
	}
	return t
}

// Interrupt asks the body to stop by canceling its context.
func (t *Task) Interrupt() *Task {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return t
	}
	t.interruptRequested = true
	t.mu.Unlock()
	t.cancel(ErrInterrupted)
	return t
}

// Info is a snapshot of the task for diagnostics.
type Info struct {
	ID          string
	GroupKey    string
	State       State
	Worker      string
	Alive       bool
	Executed    bool
	Err         error
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:          t.id,
		GroupKey:    t.groupKey,
		State:       t.state,
		Worker:      t.worker,
		Alive:       t.alive,
		Executed:    t.executed,
		Err:         t.err,
		SubmittedAt: t.submittedAt,
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
	}
}

func (t *Task) InfoAsString() string {
	return t.Info().String()
}

func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "task %s", i.ID)
	if i.GroupKey != "" {
		fmt.Fprintf(&b, " group=%s", i.GroupKey)
	}
	fmt.Fprintf(&b, " state=%s worker=%q alive=%t executed=%t", i.State, i.Worker, i.Alive, i.Executed)
	for _, ts := range []struct {
		name string
		t    time.Time
	}{{"submitted", i.SubmittedAt}, {"started", i.StartedAt}, {"finished", i.FinishedAt}} {
		if !ts.t.IsZero() {
			fmt.Fprintf(&b, " %s=%s", ts.name, ts.t.Format(time.RFC3339Nano))
		}
	}
	if i.Err != nil {
		fmt.Fprintf(&b, " err=%q", i.Err.Error())
	}
	return b.String()
}

func (t *Task) String() string {
	return t.InfoAsString()
}

// moveLocked changes the state and returns callbacks to run once the lock is released.
func (t *Task) moveLocked(to State, err error) []func(*Task) {
	if !t.state.canMove(to) {
		return nil
	}
	from := t.state
	t.state = to
	now := time.Now()
	switch {
	case to == StateSubmitted:
		t.submittedAt = now
	case to == StateStarted:
		t.startedAt = now
	}
	if from == StateSubmitted {
		close(t.started)
	}
	if !to.Terminal() {
		return nil
	}
	t.finishedAt = now
	t.err = err
	t.executed = to == StateFinished && err == nil
	close(t.done)
	callbacks := t.onDone
	t.onDone = nil
	return callbacks
}

func (t *Task) move(to State, err error) bool {
	t.mu.Lock()
	ok := t.state.canMove(to)
	callbacks := t.moveLocked(to, err)
	t.mu.Unlock()
	t.runCallbacks(callbacks)
	return ok
}

func (t *Task) runCallbacks(callbacks []func(*Task)) {
	for _, fn := range callbacks {
		fn(t)
	}
}

func (t *Task) attach(worker string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.worker = worker
	t.alive = true
}

func (t *Task) detach() {
	t.mu.Lock()
	t.alive = false
	t.mu.Unlock()
	close(t.exited)
}

// skip terminates a task that never got a worker.
func (t *Task) skip(err error) {
	t.move(StateSkipped, err)
	close(t.exited)
}

// start moves a submitted task to STARTED. A task killed before it started passes
// through STARTED into KILLED and start returns false.
func (t *Task) start() bool {
	t.mu.Lock()
	callbacks := t.moveLocked(StateStarted, nil)
	if t.killRequested {
		callbacks = append(callbacks, t.moveLocked(StateKilled, ErrKilled)...)
	}
	ok := t.state == StateStarted
	t.mu.Unlock()
	t.runCallbacks(callbacks)
	return ok
}

// complete records the body outcome unless the task was already terminated.
func (t *Task) complete(err error) {
	t.mu.Lock()
	to := StateFinished
	if err != nil && t.interruptRequested {
		to = StateInterrupted
	}
	callbacks := t.moveLocked(to, err)
	t.mu.Unlock()
	t.runCallbacks(callbacks)
}

func (t *Task) carry(result chan<- error) {
	defer func() {
		if r := recover(); r != nil {
			result <- fmt.Errorf("task %s panicked: %v", t.id, r)
		}
	}()
	result <- t.body(t.ctx, t)
}

// Sleep pauses the body for d. It returns early with the cause when the task is
// interrupted or killed.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
