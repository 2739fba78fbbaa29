package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

var ErrCommandNotStarted = errors.New("command not started")

// waitDelay bounds the time Wait spends on I/O after the process was signaled.
const waitDelay = time.Second

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Env     []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Runner runs an external program as a task body. Interrupt sends os.Interrupt to the
// process and Kill kills it, so a killed task does not leave the program behind.
type Runner struct {
	proto      Command
	stderrFunc StderrFunc

	mx     sync.RWMutex
	result Result
	done   chan struct{}
}

func NewRunner(proto Command, stderrFunc StderrFunc) *Runner {
	return &Runner{
		proto:      proto,
		stderrFunc: stderrFunc,
		result:     Result{Err: ErrCommandNotStarted},
		done:       make(chan struct{}),
	}
}

// Body runs the command once. A Runner can serve as the body of a single task.
func (r *Runner) Body(ctx context.Context, t *Task) error {
	defer close(r.done)
	proto := r.proto
	res := Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Env:  append([]string(nil), proto.Env...),
	}

	if proto.Timeout == 0 {
		logger.Warn(ctx, "command has no timeout", nil, "path", proto.Path)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, res.Path, res.Args...)
	cmd.Env = res.Env
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = waitDelay

	var stderr io.ReadCloser
	if r.stderrFunc != nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return r.store(res, err)
		}
	}
	var buf bytes.Buffer
	res.Stdout = &buf
	cmd.Stdout = &buf

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		return r.store(res, err)
	}

	stderrDone := make(chan struct{})
	if stderr != nil {
		go func() {
			defer close(stderrDone)
			r.processStderr(ctx, stderr)
		}()
	} else {
		close(stderrDone)
	}

	exited := make(chan struct{})
	go func() {
		select {
		case <-t.Killed():
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				logger.Warn(ctx, "kill process", err, "path", proto.Path, "pid", cmd.Process.Pid)
			}
		case <-exited:
		}
	}()

	<-stderrDone
	err := cmd.Wait()
	close(exited)
	res.Stopped = time.Now().UTC()
	res.State = cmd.ProcessState
	return r.store(res, err)
}

func (r *Runner) store(res Result, err error) error {
	res.Err = err
	r.mx.Lock()
	r.result = res
	r.mx.Unlock()
	return err
}

func (r *Runner) processStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		r.stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		logger.Error(ctx, "processing stderr", err)
	}
}

// Done is closed once the program ended, even when its task was killed meanwhile.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Result returns the last command result, or a result with ErrCommandNotStarted.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}
