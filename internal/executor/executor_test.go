package executor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Hunter/internal/executor"
	"github.com/CZERTAINLY/Hunter/internal/model"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// blocker returns a body which ignores its context until release is closed.
func blocker(release <-chan struct{}) executor.Body {
	return func(_ context.Context, _ *executor.Task) error {
		<-release
		return nil
	}
}

func waitDone(t *testing.T, task *executor.Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("task did not finish: %s", task.InfoAsString())
	}
}

func TestFinish(t *testing.T) {
	t.Parallel()
	e := executor.New(executor.WithMaxWorkers(2))
	boom := errors.New("boom")

	var testCases = []struct {
		scenario string
		body     executor.Body
		executed bool
		err      error
	}{
		{
			scenario: "success",
			body:     func(context.Context, *executor.Task) error { return nil },
			executed: true,
		},
		{
			scenario: "error",
			body:     func(context.Context, *executor.Task) error { return boom },
			err:      boom,
		},
		{
			scenario: "panic",
			body:     func(context.Context, *executor.Task) error { panic("boom") },
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			task, err := e.Go(tt.body)
			require.NoError(t, err)
			require.NoError(t, task.WaitForFinish(t.Context()))
			require.Equal(t, executor.StateFinished, task.State())
			require.Equal(t, tt.executed, task.WasExecuted())
			require.True(t, task.IsTerminatedThreadNotAlive())
			if tt.executed {
				require.NoError(t, task.Err())
				return
			}
			require.Error(t, task.Err())
			if tt.err != nil {
				require.ErrorIs(t, task.Err(), tt.err)
			}
		})
	}

	require.NoError(t, e.Shutdown(t.Context()))
}

func TestKill(t *testing.T) {
	t.Parallel()
	e := executor.New(executor.WithMaxWorkers(1))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	task, err := e.Go(blocker(release))
	require.NoError(t, err)
	require.NoError(t, task.WaitForStarting(t.Context()))
	require.Equal(t, executor.StateStarted, task.State())
	require.False(t, task.IsTerminatedThreadNotAlive())

	task.Kill()
	require.True(t, task.WaitForTerminatedThreadNotAlive(waitTimeout))
	require.Equal(t, executor.StateKilled, task.State())
	require.False(t, task.WasExecuted())
	require.ErrorIs(t, task.Err(), executor.ErrKilled)

	// the single worker is free again although the body never returned
	next, err := e.Go(func(context.Context, *executor.Task) error { return nil })
	require.NoError(t, err)
	waitDone(t, next)
	require.True(t, next.WasExecuted())

	// killing twice or after termination has no effect
	task.Kill().Interrupt()
	require.Equal(t, executor.StateKilled, task.State())
}

func TestKillLateResult(t *testing.T) {
	t.Parallel()
	e := executor.New()
	release := make(chan struct{})
	returned := make(chan struct{})

	task, err := e.Go(func(_ context.Context, _ *executor.Task) error {
		defer close(returned)
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, task.WaitForStarting(t.Context()))
	task.Kill()
	require.True(t, task.WaitForTerminatedThreadNotAlive(waitTimeout))

	close(release)
	<-returned
	require.Equal(t, executor.StateKilled, task.State())
	require.False(t, task.WasExecuted())
}

func TestKillPending(t *testing.T) {
	t.Parallel()
	e := executor.New(executor.WithMaxWorkers(1))
	release := make(chan struct{})

	first, err := e.Go(blocker(release))
	require.NoError(t, err)
	require.NoError(t, first.WaitForStarting(t.Context()))

	var ran atomic.Bool
	second, err := e.Go(func(context.Context, *executor.Task) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, executor.StateSubmitted, second.State())
	require.Equal(t, 1, e.Pending())

	second.Kill()
	require.True(t, second.WaitForTerminatedThreadNotAlive(waitTimeout))
	require.Equal(t, executor.StateKilled, second.State())
	require.Zero(t, e.Pending())

	close(release)
	waitDone(t, first)
	require.NoError(t, e.Shutdown(t.Context()))
	require.False(t, ran.Load())
}

func TestKillSpinning(t *testing.T) {
	t.Parallel()
	e := executor.New(executor.WithMaxWorkers(1))
	var stop atomic.Bool
	t.Cleanup(func() { stop.Store(true) })

	var spins atomic.Int64
	task, err := e.Go(func(context.Context, *executor.Task) error {
		// never looks at its context
		for !stop.Load() {
			spins.Add(1)
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, task.WaitForStarting(t.Context()))

	task.Interrupt()
	require.False(t, task.WaitForTerminatedThreadNotAlive(20*time.Millisecond))
	require.Equal(t, executor.StateStarted, task.State())

	task.Kill()
	require.True(t, task.WaitForTerminatedThreadNotAlive(waitTimeout))
	require.Equal(t, executor.StateKilled, task.State())
	require.False(t, task.WasExecuted())

	// the body is abandoned, not stopped
	n := spins.Load()
	require.Eventually(t, func() bool { return spins.Load() > n }, waitTimeout, time.Millisecond)
}

func TestInterrupt(t *testing.T) {
	t.Parallel()
	e := executor.New()

	task, err := e.Go(func(ctx context.Context, _ *executor.Task) error {
		return executor.Sleep(ctx, time.Hour)
	})
	require.NoError(t, err)
	require.NoError(t, task.WaitForStarting(t.Context()))

	task.Interrupt()
	require.NoError(t, task.WaitForFinish(t.Context()))
	require.Equal(t, executor.StateInterrupted, task.State())
	require.False(t, task.WasExecuted())
	require.ErrorIs(t, task.Err(), executor.ErrInterrupted)
	require.True(t, task.IsTerminatedThreadNotAlive())
}

func TestInterruptIgnored(t *testing.T) {
	t.Parallel()
	e := executor.New()
	started := make(chan struct{})
	release := make(chan struct{})

	task, err := e.Go(func(_ context.Context, _ *executor.Task) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started
	task.Interrupt()
	close(release)
	require.NoError(t, task.WaitForFinish(t.Context()))
	require.Equal(t, executor.StateFinished, task.State())
	require.True(t, task.WasExecuted())
}

func TestRunOnlyOnce(t *testing.T) {
	t.Parallel()
	e := executor.New(executor.WithUnbounded())

	t.Run("mutual exclusion", func(t *testing.T) {
		var running, peak, runs atomic.Int32
		body := func(ctx context.Context, _ *executor.Task) error {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			runs.Add(1)
			return executor.Sleep(ctx, 5*time.Millisecond)
		}
		never := func() bool { return false }

		tasks := make([]*executor.Task, 8)
		for i := range tasks {
			task, err := e.RunOnlyOnce("exclusive", never, body).Submit()
			require.NoError(t, err)
			tasks[i] = task
		}
		for _, task := range tasks {
			waitDone(t, task)
			require.True(t, task.WasExecuted())
		}
		require.EqualValues(t, 1, peak.Load())
		require.EqualValues(t, len(tasks), runs.Load())
	})

	t.Run("satisfied after first run", func(t *testing.T) {
		var done atomic.Bool
		var runs atomic.Int32
		body := func(ctx context.Context, _ *executor.Task) error {
			runs.Add(1)
			if err := executor.Sleep(ctx, 5*time.Millisecond); err != nil {
				return err
			}
			done.Store(true)
			return nil
		}

		tasks := make([]*executor.Task, 5)
		for i := range tasks {
			task, err := e.RunOnlyOnce("once", done.Load, body).Submit()
			require.NoError(t, err)
			tasks[i] = task
		}
		var executed, skipped int
		for _, task := range tasks {
			waitDone(t, task)
			switch task.State() {
			case executor.StateFinished:
				require.True(t, task.WasExecuted())
				executed++
			case executor.StateSkipped:
				require.False(t, task.WasExecuted())
				skipped++
			default:
				t.Fatalf("unexpected state: %s", task.InfoAsString())
			}
		}
		require.Equal(t, 1, executed)
		require.Equal(t, len(tasks)-1, skipped)
		require.EqualValues(t, 1, runs.Load())
	})

	t.Run("interrupted while waiting for the group", func(t *testing.T) {
		never := func() bool { return false }
		release := make(chan struct{})
		first, err := e.RunOnlyOnce("busy", never, blocker(release)).Submit()
		require.NoError(t, err)
		require.NoError(t, first.WaitForStarting(t.Context()))

		var ran atomic.Bool
		second, err := e.RunOnlyOnce("busy", never, func(context.Context, *executor.Task) error {
			ran.Store(true)
			return nil
		}).Submit()
		require.NoError(t, err)
		require.Equal(t, executor.StateSubmitted, second.State())

		second.Interrupt()
		ctx, cancel := context.WithTimeout(t.Context(), waitTimeout)
		defer cancel()
		require.NoError(t, second.WaitForFinish(ctx))
		require.Equal(t, executor.StateInterrupted, second.State())
		require.ErrorIs(t, second.Err(), executor.ErrInterrupted)
		require.False(t, second.WasExecuted())
		require.True(t, second.IsTerminatedThreadNotAlive())
		require.Equal(t, executor.StateStarted, first.State())

		// the group is not held by the interrupted task
		close(release)
		waitDone(t, first)
		third, err := e.RunOnlyOnce("busy", never, func(context.Context, *executor.Task) error { return nil }).Submit()
		require.NoError(t, err)
		waitDone(t, third)
		require.True(t, third.WasExecuted())
		require.False(t, ran.Load())
	})

	t.Run("skipped at submit", func(t *testing.T) {
		var ran atomic.Bool
		task, err := e.RunOnlyOnce("done", func() bool { return true }, func(context.Context, *executor.Task) error {
			ran.Store(true)
			return nil
		}).Submit()
		require.NoError(t, err)
		require.Equal(t, executor.StateSkipped, task.State())
		require.NoError(t, task.WaitForStarting(t.Context()))
		require.True(t, task.IsTerminatedThreadNotAlive())
		require.False(t, task.WasExecuted())
		require.False(t, ran.Load())
		require.Equal(t, "done", task.GroupKey())
	})
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	e := executor.New()

	task := e.NewTask(func(context.Context, *executor.Task) error { return nil })
	require.Equal(t, executor.StateCreated, task.State())

	var called atomic.Int32
	task.OnDone(func(*executor.Task) { called.Add(1) })

	_, err := task.Submit()
	require.NoError(t, err)
	_, err = e.Submit(task)
	require.ErrorIs(t, err, executor.ErrAlreadySubmitted)

	waitDone(t, task)
	require.NoError(t, task.WaitForFinish(t.Context()))
	require.EqualValues(t, 1, called.Load())

	// registered after termination, called immediately
	task.OnDone(func(*executor.Task) { called.Add(1) })
	require.EqualValues(t, 2, called.Load())

	info := task.Info()
	require.Equal(t, executor.StateFinished, info.State)
	require.NotEmpty(t, info.Worker)
	require.False(t, info.FinishedAt.Before(info.StartedAt))
	require.Contains(t, task.InfoAsString(), "state=FINISHED")

	other := executor.New()
	_, err = other.Submit(e.NewTask(func(context.Context, *executor.Task) error { return nil }))
	require.Error(t, err)
}

func TestMaxWorkers(t *testing.T) {
	t.Parallel()
	const limit = 2
	e := executor.New(executor.WithMaxWorkers(limit))

	var mx sync.Mutex
	var running, peak int
	body := func(ctx context.Context, _ *executor.Task) error {
		mx.Lock()
		running++
		peak = max(peak, running)
		mx.Unlock()
		defer func() {
			mx.Lock()
			running--
			mx.Unlock()
		}()
		return executor.Sleep(ctx, 2*time.Millisecond)
	}

	tasks := make([]*executor.Task, 10)
	for i := range tasks {
		task, err := e.Go(body)
		require.NoError(t, err)
		tasks[i] = task
	}
	require.NoError(t, e.Shutdown(t.Context()))
	for _, task := range tasks {
		require.True(t, task.WasExecuted())
	}
	require.LessOrEqual(t, peak, limit)
	require.Zero(t, e.Running())
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	t.Run("rejects new tasks", func(t *testing.T) {
		e := executor.New()
		require.NoError(t, e.Shutdown(t.Context()))
		require.True(t, e.Closed())
		task, err := e.Go(func(context.Context, *executor.Task) error { return nil })
		require.ErrorIs(t, err, model.ErrExecutorClosed)
		require.Equal(t, executor.StateCreated, task.State())
	})

	t.Run("deadline", func(t *testing.T) {
		e := executor.New(executor.WithMaxWorkers(1))
		running, err := e.Go(func(ctx context.Context, _ *executor.Task) error {
			<-ctx.Done()
			return context.Cause(ctx)
		})
		require.NoError(t, err)
		require.NoError(t, running.WaitForStarting(t.Context()))
		pending, err := e.Go(func(context.Context, *executor.Task) error { return nil })
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		err = e.Shutdown(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		require.Equal(t, executor.StateSkipped, pending.State())
		require.ErrorIs(t, pending.Err(), model.ErrExecutorClosed)
		require.True(t, pending.IsTerminatedThreadNotAlive())

		require.True(t, running.WaitForTerminatedThreadNotAlive(waitTimeout))
		require.Equal(t, executor.StateInterrupted, running.State())
	})
}

func TestSleep(t *testing.T) {
	t.Parallel()
	require.NoError(t, executor.Sleep(t.Context(), time.Millisecond))

	ctx, cancel := context.WithCancelCause(t.Context())
	cause := errors.New("stop")
	cancel(cause)
	require.ErrorIs(t, executor.Sleep(ctx, time.Hour), cause)
}
