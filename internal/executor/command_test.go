package executor_test

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Hunter/internal/executor"
	"github.com/stretchr/testify/require"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	yes, err := exec.LookPath("yes")
	if err != nil {
		t.Skipf("skipped, binary yes not available: %v", err)
	}

	e := executor.New()
	runner := executor.NewRunner(executor.Command{
		Path:    yes,
		Args:    []string{"golang"},
		Env:     []string{"LC_ALL=C"},
		Timeout: 100 * time.Millisecond,
	}, nil)
	t.Run("not yet started", func(t *testing.T) {
		require.ErrorIs(t, runner.Result().Err, executor.ErrCommandNotStarted)
	})

	task, err := e.Go(runner.Body)
	require.NoError(t, err)
	require.NoError(t, task.WaitForFinish(t.Context()))
	<-runner.Done()

	res := runner.Result()
	require.Equal(t, yes, res.Path)
	require.Equal(t, []string{"golang"}, res.Args)
	require.NotZero(t, res.Started)
	require.NotZero(t, res.Stopped)
	require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
	var exitErr *exec.ExitError
	require.ErrorAs(t, res.Err, &exitErr)
	require.Greater(t, res.Stdout.Len(), 1024)
	require.True(t, strings.HasPrefix(
		string(res.Stdout.Bytes()[:256]),
		"golang\ngolang\n",
	))
	require.Equal(t, executor.StateFinished, task.State())
	require.False(t, task.WasExecuted())
}

func TestRunnerExecError(t *testing.T) {
	t.Parallel()
	e := executor.New()
	noCmd := executor.Command{Path: "does not exist", Timeout: time.Second}
	runner := executor.NewRunner(noCmd, nil)

	task, err := e.Go(runner.Body)
	require.NoError(t, err)
	require.NoError(t, task.WaitForFinish(t.Context()))

	var execErr *exec.Error
	require.ErrorAs(t, task.Err(), &execErr)
	require.Equal(t, noCmd.Path, execErr.Name)
	require.ErrorAs(t, runner.Result().Err, &execErr)
}

func TestRunnerStderr(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	var stderr []string
	handle := func(_ context.Context, line string) {
		stderr = append(stderr, line)
	}
	runner := executor.NewRunner(executor.Command{
		Path:    sh,
		Args:    []string{"-c", "echo stdout; echo stderr 1>&2; echo stderr 1>&2"},
		Timeout: 5 * time.Second,
	}, handle)

	task, err := executor.New().Go(runner.Body)
	require.NoError(t, err)
	require.NoError(t, task.WaitForFinish(t.Context()))
	require.True(t, task.WasExecuted())
	require.Equal(t, "stdout\n", runner.Result().Stdout.String())
	require.Equal(t, []string{"stderr", "stderr"}, stderr)
}

func TestRunnerKill(t *testing.T) {
	t.Parallel()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("skipped, binary sleep not available: %v", err)
	}

	runner := executor.NewRunner(executor.Command{
		Path:    sleep,
		Args:    []string{"30"},
		Timeout: time.Minute,
	}, nil)
	task, err := executor.New().Go(runner.Body)
	require.NoError(t, err)
	require.NoError(t, task.WaitForStarting(t.Context()))

	task.Kill()
	require.True(t, task.WaitForTerminatedThreadNotAlive(waitTimeout))
	require.False(t, task.WasExecuted())

	select {
	case <-runner.Done():
	case <-time.After(waitTimeout):
		t.Fatal("process survived the kill")
	}
	res := runner.Result()
	require.Error(t, res.Err)
	if res.State != nil {
		require.False(t, res.State.Success())
		require.Less(t, res.Stopped.Sub(res.Started), 30*time.Second)
	}
}
