package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Hunter/internal/model"
	"github.com/CZERTAINLY/Hunter/internal/service"
)

type recorder struct {
	mx   sync.Mutex
	boms [][]byte
	err  error
}

func (r *recorder) Upload(_ context.Context, raw []byte) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.err != nil {
		return r.err
	}
	r.boms = append(r.boms, raw)
	return nil
}

func (r *recorder) count() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.boms)
}

func TestSupervisor(t *testing.T) {
	t.Parallel()
	a, b := t.TempDir(), t.TempDir()
	tree(t, a)
	tree(t, b)

	cfg := model.DefaultConfig()
	s, err := service.NewSupervisor(t.Context(), cfg)
	require.NoError(t, err)
	rec := &recorder{}
	s.WithUploaders(t.Context(), rec)

	require.NoError(t, s.AddJob(t.Context(), "a", scanConfig(a)))
	require.NoError(t, s.AddJob(t.Context(), "b", scanConfig(b)))

	require.NoError(t, s.Do(t.Context()))
	require.Equal(t, 2, rec.count())

	for _, name := range []string{"a", "b"} {
		j, ok := s.Job(name)
		require.True(t, ok)
		require.Equal(t, 1, j.Runs())
	}
}

func TestSupervisorUploadError(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	tree(t, root)

	s, err := service.NewSupervisor(t.Context(), model.DefaultConfig())
	require.NoError(t, err)
	boom := errors.New("boom")
	s.WithUploaders(t.Context(), &recorder{err: boom})
	require.NoError(t, s.AddJob(t.Context(), "a", scanConfig(root)))

	err = s.Do(t.Context())
	require.ErrorIs(t, err, boom)
}

func TestSupervisorNoJobs(t *testing.T) {
	t.Parallel()
	s, err := service.NewSupervisor(t.Context(), model.DefaultConfig())
	require.NoError(t, err)
	s.WithUploaders(t.Context())
	require.NoError(t, s.Do(t.Context()))
}

func TestSupervisorJobs(t *testing.T) {
	t.Parallel()
	s, err := service.NewSupervisor(t.Context(), model.DefaultConfig())
	require.NoError(t, err)
	s.WithUploaders(t.Context())

	cfg := scanConfig(t.TempDir())
	require.NoError(t, s.AddJob(t.Context(), "a", cfg))
	require.Error(t, s.AddJob(t.Context(), "a", cfg))
	require.Error(t, s.AddJob(t.Context(), "", cfg))

	bad := cfg
	bad.Traversal = "sideways"
	require.Error(t, s.AddJob(t.Context(), "b", bad))
	require.Error(t, s.ConfigureJob(t.Context(), "a", bad))
	require.Error(t, s.ConfigureJob(t.Context(), "unknown", cfg))

	cfg.Exclude = []string{"**/*.log"}
	require.NoError(t, s.ConfigureJob(t.Context(), "a", cfg))
	j, ok := s.Job("a")
	require.True(t, ok)
	require.Equal(t, []string{"**/*.log"}, j.Config().Exclude)
}

func TestSupervisorTimer(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	tree(t, root)

	cfg := model.DefaultConfig()
	cfg.Service.Mode = model.ServiceModeTimer
	cfg.Service.Schedule = &model.TimerSchedule{Duration: "PT1S"}
	s, err := service.NewSupervisor(t.Context(), cfg)
	require.NoError(t, err)
	rec := &recorder{}
	s.WithUploaders(t.Context(), rec)
	require.NoError(t, s.AddJob(t.Context(), "a", scanConfig(root)))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- s.Do(ctx)
	}()

	require.Eventually(t, func() bool {
		return rec.count() >= 2
	}, 10*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	j, _ := s.Job("a")
	require.GreaterOrEqual(t, j.Runs(), 2)
}

func TestSupervisorTimerConfig(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		schedule *model.TimerSchedule
	}{
		{scenario: "no schedule"},
		{scenario: "empty schedule", schedule: &model.TimerSchedule{}},
		{scenario: "bad cron", schedule: &model.TimerSchedule{Cron: "* * 32 * *"}},
		{scenario: "bad duration", schedule: &model.TimerSchedule{Duration: "1h"}},
		{scenario: "zero duration", schedule: &model.TimerSchedule{Duration: "PT0S"}},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := model.DefaultConfig()
			cfg.Service.Mode = model.ServiceModeTimer
			cfg.Service.Schedule = tt.schedule
			_, err := service.NewSupervisor(t.Context(), cfg)
			require.Error(t, err)
		})
	}
}
