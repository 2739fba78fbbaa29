package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Hunter/internal/model"
)

// newScheduler creates a gocron scheduler calling startFunc on the cron expression or
// the ISO 8601 duration of cfgp. Runs of startFunc never overlap.
func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, errors.New("service.schedule is nil")
	}
	cfg := *cfgp
	var def gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		every, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		def = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "interval", every.String())
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("service.schedule.duration must be positive, got %s", cfg.Duration)
		}
		def = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		def,
		gocron.NewTask(startFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
