package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/puzpuzpuz/xsync/v3"

	cdx "github.com/CycloneDX/cyclonedx-go"

	"github.com/CZERTAINLY/Hunter/internal/bom"
	"github.com/CZERTAINLY/Hunter/internal/executor"
	"github.com/CZERTAINLY/Hunter/internal/log"
	"github.com/CZERTAINLY/Hunter/internal/model"
	"github.com/CZERTAINLY/Hunter/internal/scan"
)

// shutdownTimeout bounds how long Do waits for interrupted jobs on exit.
const shutdownTimeout = 30 * time.Second

// Result is the outcome of one job run.
type Result struct {
	Job string
	BOM []byte
	Err error
}

type reportFunc func(ctx context.Context, cfg model.Scan) ([]byte, error)

type Supervisor struct {
	jobsExec  *executor.Executor
	scanExec  *executor.Executor
	scanner   *scan.Scanner
	report    reportFunc
	validator bom.Validator
	uploaders []Uploader
	oneshot   bool
	scheduler gocron.Scheduler

	start   chan string
	results chan Result
	skipped chan string
	done    chan struct{}

	jobsMx sync.Mutex
	jobs   map[string]*Job
	active *xsync.MapOf[string, *executor.Task]
}

func NewSupervisor(ctx context.Context, cfg model.Config) (*Supervisor, error) {
	svcCfg := cfg.Service
	uploaders, err := uploaders(ctx, svcCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}
	validator, err := bom.NewValidator(cdx.SpecVersion1_6)
	if err != nil {
		return nil, fmt.Errorf("initializing BOM validator: %w", err)
	}

	s := &Supervisor{
		jobsExec:  executor.New(executor.WithName("hunter-jobs"), executor.WithUnbounded()),
		scanExec:  executor.New(executor.WithName("hunter-scan"), executor.WithMaxWorkers(cfg.Executor.MaxWorkers)),
		validator: validator,
		uploaders: uploaders,
		oneshot:   svcCfg.Mode == model.ServiceModeManual,
		start:     make(chan string, 1),
		results:   make(chan Result),
		skipped:   make(chan string),
		done:      make(chan struct{}),
		jobs:      make(map[string]*Job),
		active:    xsync.NewMapOf[string, *executor.Task](),
	}
	s.scanner = scan.New(s.scanExec)
	s.report = func(ctx context.Context, cfg model.Scan) ([]byte, error) {
		return Report(ctx, s.scanner, cfg)
	}

	if svcCfg.Mode == model.ServiceModeTimer {
		s.scheduler, err = newScheduler(ctx, svcCfg.Schedule, func() { s.Start("**") })
		if err != nil {
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	}
	return s, nil
}

// WithUploaders replaces the uploaders of an initialized Supervisor.
func (s *Supervisor) WithUploaders(ctx context.Context, uploaders ...Uploader) *Supervisor {
	s.closeUploaders(ctx)
	s.uploaders = uploaders
	return s
}

// Scanner returns the scanner shared by all jobs.
func (s *Supervisor) Scanner() *scan.Scanner {
	return s.scanner
}

// AddJob registers a new job. A name can be registered only once.
func (s *Supervisor) AddJob(ctx context.Context, name string, cfg model.Scan) error {
	j, err := NewJob(name, cfg)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	s.jobsMx.Lock()
	defer s.jobsMx.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s: already added", name)
	}
	s.jobs[name] = j
	slog.InfoContext(ctx, "job added", "job_name", name)
	return nil
}

// ConfigureJob changes the configuration of an added job. It applies from the next run.
func (s *Supervisor) ConfigureJob(_ context.Context, name string, cfg model.Scan) error {
	j, ok := s.job(name)
	if !ok {
		return fmt.Errorf("job %s: not added", name)
	}
	return j.Configure(cfg)
}

// Job returns an added job.
func (s *Supervisor) Job(name string) (*Job, bool) {
	return s.job(name)
}

func (s *Supervisor) job(name string) (*Job, bool) {
	s.jobsMx.Lock()
	defer s.jobsMx.Unlock()
	j, ok := s.jobs[name]
	return j, ok
}

// Start asks the supervisor to run a job, "**" runs all of them. It is a hint: it does
// not wait for the job and it is dropped once Do has returned.
func (s *Supervisor) Start(name string) {
	select {
	case s.start <- name:
	case <-s.done:
	}
}

// Do runs the supervisor event loop. It multiplexes start triggers, finished runs
// (validated and uploaded) and the context cancellation.
//
// In the manual mode all jobs are started on entry and Do returns the joined errors once
// each run has finished. Otherwise errors are only logged and Do returns nil when ctx is
// done. On exit the running jobs are interrupted, both executors are shut down and the
// uploaders closed.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "oneshot", s.oneshot)
	defer s.close(ctx)

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	var pending int
	var errs []error
	if s.oneshot {
		pending = s.callStart(ctx, "**")
		if pending == 0 {
			slog.WarnContext(ctx, "no job to run")
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			if s.oneshot {
				return errors.Join(append(errs, ctx.Err())...)
			}
			return nil
		case name := <-s.start:
			pending += s.callStart(ctx, name)
		case name := <-s.skipped:
			slog.DebugContext(ctx, "run skipped: covered by another one", "job_name", name)
			pending--
		case result := <-s.results:
			err := s.handle(ctx, result)
			if !s.oneshot {
				if err != nil {
					slog.ErrorContext(ctx, "job failed", "job_name", result.Job, "error", err)
				}
				continue
			}
			errs = append(errs, err)
			pending--
		}
		if s.oneshot && pending <= 0 {
			return errors.Join(errs...)
		}
	}
}

// callStart submits a run of each job matching name and returns how many were submitted.
func (s *Supervisor) callStart(ctx context.Context, name string) int {
	var jobs []*Job
	s.jobsMx.Lock()
	if name == "**" {
		slog.DebugContext(ctx, "triggering all jobs")
		for _, j := range s.jobs {
			jobs = append(jobs, j)
		}
	} else if j, ok := s.jobs[name]; ok {
		jobs = append(jobs, j)
	}
	s.jobsMx.Unlock()

	if len(jobs) == 0 && name != "**" {
		slog.WarnContext(ctx, "cannot start job: not known", "job_name", name)
	}

	var n int
	for _, j := range jobs {
		if err := s.submit(ctx, j); err != nil {
			slog.ErrorContext(ctx, "cannot start job", "job_name", j.Name(), "error", err)
			continue
		}
		n++
	}
	return n
}

func (s *Supervisor) submit(ctx context.Context, j *Job) error {
	requested := time.Now()
	task := s.jobsExec.RunOnlyOnce(
		"job:"+j.Name(),
		func() bool { return j.startedAfter(requested) },
		s.run(j),
	)
	task.OnDone(func(t *executor.Task) {
		s.active.Delete(t.ID())
		if t.State() == executor.StateSkipped && t.Err() == nil {
			go func() {
				select {
				case s.skipped <- j.Name():
				case <-s.done:
				}
			}()
		}
	})
	s.active.Store(task.ID(), task)
	slog.DebugContext(ctx, "starting a job", "job_name", j.Name(), "task", task.ID())
	if _, err := task.Submit(); err != nil {
		s.active.Delete(task.ID())
		return err
	}
	return nil
}

func (s *Supervisor) run(j *Job) executor.Body {
	return func(ctx context.Context, t *executor.Task) error {
		ctx = log.ContextAttrs(ctx, slog.String("job_name", j.Name()), slog.String("task", t.ID()))
		cfg := j.begin()
		slog.InfoContext(ctx, "job started")
		raw, err := s.report(ctx, cfg)
		select {
		case s.results <- Result{Job: j.Name(), BOM: raw, Err: err}:
		case <-s.done:
		}
		return err
	}
}

func (s *Supervisor) handle(ctx context.Context, result Result) error {
	if result.Err != nil {
		return fmt.Errorf("job %s: %w", result.Job, result.Err)
	}
	if err := s.validator.ValidateBytes(ctx, result.BOM); err != nil {
		return fmt.Errorf("job %s: %w", result.Job, err)
	}
	slog.DebugContext(ctx, "scan succeeded: uploading", "job_name", result.Job)
	if err := s.upload(ctx, result.BOM); err != nil {
		return fmt.Errorf("job %s: upload: %w", result.Job, err)
	}
	return nil
}

func (s *Supervisor) upload(ctx context.Context, raw []byte) error {
	var errs []error
	for _, u := range s.uploaders {
		if err := u.Upload(ctx, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) close(ctx context.Context) {
	close(s.done)

	s.active.Range(func(_ string, t *executor.Task) bool {
		if t.State() == executor.StateStarted {
			t.Interrupt()
		} else {
			t.Kill()
		}
		return true
	})

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.jobsExec.Shutdown(stopCtx); err != nil {
		slog.ErrorContext(ctx, "shutting down jobs", "error", err)
	}
	if err := s.scanExec.Shutdown(stopCtx); err != nil {
		slog.ErrorContext(ctx, "shutting down scan executor", "error", err)
	}
	s.closeUploaders(ctx)
}

func (s *Supervisor) closeUploaders(ctx context.Context) {
	for _, uploader := range s.uploaders {
		if closer, ok := uploader.(UploadCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
}
