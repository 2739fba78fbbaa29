package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CZERTAINLY/Hunter/internal/model"
	"github.com/CZERTAINLY/Hunter/internal/scan"
)

// Job is a named scan configuration. It is safe for concurrent use.
type Job struct {
	name string

	mx          sync.Mutex
	cfg         model.Scan
	lastStarted time.Time
	runs        int
}

func NewJob(name string, cfg model.Scan) (*Job, error) {
	if name == "" {
		return nil, errors.New("job name is empty")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &Job{name: name, cfg: cfg}, nil
}

func (j *Job) Name() string {
	return j.name
}

func (j *Job) Config() model.Scan {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.cfg
}

// Configure replaces the scan configuration. Runs already started keep the old one.
func (j *Job) Configure(cfg model.Scan) error {
	if err := validate(cfg); err != nil {
		return err
	}
	j.mx.Lock()
	j.cfg = cfg
	j.mx.Unlock()
	return nil
}

// Runs returns how many times the job has been started.
func (j *Job) Runs() int {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.runs
}

func (j *Job) begin() model.Scan {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.lastStarted = time.Now()
	j.runs++
	return j.cfg
}

func (j *Job) startedAfter(t time.Time) bool {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.lastStarted.After(t)
}

func validate(cfg model.Scan) error {
	c, err := scan.FromModel(cfg)
	if err != nil {
		return fmt.Errorf("invalid scan configuration: %w", err)
	}
	return c.Close()
}
