/*
scheduler.go - Background job scheduler

PURPOSE:
  Runs the periodic maintenance jobs of the ledger: the expiration sweep
  and the daily report export.

DESIGN:
  - One goroutine per job with its own ticker
  - A job may also run once immediately on Start
  - Job errors are logged and swallowed; the next tick retries
  - Jobs never overlap with themselves, including manual runs started
    through RunNow

CONFIGURATION:
  Job.Interval:   How often to run
  Job.RunOnStart: Run once when the scheduler starts

USAGE:
  s := NewScheduler(logger,
      Job{Name: "sweep", Interval: 10 * time.Minute, RunOnStart: true, Fn: sweeper.Run},
      Job{Name: "report", Interval: 24 * time.Hour, Fn: generator.Run},
  )
  s.Start(ctx)
  ran, err := s.RunNow("sweep", func() error { ... })
  // ... later
  s.Stop()

SEE ALSO:
  - visit/sweeper.go: Sweeper.Run
  - report/report.go: Generator.Run
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Names of the jobs main registers. Handlers use them for manual runs.
const (
	JobSweep  = "sweep"
	JobReport = "report"
)

// Job is a named periodic task.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Fn         func(ctx context.Context) error
}

// Scheduler runs jobs until stopped.
type Scheduler struct {
	jobs []Job
	log  *zap.Logger

	mu      sync.Mutex
	running map[string]*sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. Jobs with a non-positive interval or no
// Fn never tick but still own a slot for RunNow.
func NewScheduler(log *zap.Logger, jobs ...Job) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		log:     log.Named("scheduler"),
		running: make(map[string]*sync.Mutex),
	}
	for _, j := range jobs {
		s.running[j.Name] = &sync.Mutex{}
		if j.Interval <= 0 || j.Fn == nil {
			s.log.Info("job disabled", zap.String("job", j.Name))
			continue
		}
		s.jobs = append(s.jobs, j)
	}
	return s
}

// Start launches the jobs. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
		s.log.Info("job started", zap.String("job", j.Name), zap.Duration("interval", j.Interval))
	}
}

// Stop cancels the jobs and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// RunNow runs fn synchronously in the named job's slot. It reports false
// without calling fn when the job is unknown or a run of it, scheduled or
// manual, is in progress.
func (s *Scheduler) RunNow(name string, fn func() error) (bool, error) {
	lock, ok := s.running[name]
	if !ok || !lock.TryLock() {
		return false, nil
	}
	defer lock.Unlock()
	return true, fn()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()

	if j.RunOnStart {
		s.runOnce(ctx, j)
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	lock := s.running[j.Name]
	if !lock.TryLock() {
		s.log.Debug("job still running, skipping", zap.String("job", j.Name))
		return
	}
	defer lock.Unlock()

	start := time.Now()
	if err := j.Fn(ctx); err != nil {
		s.log.Error("job failed", zap.String("job", j.Name), zap.Error(err))
		return
	}
	s.log.Debug("job finished", zap.String("job", j.Name), zap.Duration("took", time.Since(start)))
}
