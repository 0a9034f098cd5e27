// Package scheduler runs the periodic maintenance jobs on a cron.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"
)

// Job is one named unit of periodic work.
type Job struct {
	Name string
	// Spec is a cron expression or descriptor such as "@every 5m".
	Spec string
	Run  func(ctx context.Context) error
	// Timeout bounds a single run; zero means one minute.
	Timeout time.Duration
}

// Scheduler wraps cron with per-job logging and overlap protection.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.Map
	wg      sync.WaitGroup
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: cron.New(), ctx: ctx, cancel: cancel}
}

// Add registers job. Jobs with an empty spec are skipped.
func (s *Scheduler) Add(job Job) error {
	spec := strings.TrimSpace(job.Spec)
	if spec == "" || spec == "-" {
		logrus.WithField("job", job.Name).Info("cron_job_disabled")
		return nil
	}
	if job.Run == nil {
		return fmt.Errorf("cron job %s has no run function", job.Name)
	}
	if err := s.cron.AddFunc(spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, spec, err)
	}
	logrus.WithFields(logrus.Fields{"job": job.Name, "spec": spec}).Info("cron_job_scheduled")
	return nil
}

// run executes job unless a previous run is still in progress.
func (s *Scheduler) run(job Job) {
	if _, busy := s.running.LoadOrStore(job.Name, struct{}{}); busy {
		logrus.WithField("job", job.Name).Warn("cron_job_skipped_overlap")
		return
	}
	s.wg.Add(1)
	defer func() {
		s.running.Delete(job.Name)
		s.wg.Done()
	}()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	started := time.Now()
	logger := logrus.WithField("job", job.Name)
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("cron_job_panic")
		}
	}()
	if err := job.Run(ctx); err != nil {
		logger.WithError(err).WithField("duration_ms", time.Since(started).Milliseconds()).Error("cron_job_failed")
		return
	}
	logger.WithField("duration_ms", time.Since(started).Milliseconds()).Debug("cron_job_done")
}

// RunNow executes a job synchronously, bypassing the schedule.
func (s *Scheduler) RunNow(job Job) {
	s.run(job)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.cancel()
	s.wg.Wait()
}
