package scheduler

import (
	"context"
	"time"

	"petportrait/internal/config"
	"petportrait/internal/service"
)

// MaintenanceJobs returns the reconciler jobs with their configured schedules.
func MaintenanceJobs(cfg config.Config, rec *service.Reconciler) []Job {
	return []Job{
		{
			Name: "purge_files",
			Spec: cfg.CronPurgeFiles,
			Run: func(ctx context.Context) error {
				_, err := rec.PurgeFiles(ctx)
				return err
			},
			Timeout: 10 * time.Minute,
		},
		{
			Name: "cleanup_sessions",
			Spec: cfg.CronCleanupSessions,
			Run: func(ctx context.Context) error {
				_, _, err := rec.CleanupSessions(ctx)
				return err
			},
		},
		{
			Name: "repoll_stale",
			Spec: cfg.CronRepollStale,
			Run: func(ctx context.Context) error {
				_, err := rec.RepollStale(ctx)
				return err
			},
			// 每条记录都可能触发下载
			Timeout: 5 * time.Minute,
		},
		{
			Name: "cleanup_generations",
			Spec: cfg.CronCleanupOld,
			Run: func(ctx context.Context) error {
				_, err := rec.CleanupGenerations(ctx)
				return err
			},
		},
	}
}

// AddAll registers every job, stopping at the first invalid schedule.
func (s *Scheduler) AddAll(jobs []Job) error {
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return err
		}
	}
	return nil
}
