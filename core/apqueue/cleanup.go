package apqueue

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

type CleanupStats struct {
	TotalJobs     int
	RemovedJobs   int
	FailedCleanup int
	Duration      time.Duration
}

// CleanupCompletedJobs removes delivered jobs older than retention.
func (q *Queue) CleanupCompletedJobs(retention time.Duration) (*CleanupStats, error) {
	startTime := time.Now()
	stats := &CleanupStats{}
	cutoff := startTime.Add(-retention).UnixMilli()

	kvs, err := q.db.GetByPrefix(q.getQueueKeyPrefix(jobComplete))
	if err != nil {
		return nil, err
	}

	for _, kv := range kvs {
		stats.TotalJobs++

		job, err := decodeJob(kv.Value)
		if err != nil {
			q.logger.Error("failed to decode job during cleanup", "key", string(kv.Key), "error", err)
			stats.FailedCleanup++
			continue
		}
		if job.EnqueuedAt > cutoff {
			continue
		}

		if err := q.db.Delete(kv.Key); err != nil {
			q.logger.Error("failed to remove completed job", "job_id", job.ID, "error", err)
			stats.FailedCleanup++
			continue
		}
		stats.RemovedJobs++
	}

	stats.Duration = time.Since(startTime)
	q.logger.Debug("completed jobs cleanup",
		"total_jobs", stats.TotalJobs,
		"removed_jobs", stats.RemovedJobs,
		"failed_cleanup", stats.FailedCleanup,
		"duration_ms", stats.Duration.Milliseconds())

	return stats, nil
}

// SchedulePeriodicCleanup starts the queue's scheduler: delivered jobs older
// than retention are removed every interval, and due retries are promoted
// back to pending every RetryBackoff. Stop shuts it down.
func (q *Queue) SchedulePeriodicCleanup(interval, retention time.Duration) error {
	if q.scheduler != nil {
		return errors.New("queue maintenance already scheduled")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize queue scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := q.CleanupCompletedJobs(retention); err != nil {
				q.logger.Error("periodic cleanup failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create cleanup job: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(q.retryBackoff),
		gocron.NewTask(func() {
			if n, err := q.PromoteDueRetries(); err != nil {
				q.logger.Error("retry promotion failed", "error", err)
			} else if n > 0 {
				q.logger.Debug("retrying jobs", "count", n)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create retry job: %w", err)
	}

	q.scheduler = scheduler
	scheduler.Start()
	return nil
}
