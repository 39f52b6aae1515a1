package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/leaseflow/pkg/events"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = time.Hour
	DefaultBatchSize   = 100
)

// RequeueConfig tunes the advisory retry backoff.
type RequeueConfig struct {
	BaseDelay time.Duration `toml:"base_delay" envconfig:"base_delay"`
	MaxDelay  time.Duration `toml:"max_delay" envconfig:"max_delay"`
}

// Requeuer puts a failed or expired task back in the queue.
type Requeuer interface {
	RequeueTask(ctx context.Context, taskID string) (bool, error)
}

// RequeueService decides retry eligibility and moves tasks back to QUEUED
// or to PERMANENTLY_FAILED.
type RequeueService struct {
	deps Deps
	cfg  RequeueConfig
}

func NewRequeueService(deps Deps, cfg RequeueConfig) *RequeueService {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBackoffBase
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultBackoffMax
	}
	return &RequeueService{deps: deps.withDefaults(), cfg: cfg}
}

// BackoffDelay returns min(base * 2^retryCount, max).
func (s *RequeueService) BackoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	b := &backoff.Backoff{
		Min:    s.cfg.BaseDelay,
		Max:    s.cfg.MaxDelay,
		Factor: 2,
		Jitter: false,
	}
	return b.ForAttempt(float64(retryCount))
}

// RequeueTask returns true when the task is (or already was) QUEUED and
// false when its retries are exhausted and it was moved to
// PERMANENTLY_FAILED. Only FAILED, EXPIRED and QUEUED tasks are accepted.
func (s *RequeueService) RequeueTask(ctx context.Context, taskID string) (bool, error) {
	if taskID == "" {
		return false, errors.Wrap(ErrInvalidArgument, "task id is required")
	}

	var (
		requeued  bool
		unchanged bool
		updated   models.Task
		delay     time.Duration
		revoked   int
	)
	now := s.deps.Clock.Now().UTC()
	err := withTx(s.deps.Store, s.deps.Logger, "RequeueTask", func(tx storage.Store) error {
		task, err := tx.GetTaskForUpdate(taskID)
		if err != nil {
			return errors.Wrapf(err, "get task %s", taskID)
		}
		switch task.Status {
		case models.QueuedTaskStatus:
			requeued, unchanged = true, true
			return nil
		case models.FailedTaskStatus, models.ExpiredTaskStatus:
		default:
			return errors.Wrapf(ErrInvalidState, "task %s is %s", taskID, task.Status)
		}

		leases, err := tx.ListUnrevokedLeasesForTask(taskID)
		if err != nil {
			return errors.Wrapf(err, "list leases for task %s", taskID)
		}
		reason := "task_requeued"
		if !task.CanRetry() {
			reason = "task_permanently_failed"
		}
		for _, lease := range leases {
			lease.Revoke(now, reason)
			if err := tx.UpdateLease(lease); err != nil {
				return errors.Wrapf(err, "revoke lease %s", lease.ID)
			}
			revoked++
		}

		task.AssignedPeerID = nil
		task.UpdatedAt = now
		if !task.CanRetry() {
			msg := fmt.Sprintf("exceeded max retries (%d/%d)", task.RetryCount, task.MaxRetries)
			task.Status = models.PermanentlyFailedTaskStatus
			task.ErrorMessage = &msg
			task.NextAttemptAt = nil
			task.CompletedAt = &now
		} else {
			delay = s.BackoffDelay(task.RetryCount)
			next := now.Add(delay)
			task.RetryCount++
			task.Status = models.QueuedTaskStatus
			task.NextAttemptAt = &next
			requeued = true
		}
		if err := tx.UpdateTask(task); err != nil {
			return errors.Wrapf(err, "update task %s", taskID)
		}
		updated = task
		return nil
	})
	if err != nil {
		s.deps.Logger.Errorf("Failed to requeue task %s: %v", taskID, err)
		return false, err
	}
	if unchanged {
		s.deps.Logger.Debugf("Task %s already queued, nothing to do", taskID)
		return true, nil
	}

	if !requeued {
		s.deps.Logger.Warnf("Task %s permanently failed after %d/%d retries, revoked %d leases",
			taskID, updated.RetryCount, updated.MaxRetries, revoked)
		s.deps.Events.Publish(events.EventTaskPermanentlyFailed, map[string]interface{}{
			"taskId":     taskID,
			"retryCount": updated.RetryCount,
		})
		return false, nil
	}

	s.deps.Logger.Infof("Requeued task %s (retry %d/%d, backoff %s, revoked %d leases)",
		taskID, updated.RetryCount, updated.MaxRetries, delay, revoked)
	s.deps.Events.Publish(events.EventTaskRequeued, map[string]interface{}{
		"taskId":       taskID,
		"retryCount":   updated.RetryCount,
		"backoffDelay": delay.Seconds(),
	})
	return true, nil
}

// RequeueExpiredTasks requeues EXPIRED tasks that still have retries left,
// skipping any that fail individually. It returns how many were requeued.
func (s *RequeueService) RequeueExpiredTasks(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	tasks, err := s.deps.Store.ListRequeueableTasks(batchSize)
	if err != nil {
		s.deps.Logger.Errorf("Failed to list requeueable tasks: %v", err)
		return 0, errors.Wrap(err, "list requeueable tasks")
	}

	count := 0
	for _, task := range tasks {
		ok, err := s.RequeueTask(ctx, task.ID)
		if err != nil {
			s.deps.Logger.Warnf("Skipping task %s in batch requeue: %v", task.ID, err)
			continue
		}
		if ok {
			count++
		}
	}
	s.deps.Logger.Infof("Batch requeue: %d of %d expired tasks requeued", count, len(tasks))
	return count, nil
}
