package service

import (
	"context"
	"time"

	"github.com/ignatij/leaseflow/pkg/events"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/pkg/errors"
)

const (
	DefaultScanInterval = 10 * time.Second
	DefaultGracePeriod  = 2 * time.Second
)

// DetectorConfig tunes the expiration scan loop. Zero values take the
// defaults; a negative GracePeriod disables the grace window.
type DetectorConfig struct {
	ScanInterval time.Duration `toml:"scan_interval" envconfig:"scan_interval"`
	GracePeriod  time.Duration `toml:"grace_period" envconfig:"grace_period"`
	BatchSize    int           `toml:"batch_size" envconfig:"batch_size"`
}

// ExpirationDetector polls for leases past their expiry, flags them expired
// and hands their tasks to the requeuer.
type ExpirationDetector struct {
	deps     Deps
	cfg      DetectorConfig
	requeuer Requeuer
}

func NewExpirationDetector(deps Deps, cfg DetectorConfig, requeuer Requeuer) *ExpirationDetector {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	} else if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &ExpirationDetector{deps: deps.withDefaults(), cfg: cfg, requeuer: requeuer}
}

// ScanExpiredLeases returns unrevoked leases that expired more than the
// grace period ago. Leases flagged expired by an earlier scan stay eligible
// until a requeue revokes them.
func (d *ExpirationDetector) ScanExpiredLeases(ctx context.Context) ([]models.TaskLease, error) {
	cutoff := d.deps.Clock.Now().UTC().Add(-d.cfg.GracePeriod)
	leases, err := d.deps.Store.ListExpiredLeases(cutoff, d.cfg.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "scan expired leases")
	}
	return leases, nil
}

// HandleExpiredLease flags the lease expired, moves its owning task to
// EXPIRED and then asks the requeuer to retry it. A lease flagged by an
// earlier scan whose task is still EXPIRED or FAILED is requeued again. A
// lease whose task has moved on is revoked and not requeued. A lease revoked
// in the meantime is skipped.
func (d *ExpirationDetector) HandleExpiredLease(ctx context.Context, lease models.TaskLease) error {
	_, err := d.handle(ctx, lease)
	return err
}

// handle reports whether the lease led to a requeue attempt that succeeded.
func (d *ExpirationDetector) handle(ctx context.Context, lease models.TaskLease) (bool, error) {
	now := d.deps.Clock.Now().UTC()
	var (
		requeue bool
		flagged bool
		retired bool
	)
	err := withTx(d.deps.Store, d.deps.Logger, "HandleExpiredLease", func(tx storage.Store) error {
		current, err := tx.GetLease(lease.ID)
		if err != nil {
			return errors.Wrapf(err, "get lease %s", lease.ID)
		}
		if current.IsRevoked {
			return nil
		}
		task, err := tx.GetTaskForUpdate(current.TaskID)
		if err != nil {
			return errors.Wrapf(err, "get task %s", current.TaskID)
		}
		if !current.IsExpired {
			current.IsExpired = true
			flagged = true
		}
		switch {
		case task.Status.IsOwned() && task.PeerID() == current.PeerID:
			task.Status = models.ExpiredTaskStatus
			task.AssignedPeerID = nil
			task.UpdatedAt = now
			if err := tx.UpdateTask(task); err != nil {
				return errors.Wrapf(err, "expire task %s", task.ID)
			}
			requeue = true
		case task.Status == models.ExpiredTaskStatus || task.Status == models.FailedTaskStatus:
			requeue = true
		default:
			current.Revoke(now, "lease_expired")
			retired = true
		}
		if flagged || retired {
			if err := tx.UpdateLease(current); err != nil {
				return errors.Wrapf(err, "expire lease %s", lease.ID)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if flagged {
		d.deps.Logger.Infof("Lease %s of task %s held by %s expired at %s",
			lease.ID, lease.TaskID, lease.PeerID, lease.ExpiresAt.Format(time.RFC3339))
		d.deps.Events.Publish(events.EventLeaseExpired, map[string]interface{}{
			"leaseId":     lease.ID,
			"taskId":      lease.TaskID,
			"ownerPeerId": lease.PeerID,
			"expiredAt":   lease.ExpiresAt,
			"detectedAt":  now,
		})
	}
	if !requeue {
		if retired {
			d.deps.Logger.Debugf("Lease %s outlived task %s, revoked without requeue", lease.ID, lease.TaskID)
		}
		return false, nil
	}
	if !flagged {
		d.deps.Logger.Warnf("Retrying requeue of task %s for expired lease %s", lease.TaskID, lease.ID)
	}

	// the requeuer alone decides whether the task gets another attempt
	if _, err := d.requeuer.RequeueTask(ctx, lease.TaskID); err != nil {
		return false, errors.Wrapf(err, "requeue task %s", lease.TaskID)
	}
	return true, nil
}

// RunOnce scans once and handles every lease found. Per-lease failures are
// logged and do not stop the batch.
func (d *ExpirationDetector) RunOnce(ctx context.Context) (int, error) {
	leases, err := d.ScanExpiredLeases(ctx)
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, lease := range leases {
		ok, err := d.handle(ctx, lease)
		if err != nil {
			d.deps.Logger.Errorf("Failed to handle expired lease %s: %v", lease.ID, err)
			continue
		}
		if ok {
			handled++
		}
	}
	if len(leases) > 0 {
		d.deps.Logger.Infof("Expiration scan handled %d of %d leases", handled, len(leases))
	}
	return handled, nil
}

// Run scans every ScanInterval until ctx is cancelled. Cancellation is only
// observed between scans; a batch in progress runs to completion.
func (d *ExpirationDetector) Run(ctx context.Context) error {
	d.deps.Logger.Infof("Lease expiration detector started (interval %s, grace %s, batch %d)",
		d.cfg.ScanInterval, d.cfg.GracePeriod, d.cfg.BatchSize)
	batchCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			d.deps.Logger.Infof("Lease expiration detector stopped")
			return nil
		}
		if _, err := d.RunOnce(batchCtx); err != nil {
			d.deps.Logger.Errorf("Expiration scan failed: %v", err)
		}

		timer := d.deps.Clock.Timer(d.cfg.ScanInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.deps.Logger.Infof("Lease expiration detector stopped")
			return nil
		case <-timer.C:
		}
	}
}
