package service

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/ignatij/leaseflow/pkg/events"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// RevocationResult summarizes one crash revocation run.
type RevocationResult struct {
	RevokedCount  int      `json:"revoked_count" yaml:"revoked_count"`
	RequeuedCount int      `json:"requeued_count" yaml:"requeued_count"`
	LeaseIDs      []string `json:"lease_ids,omitempty" yaml:"lease_ids,omitempty"`
	TaskIDs       []string `json:"task_ids,omitempty" yaml:"task_ids,omitempty"`
}

// Revoker is the part of the revocation service the orchestrator drives.
type Revoker interface {
	RevokeLeasesOnCrash(ctx context.Context, peerID, reason string, requeue bool, batchSize int) (RevocationResult, error)
	RevokeLeaseByToken(ctx context.Context, token, reason string) (bool, error)
}

// RevocationService revokes leases when their holder crashes or they run out.
// Revocations are idempotent: already revoked leases are never selected or
// touched again.
type RevocationService struct {
	deps  Deps
	trust TrustAuthority
}

// NewRevocationService creates the service. trust may be nil; when set,
// every revocation is also reported to it.
func NewRevocationService(deps Deps, trust TrustAuthority) *RevocationService {
	return &RevocationService{deps: deps.withDefaults(), trust: trust}
}

type revokedLease struct {
	lease  models.TaskLease
	taskID string // set when the task changed state
}

// RevokeLeasesOnCrash revokes every unrevoked lease held by peerID in chunks
// of batchSize, one transaction per chunk. Owned tasks become EXPIRED with
// no peer; with requeue set, tasks that have retries left go straight back
// to QUEUED with retry_count incremented. Failed chunks are reported in the
// returned error while the remaining chunks still run.
func (s *RevocationService) RevokeLeasesOnCrash(ctx context.Context, peerID, reason string, requeue bool, batchSize int) (RevocationResult, error) {
	if peerID == "" {
		return RevocationResult{}, errors.Wrap(ErrInvalidArgument, "peer id is required")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if reason == "" {
		reason = "node_crash"
	}

	leases, err := s.deps.Store.ListUnrevokedLeasesForPeer(peerID, 0)
	if err != nil {
		s.deps.Logger.Errorf("Failed to list leases for peer %s: %v", peerID, err)
		return RevocationResult{}, errors.Wrapf(err, "list leases for peer %s", peerID)
	}

	result := RevocationResult{LeaseIDs: []string{}, TaskIDs: []string{}}
	var errs *multierror.Error
	for i, chunk := range lo.Chunk(leases, batchSize) {
		var revoked []revokedLease
		requeued := 0
		now := s.deps.Clock.Now().UTC()
		err := withTx(s.deps.Store, s.deps.Logger, "RevokeLeasesOnCrash", func(tx storage.Store) error {
			revoked, requeued = nil, 0
			for _, l := range chunk {
				lease, err := tx.GetLease(l.ID)
				if err != nil {
					return errors.Wrapf(err, "get lease %s", l.ID)
				}
				if !lease.Revoke(now, reason) {
					continue
				}
				if err := tx.UpdateLease(lease); err != nil {
					return errors.Wrapf(err, "revoke lease %s", lease.ID)
				}
				entry := revokedLease{lease: lease}

				task, err := tx.GetTaskForUpdate(lease.TaskID)
				if err != nil {
					return errors.Wrapf(err, "get task %s", lease.TaskID)
				}
				if task.Status.IsOwned() && task.PeerID() == peerID {
					task.Status = models.ExpiredTaskStatus
					task.AssignedPeerID = nil
					task.UpdatedAt = now
					if requeue && task.CanRetry() {
						task.RetryCount++
						task.Status = models.QueuedTaskStatus
						requeued++
					}
					if err := tx.UpdateTask(task); err != nil {
						return errors.Wrapf(err, "update task %s", task.ID)
					}
					entry.taskID = task.ID
				}
				revoked = append(revoked, entry)
			}
			return nil
		})
		if err != nil {
			s.deps.Logger.Errorf("Failed to revoke chunk %d for peer %s: %v", i, peerID, err)
			errs = multierror.Append(errs, errors.Wrapf(err, "chunk %d", i))
			continue
		}

		result.RequeuedCount += requeued
		for _, r := range revoked {
			result.RevokedCount++
			result.LeaseIDs = append(result.LeaseIDs, r.lease.ID)
			if r.taskID != "" {
				result.TaskIDs = append(result.TaskIDs, r.taskID)
			}
			s.afterRevoke(ctx, r.lease, reason)
		}
	}

	s.deps.Logger.Infof("Revoked leases for peer %s (reason: %s): revoked=%d requeued=%d tasks=%d",
		peerID, reason, result.RevokedCount, result.RequeuedCount, len(result.TaskIDs))
	return result, errs.ErrorOrNil()
}

// RevokeLeaseByToken revokes a single lease. It returns false, without an
// error, when the token is unknown or the lease was already revoked.
func (s *RevocationService) RevokeLeaseByToken(ctx context.Context, token, reason string) (bool, error) {
	if token == "" {
		return false, errors.Wrap(ErrInvalidArgument, "lease token is required")
	}
	if reason == "" {
		reason = "revoked"
	}

	var revoked *models.TaskLease
	now := s.deps.Clock.Now().UTC()
	err := withTx(s.deps.Store, s.deps.Logger, "RevokeLeaseByToken", func(tx storage.Store) error {
		lease, err := tx.GetLeaseByToken(token)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "get lease by token")
		}
		if !lease.Revoke(now, reason) {
			return nil
		}
		if err := tx.UpdateLease(lease); err != nil {
			return errors.Wrapf(err, "revoke lease %s", lease.ID)
		}
		task, err := tx.GetTaskForUpdate(lease.TaskID)
		if err != nil {
			return errors.Wrapf(err, "get task %s", lease.TaskID)
		}
		if task.Status.IsOwned() && task.PeerID() == lease.PeerID {
			task.Status = models.ExpiredTaskStatus
			task.AssignedPeerID = nil
			task.UpdatedAt = now
			if err := tx.UpdateTask(task); err != nil {
				return errors.Wrapf(err, "update task %s", task.ID)
			}
		}
		revoked = &lease
		return nil
	})
	if err != nil {
		s.deps.Logger.Errorf("Failed to revoke lease by token: %v", err)
		return false, err
	}
	if revoked == nil {
		s.deps.Logger.Debugf("Lease token not found or already revoked")
		return false, nil
	}
	s.deps.Logger.Infof("Revoked lease %s of task %s held by %s (reason: %s)",
		revoked.ID, revoked.TaskID, revoked.PeerID, reason)
	s.afterRevoke(ctx, *revoked, reason)
	return true, nil
}

// RevokeExpiredLeases revokes up to batchSize unrevoked leases past their
// expiry, one transaction per lease. Only tasks still LEASED move to EXPIRED.
func (s *RevocationService) RevokeExpiredLeases(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	now := s.deps.Clock.Now().UTC()
	leases, err := s.deps.Store.ListExpiredLeases(now, batchSize)
	if err != nil {
		s.deps.Logger.Errorf("Failed to list expired leases: %v", err)
		return 0, errors.Wrap(err, "list expired leases")
	}

	const reason = "lease_expired"
	count := 0
	var errs *multierror.Error
	for _, l := range leases {
		var revoked *models.TaskLease
		err := withTx(s.deps.Store, s.deps.Logger, "RevokeExpiredLeases", func(tx storage.Store) error {
			lease, err := tx.GetLease(l.ID)
			if err != nil {
				return errors.Wrapf(err, "get lease %s", l.ID)
			}
			if !lease.Revoke(now, reason) {
				return nil
			}
			lease.IsExpired = true
			if err := tx.UpdateLease(lease); err != nil {
				return errors.Wrapf(err, "revoke lease %s", lease.ID)
			}
			task, err := tx.GetTaskForUpdate(lease.TaskID)
			if err != nil {
				return errors.Wrapf(err, "get task %s", lease.TaskID)
			}
			if task.Status == models.LeasedTaskStatus && task.PeerID() == lease.PeerID {
				task.Status = models.ExpiredTaskStatus
				task.AssignedPeerID = nil
				task.UpdatedAt = now
				if err := tx.UpdateTask(task); err != nil {
					return errors.Wrapf(err, "update task %s", task.ID)
				}
			}
			revoked = &lease
			return nil
		})
		if err != nil {
			s.deps.Logger.Errorf("Failed to revoke expired lease %s: %v", l.ID, err)
			errs = multierror.Append(errs, err)
			continue
		}
		if revoked != nil {
			count++
			s.afterRevoke(ctx, *revoked, reason)
		}
	}
	s.deps.Logger.Infof("Revoked %d of %d expired leases", count, len(leases))
	return count, errs.ErrorOrNil()
}

func (s *RevocationService) afterRevoke(ctx context.Context, lease models.TaskLease, reason string) {
	s.deps.Events.Publish(events.EventLeaseRevoked, map[string]interface{}{
		"leaseId": lease.ID,
		"taskId":  lease.TaskID,
		"peerId":  lease.PeerID,
		"reason":  reason,
	})
	if s.trust == nil {
		return
	}
	if err := s.trust.RevokeLease(ctx, lease.LeaseToken, reason); err != nil {
		s.deps.Logger.Warnf("Failed to propagate revocation of lease %s to trust authority: %v", lease.ID, err)
	}
}
