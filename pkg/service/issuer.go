package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/leaseflow/pkg/events"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/pkg/errors"
)

const (
	DefaultLeaseDuration   = 5 * time.Minute
	DefaultDeliveryTimeout = 10 * time.Second
)

// AssignedStatus is the AssignmentResult status of a delivered lease.
const AssignedStatus = "ASSIGNED"

// IssuerConfig tunes lease issuance.
type IssuerConfig struct {
	LeaseDuration   time.Duration `toml:"lease_duration" envconfig:"lease_duration"`
	DeliveryTimeout time.Duration `toml:"delivery_timeout" envconfig:"delivery_timeout"`
}

// AssignmentResult describes a lease that was issued and delivered.
type AssignmentResult struct {
	Status             string    `json:"status" yaml:"status"`
	TaskID             string    `json:"task_id" yaml:"task_id"`
	AssignedPeerID     string    `json:"assigned_peer_id" yaml:"assigned_peer_id"`
	LeaseID            string    `json:"lease_id" yaml:"lease_id"`
	LeaseToken         string    `json:"lease_token" yaml:"lease_token"`
	ExpiresAt          time.Time `json:"expires_at" yaml:"expires_at"`
	Timestamp          time.Time `json:"timestamp" yaml:"timestamp"`
	TransportMessageID string    `json:"transport_message_id" yaml:"transport_message_id"`
}

// LeaseIssuer matches a queued task to a peer, leases it and delivers it.
type LeaseIssuer struct {
	deps      Deps
	cfg       IssuerConfig
	trust     TrustAuthority
	transport Transport
}

func NewLeaseIssuer(deps Deps, cfg IssuerConfig, trust TrustAuthority, transport Transport) *LeaseIssuer {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	return &LeaseIssuer{deps: deps.withDefaults(), cfg: cfg, trust: trust, transport: transport}
}

// AssignTask leases a QUEUED task to the first capable peer and delivers it.
// required overrides the task's own requirements; when both are empty the
// requirements are derived from the payload.
func (s *LeaseIssuer) AssignTask(ctx context.Context, taskID string, peers []PeerInfo, required models.Capabilities) (*AssignmentResult, error) {
	if taskID == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "task id is required")
	}
	if s.trust == nil || s.transport == nil {
		return nil, errors.New("lease issuer has no trust authority or transport configured")
	}

	task, err := s.deps.Store.GetTask(taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "get task %s", taskID)
	}
	if task.Status != models.QueuedTaskStatus {
		return nil, errors.Wrapf(ErrInvalidState, "task %s is %s, not %s", taskID, task.Status, models.QueuedTaskStatus)
	}

	if len(required) == 0 {
		required = task.RequiredCapabilities
	}
	if len(required) == 0 {
		required = DeriveRequirements(task.Payload)
	}
	peer, ok := SelectPeer(peers, required)
	if !ok {
		s.deps.Logger.Warnf("No capable peer for task %s among %d candidates", taskID, len(peers))
		return nil, &NoCapableNodesError{TaskID: taskID, Candidates: len(peers), Required: required}
	}

	durationMinutes := int(s.cfg.LeaseDuration / time.Minute)
	if durationMinutes < 1 {
		durationMinutes = 1
	}
	grant, err := s.trust.IssueLease(ctx, taskID, peer.PeerID, durationMinutes)
	if err != nil {
		s.deps.Logger.Errorf("Trust authority failed to issue lease for task %s to %s: %v", taskID, peer.PeerID, err)
		return nil, &LeaseIssuanceError{TaskID: taskID, PeerID: peer.PeerID, Err: err}
	}

	lease, err := s.claim(taskID, peer.PeerID, grant, durationMinutes)
	if err != nil {
		s.revokeGrant(ctx, grant.Token, "claim_failed")
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()
	messageID, err := s.transport.SendTaskRequest(sendCtx, peer.PeerID, taskID, grant.Token, task.Payload)
	if err != nil {
		s.deps.Logger.Warnf("Delivery of task %s to %s failed: %v", taskID, peer.PeerID, err)
		s.revokeGrant(context.WithoutCancel(ctx), grant.Token, "delivery_failed")
		if releaseErr := s.release(lease); releaseErr != nil {
			s.deps.Logger.Errorf("Failed to release task %s after delivery failure: %v", taskID, releaseErr)
		}
		return nil, &PeerUnreachableError{TaskID: taskID, PeerID: peer.PeerID, Err: err}
	}

	now := s.deps.Clock.Now().UTC()
	s.deps.Logger.Infof("Leased task %s to %s (lease %s, expires %s, message %s)",
		taskID, peer.PeerID, lease.ID, lease.ExpiresAt.Format(time.RFC3339), messageID)
	s.deps.Events.Publish(events.EventLeaseIssued, map[string]interface{}{
		"leaseId":   lease.ID,
		"taskId":    taskID,
		"peerId":    peer.PeerID,
		"expiresAt": lease.ExpiresAt,
	})
	return &AssignmentResult{
		Status:             AssignedStatus,
		TaskID:             taskID,
		AssignedPeerID:     peer.PeerID,
		LeaseID:            lease.ID,
		LeaseToken:         grant.Token,
		ExpiresAt:          lease.ExpiresAt,
		Timestamp:          now,
		TransportMessageID: messageID,
	}, nil
}

// claim records the lease and marks the task LEASED, provided the task is
// still QUEUED and nobody else holds an active lease on it.
func (s *LeaseIssuer) claim(taskID, peerID string, grant LeaseGrant, durationMinutes int) (models.TaskLease, error) {
	now := s.deps.Clock.Now().UTC()
	expiresAt := grant.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(time.Duration(durationMinutes) * time.Minute)
	}
	lease := models.TaskLease{
		ID:                   uuid.NewString(),
		TaskID:               taskID,
		PeerID:               peerID,
		LeaseToken:           grant.Token,
		ExpiresAt:            expiresAt.UTC(),
		LeaseDurationSeconds: durationMinutes * 60,
		Metadata:             models.StringMap{},
		CreatedAt:            now,
	}

	err := withTx(s.deps.Store, s.deps.Logger, "AssignTask", func(tx storage.Store) error {
		task, err := tx.GetTaskForUpdate(taskID)
		if err != nil {
			return errors.Wrapf(err, "get task %s", taskID)
		}
		if task.Status != models.QueuedTaskStatus {
			return errors.Wrapf(ErrInvalidState, "task %s is %s, not %s", taskID, task.Status, models.QueuedTaskStatus)
		}
		leases, err := tx.ListUnrevokedLeasesForTask(taskID)
		if err != nil {
			return errors.Wrapf(err, "list leases for task %s", taskID)
		}
		for _, l := range leases {
			if l.Active() {
				return errors.Wrapf(ErrInvalidState, "task %s already has active lease %s", taskID, l.ID)
			}
		}
		lease.Metadata["task_type"] = task.TaskType
		if err := tx.SaveLease(lease); err != nil {
			return errors.Wrapf(err, "save lease for task %s", taskID)
		}
		task.Status = models.LeasedTaskStatus
		task.AssignedPeerID = models.StringPtr(peerID)
		task.StartedAt = &now
		task.NextAttemptAt = nil
		task.UpdatedAt = now
		if err := tx.UpdateTask(task); err != nil {
			return errors.Wrapf(err, "update task %s", taskID)
		}
		return nil
	})
	return lease, err
}

// release undoes a claim after a failed delivery: the lease is revoked and
// the task goes back to QUEUED without an owner.
func (s *LeaseIssuer) release(lease models.TaskLease) error {
	now := s.deps.Clock.Now().UTC()
	return withTx(s.deps.Store, s.deps.Logger, "ReleaseTask", func(tx storage.Store) error {
		current, err := tx.GetLease(lease.ID)
		if err != nil {
			return errors.Wrapf(err, "get lease %s", lease.ID)
		}
		if current.Revoke(now, "delivery_failed") {
			if err := tx.UpdateLease(current); err != nil {
				return errors.Wrapf(err, "revoke lease %s", lease.ID)
			}
		}
		task, err := tx.GetTaskForUpdate(lease.TaskID)
		if err != nil {
			return errors.Wrapf(err, "get task %s", lease.TaskID)
		}
		if task.Status != models.LeasedTaskStatus || task.PeerID() != lease.PeerID {
			return nil
		}
		task.Status = models.QueuedTaskStatus
		task.AssignedPeerID = nil
		task.UpdatedAt = now
		return tx.UpdateTask(task)
	})
}

func (s *LeaseIssuer) revokeGrant(ctx context.Context, token, reason string) {
	if err := s.trust.RevokeLease(ctx, token, reason); err != nil {
		s.deps.Logger.Warnf("Failed to revoke lease token with trust authority: %v", err)
	}
}
