package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/leaseflow/pkg/events"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// metadata keys written on every recovery result
const (
	MetaLeasesRevoked          = "leases_revoked"
	MetaTasksRequeued          = "tasks_requeued"
	MetaTasksPermanentlyFailed = "tasks_permanently_failed"
	MetaTasksAffected          = "tasks_affected"
	MetaReason                 = "reason"
)

// RecoveryContext carries what the caller knows about the failure.
type RecoveryContext struct {
	PreviousStatus PeerStatus        `json:"previous_status,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RecoveryRequest triggers one recovery. An empty FailureType is classified
// first.
type RecoveryRequest struct {
	PeerID      string             `json:"peer_id,omitempty"`
	TaskID      string             `json:"task_id,omitempty"`
	FailureType models.FailureType `json:"failure_type,omitempty"`
	Context     RecoveryContext    `json:"context"`
}

// VerificationReport is the outcome of re-checking a recovery against the
// store.
type VerificationReport struct {
	RecoveryID    string   `json:"recovery_id" yaml:"recovery_id"`
	Verified      bool     `json:"verified" yaml:"verified"`
	LeasesRevoked int      `json:"leases_revoked" yaml:"leases_revoked"`
	TasksRequeued int      `json:"tasks_requeued" yaml:"tasks_requeued"`
	Issues        []string `json:"issues" yaml:"issues"`
}

// RecoveryOrchestrator classifies failures and drives revocation and
// requeueing, keeping an auditable RecoveryResult per run.
type RecoveryOrchestrator struct {
	deps     Deps
	revoker  Revoker
	requeuer Requeuer
	presence Presence

	mu      sync.RWMutex
	history map[string]models.RecoveryResult
}

func NewRecoveryOrchestrator(deps Deps, revoker Revoker, requeuer Requeuer, presence Presence) *RecoveryOrchestrator {
	return &RecoveryOrchestrator{
		deps:     deps.withDefaults(),
		revoker:  revoker,
		requeuer: requeuer,
		presence: presence,
		history:  make(map[string]models.RecoveryResult),
	}
}

// ClassifyFailure decides which recovery applies. In order: a task with an
// unrevoked lease flagged expired is LEASE_EXPIRED; an offline peer is
// NODE_CRASH; a peer that was offline and is online again is
// PARTITION_HEALED; anything else is UNKNOWN.
func (o *RecoveryOrchestrator) ClassifyFailure(ctx context.Context, peerID, taskID string, rc RecoveryContext) (models.FailureType, error) {
	if taskID != "" {
		leases, err := o.deps.Store.ListUnrevokedLeasesForTask(taskID)
		if err != nil {
			return models.UnknownFailure, errors.Wrapf(err, "list leases for task %s", taskID)
		}
		if lo.SomeBy(leases, func(l models.TaskLease) bool { return l.IsExpired }) {
			return models.LeaseExpiredFailure, nil
		}
	}

	if peerID == "" || o.presence == nil {
		return models.UnknownFailure, nil
	}
	state, err := o.presence.GetPeerState(ctx, peerID)
	if err != nil {
		return models.UnknownFailure, errors.Wrapf(err, "get presence of peer %s", peerID)
	}
	if state == nil {
		return models.UnknownFailure, nil
	}
	if state.Status == PeerOffline {
		return models.NodeCrashFailure, nil
	}
	if rc.PreviousStatus == PeerOffline && state.Status == PeerOnline {
		return models.PartitionHealedFailure, nil
	}
	return models.UnknownFailure, nil
}

// recovery is the in-flight state of one run.
type recovery struct {
	result            models.RecoveryResult
	clock             func() time.Time
	partial           bool
	permanentlyFailed int
	tasksAffected     int
}

func (r *recovery) audit(format string, args ...interface{}) {
	line := r.clock().UTC().Format(time.RFC3339Nano) + " " + fmt.Sprintf(format, args...)
	r.result.AuditLog = append(r.result.AuditLog, line)
}

// OrchestrateRecovery runs the recovery for a peer or task failure. Only
// invalid input is returned as an error; everything that goes wrong during
// the recovery itself is reflected in the result's status and audit log.
func (o *RecoveryOrchestrator) OrchestrateRecovery(ctx context.Context, req RecoveryRequest) (*models.RecoveryResult, error) {
	if req.PeerID == "" && req.TaskID == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "peer id or task id is required")
	}
	if req.FailureType != "" {
		if _, ok := models.ParseFailureType(string(req.FailureType)); !ok {
			return nil, errors.Wrapf(ErrInvalidArgument, "unknown failure type %q", req.FailureType)
		}
	}

	now := o.deps.Clock.Now().UTC()
	r := &recovery{
		clock: o.deps.Clock.Now,
		result: models.RecoveryResult{
			RecoveryID:      uuid.NewString(),
			PeerID:          req.PeerID,
			TaskID:          req.TaskID,
			FailureType:     req.FailureType,
			Status:          models.InProgressRecoveryStatus,
			ActionsTaken:    models.RecoveryActions{},
			AuditLog:        models.StringList{},
			RevokedLeaseIDs: models.StringList{},
			RequeuedTaskIDs: models.StringList{},
			StartedAt:       now,
			Metadata:        models.StringMap{},
		},
	}
	for k, v := range req.Context.Metadata {
		r.result.Metadata[k] = v
	}
	if req.Context.Reason != "" {
		r.result.Metadata[MetaReason] = req.Context.Reason
	}

	if r.result.FailureType == "" {
		ft, err := o.ClassifyFailure(ctx, req.PeerID, req.TaskID, req.Context)
		if err != nil {
			o.deps.Logger.Warnf("Failed to classify failure (peer %q, task %q): %v", req.PeerID, req.TaskID, err)
			r.audit("classification failed: %v", err)
		}
		r.result.FailureType = ft
		r.audit("classified failure as %s", ft)
	}

	r.audit("recovery started: failure_type=%s peer=%q task=%q", r.result.FailureType, req.PeerID, req.TaskID)
	o.deps.Logger.Infof("Recovery %s started: %s (peer %q, task %q)", r.result.RecoveryID, r.result.FailureType, req.PeerID, req.TaskID)
	o.record(r.result)
	o.deps.Events.Publish(events.EventRecoveryStarted, map[string]interface{}{
		"recoveryId":  r.result.RecoveryID,
		"peerId":      req.PeerID,
		"taskId":      req.TaskID,
		"failureType": string(r.result.FailureType),
	})

	switch r.result.FailureType {
	case models.NodeCrashFailure:
		o.recoverNodeCrash(ctx, r, req.Context.Reason)
	case models.PartitionHealedFailure:
		o.recoverPartitionHealed(ctx, r)
	case models.LeaseExpiredFailure:
		o.recoverLeaseExpired(ctx, r)
	case models.UnknownFailure:
		r.result.Status = models.FailedRecoveryStatus
		r.audit("unrecognized failure type, no action taken")
	default:
		r.result.Status = models.FailedRecoveryStatus
		r.audit("unhandled failure type %s, no action taken", r.result.FailureType)
	}

	completed := o.deps.Clock.Now().UTC()
	r.result.CompletedAt = &completed
	r.result.DurationSeconds = completed.Sub(r.result.StartedAt).Seconds()
	r.result.Metadata[MetaLeasesRevoked] = strconv.Itoa(len(r.result.RevokedLeaseIDs))
	r.result.Metadata[MetaTasksRequeued] = strconv.Itoa(len(r.result.RequeuedTaskIDs))
	r.result.Metadata[MetaTasksPermanentlyFailed] = strconv.Itoa(r.permanentlyFailed)
	r.result.Metadata[MetaTasksAffected] = strconv.Itoa(r.tasksAffected)
	r.audit("recovery completed with status %s", r.result.Status)
	o.record(r.result)

	o.deps.Logger.Infof("Recovery %s finished: %s in %.3fs (revoked %d leases, requeued %d tasks, %d permanently failed)",
		r.result.RecoveryID, r.result.Status, r.result.DurationSeconds,
		len(r.result.RevokedLeaseIDs), len(r.result.RequeuedTaskIDs), r.permanentlyFailed)
	o.deps.Events.Publish(events.EventRecoveryCompleted, map[string]interface{}{
		"recoveryId":      r.result.RecoveryID,
		"failureType":     string(r.result.FailureType),
		"status":          string(r.result.Status),
		"durationSeconds": r.result.DurationSeconds,
		"leasesRevoked":   len(r.result.RevokedLeaseIDs),
		"tasksRequeued":   len(r.result.RequeuedTaskIDs),
	})

	result := r.result
	return &result, nil
}

func (o *RecoveryOrchestrator) recoverNodeCrash(ctx context.Context, r *recovery, reason string) {
	peerID := r.result.PeerID
	if peerID == "" {
		r.result.Status = models.FailedRecoveryStatus
		r.audit("node crash recovery needs a peer id")
		return
	}
	if reason == "" {
		reason = "node_crash"
	}

	tasks, err := o.deps.Store.ListTasksForPeer(peerID, models.RunningTaskStatus, models.LeasedTaskStatus)
	if err != nil {
		r.result.Status = models.FailedRecoveryStatus
		r.audit("failed to list tasks of peer %s: %v", peerID, err)
		return
	}
	if len(tasks) == 0 {
		r.result.Status = models.CompletedRecoveryStatus
		r.audit("peer %s holds no tasks, nothing to recover", peerID)
		return
	}
	r.tasksAffected = len(tasks)
	r.audit("peer %s holds %d tasks", peerID, len(tasks))

	revocation, err := o.revoker.RevokeLeasesOnCrash(ctx, peerID, reason, false, DefaultBatchSize)
	r.result.AddAction(models.RevokeLeasesAction)
	r.result.RevokedLeaseIDs = append(r.result.RevokedLeaseIDs, revocation.LeaseIDs...)
	if err != nil {
		r.partial = true
		r.audit("lease revocation for peer %s incomplete: %v", peerID, err)
	}
	r.audit("revoked %d leases of peer %s (reason: %s)", revocation.RevokedCount, peerID, reason)

	r.result.AddAction(models.RequeueTasksAction)
	for _, task := range tasks {
		msg := fmt.Sprintf("peer %s crashed: %s", peerID, reason)
		marked, err := o.markFailed(task.ID, msg)
		if err != nil {
			r.partial = true
			r.audit("failed to mark task %s failed: %v", task.ID, err)
			continue
		}
		if !marked {
			r.audit("task %s changed state concurrently, skipped", task.ID)
			continue
		}
		r.audit("marked task %s FAILED", task.ID)
		o.requeue(ctx, r, task.ID)
	}
	r.finish()
}

func (o *RecoveryOrchestrator) recoverPartitionHealed(ctx context.Context, r *recovery) {
	peerID := r.result.PeerID
	if peerID == "" {
		r.result.Status = models.FailedRecoveryStatus
		r.audit("partition recovery needs a peer id")
		return
	}

	// delegation points for the partition buffer
	r.result.AddAction(models.ReconcileStateAction)
	r.audit("reconciling state of peer %s", peerID)
	r.result.AddAction(models.FlushBufferAction)
	r.audit("flushing buffered results of peer %s", peerID)

	leases, err := o.deps.Store.ListUnrevokedLeasesForPeer(peerID, 0)
	if err != nil {
		r.result.Status = models.FailedRecoveryStatus
		r.audit("failed to list leases of peer %s: %v", peerID, err)
		return
	}
	now := o.deps.Clock.Now()
	expired := lo.Filter(leases, func(l models.TaskLease, _ int) bool { return l.ExpiredAt(now) })
	if len(expired) == 0 {
		r.result.Status = models.CompletedRecoveryStatus
		r.audit("peer %s has no expired leases", peerID)
		return
	}
	r.audit("peer %s has %d expired leases", peerID, len(expired))
	r.result.AddAction(models.RevokeLeasesAction)

	var taskIDs []string
	for _, lease := range expired {
		ok, err := o.revoker.RevokeLeaseByToken(ctx, lease.LeaseToken, "partition_healed")
		if err != nil {
			r.partial = true
			r.audit("failed to revoke lease %s: %v", lease.ID, err)
			continue
		}
		if !ok {
			r.audit("lease %s already revoked", lease.ID)
			continue
		}
		r.result.RevokedLeaseIDs = append(r.result.RevokedLeaseIDs, lease.ID)
		r.audit("revoked lease %s of task %s", lease.ID, lease.TaskID)
		taskIDs = append(taskIDs, lease.TaskID)
	}
	taskIDs = lo.Uniq(taskIDs)
	r.tasksAffected = len(taskIDs)

	r.result.AddAction(models.RequeueTasksAction)
	for _, taskID := range taskIDs {
		task, err := o.deps.Store.GetTask(taskID)
		if err != nil {
			r.partial = true
			r.audit("failed to load task %s: %v", taskID, err)
			continue
		}
		if task.Status.IsOwned() {
			r.audit("task %s is held by %s under a newer lease, skipped", taskID, task.PeerID())
			continue
		}
		o.requeue(ctx, r, taskID)
	}
	r.finish()
}

func (o *RecoveryOrchestrator) recoverLeaseExpired(ctx context.Context, r *recovery) {
	taskID := r.result.TaskID
	if taskID == "" {
		r.result.Status = models.FailedRecoveryStatus
		r.audit("lease expiry recovery needs a task id")
		return
	}

	var marked []string
	now := o.deps.Clock.Now().UTC()
	err := withTx(o.deps.Store, o.deps.Logger, "RecoverLeaseExpired", func(tx storage.Store) error {
		marked = nil
		leases, err := tx.ListUnrevokedLeasesForTask(taskID)
		if err != nil {
			return errors.Wrapf(err, "list leases for task %s", taskID)
		}
		var owner string
		for _, lease := range leases {
			if !lease.IsExpired {
				lease.IsExpired = true
				if err := tx.UpdateLease(lease); err != nil {
					return errors.Wrapf(err, "expire lease %s", lease.ID)
				}
			}
			owner = lease.PeerID
			marked = append(marked, lease.ID)
		}
		task, err := tx.GetTaskForUpdate(taskID)
		if err != nil {
			return errors.Wrapf(err, "get task %s", taskID)
		}
		if task.Status.IsOwned() && (owner == "" || task.PeerID() == owner) {
			task.Status = models.ExpiredTaskStatus
			task.AssignedPeerID = nil
			task.UpdatedAt = now
			if err := tx.UpdateTask(task); err != nil {
				return errors.Wrapf(err, "expire task %s", taskID)
			}
		}
		return nil
	})
	if err != nil {
		r.result.Status = models.FailedRecoveryStatus
		r.audit("failed to mark leases of task %s expired: %v", taskID, err)
		return
	}
	r.tasksAffected = 1
	r.result.AddAction(models.MarkLeaseExpiredAction)
	r.audit("marked %d leases of task %s expired", len(marked), taskID)

	r.result.AddAction(models.RequeueTasksAction)
	if o.requeue(ctx, r, taskID) {
		// requeueing revokes every lease still open on the task
		r.result.RevokedLeaseIDs = append(r.result.RevokedLeaseIDs, marked...)
	}
	r.finish()
}

// requeue hands one task to the requeuer and records the outcome. It
// reports whether the requeuer accepted the task (requeued or permanently
// failed).
func (o *RecoveryOrchestrator) requeue(ctx context.Context, r *recovery, taskID string) bool {
	ok, err := o.requeuer.RequeueTask(ctx, taskID)
	if err != nil {
		r.partial = true
		r.audit("failed to requeue task %s: %v", taskID, err)
		return false
	}
	if !ok {
		r.permanentlyFailed++
		r.audit("task %s exhausted its retries and is permanently failed", taskID)
		return true
	}
	r.result.RequeuedTaskIDs = append(r.result.RequeuedTaskIDs, taskID)
	r.audit("requeued task %s", taskID)
	return true
}

func (r *recovery) finish() {
	if r.partial {
		r.result.Status = models.PartialFailureRecoveryStatus
		return
	}
	r.result.Status = models.CompletedRecoveryStatus
}

// markFailed moves a task left behind by a crashed peer to FAILED. It
// returns false when the task is already terminal or back in the queue.
func (o *RecoveryOrchestrator) markFailed(taskID, msg string) (bool, error) {
	marked := false
	now := o.deps.Clock.Now().UTC()
	err := withTx(o.deps.Store, o.deps.Logger, "MarkTaskFailed", func(tx storage.Store) error {
		task, err := tx.GetTaskForUpdate(taskID)
		if err != nil {
			return errors.Wrapf(err, "get task %s", taskID)
		}
		if task.Status.IsTerminal() || task.Status == models.QueuedTaskStatus {
			return nil
		}
		errorType := "node_crash"
		task.Status = models.FailedTaskStatus
		task.ErrorMessage = &msg
		task.ErrorType = &errorType
		task.AssignedPeerID = nil
		task.UpdatedAt = now
		if err := tx.UpdateTask(task); err != nil {
			return errors.Wrapf(err, "update task %s", taskID)
		}
		marked = true
		return nil
	})
	return marked, err
}

func (o *RecoveryOrchestrator) record(result models.RecoveryResult) {
	o.mu.Lock()
	o.history[result.RecoveryID] = result
	o.mu.Unlock()
	if err := o.deps.Store.SaveRecoveryResult(result); err != nil {
		o.deps.Logger.Errorf("Failed to persist recovery %s: %v", result.RecoveryID, err)
	}
}

// GetRecovery returns a recovery from this process's history or, failing
// that, from the store.
func (o *RecoveryOrchestrator) GetRecovery(recoveryID string) (*models.RecoveryResult, error) {
	o.mu.RLock()
	result, ok := o.history[recoveryID]
	o.mu.RUnlock()
	if ok {
		return &result, nil
	}
	result, err := o.deps.Store.GetRecoveryResult(recoveryID)
	if err != nil {
		return nil, errors.Wrapf(err, "get recovery %s", recoveryID)
	}
	return &result, nil
}

// ListRecoveries returns the most recent recoveries, newest first.
func (o *RecoveryOrchestrator) ListRecoveries(limit int) ([]models.RecoveryResult, error) {
	results, err := o.deps.Store.ListRecoveryResults(limit)
	if err == nil {
		return results, nil
	}
	o.deps.Logger.Warnf("Failed to list recoveries from store, using in-memory history: %v", err)

	o.mu.RLock()
	results = lo.Values(o.history)
	o.mu.RUnlock()
	sort.Slice(results, func(i, j int) bool {
		return results[i].StartedAt.After(results[j].StartedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// VerifyRecovery re-reads every lease and task a recovery claims to have
// revoked or requeued and reports anything that does not match.
func (o *RecoveryOrchestrator) VerifyRecovery(ctx context.Context, recoveryID string) (*VerificationReport, error) {
	result, err := o.GetRecovery(recoveryID)
	if err != nil {
		return nil, err
	}

	report := &VerificationReport{RecoveryID: recoveryID, Issues: []string{}}
	if !result.Status.IsTerminal() {
		report.Issues = append(report.Issues, fmt.Sprintf("recovery is still %s", result.Status))
	}

	for _, leaseID := range result.RevokedLeaseIDs {
		lease, err := o.deps.Store.GetLease(leaseID)
		if err != nil {
			report.Issues = append(report.Issues, fmt.Sprintf("lease %s: %v", leaseID, err))
			continue
		}
		if !lease.IsRevoked {
			report.Issues = append(report.Issues, fmt.Sprintf("lease %s is not revoked", leaseID))
			continue
		}
		report.LeasesRevoked++
	}

	for _, taskID := range result.RequeuedTaskIDs {
		task, err := o.deps.Store.GetTask(taskID)
		if err != nil {
			report.Issues = append(report.Issues, fmt.Sprintf("task %s: %v", taskID, err))
			continue
		}
		if task.RetryCount == 0 {
			report.Issues = append(report.Issues, fmt.Sprintf("task %s was never retried", taskID))
			continue
		}
		report.TasksRequeued++
	}

	checkCount := func(key string, actual int) {
		claimed, ok := result.Metadata[key]
		if !ok {
			return
		}
		n, err := strconv.Atoi(claimed)
		if err != nil {
			report.Issues = append(report.Issues, fmt.Sprintf("%s is not a number: %q", key, claimed))
			return
		}
		if n != actual {
			report.Issues = append(report.Issues, fmt.Sprintf("%s claims %d, store confirms %d", key, n, actual))
		}
	}
	checkCount(MetaLeasesRevoked, report.LeasesRevoked)
	checkCount(MetaTasksRequeued, report.TasksRequeued)

	report.Verified = len(report.Issues) == 0
	if report.Verified {
		o.deps.Logger.Infof("Recovery %s verified: %d leases revoked, %d tasks requeued",
			recoveryID, report.LeasesRevoked, report.TasksRequeued)
	} else {
		o.deps.Logger.Warnf("Recovery %s verification found %d issues", recoveryID, len(report.Issues))
	}
	return report, nil
}
