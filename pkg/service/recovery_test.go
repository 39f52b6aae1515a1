package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/leaseflow/pkg/events"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/service"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingRequeuer fails for the listed tasks and delegates the rest.
type failingRequeuer struct {
	next  service.Requeuer
	fails map[string]bool
}

func (f *failingRequeuer) RequeueTask(ctx context.Context, taskID string) (bool, error) {
	if f.fails[taskID] {
		return false, assert.AnError
	}
	return f.next.RequeueTask(ctx, taskID)
}

func TestRecovery_ClassifyFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.addLeasedTask(t, "expired", "peer-1", 0, 3, e.now().Add(-time.Minute))
	e.flagExpired(t, "lease-expired")
	e.addLeasedTask(t, "unflagged", "peer-1", 0, 3, e.now().Add(-time.Minute))
	e.addLeasedTask(t, "fresh", "peer-1", 0, 3, e.now().Add(time.Minute))
	e.presence.set("down", service.PeerOffline)
	e.presence.set("up", service.PeerOnline)

	tests := []struct {
		name     string
		peerID   string
		taskID   string
		rc       service.RecoveryContext
		expected models.FailureType
	}{
		{"ExpiredLease", "up", "expired", service.RecoveryContext{}, models.LeaseExpiredFailure},
		{"PastExpiryNotYetFlagged", "up", "unflagged", service.RecoveryContext{}, models.UnknownFailure},
		{"LeaseStillValidPeerOffline", "down", "fresh", service.RecoveryContext{}, models.NodeCrashFailure},
		{"PeerOffline", "down", "", service.RecoveryContext{}, models.NodeCrashFailure},
		{"PeerBackOnline", "up", "", service.RecoveryContext{PreviousStatus: service.PeerOffline}, models.PartitionHealedFailure},
		{"PeerOnlineNoHistory", "up", "", service.RecoveryContext{}, models.UnknownFailure},
		{"UnknownPeer", "ghost", "", service.RecoveryContext{}, models.UnknownFailure},
		{"NothingToGoOn", "", "fresh", service.RecoveryContext{}, models.UnknownFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft, err := e.svc.Recovery.ClassifyFailure(ctx, tt.peerID, tt.taskID, tt.rc)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ft)
		})
	}

	t.Run("PresenceError", func(t *testing.T) {
		e.presence.err = assert.AnError
		defer func() { e.presence.err = nil }()
		ft, err := e.svc.Recovery.ClassifyFailure(ctx, "down", "", service.RecoveryContext{})
		assert.Error(t, err)
		assert.Equal(t, models.UnknownFailure, ft)
	})
}

func TestRecovery_NodeCrash(t *testing.T) {
	ctx := context.Background()

	t.Run("Completed", func(t *testing.T) {
		e := newEnv(t)
		e.presence.set("peer-1", service.PeerOffline)
		e.addLeasedTask(t, "retry", "peer-1", 0, 3, e.now().Add(time.Minute))
		e.addLeasedTask(t, "spent", "peer-1", 3, 3, e.now().Add(time.Minute))
		e.addTask(t, "running", models.RunningTaskStatus, 1, 3, "peer-1")
		e.addLease(t, "lease-running", "running", "peer-1", e.now().Add(time.Minute))
		e.addLeasedTask(t, "bystander", "peer-2", 0, 3, e.now().Add(time.Minute))

		res, err := e.svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{
			PeerID:  "peer-1",
			Context: service.RecoveryContext{Reason: "heartbeat_timeout"},
		})
		require.NoError(t, err)
		assert.Equal(t, models.NodeCrashFailure, res.FailureType)
		assert.Equal(t, models.CompletedRecoveryStatus, res.Status)
		assert.Equal(t, models.RecoveryActions{models.RevokeLeasesAction, models.RequeueTasksAction}, res.ActionsTaken)
		assert.ElementsMatch(t, []string{"lease-retry", "lease-spent", "lease-running"}, []string(res.RevokedLeaseIDs))
		assert.ElementsMatch(t, []string{"retry", "running"}, []string(res.RequeuedTaskIDs))
		assert.Equal(t, "3", res.Metadata[service.MetaLeasesRevoked])
		assert.Equal(t, "2", res.Metadata[service.MetaTasksRequeued])
		assert.Equal(t, "1", res.Metadata[service.MetaTasksPermanentlyFailed])
		assert.Equal(t, "heartbeat_timeout", res.Metadata[service.MetaReason])
		require.NotNil(t, res.CompletedAt)
		assert.NotEmpty(t, res.AuditLog)

		retry := e.task(t, "retry")
		assert.Equal(t, models.QueuedTaskStatus, retry.Status)
		assert.Equal(t, 1, retry.RetryCount)
		assert.Nil(t, retry.AssignedPeerID)
		assert.Equal(t, 2, e.task(t, "running").RetryCount)

		spent := e.task(t, "spent")
		assert.Equal(t, models.PermanentlyFailedTaskStatus, spent.Status)
		assert.Nil(t, spent.AssignedPeerID)

		assert.Equal(t, models.LeasedTaskStatus, e.task(t, "bystander").Status)
		assert.True(t, e.lease(t, "lease-bystander").Active())

		assert.Len(t, e.sink.ofType(events.EventRecoveryStarted), 1)
		completed := e.sink.ofType(events.EventRecoveryCompleted)
		require.Len(t, completed, 1)
		assert.Equal(t, string(models.CompletedRecoveryStatus), completed[0].Data["status"])

		report, err := e.svc.Recovery.VerifyRecovery(ctx, res.RecoveryID)
		require.NoError(t, err)
		assert.True(t, report.Verified, "issues: %v", report.Issues)
		assert.Equal(t, 3, report.LeasesRevoked)
		assert.Equal(t, 2, report.TasksRequeued)
	})

	t.Run("NoTasks", func(t *testing.T) {
		e := newEnv(t)
		res, err := e.svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{
			PeerID:      "idle",
			FailureType: models.NodeCrashFailure,
		})
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRecoveryStatus, res.Status)
		assert.Empty(t, res.ActionsTaken)
		assert.Empty(t, res.RevokedLeaseIDs)
		assert.Equal(t, "0", res.Metadata[service.MetaLeasesRevoked])
	})

	t.Run("PartialFailure", func(t *testing.T) {
		e := newEnv(t)
		e.addLeasedTask(t, "ok", "peer-1", 0, 3, e.now().Add(time.Minute))
		e.addLeasedTask(t, "broken", "peer-1", 0, 3, e.now().Add(time.Minute))

		requeuer := &failingRequeuer{next: e.svc.Requeue, fails: map[string]bool{"broken": true}}
		orchestrator := service.NewRecoveryOrchestrator(e.deps, e.svc.Revocation, requeuer, e.presence)

		res, err := orchestrator.OrchestrateRecovery(ctx, service.RecoveryRequest{
			PeerID:      "peer-1",
			FailureType: models.NodeCrashFailure,
		})
		require.NoError(t, err)
		assert.Equal(t, models.PartialFailureRecoveryStatus, res.Status)
		assert.Equal(t, []string{"ok"}, []string(res.RequeuedTaskIDs))
		assert.Len(t, res.RevokedLeaseIDs, 2)

		broken := e.task(t, "broken")
		assert.Equal(t, models.FailedTaskStatus, broken.Status)
		require.NotNil(t, broken.ErrorType)
		assert.Equal(t, "node_crash", *broken.ErrorType)
	})
}

func TestRecovery_PartitionHealed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.presence.set("peer-1", service.PeerOnline)

	e.addLeasedTask(t, "stale", "peer-1", 0, 3, e.now().Add(-time.Minute))
	e.addLeasedTask(t, "valid", "peer-1", 0, 3, e.now().Add(time.Minute))
	// moved to peer-2 while peer-1 was cut off
	e.addTask(t, "moved", models.LeasedTaskStatus, 1, 3, "peer-2")
	e.addLease(t, "old-moved", "moved", "peer-1", e.now().Add(-time.Hour))
	e.addLease(t, "new-moved", "moved", "peer-2", e.now().Add(time.Minute))

	res, err := e.svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{
		PeerID:  "peer-1",
		Context: service.RecoveryContext{PreviousStatus: service.PeerOffline},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PartitionHealedFailure, res.FailureType)
	assert.Equal(t, models.CompletedRecoveryStatus, res.Status)
	assert.True(t, res.ActionsTaken.Has(models.ReconcileStateAction))
	assert.True(t, res.ActionsTaken.Has(models.FlushBufferAction))
	assert.True(t, res.ActionsTaken.Has(models.RevokeLeasesAction))
	assert.ElementsMatch(t, []string{"lease-stale", "old-moved"}, []string(res.RevokedLeaseIDs))
	assert.Equal(t, []string{"stale"}, []string(res.RequeuedTaskIDs))

	assert.Equal(t, models.QueuedTaskStatus, e.task(t, "stale").Status)
	assert.Equal(t, models.LeasedTaskStatus, e.task(t, "valid").Status)
	assert.True(t, e.lease(t, "lease-valid").Active())

	moved := e.task(t, "moved")
	assert.Equal(t, models.LeasedTaskStatus, moved.Status)
	assert.Equal(t, "peer-2", moved.PeerID())
	assert.True(t, e.lease(t, "new-moved").Active())

	t.Run("NothingExpired", func(t *testing.T) {
		res, err := e.svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{
			PeerID:      "peer-1",
			FailureType: models.PartitionHealedFailure,
		})
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRecoveryStatus, res.Status)
		assert.Empty(t, res.RevokedLeaseIDs)
		assert.False(t, res.ActionsTaken.Has(models.RevokeLeasesAction))
	})
}

func TestRecovery_LeaseExpired(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.addLeasedTask(t, "t1", "peer-1", 0, 3, e.now().Add(-time.Minute))
	e.flagExpired(t, "lease-t1")

	res, err := e.svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.LeaseExpiredFailure, res.FailureType)
	assert.Equal(t, models.CompletedRecoveryStatus, res.Status)
	assert.Equal(t, models.RecoveryActions{models.MarkLeaseExpiredAction, models.RequeueTasksAction}, res.ActionsTaken)
	assert.Equal(t, []string{"lease-t1"}, []string(res.RevokedLeaseIDs))
	assert.Equal(t, []string{"t1"}, []string(res.RequeuedTaskIDs))

	lease := e.lease(t, "lease-t1")
	assert.True(t, lease.IsExpired)
	assert.True(t, lease.IsRevoked)
	task := e.task(t, "t1")
	assert.Equal(t, models.QueuedTaskStatus, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	report, err := e.svc.Recovery.VerifyRecovery(ctx, res.RecoveryID)
	require.NoError(t, err)
	assert.True(t, report.Verified, "issues: %v", report.Issues)
}

func TestRecovery_UnknownAndInvalid(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.presence.set("peer-1", service.PeerOnline)

	res, err := e.svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{PeerID: "peer-1"})
	require.NoError(t, err)
	assert.Equal(t, models.UnknownFailure, res.FailureType)
	assert.Equal(t, models.FailedRecoveryStatus, res.Status)
	assert.Empty(t, res.ActionsTaken)

	_, err = e.svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{})
	assert.ErrorIs(t, err, service.ErrInvalidArgument)

	_, err = e.svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{PeerID: "peer-1", FailureType: "METEOR_STRIKE"})
	assert.ErrorIs(t, err, service.ErrInvalidArgument)

	res, err = e.svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{TaskID: "t1", FailureType: models.NodeCrashFailure})
	require.NoError(t, err)
	assert.Equal(t, models.FailedRecoveryStatus, res.Status)
}

func TestRecovery_History(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	first, err := e.svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{PeerID: "a", FailureType: models.NodeCrashFailure})
	require.NoError(t, err)
	e.clock.Add(time.Minute)
	second, err := e.svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{PeerID: "b", FailureType: models.NodeCrashFailure})
	require.NoError(t, err)

	got, err := e.svc.Recovery.GetRecovery(first.RecoveryID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.PeerID)
	assert.Equal(t, models.CompletedRecoveryStatus, got.Status)

	// a fresh orchestrator only has the store to go on
	other := service.NewRecoveryOrchestrator(e.deps, e.svc.Revocation, e.svc.Requeue, e.presence)
	got, err = other.GetRecovery(second.RecoveryID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.PeerID)

	list, err := other.ListRecoveries(0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.RecoveryID, list[0].RecoveryID)

	list, err = other.ListRecoveries(1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = other.GetRecovery("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecovery_VerifyFindsDrift(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.addLeasedTask(t, "t1", "peer-1", 0, 3, e.now().Add(time.Minute))

	res, err := e.svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{PeerID: "peer-1", FailureType: models.NodeCrashFailure})
	require.NoError(t, err)
	require.Equal(t, models.CompletedRecoveryStatus, res.Status)

	lease := e.lease(t, "lease-t1")
	lease.IsRevoked = false
	require.NoError(t, e.store.UpdateLease(lease))

	report, err := e.svc.Recovery.VerifyRecovery(ctx, res.RecoveryID)
	require.NoError(t, err)
	assert.False(t, report.Verified)
	assert.Equal(t, 0, report.LeasesRevoked)
	assert.Equal(t, 1, report.TasksRequeued)
	assert.Len(t, report.Issues, 2)

	_, err = e.svc.Recovery.VerifyRecovery(ctx, "missing")
	assert.Error(t, err)
}
