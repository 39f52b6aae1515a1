package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	internal_storage "github.com/ignatij/leaseflow/internal/storage"
	"github.com/ignatij/leaseflow/internal/testutil"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/service"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseLifecyclePostgres(t *testing.T) {
	testDB := testutil.SetupTestDB(t, "../../migrations")
	defer testDB.Teardown(t)

	setup := func(t *testing.T) (*service.Services, storage.Store, *clock.Mock, *fakeTrust, *fakeTransport) {
		store, err := internal_storage.InitStore(testDB.ConnStr)
		require.NoError(t, err)
		t.Cleanup(func() {
			testDB.Truncate(t)
			store.Close()
		})
		clk := clock.NewMock()
		clk.Set(time.Now().UTC().Truncate(time.Second))
		trust := newFakeTrust(clk)
		transport := &fakeTransport{unreachable: map[string]bool{}}
		presence := &fakePresence{states: map[string]service.PeerStatus{"peer-1": service.PeerOffline}}
		deps := service.Deps{Store: store, Logger: logger{}, Clock: clk}
		return service.New(deps, service.Config{}, trust, transport, presence), store, clk, trust, transport
	}

	t.Run("ConcurrentAdmission", func(t *testing.T) {
		svc, store, _, _, _ := setup(t)
		ctx := context.Background()

		const n = 10
		ids := make([]string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := svc.Admission.CreateTask(ctx, service.NewTask{
					ID:             fmt.Sprintf("task-%d", i),
					IdempotencyKey: "same-key",
					TaskType:       "inference",
				})
				assert.NoError(t, err)
				ids[i] = res.TaskID
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		queued, err := store.ListTasksByStatus(models.QueuedTaskStatus, 0)
		require.NoError(t, err)
		assert.Len(t, queued, 1)
	})

	t.Run("AssignExpireRequeue", func(t *testing.T) {
		svc, store, clk, _, transport := setup(t)
		ctx := context.Background()

		_, err := svc.Admission.CreateTask(ctx, service.NewTask{ID: "t1", IdempotencyKey: "k1", Payload: models.Payload{"requires_gpu": true}})
		require.NoError(t, err)

		res, err := svc.Issuer.AssignTask(ctx, "t1", gpuPeers(), nil)
		require.NoError(t, err)
		assert.Equal(t, "gpu-1", res.AssignedPeerID)
		assert.Equal(t, []string{"t1"}, transport.sent)

		// a second assignment must not produce a second active lease
		_, err = svc.Issuer.AssignTask(ctx, "t1", gpuPeers(), nil)
		assert.ErrorIs(t, err, service.ErrInvalidState)

		clk.Add(service.DefaultLeaseDuration + service.DefaultGracePeriod + time.Second)
		handled, err := svc.Detector.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, handled)

		task, err := store.GetTask("t1")
		require.NoError(t, err)
		assert.Equal(t, models.QueuedTaskStatus, task.Status)
		assert.Equal(t, 1, task.RetryCount)
		assert.Nil(t, task.AssignedPeerID)

		lease, err := store.GetLease(res.LeaseID)
		require.NoError(t, err)
		assert.True(t, lease.IsExpired)
		assert.True(t, lease.IsRevoked)
	})

	t.Run("CrashRecovery", func(t *testing.T) {
		svc, store, _, _, _ := setup(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			id := fmt.Sprintf("t%d", i)
			_, err := svc.Admission.CreateTask(ctx, service.NewTask{ID: id, IdempotencyKey: "k-" + id})
			require.NoError(t, err)
			_, err = svc.Issuer.AssignTask(ctx, id, []service.PeerInfo{{PeerID: "peer-1"}}, nil)
			require.NoError(t, err)
		}

		res, err := svc.Recovery.OrchestrateRecovery(ctx, service.RecoveryRequest{PeerID: "peer-1"})
		require.NoError(t, err)
		assert.Equal(t, models.NodeCrashFailure, res.FailureType)
		assert.Equal(t, models.CompletedRecoveryStatus, res.Status)
		assert.Len(t, res.RevokedLeaseIDs, 3)
		assert.Len(t, res.RequeuedTaskIDs, 3)

		leases, err := store.ListUnrevokedLeasesForPeer("peer-1", 0)
		require.NoError(t, err)
		assert.Empty(t, leases)

		stored, err := store.GetRecoveryResult(res.RecoveryID)
		require.NoError(t, err)
		assert.Equal(t, res.Status, stored.Status)
		assert.Equal(t, res.ActionsTaken, stored.ActionsTaken)

		report, err := svc.Recovery.VerifyRecovery(ctx, res.RecoveryID)
		require.NoError(t, err)
		assert.True(t, report.Verified, "issues: %v", report.Issues)
	})
}
