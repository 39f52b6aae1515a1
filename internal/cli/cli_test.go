package cli_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ignatij/leaseflow/internal/cli"
	"github.com/ignatij/leaseflow/internal/config"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/service"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type acceptAll struct{}

func (acceptAll) SendTaskRequest(ctx context.Context, peerID, taskID, leaseToken string, payload models.Payload) (string, error) {
	return "msg-" + taskID, nil
}

func newApp(store storage.Store) *cli.App {
	app := cli.NewApp()
	app.OpenStore = func(url string) (storage.Store, error) {
		return store, nil
	}
	app.OpenTransport = func(cfg *config.Config) (service.Transport, func(), error) {
		return acceptAll{}, func() {}, nil
	}
	return app
}

func run(t *testing.T, app *cli.App, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "leaseflow"}
	cli.SetupCLI(root, app)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--db", "postgres://test", "--log-level", "ERROR"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// eventCount reads leaseflow_events_total for one event type from reg.
func eventCount(t *testing.T, reg *prometheus.Registry, event string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "leaseflow_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "event" && label.GetValue() == event {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestCLI_TaskLifecycle(t *testing.T) {
	store := storage.NewMockStore()
	app := newApp(store)

	out, err := run(t, app, "task", "create", "--id", "t1", "--key", "job-1", "--payload", `{"prompt":"hi"}`)
	require.NoError(t, err)
	var created service.TaskCreationResult
	require.NoError(t, yaml.Unmarshal([]byte(out), &created))
	assert.True(t, created.IsNewTask)
	assert.Equal(t, "t1", created.TaskID)

	out, err = run(t, app, "task", "create", "--id", "t2", "--key", "job-1")
	require.NoError(t, err)
	var dup service.TaskCreationResult
	require.NoError(t, yaml.Unmarshal([]byte(out), &dup))
	assert.False(t, dup.IsNewTask)
	assert.Equal(t, "t1", dup.TaskID)

	out, err = run(t, app, "assign", "t1", "--peer", "peer-1")
	require.NoError(t, err)
	assert.Contains(t, out, "status: ASSIGNED")
	assert.Contains(t, out, "assigned_peer_id: peer-1")

	out, err = run(t, app, "revoke", "--peer", "peer-1", "--reason", "node_crash")
	require.NoError(t, err)
	assert.Contains(t, out, "revoked_count: 1")

	task, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, models.ExpiredTaskStatus, task.Status)

	out, err = run(t, app, "requeue", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued: true")

	task, err = store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, models.QueuedTaskStatus, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	// every command counts into the same registry
	assert.Equal(t, 1.0, eventCount(t, app.Registry, "task_created"))
	assert.Equal(t, 1.0, eventCount(t, app.Registry, "duplicate_task_prevented"))
	assert.Equal(t, 1.0, eventCount(t, app.Registry, "lease_issued"))
	assert.Equal(t, 1.0, eventCount(t, app.Registry, "lease_revoked"))
	assert.Equal(t, 1.0, eventCount(t, app.Registry, "task_requeued"))
	assert.Equal(t, 0.0, eventCount(t, app.Registry, "lease_expired"))
}

func TestCLI_RecoverAndVerify(t *testing.T) {
	store := storage.NewMockStore()
	app := newApp(store)

	_, err := run(t, app, "task", "create", "--id", "t1", "--key", "job-1")
	require.NoError(t, err)
	_, err = run(t, app, "assign", "t1", "--peer", "peer-1")
	require.NoError(t, err)

	out, err := run(t, app, "recover", "--peer", "peer-1", "--failure-type", "NODE_CRASH", "--reason", "operator")
	require.NoError(t, err)
	var result struct {
		RecoveryID      string   `yaml:"recovery_id"`
		Status          string   `yaml:"status"`
		RequeuedTaskIDs []string `yaml:"requeued_task_ids"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &result))
	assert.Equal(t, string(models.CompletedRecoveryStatus), result.Status)
	assert.Equal(t, []string{"t1"}, result.RequeuedTaskIDs)

	out, err = run(t, app, "verify", result.RecoveryID)
	require.NoError(t, err)
	assert.Contains(t, out, "verified: true")

	_, err = run(t, app, "verify", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCLI_InvalidInput(t *testing.T) {
	app := newApp(storage.NewMockStore())

	_, err := run(t, app, "revoke")
	assert.Error(t, err)
	_, err = run(t, app, "revoke", "--peer", "p", "--expired")
	assert.Error(t, err)
	_, err = run(t, app, "requeue")
	assert.Error(t, err)
	_, err = run(t, app, "assign", "t1")
	assert.Error(t, err)
	_, err = run(t, app, "task", "create", "--id", "t1", "--key", "k", "--payload", "{not json")
	assert.Error(t, err)
	_, err = run(t, app, "recover", "--peer", "p", "--failure-type", "METEOR")
	assert.ErrorIs(t, err, service.ErrInvalidArgument)
}

func TestCLI_AssignFromPeersFile(t *testing.T) {
	store := storage.NewMockStore()
	app := newApp(store)

	path := filepath.Join(t.TempDir(), "peers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
peers:
  - id: cpu-1
    capabilities:
      gpu: false
  - id: gpu-1
    capabilities:
      gpu: true
      vram_gb: 24
`), 0o600))

	_, err := run(t, app, "task", "create", "--id", "t1", "--key", "job-1",
		"--capabilities", `{"gpu":true,"vram_gb":16}`)
	require.NoError(t, err)

	out, err := run(t, app, "assign", "t1", "--peers", path)
	require.NoError(t, err)
	assert.Contains(t, out, "assigned_peer_id: gpu-1")
}
