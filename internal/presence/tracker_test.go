package presence_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/leaseflow/internal/presence"
	"github.com/ignatij/leaseflow/pkg/service"
	"github.com/nats-io/nats.go"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	signals []service.PeerSignal
}

func (r *recorder) record(s service.PeerSignal) {
	r.mu.Lock()
	r.signals = append(r.signals, s)
	r.mu.Unlock()
}

func (r *recorder) all() []service.PeerSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]service.PeerSignal(nil), r.signals...)
}

func newTracker() (*presence.Tracker, *clock.Mock, *recorder) {
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	tracker := presence.NewTracker(clk, nil, 10*time.Second)
	rec := &recorder{}
	tracker.OnTransition(rec.record)
	return tracker, clk, rec
}

func TestTracker_Transitions(t *testing.T) {
	ctx := context.Background()
	tracker, clk, rec := newTracker()

	state, err := tracker.GetPeerState(ctx, "peer-1")
	require.NoError(t, err)
	assert.Nil(t, state)

	tracker.Observe(presence.Heartbeat{PeerID: "peer-1", Status: "idle", Load: 0.25})
	state, err = tracker.GetPeerState(ctx, "peer-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, service.PeerOnline, state.Status)
	assert.Equal(t, 0.25, state.Load)

	// steady heartbeats do not fire
	clk.Add(5 * time.Second)
	tracker.Observe(presence.Heartbeat{PeerID: "peer-1", Status: "busy"})
	assert.Empty(t, tracker.Sweep())

	clk.Add(11 * time.Second)
	assert.Equal(t, []string{"peer-1"}, tracker.Sweep())
	assert.Empty(t, tracker.Sweep())
	state, _ = tracker.GetPeerState(ctx, "peer-1")
	assert.Equal(t, service.PeerOffline, state.Status)

	tracker.Observe(presence.Heartbeat{PeerID: "peer-1"})

	signals := rec.all()
	require.Len(t, signals, 3)
	assert.Equal(t, service.PeerStatus(""), signals[0].Previous)
	assert.Equal(t, service.PeerOnline, signals[0].Current)
	assert.Equal(t, service.PeerOffline, signals[1].Current)
	assert.Equal(t, "heartbeat_timeout", signals[1].Reason)
	assert.Equal(t, service.PeerOffline, signals[2].Previous)
	assert.Equal(t, service.PeerOnline, signals[2].Current)

	// the signals map onto the recoveries the pool will run
	req, ok := service.RequestForSignal(signals[1])
	assert.True(t, ok)
	assert.Equal(t, "peer-1", req.PeerID)
	_, ok = service.RequestForSignal(signals[0])
	assert.False(t, ok)
}

func TestTracker_AnnouncedOffline(t *testing.T) {
	tracker, _, rec := newTracker()
	tracker.Observe(presence.Heartbeat{PeerID: "peer-1"})
	tracker.Observe(presence.Heartbeat{PeerID: "peer-1", Status: "offline"})

	signals := rec.all()
	require.Len(t, signals, 2)
	assert.Equal(t, service.PeerOffline, signals[1].Current)
	assert.Equal(t, "peer_announced_offline", signals[1].Reason)
}

func TestTracker_Peers(t *testing.T) {
	tracker, _, _ := newTracker()
	tracker.Observe(presence.Heartbeat{PeerID: "b"})
	tracker.Observe(presence.Heartbeat{PeerID: "a"})
	tracker.Observe(presence.Heartbeat{})

	peers := tracker.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "a", peers[0].PeerID)
	assert.Equal(t, "b", peers[1].PeerID)
}

func TestTracker_Run(t *testing.T) {
	tracker, clk, rec := newTracker()
	tracker.Observe(presence.Heartbeat{PeerID: "peer-1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx, time.Second) }()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return len(rec.all()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestTracker_NATS(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Timeout(2*time.Second), nats.MaxReconnects(0))
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	defer conn.Close()

	tracker, _, rec := newTracker()
	require.NoError(t, tracker.Subscribe(conn))
	defer tracker.Close()

	data, err := json.Marshal(presence.Heartbeat{Status: "idle", Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, conn.Publish(presence.SubjectPrefix+"peer-nats", data))
	require.NoError(t, conn.Flush())

	require.Eventually(t, func() bool {
		state, _ := tracker.GetPeerState(context.Background(), "peer-nats")
		return state != nil && state.Status == service.PeerOnline
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, rec.all(), 1)
}
