package presence

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignatij/leaseflow/pkg/service"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/raulk/clock"
	"github.com/samber/lo"
)

const (
	SubjectPrefix           = "heartbeat."
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultSweepInterval    = 5 * time.Second
)

// Heartbeat is what peers publish on heartbeat.<peer id>.
type Heartbeat struct {
	PeerID    string            `json:"agent_id"`
	Timestamp time.Time         `json:"timestamp"`
	Status    string            `json:"status"`
	Load      float64           `json:"load"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Tracker keeps the last heartbeat per peer and decides who is online. A
// peer is offline once its last heartbeat is older than the timeout or it
// announced status "offline".
type Tracker struct {
	clock   clock.Clock
	logger  service.Logger
	timeout time.Duration

	mu        sync.RWMutex
	peers     map[string]*service.PeerState
	callbacks []func(service.PeerSignal)
	sub       *nats.Subscription
}

func NewTracker(clk clock.Clock, logger service.Logger, timeout time.Duration) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Tracker{
		clock:   clk,
		logger:  logger,
		timeout: timeout,
		peers:   make(map[string]*service.PeerState),
	}
}

// OnTransition registers a callback fired on every status change. The first
// heartbeat of a peer is reported with an empty previous status.
func (t *Tracker) OnTransition(fn func(service.PeerSignal)) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

// Observe records a heartbeat received now.
func (t *Tracker) Observe(hb Heartbeat) {
	if hb.PeerID == "" {
		return
	}
	now := t.clock.Now().UTC()
	status := service.PeerOnline
	if strings.EqualFold(hb.Status, string(service.PeerOffline)) {
		status = service.PeerOffline
	}

	t.mu.Lock()
	state, ok := t.peers[hb.PeerID]
	if !ok {
		state = &service.PeerState{PeerID: hb.PeerID}
		t.peers[hb.PeerID] = state
	}
	previous := state.Status
	state.Status = status
	state.LastHeartbeat = now
	state.Load = hb.Load
	state.Metadata = hb.Metadata
	callbacks := append([]func(service.PeerSignal){}, t.callbacks...)
	t.mu.Unlock()

	if previous == status {
		return
	}
	reason := "heartbeat_resumed"
	if !ok {
		reason = "first_heartbeat"
	}
	if status == service.PeerOffline {
		reason = "peer_announced_offline"
	}
	t.fire(callbacks, service.PeerSignal{
		PeerID:     hb.PeerID,
		Previous:   previous,
		Current:    status,
		Reason:     reason,
		ObservedAt: now,
	})
}

// Sweep marks every online peer whose heartbeat is older than the timeout
// offline and returns their ids.
func (t *Tracker) Sweep() []string {
	now := t.clock.Now().UTC()
	var signals []service.PeerSignal

	t.mu.Lock()
	for id, state := range t.peers {
		if state.Status != service.PeerOnline || now.Sub(state.LastHeartbeat) <= t.timeout {
			continue
		}
		state.Status = service.PeerOffline
		signals = append(signals, service.PeerSignal{
			PeerID:     id,
			Previous:   service.PeerOnline,
			Current:    service.PeerOffline,
			Reason:     "heartbeat_timeout",
			ObservedAt: now,
		})
	}
	callbacks := append([]func(service.PeerSignal){}, t.callbacks...)
	t.mu.Unlock()

	sort.Slice(signals, func(i, j int) bool { return signals[i].PeerID < signals[j].PeerID })
	for _, s := range signals {
		if t.logger != nil {
			t.logger.Warnf("Peer %s missed heartbeats for more than %s, marking offline", s.PeerID, t.timeout)
		}
		t.fire(callbacks, s)
	}
	return lo.Map(signals, func(s service.PeerSignal, _ int) string { return s.PeerID })
}

func (t *Tracker) fire(callbacks []func(service.PeerSignal), signal service.PeerSignal) {
	for _, cb := range callbacks {
		cb(signal)
	}
}

// GetPeerState returns a copy of the peer's state, or nil for a peer that
// never sent a heartbeat.
func (t *Tracker) GetPeerState(ctx context.Context, peerID string) (*service.PeerState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.peers[peerID]
	if !ok {
		return nil, nil
	}
	cp := *state
	return &cp, nil
}

// Peers returns every known peer sorted by id.
func (t *Tracker) Peers() []service.PeerState {
	t.mu.RLock()
	out := lo.MapToSlice(t.peers, func(_ string, s *service.PeerState) service.PeerState { return *s })
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Subscribe feeds heartbeats from NATS into the tracker.
func (t *Tracker) Subscribe(conn *nats.Conn) error {
	sub, err := conn.Subscribe(SubjectPrefix+"*", func(m *nats.Msg) {
		var hb Heartbeat
		if err := json.Unmarshal(m.Data, &hb); err != nil {
			if t.logger != nil {
				t.logger.Debugf("Dropping malformed heartbeat on %s: %v", m.Subject, err)
			}
			return
		}
		if hb.PeerID == "" {
			hb.PeerID = strings.TrimPrefix(m.Subject, SubjectPrefix)
		}
		t.Observe(hb)
	})
	if err != nil {
		return errors.Wrap(err, "subscribe to heartbeats")
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	return nil
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := t.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Close drops the NATS subscription, if any.
func (t *Tracker) Close() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}
