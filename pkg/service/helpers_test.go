package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/leaseflow/pkg/events"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/service"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Debugf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Warnf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

// recordingSink keeps every published event.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(eventType events.EventType, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events.Event{Type: eventType, Data: data})
}

func (r *recordingSink) ofType(eventType events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// fakeTrust mints sequential tokens and records revocations.
type fakeTrust struct {
	mu        sync.Mutex
	clock     clock.Clock
	issueErr  error
	revokeErr error
	issued    int
	revoked   map[string]string
}

func newFakeTrust(clk clock.Clock) *fakeTrust {
	return &fakeTrust{clock: clk, revoked: make(map[string]string)}
}

func (f *fakeTrust) IssueLease(ctx context.Context, taskID, peerID string, durationMinutes int) (service.LeaseGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return service.LeaseGrant{}, f.issueErr
	}
	f.issued++
	return service.LeaseGrant{
		Token:     fmt.Sprintf("token-%s-%s-%d", taskID, peerID, f.issued),
		ExpiresAt: f.clock.Now().Add(time.Duration(durationMinutes) * time.Minute),
	}, nil
}

func (f *fakeTrust) RevokeLease(ctx context.Context, token, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked[token] = reason
	return nil
}

func (f *fakeTrust) wasRevoked(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.revoked[token]
	return ok
}

// fakeTransport fails for the peers listed in unreachable.
type fakeTransport struct {
	mu          sync.Mutex
	unreachable map[string]bool
	sent        []string
}

func (f *fakeTransport) SendTaskRequest(ctx context.Context, peerID, taskID, leaseToken string, payload models.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[peerID] {
		return "", errors.New("no responders")
	}
	f.sent = append(f.sent, taskID)
	return "msg-" + taskID, nil
}

// fakePresence answers from a fixed map.
type fakePresence struct {
	mu     sync.Mutex
	states map[string]service.PeerStatus
	err    error
}

func (f *fakePresence) set(peerID string, status service.PeerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[peerID] = status
}

func (f *fakePresence) GetPeerState(ctx context.Context, peerID string) (*service.PeerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	status, ok := f.states[peerID]
	if !ok {
		return nil, nil
	}
	return &service.PeerState{PeerID: peerID, Status: status}, nil
}

// env is a fully wired set of services over the in-memory store.
type env struct {
	store     storage.Store
	clock     *clock.Mock
	sink      *recordingSink
	trust     *fakeTrust
	transport *fakeTransport
	presence  *fakePresence
	deps      service.Deps
	svc       *service.Services
}

func newEnv(t *testing.T, opts ...storage.MockOption) *env {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	e := &env{
		store:     storage.NewMockStore(opts...),
		clock:     clk,
		sink:      &recordingSink{},
		trust:     newFakeTrust(clk),
		transport: &fakeTransport{unreachable: map[string]bool{}},
		presence:  &fakePresence{states: map[string]service.PeerStatus{}},
	}
	e.deps = service.Deps{Store: e.store, Logger: logger{}, Clock: clk, Events: e.sink}
	e.svc = service.New(e.deps, service.Config{}, e.trust, e.transport, e.presence)
	return e
}

func (e *env) now() time.Time {
	return e.clock.Now().UTC()
}

// addTask stores a task directly, bypassing admission.
func (e *env) addTask(t *testing.T, id string, status models.TaskStatus, retryCount, maxRetries int, peerID string) models.Task {
	t.Helper()
	task := models.Task{
		ID:                   id,
		IdempotencyKey:       models.StringPtr("key-" + id),
		TaskType:             "inference",
		Payload:              models.Payload{},
		RequiredCapabilities: models.Capabilities{},
		Status:               status,
		RetryCount:           retryCount,
		MaxRetries:           maxRetries,
		CreatedAt:            e.now(),
		UpdatedAt:            e.now(),
	}
	if peerID != "" {
		task.AssignedPeerID = models.StringPtr(peerID)
	}
	require.NoError(t, e.store.SaveTask(task))
	return task
}

// addLease stores an unrevoked lease expiring at expiresAt.
func (e *env) addLease(t *testing.T, id, taskID, peerID string, expiresAt time.Time) models.TaskLease {
	t.Helper()
	lease := models.TaskLease{
		ID:                   id,
		TaskID:               taskID,
		PeerID:               peerID,
		LeaseToken:           "token-" + id,
		ExpiresAt:            expiresAt,
		LeaseDurationSeconds: 300,
		CreatedAt:            expiresAt.Add(-5 * time.Minute),
	}
	require.NoError(t, e.store.SaveLease(lease))
	return lease
}

// addLeasedTask stores a LEASED task with an active lease held by peerID.
func (e *env) addLeasedTask(t *testing.T, id, peerID string, retryCount, maxRetries int, expiresAt time.Time) (models.Task, models.TaskLease) {
	t.Helper()
	task := e.addTask(t, id, models.LeasedTaskStatus, retryCount, maxRetries, peerID)
	lease := e.addLease(t, "lease-"+id, id, peerID, expiresAt)
	return task, lease
}

// flagExpired sets is_expired on a stored lease the way the detector does.
func (e *env) flagExpired(t *testing.T, leaseID string) {
	t.Helper()
	lease := e.lease(t, leaseID)
	lease.IsExpired = true
	require.NoError(t, e.store.UpdateLease(lease))
}

func (e *env) task(t *testing.T, id string) models.Task {
	t.Helper()
	task, err := e.store.GetTask(id)
	require.NoError(t, err)
	return task
}

func (e *env) lease(t *testing.T, id string) models.TaskLease {
	t.Helper()
	lease, err := e.store.GetLease(id)
	require.NoError(t, err)
	return lease
}

func intPtr(i int) *int {
	return &i
}
