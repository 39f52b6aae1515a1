package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/pkg/errors"
)

// FaultFunc lets tests fail individual store operations. op is the method
// name ("UpdateTask", "Commit", ...) and id the row it touches, if any.
type FaultFunc func(op, id string) error

// MockOption configures the in-memory store.
type MockOption func(*memData)

// WithFault installs a fault hook consulted before every write and commit.
func WithFault(f FaultFunc) MockOption {
	return func(d *memData) {
		d.fault = f
	}
}

// memData is the committed state shared by the store and its transactions.
type memData struct {
	mu         sync.Mutex
	tasks      map[string]models.Task
	leases     map[string]models.TaskLease
	recoveries map[string]models.RecoveryResult
	fault      FaultFunc
}

// memTx holds writes staged by one transaction.
type memTx struct {
	tasks      map[string]models.Task
	leases     map[string]models.TaskLease
	recoveries map[string]models.RecoveryResult
	newTasks   map[string]bool
	newLeases  map[string]bool
	done       bool
}

// mockStore implements storage.Store in memory. Outside a transaction every
// write commits immediately; inside one, writes are staged and unique
// constraints are re-checked at commit, so two transactions racing on the
// same idempotency key behave like they would against Postgres.
type mockStore struct {
	data *memData
	tx   *memTx
}

func NewMockStore(opts ...MockOption) Store {
	d := &memData{
		tasks:      make(map[string]models.Task),
		leases:     make(map[string]models.TaskLease),
		recoveries: make(map[string]models.RecoveryResult),
	}
	for _, opt := range opts {
		opt(d)
	}
	return &mockStore{data: d}
}

func (m *mockStore) Begin() (Store, error) {
	if m.tx != nil {
		return nil, errors.New("nested transactions are not supported")
	}
	return &mockStore{
		data: m.data,
		tx: &memTx{
			tasks:      make(map[string]models.Task),
			leases:     make(map[string]models.TaskLease),
			recoveries: make(map[string]models.RecoveryResult),
			newTasks:   make(map[string]bool),
			newLeases:  make(map[string]bool),
		},
	}, nil
}

func (m *mockStore) Commit() error {
	if m.tx == nil {
		return errors.New("cannot commit: not a transaction")
	}
	if m.tx.done {
		return ErrTxDone
	}
	m.tx.done = true
	if err := m.checkFault("Commit", ""); err != nil {
		return err
	}

	m.data.mu.Lock()
	defer m.data.mu.Unlock()

	for id := range m.tx.newTasks {
		if _, ok := m.data.tasks[id]; ok {
			return errors.Wrapf(ErrDuplicateKey, "task %s", id)
		}
		if err := m.data.checkIdempotencyKey(m.tx.tasks[id]); err != nil {
			return err
		}
	}
	for id := range m.tx.newLeases {
		if err := m.data.checkLeaseToken(m.tx.leases[id]); err != nil {
			return err
		}
	}
	for id, t := range m.tx.tasks {
		m.data.tasks[id] = t
	}
	for id, l := range m.tx.leases {
		m.data.leases[id] = l
	}
	for id, r := range m.tx.recoveries {
		m.data.recoveries[id] = r
	}
	return nil
}

func (m *mockStore) Rollback() error {
	if m.tx == nil {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.tx.done {
		return ErrTxDone
	}
	// Staged writes are simply dropped.
	m.tx.done = true
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) checkFault(op, id string) error {
	if m.data.fault == nil {
		return nil
	}
	return m.data.fault(op, id)
}

func (m *mockStore) checkOpen() error {
	if m.tx != nil && m.tx.done {
		return ErrTxDone
	}
	return nil
}

// snapshot merges committed rows with this transaction's staged writes.
func (m *mockStore) snapshot() (map[string]models.Task, map[string]models.TaskLease, map[string]models.RecoveryResult) {
	m.data.mu.Lock()
	tasks := make(map[string]models.Task, len(m.data.tasks))
	for k, v := range m.data.tasks {
		tasks[k] = v
	}
	leases := make(map[string]models.TaskLease, len(m.data.leases))
	for k, v := range m.data.leases {
		leases[k] = v
	}
	recoveries := make(map[string]models.RecoveryResult, len(m.data.recoveries))
	for k, v := range m.data.recoveries {
		recoveries[k] = v
	}
	m.data.mu.Unlock()

	if m.tx != nil {
		for k, v := range m.tx.tasks {
			tasks[k] = v
		}
		for k, v := range m.tx.leases {
			leases[k] = v
		}
		for k, v := range m.tx.recoveries {
			recoveries[k] = v
		}
	}
	return tasks, leases, recoveries
}

func (d *memData) checkIdempotencyKey(t models.Task) error {
	if t.IdempotencyKey == nil {
		return nil
	}
	for _, existing := range d.tasks {
		if existing.ID != t.ID && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *t.IdempotencyKey {
			return errors.Wrapf(ErrDuplicateKey, "idempotency key %s", *t.IdempotencyKey)
		}
	}
	return nil
}

func (d *memData) checkLeaseToken(l models.TaskLease) error {
	for _, existing := range d.leases {
		if existing.ID != l.ID && existing.LeaseToken == l.LeaseToken {
			return errors.Wrapf(ErrDuplicateKey, "lease token for lease %s", l.ID)
		}
	}
	return nil
}

func (m *mockStore) SaveTask(t models.Task) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.checkFault("SaveTask", t.ID); err != nil {
		return err
	}
	tasks, _, _ := m.snapshot()
	if _, ok := tasks[t.ID]; ok {
		return errors.Wrapf(ErrDuplicateKey, "task %s", t.ID)
	}
	if t.IdempotencyKey != nil {
		for _, existing := range tasks {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *t.IdempotencyKey {
				return errors.Wrapf(ErrDuplicateKey, "idempotency key %s", *t.IdempotencyKey)
			}
		}
	}
	if m.tx != nil {
		m.tx.tasks[t.ID] = t
		m.tx.newTasks[t.ID] = true
		return nil
	}

	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.tasks[t.ID]; ok {
		return errors.Wrapf(ErrDuplicateKey, "task %s", t.ID)
	}
	if err := m.data.checkIdempotencyKey(t); err != nil {
		return err
	}
	m.data.tasks[t.ID] = t
	return nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	if err := m.checkOpen(); err != nil {
		return models.Task{}, err
	}
	tasks, _, _ := m.snapshot()
	t, ok := tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *mockStore) GetTaskForUpdate(id string) (models.Task, error) {
	return m.GetTask(id)
}

func (m *mockStore) GetTaskByIdempotencyKey(key string) (models.Task, error) {
	if err := m.checkOpen(); err != nil {
		return models.Task{}, err
	}
	tasks, _, _ := m.snapshot()
	for _, t := range tasks {
		if t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *mockStore) UpdateTask(t models.Task) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.checkFault("UpdateTask", t.ID); err != nil {
		return err
	}
	if m.tx != nil {
		tasks, _, _ := m.snapshot()
		if _, ok := tasks[t.ID]; !ok {
			return ErrNotFound
		}
		m.tx.tasks[t.ID] = t
		return nil
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	m.data.tasks[t.ID] = t
	return nil
}

func (m *mockStore) ListTasksByStatus(status models.TaskStatus, limit int) ([]models.Task, error) {
	return m.filterTasks(limit, func(t models.Task) bool {
		return t.Status == status
	})
}

func (m *mockStore) ListRequeueableTasks(limit int) ([]models.Task, error) {
	return m.filterTasks(limit, func(t models.Task) bool {
		return t.Status == models.ExpiredTaskStatus && t.RetryCount < t.MaxRetries
	})
}

func (m *mockStore) ListTasksForPeer(peerID string, statuses ...models.TaskStatus) ([]models.Task, error) {
	return m.filterTasks(0, func(t models.Task) bool {
		if t.PeerID() != peerID {
			return false
		}
		if len(statuses) == 0 {
			return true
		}
		for _, s := range statuses {
			if t.Status == s {
				return true
			}
		}
		return false
	})
}

func (m *mockStore) filterTasks(limit int, keep func(models.Task) bool) ([]models.Task, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	tasks, _, _ := m.snapshot()
	out := []models.Task{}
	for _, t := range tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) SaveLease(l models.TaskLease) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.checkFault("SaveLease", l.ID); err != nil {
		return err
	}
	_, leases, _ := m.snapshot()
	if _, ok := leases[l.ID]; ok {
		return errors.Wrapf(ErrDuplicateKey, "lease %s", l.ID)
	}
	for _, existing := range leases {
		if existing.LeaseToken == l.LeaseToken {
			return errors.Wrapf(ErrDuplicateKey, "lease token for lease %s", l.ID)
		}
	}
	if m.tx != nil {
		m.tx.leases[l.ID] = l
		m.tx.newLeases[l.ID] = true
		return nil
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if err := m.data.checkLeaseToken(l); err != nil {
		return err
	}
	m.data.leases[l.ID] = l
	return nil
}

func (m *mockStore) GetLease(id string) (models.TaskLease, error) {
	if err := m.checkOpen(); err != nil {
		return models.TaskLease{}, err
	}
	_, leases, _ := m.snapshot()
	l, ok := leases[id]
	if !ok {
		return models.TaskLease{}, ErrNotFound
	}
	return l, nil
}

func (m *mockStore) GetLeaseByToken(token string) (models.TaskLease, error) {
	if err := m.checkOpen(); err != nil {
		return models.TaskLease{}, err
	}
	_, leases, _ := m.snapshot()
	for _, l := range leases {
		if l.LeaseToken == token {
			return l, nil
		}
	}
	return models.TaskLease{}, ErrNotFound
}

func (m *mockStore) UpdateLease(l models.TaskLease) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.checkFault("UpdateLease", l.ID); err != nil {
		return err
	}
	if m.tx != nil {
		_, leases, _ := m.snapshot()
		if _, ok := leases[l.ID]; !ok {
			return ErrNotFound
		}
		m.tx.leases[l.ID] = l
		return nil
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.leases[l.ID]; !ok {
		return ErrNotFound
	}
	m.data.leases[l.ID] = l
	return nil
}

func (m *mockStore) ListLeasesForTask(taskID string) ([]models.TaskLease, error) {
	return m.filterLeases(0, func(l models.TaskLease) bool {
		return l.TaskID == taskID
	})
}

func (m *mockStore) ListUnrevokedLeasesForTask(taskID string) ([]models.TaskLease, error) {
	return m.filterLeases(0, func(l models.TaskLease) bool {
		return l.TaskID == taskID && !l.IsRevoked
	})
}

func (m *mockStore) ListUnrevokedLeasesForPeer(peerID string, limit int) ([]models.TaskLease, error) {
	return m.filterLeases(limit, func(l models.TaskLease) bool {
		return l.PeerID == peerID && !l.IsRevoked
	})
}

func (m *mockStore) ListExpiredLeases(before time.Time, limit int) ([]models.TaskLease, error) {
	return m.filterLeases(limit, func(l models.TaskLease) bool {
		return l.ExpiresAt.Before(before) && !l.IsRevoked
	})
}

func (m *mockStore) filterLeases(limit int, keep func(models.TaskLease) bool) ([]models.TaskLease, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	_, leases, _ := m.snapshot()
	out := []models.TaskLease{}
	for _, l := range leases {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) SaveRecoveryResult(r models.RecoveryResult) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.checkFault("SaveRecoveryResult", r.RecoveryID); err != nil {
		return err
	}
	if m.tx != nil {
		m.tx.recoveries[r.RecoveryID] = r
		return nil
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	m.data.recoveries[r.RecoveryID] = r
	return nil
}

func (m *mockStore) GetRecoveryResult(id string) (models.RecoveryResult, error) {
	if err := m.checkOpen(); err != nil {
		return models.RecoveryResult{}, err
	}
	_, _, recoveries := m.snapshot()
	r, ok := recoveries[id]
	if !ok {
		return models.RecoveryResult{}, ErrNotFound
	}
	return r, nil
}

func (m *mockStore) ListRecoveryResults(limit int) ([]models.RecoveryResult, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	_, _, recoveries := m.snapshot()
	out := make([]models.RecoveryResult, 0, len(recoveries))
	for _, r := range recoveries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
