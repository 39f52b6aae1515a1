package storage

import (
	"database/sql"
	"time"

	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return mapError(tx.Commit())
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		err := tx.Rollback()
		if errors.Is(err, sql.ErrTxDone) {
			return storage.ErrTxDone
		}
		return err
	}
	return errors.New("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

const taskColumns = `id, idempotency_key, task_type, payload, priority, required_capabilities, status,
	retry_count, max_retries, assigned_peer_id, result, error_message, error_type, next_attempt_at,
	created_at, updated_at, started_at, completed_at`

const leaseColumns = `id, task_id, peer_id, lease_token, expires_at, is_expired, is_revoked, revoked_at,
	revoke_reason, lease_duration_seconds, metadata, created_at`

const recoveryColumns = `recovery_id, peer_id, task_id, failure_type, status, actions_taken, audit_log,
	revoked_lease_ids, requeued_task_ids, started_at, completed_at, duration_seconds, metadata`

// SaveTask inserts a new task. Unique violations on id or idempotency_key
// surface as storage.ErrDuplicateKey.
func (s *PostgresStore) SaveTask(t models.Task) error {
	_, err := s.db.Exec(`INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.IdempotencyKey, t.TaskType, t.Payload, t.Priority, t.RequiredCapabilities, t.Status,
		t.RetryCount, t.MaxRetries, t.AssignedPeerID, t.Result, t.ErrorMessage, t.ErrorType, t.NextAttemptAt,
		t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return errors.Wrapf(mapError(err), "save task %s", t.ID)
	}
	return nil
}

func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	return s.getTask("SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
}

// GetTaskForUpdate locks the task row until the surrounding transaction ends.
func (s *PostgresStore) GetTaskForUpdate(id string) (models.Task, error) {
	return s.getTask("SELECT "+taskColumns+" FROM tasks WHERE id = $1 FOR UPDATE", id)
}

func (s *PostgresStore) GetTaskByIdempotencyKey(key string) (models.Task, error) {
	return s.getTask("SELECT "+taskColumns+" FROM tasks WHERE idempotency_key = $1", key)
}

func (s *PostgresStore) getTask(query string, arg string) (models.Task, error) {
	var task models.Task
	err := s.db.Get(&task, query, arg)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "get task %s", arg)
	}
	return task, nil
}

func (s *PostgresStore) UpdateTask(t models.Task) error {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET idempotency_key = $2,
		task_type = $3,
		payload = $4,
		priority = $5,
		required_capabilities = $6,
		status = $7,
		retry_count = $8,
		max_retries = $9,
		assigned_peer_id = $10,
		result = $11,
		error_message = $12,
		error_type = $13,
		next_attempt_at = $14,
		updated_at = $15,
		started_at = $16,
		completed_at = $17
		WHERE id = $1`,
		t.ID, t.IdempotencyKey, t.TaskType, t.Payload, t.Priority, t.RequiredCapabilities, t.Status,
		t.RetryCount, t.MaxRetries, t.AssignedPeerID, t.Result, t.ErrorMessage, t.ErrorType, t.NextAttemptAt,
		t.UpdatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return errors.Wrapf(mapError(err), "update task %s", t.ID)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListTasksByStatus(status models.TaskStatus, limit int) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, `SELECT `+taskColumns+` FROM tasks WHERE status = $1
		ORDER BY priority DESC, created_at, id `+limitClause(2), status, nullableLimit(limit))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s tasks", status)
	}
	return tasks, nil
}

func (s *PostgresStore) ListRequeueableTasks(limit int) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, `SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND retry_count < max_retries
		ORDER BY priority DESC, created_at, id `+limitClause(2), models.ExpiredTaskStatus, nullableLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "list requeueable tasks")
	}
	return tasks, nil
}

func (s *PostgresStore) ListTasksForPeer(peerID string, statuses ...models.TaskStatus) ([]models.Task, error) {
	tasks := []models.Task{}
	if len(statuses) == 0 {
		err := s.db.Select(&tasks, `SELECT `+taskColumns+` FROM tasks WHERE assigned_peer_id = $1
			ORDER BY priority DESC, created_at, id`, peerID)
		if err != nil {
			return nil, errors.Wrapf(err, "list tasks for peer %s", peerID)
		}
		return tasks, nil
	}
	query, args, err := sqlx.In(`SELECT `+taskColumns+` FROM tasks WHERE assigned_peer_id = ? AND status IN (?)
		ORDER BY priority DESC, created_at, id`, peerID, statuses)
	if err != nil {
		return nil, err
	}
	if err := s.db.Select(&tasks, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, errors.Wrapf(err, "list tasks for peer %s", peerID)
	}
	return tasks, nil
}

func (s *PostgresStore) SaveLease(l models.TaskLease) error {
	_, err := s.db.Exec(`INSERT INTO task_leases (`+leaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		l.ID, l.TaskID, l.PeerID, l.LeaseToken, l.ExpiresAt, l.IsExpired, l.IsRevoked, l.RevokedAt,
		l.RevokeReason, l.LeaseDurationSeconds, l.Metadata, l.CreatedAt)
	if err != nil {
		return errors.Wrapf(mapError(err), "save lease %s", l.ID)
	}
	return nil
}

func (s *PostgresStore) GetLease(id string) (models.TaskLease, error) {
	return s.getLease("SELECT "+leaseColumns+" FROM task_leases WHERE id = $1", id)
}

func (s *PostgresStore) GetLeaseByToken(token string) (models.TaskLease, error) {
	return s.getLease("SELECT "+leaseColumns+" FROM task_leases WHERE lease_token = $1", token)
}

func (s *PostgresStore) getLease(query string, arg string) (models.TaskLease, error) {
	var lease models.TaskLease
	err := s.db.Get(&lease, query, arg)
	if err == sql.ErrNoRows {
		return models.TaskLease{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskLease{}, errors.Wrap(err, "get lease")
	}
	return lease, nil
}

func (s *PostgresStore) UpdateLease(l models.TaskLease) error {
	res, err := s.db.Exec(`
		UPDATE task_leases
		SET expires_at = $2,
		is_expired = $3,
		is_revoked = $4,
		revoked_at = $5,
		revoke_reason = $6,
		metadata = $7
		WHERE id = $1`,
		l.ID, l.ExpiresAt, l.IsExpired, l.IsRevoked, l.RevokedAt, l.RevokeReason, l.Metadata)
	if err != nil {
		return errors.Wrapf(mapError(err), "update lease %s", l.ID)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListLeasesForTask(taskID string) ([]models.TaskLease, error) {
	return s.selectLeases("SELECT "+leaseColumns+" FROM task_leases WHERE task_id = $1 ORDER BY expires_at, id", taskID)
}

func (s *PostgresStore) ListUnrevokedLeasesForTask(taskID string) ([]models.TaskLease, error) {
	return s.selectLeases(`SELECT `+leaseColumns+` FROM task_leases
		WHERE task_id = $1 AND is_revoked = FALSE ORDER BY expires_at, id`, taskID)
}

func (s *PostgresStore) ListUnrevokedLeasesForPeer(peerID string, limit int) ([]models.TaskLease, error) {
	return s.selectLeases(`SELECT `+leaseColumns+` FROM task_leases
		WHERE peer_id = $1 AND is_revoked = FALSE ORDER BY expires_at, id `+limitClause(2), peerID, nullableLimit(limit))
}

func (s *PostgresStore) ListExpiredLeases(before time.Time, limit int) ([]models.TaskLease, error) {
	return s.selectLeases(`SELECT `+leaseColumns+` FROM task_leases
		WHERE expires_at < $1 AND is_revoked = FALSE
		ORDER BY expires_at, id `+limitClause(2), before, nullableLimit(limit))
}

func (s *PostgresStore) selectLeases(query string, args ...interface{}) ([]models.TaskLease, error) {
	leases := []models.TaskLease{}
	if err := s.db.Select(&leases, query, args...); err != nil {
		return nil, errors.Wrap(err, "list leases")
	}
	return leases, nil
}

// SaveRecoveryResult upserts the audit record; recoveries are saved once
// when started and again when they reach a terminal status.
func (s *PostgresStore) SaveRecoveryResult(r models.RecoveryResult) error {
	_, err := s.db.Exec(`INSERT INTO recovery_results (`+recoveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (recovery_id) DO UPDATE SET
		status = EXCLUDED.status,
		actions_taken = EXCLUDED.actions_taken,
		audit_log = EXCLUDED.audit_log,
		revoked_lease_ids = EXCLUDED.revoked_lease_ids,
		requeued_task_ids = EXCLUDED.requeued_task_ids,
		completed_at = EXCLUDED.completed_at,
		duration_seconds = EXCLUDED.duration_seconds,
		metadata = EXCLUDED.metadata`,
		r.RecoveryID, r.PeerID, r.TaskID, r.FailureType, r.Status, r.ActionsTaken, r.AuditLog,
		r.RevokedLeaseIDs, r.RequeuedTaskIDs, r.StartedAt, r.CompletedAt, r.DurationSeconds, r.Metadata)
	if err != nil {
		return errors.Wrapf(err, "save recovery %s", r.RecoveryID)
	}
	return nil
}

func (s *PostgresStore) GetRecoveryResult(id string) (models.RecoveryResult, error) {
	var r models.RecoveryResult
	err := s.db.Get(&r, "SELECT "+recoveryColumns+" FROM recovery_results WHERE recovery_id = $1", id)
	if err == sql.ErrNoRows {
		return models.RecoveryResult{}, storage.ErrNotFound
	}
	if err != nil {
		return models.RecoveryResult{}, errors.Wrapf(err, "get recovery %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRecoveryResults(limit int) ([]models.RecoveryResult, error) {
	results := []models.RecoveryResult{}
	err := s.db.Select(&results, "SELECT "+recoveryColumns+" FROM recovery_results ORDER BY started_at DESC "+limitClause(1), nullableLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "list recoveries")
	}
	return results, nil
}
