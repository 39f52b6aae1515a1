package storage

import (
	"time"

	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when an insert violates a unique index
	// (task id, idempotency key, lease token).
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("transaction already committed or rolled back")
)

// Store defines the storage operations for tasks, leases and recovery records.
// A Store returned by Begin is a transaction; Commit/Rollback end it.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Task operations
	SaveTask(t models.Task) error
	GetTask(id string) (models.Task, error)
	// GetTaskForUpdate reads a task and locks its row for the rest of the
	// transaction where the backend supports it.
	GetTaskForUpdate(id string) (models.Task, error)
	GetTaskByIdempotencyKey(key string) (models.Task, error)
	UpdateTask(t models.Task) error
	// ListTasksByStatus orders by priority (desc) then created_at. limit <= 0 means no limit.
	ListTasksByStatus(status models.TaskStatus, limit int) ([]models.Task, error)
	// ListRequeueableTasks returns EXPIRED tasks with retry_count < max_retries.
	ListRequeueableTasks(limit int) ([]models.Task, error)
	ListTasksForPeer(peerID string, statuses ...models.TaskStatus) ([]models.Task, error)

	// Lease operations
	SaveLease(l models.TaskLease) error
	GetLease(id string) (models.TaskLease, error)
	GetLeaseByToken(token string) (models.TaskLease, error)
	UpdateLease(l models.TaskLease) error
	ListLeasesForTask(taskID string) ([]models.TaskLease, error)
	ListUnrevokedLeasesForTask(taskID string) ([]models.TaskLease, error)
	ListUnrevokedLeasesForPeer(peerID string, limit int) ([]models.TaskLease, error)
	// ListExpiredLeases returns unrevoked leases with expires_at < before,
	// whether or not they were already flagged expired, oldest first.
	ListExpiredLeases(before time.Time, limit int) ([]models.TaskLease, error)

	// Recovery audit operations
	SaveRecoveryResult(r models.RecoveryResult) error
	GetRecoveryResult(id string) (models.RecoveryResult, error)
	ListRecoveryResults(limit int) ([]models.RecoveryResult, error)
}
