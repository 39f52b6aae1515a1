package models

import "time"

type TaskStatus string

const (
	QueuedTaskStatus            TaskStatus = "QUEUED"
	LeasedTaskStatus            TaskStatus = "LEASED"
	RunningTaskStatus           TaskStatus = "RUNNING"
	CompletedTaskStatus         TaskStatus = "COMPLETED"
	FailedTaskStatus            TaskStatus = "FAILED"
	ExpiredTaskStatus           TaskStatus = "EXPIRED"
	PermanentlyFailedTaskStatus TaskStatus = "PERMANENTLY_FAILED"
)

// IsTerminal reports whether no further lease or requeue may touch the task.
func (s TaskStatus) IsTerminal() bool {
	return s == CompletedTaskStatus || s == PermanentlyFailedTaskStatus
}

// IsOwned reports whether a peer currently holds the task.
func (s TaskStatus) IsOwned() bool {
	return s == LeasedTaskStatus || s == RunningTaskStatus
}

// Task represents a unit of work distributed to peers under a lease.
type Task struct {
	ID                   string       `json:"id" db:"id"`                                           // Unique identifier (caller supplied)
	IdempotencyKey       *string      `json:"idempotency_key,omitempty" db:"idempotency_key"`       // Deduplicates submissions
	TaskType             string       `json:"task_type" db:"task_type"`                             // e.g. "inference"
	Payload              Payload      `json:"payload" db:"payload"`                                 // Opaque JSON payload
	Priority             int          `json:"priority" db:"priority"`                               // Higher runs first
	RequiredCapabilities Capabilities `json:"required_capabilities" db:"required_capabilities"`     // Predicate map for peer matching
	Status               TaskStatus   `json:"status" db:"status"`                                   // Lifecycle state
	RetryCount           int          `json:"retry_count" db:"retry_count"`                         // Retries consumed
	MaxRetries           int          `json:"max_retries" db:"max_retries"`                         // Retry budget
	AssignedPeerID       *string      `json:"assigned_peer_id,omitempty" db:"assigned_peer_id"`     // Current owner, nil when unowned
	Result               Payload      `json:"result,omitempty" db:"result"`                         // Execution result
	ErrorMessage         *string      `json:"error_message,omitempty" db:"error_message"`           // Last error
	ErrorType            *string      `json:"error_type,omitempty" db:"error_type"`                 // Last error classification
	NextAttemptAt        *time.Time   `json:"next_attempt_at,omitempty" db:"next_attempt_at"`       // Advisory backoff schedule
	CreatedAt            time.Time    `json:"created_at" db:"created_at"`                           // Creation timestamp
	UpdatedAt            time.Time    `json:"updated_at" db:"updated_at"`                           // Last update timestamp
	StartedAt            *time.Time   `json:"started_at,omitempty" db:"started_at"`                 // Last lease time
	CompletedAt          *time.Time   `json:"completed_at,omitempty" db:"completed_at"`             // Terminal transition time
}

// PeerID returns the assigned peer or "" when the task is unowned.
func (t Task) PeerID() string {
	if t.AssignedPeerID == nil {
		return ""
	}
	return *t.AssignedPeerID
}

// CanRetry reports whether the retry budget still allows another attempt.
func (t Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// StringPtr is a small helper for the nullable string columns.
func StringPtr(s string) *string {
	return &s
}
