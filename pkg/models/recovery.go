package models

import (
	"database/sql/driver"
	"time"
)

// FailureType classifies an observed failure. The set is closed; anything
// the classifier cannot place is UnknownFailure.
type FailureType string

const (
	NodeCrashFailure       FailureType = "NODE_CRASH"
	PartitionHealedFailure FailureType = "PARTITION_HEALED"
	LeaseExpiredFailure    FailureType = "LEASE_EXPIRED"
	UnknownFailure         FailureType = "UNKNOWN"
)

// ParseFailureType maps a user-supplied string onto the closed set.
func ParseFailureType(s string) (FailureType, bool) {
	switch FailureType(s) {
	case NodeCrashFailure, PartitionHealedFailure, LeaseExpiredFailure, UnknownFailure:
		return FailureType(s), true
	}
	return "", false
}

type RecoveryStatus string

const (
	InProgressRecoveryStatus     RecoveryStatus = "IN_PROGRESS"
	CompletedRecoveryStatus      RecoveryStatus = "COMPLETED"
	PartialFailureRecoveryStatus RecoveryStatus = "PARTIAL_FAILURE"
	FailedRecoveryStatus         RecoveryStatus = "FAILED"
)

func (s RecoveryStatus) IsTerminal() bool {
	return s != InProgressRecoveryStatus
}

type RecoveryAction string

const (
	RevokeLeasesAction     RecoveryAction = "REVOKE_LEASES"
	RequeueTasksAction     RecoveryAction = "REQUEUE_TASKS"
	MarkLeaseExpiredAction RecoveryAction = "MARK_LEASE_EXPIRED"
	ReconcileStateAction   RecoveryAction = "RECONCILE_STATE"
	FlushBufferAction      RecoveryAction = "FLUSH_BUFFER"
)

// RecoveryActions is an insertion-ordered set of actions stored as JSONB.
type RecoveryActions []RecoveryAction

func (a RecoveryActions) Value() (driver.Value, error) { return jsonValue(a) }

func (a *RecoveryActions) Scan(src any) error { return jsonScan(src, a) }

// Has reports whether the action was recorded.
func (a RecoveryActions) Has(action RecoveryAction) bool {
	for _, v := range a {
		if v == action {
			return true
		}
	}
	return false
}

// RecoveryResult is the audit record of one recovery operation.
type RecoveryResult struct {
	RecoveryID      string          `json:"recovery_id" yaml:"recovery_id" db:"recovery_id"`
	PeerID          string          `json:"peer_id,omitempty" yaml:"peer_id,omitempty" db:"peer_id"`
	TaskID          string          `json:"task_id,omitempty" yaml:"task_id,omitempty" db:"task_id"`
	FailureType     FailureType     `json:"failure_type" yaml:"failure_type" db:"failure_type"`
	Status          RecoveryStatus  `json:"status" yaml:"status" db:"status"`
	ActionsTaken    RecoveryActions `json:"actions_taken" yaml:"actions_taken" db:"actions_taken"`
	AuditLog        StringList      `json:"audit_log" yaml:"audit_log" db:"audit_log"`
	RevokedLeaseIDs StringList      `json:"revoked_lease_ids,omitempty" yaml:"revoked_lease_ids,omitempty" db:"revoked_lease_ids"`
	RequeuedTaskIDs StringList      `json:"requeued_task_ids,omitempty" yaml:"requeued_task_ids,omitempty" db:"requeued_task_ids"`
	StartedAt       time.Time       `json:"started_at" yaml:"started_at" db:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty" db:"completed_at"`
	DurationSeconds float64         `json:"duration_seconds" yaml:"duration_seconds" db:"duration_seconds"`
	Metadata        StringMap       `json:"metadata,omitempty" yaml:"metadata,omitempty" db:"metadata"`
}

// AddAction records an action once, keeping first-seen order.
func (r *RecoveryResult) AddAction(action RecoveryAction) {
	if r.ActionsTaken.Has(action) {
		return
	}
	r.ActionsTaken = append(r.ActionsTaken, action)
}
