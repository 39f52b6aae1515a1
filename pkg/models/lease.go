package models

import "time"

// TaskLease is a time-bound, exclusive grant of one task to one peer.
// Leases are never deleted; expiry and revocation are recorded as flags so
// the history stays auditable.
type TaskLease struct {
	ID                   string     `json:"id" db:"id"`
	TaskID               string     `json:"task_id" db:"task_id"`
	PeerID               string     `json:"peer_id" db:"peer_id"`
	LeaseToken           string     `json:"lease_token" db:"lease_token"`
	ExpiresAt            time.Time  `json:"expires_at" db:"expires_at"`
	IsExpired            bool       `json:"is_expired" db:"is_expired"`
	IsRevoked            bool       `json:"is_revoked" db:"is_revoked"`
	RevokedAt            *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokeReason         *string    `json:"revoke_reason,omitempty" db:"revoke_reason"`
	LeaseDurationSeconds int        `json:"lease_duration_seconds" db:"lease_duration_seconds"`
	Metadata             StringMap  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
}

// Active reports whether the lease still grants ownership. A revoked lease
// is always treated as expired.
func (l TaskLease) Active() bool {
	return !l.IsRevoked && !l.IsExpired
}

// ExpiredAt reports whether the lease is flagged expired or past its expiry.
func (l TaskLease) ExpiredAt(now time.Time) bool {
	return l.IsExpired || l.ExpiresAt.Before(now)
}

// Revoke flips the lease to revoked. It returns false if it already was.
func (l *TaskLease) Revoke(now time.Time, reason string) bool {
	if l.IsRevoked {
		return false
	}
	l.IsRevoked = true
	l.RevokedAt = &now
	if reason != "" {
		l.RevokeReason = &reason
	}
	return true
}
