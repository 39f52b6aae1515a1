package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidArgument is returned for empty or malformed identifiers.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidState is returned when a task is not in a state the operation accepts.
	ErrInvalidState = errors.New("invalid state")
)

// NoCapableNodesError means no candidate peer satisfied the requirements.
type NoCapableNodesError struct {
	TaskID     string
	Candidates int
	Required   models.Capabilities
}

func (e *NoCapableNodesError) Error() string {
	keys := make([]string, 0, len(e.Required))
	for k := range e.Required {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("no capable peer for task %s among %d candidates (requires %s)",
		e.TaskID, e.Candidates, strings.Join(keys, ", "))
}

// PeerUnreachableError means the task could not be delivered; the lease was
// revoked and the task put back in the queue.
type PeerUnreachableError struct {
	TaskID string
	PeerID string
	Err    error
}

func (e *PeerUnreachableError) Error() string {
	return fmt.Sprintf("peer %s unreachable for task %s: %v", e.PeerID, e.TaskID, e.Err)
}

func (e *PeerUnreachableError) Unwrap() error { return e.Err }

// LeaseIssuanceError means the trust authority refused or failed to mint a
// lease. Task state is untouched.
type LeaseIssuanceError struct {
	TaskID string
	PeerID string
	Err    error
}

func (e *LeaseIssuanceError) Error() string {
	return fmt.Sprintf("issue lease for task %s to peer %s: %v", e.TaskID, e.PeerID, e.Err)
}

func (e *LeaseIssuanceError) Unwrap() error { return e.Err }
