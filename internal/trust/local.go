package trust

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/leaseflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/raulk/clock"
)

var ErrUnknownToken = errors.New("unknown lease token")

type grant struct {
	taskID    string
	peerID    string
	expiresAt time.Time
	revoked   bool
	reason    string
}

// LocalAuthority is an in-process trust authority. It mints random lease
// tokens and remembers which were revoked.
type LocalAuthority struct {
	clock  clock.Clock
	mu     sync.RWMutex
	grants map[string]*grant
}

func NewLocalAuthority(clk clock.Clock) *LocalAuthority {
	if clk == nil {
		clk = clock.New()
	}
	return &LocalAuthority{clock: clk, grants: make(map[string]*grant)}
}

func (a *LocalAuthority) IssueLease(ctx context.Context, taskID, peerID string, durationMinutes int) (service.LeaseGrant, error) {
	if err := ctx.Err(); err != nil {
		return service.LeaseGrant{}, err
	}
	if taskID == "" || peerID == "" {
		return service.LeaseGrant{}, errors.New("task id and peer id are required")
	}
	if durationMinutes <= 0 {
		return service.LeaseGrant{}, errors.Errorf("lease duration must be positive, got %d minutes", durationMinutes)
	}

	token := uuid.NewString()
	expiresAt := a.clock.Now().UTC().Add(time.Duration(durationMinutes) * time.Minute)
	a.mu.Lock()
	a.grants[token] = &grant{taskID: taskID, peerID: peerID, expiresAt: expiresAt}
	a.mu.Unlock()
	return service.LeaseGrant{Token: token, ExpiresAt: expiresAt}, nil
}

// RevokeLease marks the token revoked. Revoking twice is not an error.
func (a *LocalAuthority) RevokeLease(ctx context.Context, token, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.grants[token]
	if !ok {
		return errors.Wrapf(ErrUnknownToken, "revoke %s", token)
	}
	if g.revoked {
		return nil
	}
	g.revoked = true
	g.reason = reason
	return nil
}

// Valid reports whether the token was issued to peerID for taskID and is
// neither revoked nor past its expiry.
func (a *LocalAuthority) Valid(token, taskID, peerID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	g, ok := a.grants[token]
	if !ok || g.revoked {
		return false
	}
	return g.taskID == taskID && g.peerID == peerID && a.clock.Now().Before(g.expiresAt)
}

// Revoked returns the revocation reason and whether the token was revoked.
func (a *LocalAuthority) Revoked(token string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	g, ok := a.grants[token]
	if !ok || !g.revoked {
		return "", false
	}
	return g.reason, true
}
