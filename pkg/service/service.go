package service

import (
	"context"
	"time"

	"github.com/ignatij/leaseflow/pkg/events"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/raulk/clock"
)

// Logger defines the logging interface used by every service.
// *logrus.Logger satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LeaseGrant is what the trust authority hands back for a new lease.
type LeaseGrant struct {
	Token     string
	ExpiresAt time.Time
}

// TrustAuthority mints and revokes lease tokens.
type TrustAuthority interface {
	IssueLease(ctx context.Context, taskID, peerID string, durationMinutes int) (LeaseGrant, error)
	RevokeLease(ctx context.Context, token, reason string) error
}

// Transport delivers a leased task to a peer and returns the transport
// message id.
type Transport interface {
	SendTaskRequest(ctx context.Context, peerID, taskID, leaseToken string, payload models.Payload) (string, error)
}

type PeerStatus string

const (
	PeerOnline  PeerStatus = "online"
	PeerOffline PeerStatus = "offline"
)

// PeerState is the presence verdict for one peer.
type PeerState struct {
	PeerID        string            `json:"peer_id"`
	Status        PeerStatus        `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Load          float64           `json:"load,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Presence answers whether a peer is online. A nil state means the peer is
// unknown.
type Presence interface {
	GetPeerState(ctx context.Context, peerID string) (*PeerState, error)
}

// PeerInfo is a lease candidate with its advertised capabilities.
type PeerInfo struct {
	PeerID       string              `json:"peer_id"`
	Capabilities models.Capabilities `json:"capabilities"`
}

// Deps carries the collaborators shared by every service. Zero values get
// defaults: the wall clock, a no-op event sink.
type Deps struct {
	Store  storage.Store
	Logger Logger
	Clock  clock.Clock
	Events events.Sink
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return d
}

// Services bundles the lease and recovery services wired against one store.
type Services struct {
	Admission  *AdmissionService
	Issuer     *LeaseIssuer
	Detector   *ExpirationDetector
	Revocation *RevocationService
	Requeue    *RequeueService
	Recovery   *RecoveryOrchestrator
}

// Config groups the per-service settings.
type Config struct {
	Issuer   IssuerConfig   `toml:"issuer" envconfig:"issuer"`
	Detector DetectorConfig `toml:"detector" envconfig:"detector"`
	Requeue  RequeueConfig  `toml:"requeue" envconfig:"requeue"`
}

// New wires every service. trust, transport and presence may be nil for
// callers that only use admission, requeue and revocation; the issuer then
// fails on use.
func New(deps Deps, cfg Config, trust TrustAuthority, transport Transport, presence Presence) *Services {
	deps = deps.withDefaults()
	requeue := NewRequeueService(deps, cfg.Requeue)
	revocation := NewRevocationService(deps, trust)
	return &Services{
		Admission:  NewAdmissionService(deps),
		Issuer:     NewLeaseIssuer(deps, cfg.Issuer, trust, transport),
		Detector:   NewExpirationDetector(deps, cfg.Detector, requeue),
		Revocation: revocation,
		Requeue:    requeue,
		Recovery:   NewRecoveryOrchestrator(deps, revocation, requeue, presence),
	}
}
