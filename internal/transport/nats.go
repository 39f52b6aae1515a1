package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/raulk/clock"
)

var (
	// ErrPeerUnreachable means nobody answered on the peer's subject in time.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrProtocol means the peer answered but rejected or garbled the request.
	ErrProtocol = errors.New("transport protocol error")
)

const (
	SubjectPrefix  = "leaseflow.peer."
	DefaultTimeout = 10 * time.Second
)

// Subject is where a peer listens for task requests.
func Subject(peerID string) string {
	return SubjectPrefix + peerID + ".tasks"
}

// TaskRequest is the envelope delivered to a peer.
type TaskRequest struct {
	MessageID  string         `json:"message_id"`
	TaskID     string         `json:"task_id"`
	LeaseToken string         `json:"lease_token"`
	Payload    models.Payload `json:"payload"`
	SentAt     time.Time      `json:"sent_at"`
}

// TaskReply is the peer's acknowledgement.
type TaskReply struct {
	MessageID string `json:"message_id"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
}

// Options configures the NATS connection.
type Options struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		URL:            nats.DefaultURL,
		Name:           "leaseflow",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// Connect opens a NATS connection with the given options.
func Connect(opts Options) (*nats.Conn, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	natsOpts := []nats.Option{
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.Timeout(opts.ConnectTimeout),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}
	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "nats connect %s", opts.URL)
	}
	return conn, nil
}

// NATSTransport delivers task requests as NATS request/reply.
type NATSTransport struct {
	conn    *nats.Conn
	clock   clock.Clock
	timeout time.Duration
}

// NewNATSTransport wraps an open connection. timeout bounds a request when
// the caller's context carries no deadline.
func NewNATSTransport(conn *nats.Conn, clk clock.Clock, timeout time.Duration) *NATSTransport {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NATSTransport{conn: conn, clock: clk, timeout: timeout}
}

// SendTaskRequest delivers the task and returns the message id once the peer
// accepted it.
func (t *NATSTransport) SendTaskRequest(ctx context.Context, peerID, taskID, leaseToken string, payload models.Payload) (string, error) {
	if t.conn.IsClosed() {
		return "", errors.Wrap(ErrPeerUnreachable, "nats connection closed")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	req := TaskRequest{
		MessageID:  uuid.NewString(),
		TaskID:     taskID,
		LeaseToken: leaseToken,
		Payload:    payload,
		SentAt:     t.clock.Now().UTC(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "marshal task request")
	}

	msg, err := t.conn.RequestWithContext(ctx, Subject(peerID), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return "", errors.Wrapf(ErrPeerUnreachable, "peer %s: %v", peerID, err)
		}
		return "", errors.Wrapf(err, "request to peer %s", peerID)
	}
	if err := checkReply(req.MessageID, msg.Data); err != nil {
		return "", errors.Wrapf(err, "peer %s", peerID)
	}
	return req.MessageID, nil
}

func checkReply(messageID string, data []byte) error {
	var reply TaskReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return errors.Wrapf(ErrProtocol, "decode reply: %v", err)
	}
	if reply.MessageID != "" && reply.MessageID != messageID {
		return errors.Wrapf(ErrProtocol, "reply for message %s, expected %s", reply.MessageID, messageID)
	}
	if !reply.Accepted {
		return errors.Wrapf(ErrProtocol, "task rejected: %s", reply.Error)
	}
	return nil
}

// Handle subscribes a peer to its task subject. fn's error is sent back as a
// rejection.
func Handle(conn *nats.Conn, peerID string, fn func(TaskRequest) error) (*nats.Subscription, error) {
	sub, err := conn.Subscribe(Subject(peerID), func(m *nats.Msg) {
		var req TaskRequest
		reply := TaskReply{}
		if err := json.Unmarshal(m.Data, &req); err != nil {
			reply.Error = err.Error()
		} else {
			reply.MessageID = req.MessageID
			if err := fn(req); err != nil {
				reply.Error = err.Error()
			} else {
				reply.Accepted = true
			}
		}
		data, _ := json.Marshal(reply)
		_ = m.Respond(data)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", Subject(peerID))
	}
	return sub, nil
}
