package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/pkg/errors"
)

const (
	// default recovery timeout is 1m
	DefaultRecoveryTimeout = 60 * time.Second
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// PeerSignal is a presence transition observed for one peer.
type PeerSignal struct {
	PeerID     string
	Previous   PeerStatus
	Current    PeerStatus
	Reason     string
	ObservedAt time.Time
}

// RecoveryRunner is the part of the orchestrator the pool drives.
type RecoveryRunner interface {
	OrchestrateRecovery(ctx context.Context, req RecoveryRequest) (*models.RecoveryResult, error)
}

// WorkerPool turns peer signals into recoveries on a bounded set of workers.
// Signals for a peer whose identical transition is already being recovered
// are dropped.
type WorkerPool struct {
	runner     RecoveryRunner
	logger     Logger
	timeout    time.Duration
	onResult   func(*models.RecoveryResult)
	signalChan chan PeerSignal
	inflight   map[string]bool
	stopped    bool
	mu         sync.Mutex   // guards inflight
	closeMu    sync.RWMutex // guards stopped and the channel close
	wg         sync.WaitGroup
	ctx        context.Context
}

func NewWorkerPool(mainCtx context.Context, runner RecoveryRunner, logger Logger, timeout time.Duration) *WorkerPool {
	if timeout <= 0 {
		timeout = DefaultRecoveryTimeout
	}
	return &WorkerPool{
		runner:   runner,
		logger:   logger,
		timeout:  timeout,
		inflight: make(map[string]bool),
		ctx:      mainCtx,
	}
}

// OnResult registers a callback invoked with every finished recovery.
// It must be set before Start.
func (wp *WorkerPool) OnResult(fn func(*models.RecoveryResult)) {
	wp.onResult = fn
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.signalChan = make(chan PeerSignal, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop stops accepting signals and waits for in-flight recoveries.
func (wp *WorkerPool) Stop() {
	wp.closeMu.Lock()
	if wp.stopped {
		wp.closeMu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.signalChan)
	wp.closeMu.Unlock()

	wp.wg.Wait()
}

// Submit queues a signal. It blocks while all workers are busy and the
// queue is full, until the pool context is done.
func (wp *WorkerPool) Submit(signal PeerSignal) error {
	if signal.PeerID == "" {
		return errors.Wrap(ErrInvalidArgument, "peer id is required")
	}
	key := signalKey(signal)

	wp.closeMu.RLock()
	defer wp.closeMu.RUnlock()
	if wp.stopped {
		return ErrPoolStopped
	}

	wp.mu.Lock()
	if wp.inflight[key] {
		wp.mu.Unlock()
		wp.logger.Debugf("Recovery for peer %s (%s -> %s) already pending, dropping signal",
			signal.PeerID, signal.Previous, signal.Current)
		return nil
	}
	wp.inflight[key] = true
	wp.mu.Unlock()

	select {
	case wp.signalChan <- signal:
		return nil
	case <-wp.ctx.Done():
		wp.done(signal)
		return wp.ctx.Err()
	}
}

func signalKey(s PeerSignal) string {
	return s.PeerID + "|" + string(s.Previous) + "|" + string(s.Current)
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for signal := range wp.signalChan {
		if wp.ctx.Err() != nil {
			wp.done(signal)
			continue
		}
		wp.handle(signal)
		wp.done(signal)
	}
}

func (wp *WorkerPool) done(signal PeerSignal) {
	wp.mu.Lock()
	delete(wp.inflight, signalKey(signal))
	wp.mu.Unlock()
}

func (wp *WorkerPool) handle(signal PeerSignal) {
	req, ok := RequestForSignal(signal)
	if !ok {
		wp.logger.Debugf("Ignoring presence signal for peer %s (%s -> %s)", signal.PeerID, signal.Previous, signal.Current)
		return
	}

	ctx, cancel := context.WithTimeout(wp.ctx, wp.timeout)
	defer cancel()

	wp.logger.Infof("Starting recovery for peer %s (%s -> %s)", signal.PeerID, signal.Previous, signal.Current)
	result, err := wp.runner.OrchestrateRecovery(ctx, req)
	if err != nil {
		wp.logger.Errorf("Recovery for peer %s failed: %v", signal.PeerID, err)
		return
	}
	if wp.onResult != nil {
		wp.onResult(result)
	}
}

// RequestForSignal maps a presence transition onto a recovery request. A
// peer going offline is a node crash; a peer coming back after being offline
// is classified, which yields PARTITION_HEALED while it stays online. Any
// other transition needs no recovery.
func RequestForSignal(signal PeerSignal) (RecoveryRequest, bool) {
	reason := signal.Reason
	switch {
	case signal.Current == PeerOffline:
		if reason == "" {
			reason = "node_offline"
		}
		return RecoveryRequest{
			PeerID:      signal.PeerID,
			FailureType: models.NodeCrashFailure,
			Context:     RecoveryContext{PreviousStatus: signal.Previous, Reason: reason},
		}, true
	case signal.Current == PeerOnline && signal.Previous == PeerOffline:
		if reason == "" {
			reason = "peer_reconnected"
		}
		return RecoveryRequest{
			PeerID:  signal.PeerID,
			Context: RecoveryContext{PreviousStatus: PeerOffline, Reason: reason},
		}, true
	}
	return RecoveryRequest{}, false
}
