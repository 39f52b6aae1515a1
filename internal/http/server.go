package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/ignatij/leaseflow/pkg/service"
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/pkg/errors"
)

const defaultListLimit = 50

// RecoveryService is the part of the orchestrator exposed over HTTP.
type RecoveryService interface {
	OrchestrateRecovery(ctx context.Context, req service.RecoveryRequest) (*models.RecoveryResult, error)
	GetRecovery(recoveryID string) (*models.RecoveryResult, error)
	ListRecoveries(limit int) ([]models.RecoveryResult, error)
	VerifyRecovery(ctx context.Context, recoveryID string) (*service.VerificationReport, error)
}

// PeerLister reports the peers presence currently knows about.
type PeerLister interface {
	Peers() []service.PeerState
}

type handlers struct {
	recovery RecoveryService
	peers    PeerLister
	logger   service.Logger
}

// NewHandler routes the health, peer and recovery endpoints. peers may be
// nil, in which case /peers answers with an empty list.
func NewHandler(recovery RecoveryService, peers PeerLister, logger service.Logger) http.Handler {
	h := &handlers{recovery: recovery, peers: peers, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	mux.HandleFunc("GET /peers", h.listPeers)
	mux.HandleFunc("GET /recoveries", h.listRecoveries)
	mux.HandleFunc("POST /recoveries", h.triggerRecovery)
	mux.HandleFunc("GET /recoveries/{id}", h.getRecovery)
	mux.HandleFunc("GET /recoveries/{id}/verify", h.verifyRecovery)
	return mux
}

// StartServer serves handler on addr until ctx is cancelled, then shuts down
// gracefully.
func StartServer(ctx context.Context, addr string, handler http.Handler, logger service.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting leaseflow server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "listen on %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Infof("Shutting down leaseflow server")
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listPeers(w http.ResponseWriter, r *http.Request) {
	peers := []service.PeerState{}
	if h.peers != nil {
		peers = append(peers, h.peers.Peers()...)
	}
	writeJSON(w, http.StatusOK, peers)
}

func (h *handlers) listRecoveries(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	results, err := h.recovery.ListRecoveries(limit)
	if err != nil {
		h.logger.Errorf("Failed to list recoveries: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list recoveries")
		return
	}
	if results == nil {
		results = []models.RecoveryResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *handlers) triggerRecovery(w http.ResponseWriter, r *http.Request) {
	var req service.RecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := h.recovery.OrchestrateRecovery(r.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Errorf("Failed to orchestrate recovery: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to orchestrate recovery")
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *handlers) getRecovery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := h.recovery.GetRecovery(id)
	if err != nil {
		h.notFoundOr500(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) verifyRecovery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := h.recovery.VerifyRecovery(r.Context(), id)
	if err != nil {
		h.notFoundOr500(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) notFoundOr500(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "recovery "+id+" not found")
		return
	}
	h.logger.Errorf("Failed to load recovery %s: %v", id, err)
	writeError(w, http.StatusInternalServerError, "failed to load recovery")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
