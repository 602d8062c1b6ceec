// Package api exposes the orchestrator's admin HTTP surface: the three
// entry points of §4.9 (start_tally, submit_guardian_keys, combine_results)
// plus read-only progress and system-stats queries. HTTP authentication,
// caller eligibility, and any operator UI are explicit non-goals — this
// surface is meant to sit behind whatever edge auth a deployment already
// runs, the same way the teacher's gateway assumed a trusted network path
// for its own admin routes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	glob "github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"

	"github.com/electionguard/tally-orchestrator/internal/metrics"
	"github.com/electionguard/tally-orchestrator/internal/orcherr"
	"github.com/electionguard/tally-orchestrator/internal/scheduler"
)

// PhaseController is the slice of internal/phase.Controller the admin API
// calls into. Kept narrow so this package doesn't pull in the rest of
// phase's dependency graph (store, lock, credcache).
type PhaseController interface {
	StartTally(ctx context.Context, electionID string) (string, error)
	SubmitGuardianKeys(ctx context.Context, electionID, guardianID string, encryptedPrivateKeyBlob, encryptedPolynomialBlob []byte) (string, error)
	CombineResults(ctx context.Context, electionID string) (string, error)
}

// SchedulerQuery is the read-only slice of internal/scheduler.Scheduler the
// progress/stats endpoints need.
type SchedulerQuery interface {
	GetProgress(taskInstanceID string) (scheduler.Progress, error)
	GetElectionProgress(electionID string) []scheduler.Progress
	GetSystemStats() scheduler.SystemStats
}

// Handler serves the admin HTTP API.
type Handler struct {
	phase   PhaseController
	sched   SchedulerQuery
	logger  *logrus.Logger
	metrics *metrics.Metrics

	readyCheck func(context.Context) error

	mu    sync.RWMutex
	known map[string]struct{} // election ids seen by any admin call, for glob listing
}

// NewHandler creates a new admin API handler. readyCheck, if non-nil, backs
// the /ready endpoint (typically the KMS/engine health check).
func NewHandler(phase PhaseController, sched SchedulerQuery, logger *logrus.Logger, m *metrics.Metrics, readyCheck func(context.Context) error) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		phase:      phase,
		sched:      sched,
		logger:     logger,
		metrics:    m,
		readyCheck: readyCheck,
		known:      make(map[string]struct{}),
	}
}

// RegisterRoutes registers all API routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	r.HandleFunc("/elections", h.handleListElections).Methods("GET")
	r.HandleFunc("/elections/{id}/tally", h.handleStartTally).Methods("POST")
	r.HandleFunc("/elections/{id}/guardians/{guardianID}/keys", h.handleSubmitGuardianKeys).Methods("POST")
	r.HandleFunc("/elections/{id}/combine", h.handleCombine).Methods("POST")
	r.HandleFunc("/elections/{id}/progress", h.handleElectionProgress).Methods("GET")
	r.HandleFunc("/tasks/{id}/progress", h.handleTaskProgress).Methods("GET")
	r.HandleFunc("/stats", h.handleStats).Methods("GET")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.HealthHandler()(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), "GET", "/health", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ReadinessHandler(h.readyCheck)(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), "GET", "/ready", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.LivenessHandler()(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), "GET", "/live", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) remember(electionID string) {
	h.mu.Lock()
	h.known[electionID] = struct{}{}
	h.mu.Unlock()
}

// handleListElections lists election ids this process has seen an admin
// call for, optionally filtered by a glob pattern (`?match=E-2026-*`).
func (h *Handler) handleListElections(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	pattern := r.URL.Query().Get("match")

	h.mu.RLock()
	ids := make([]string, 0, len(h.known))
	for id := range h.known {
		if pattern == "" || glob.Glob(pattern, id) {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{"elections": ids})
	h.metrics.RecordHTTPRequest(r.Context(), "GET", r.URL.Path, http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleStartTally(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	electionID := mux.Vars(r)["id"]
	h.remember(electionID)

	taskInstanceID, err := h.phase.StartTally(r.Context(), electionID)
	if err != nil {
		h.writeError(w, r, start, "start_tally", electionID, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"task_instance_id": taskInstanceID})
	h.metrics.RecordHTTPRequest(r.Context(), "POST", r.URL.Path, http.StatusAccepted, time.Since(start), 0)
}

type submitGuardianKeysRequest struct {
	EncryptedPrivateKeyBlob []byte `json:"encrypted_private_key_blob"`
	EncryptedPolynomialBlob []byte `json:"encrypted_polynomial_blob"`
}

func (h *Handler) handleSubmitGuardianKeys(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	electionID, guardianID := vars["id"], vars["guardianID"]
	h.remember(electionID)

	var req submitGuardianKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, start, "submit_guardian_keys", electionID, orcherr.Validationf("submit_guardian_keys", "malformed request body: %v", err))
		return
	}

	taskInstanceID, err := h.phase.SubmitGuardianKeys(r.Context(), electionID, guardianID, req.EncryptedPrivateKeyBlob, req.EncryptedPolynomialBlob)
	if err != nil {
		h.writeError(w, r, start, "submit_guardian_keys", electionID, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"task_instance_id": taskInstanceID})
	h.metrics.RecordHTTPRequest(r.Context(), "POST", r.URL.Path, http.StatusAccepted, time.Since(start), 0)
}

func (h *Handler) handleCombine(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	electionID := mux.Vars(r)["id"]
	h.remember(electionID)

	taskInstanceID, err := h.phase.CombineResults(r.Context(), electionID)
	if err != nil {
		h.writeError(w, r, start, "combine_results", electionID, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"task_instance_id": taskInstanceID})
	h.metrics.RecordHTTPRequest(r.Context(), "POST", r.URL.Path, http.StatusAccepted, time.Since(start), 0)
}

func (h *Handler) handleElectionProgress(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	electionID := mux.Vars(r)["id"]

	progress := h.sched.GetElectionProgress(electionID)
	writeJSON(w, http.StatusOK, map[string]any{"election_id": electionID, "task_instances": progress})
	h.metrics.RecordHTTPRequest(r.Context(), "GET", r.URL.Path, http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	taskInstanceID := mux.Vars(r)["id"]

	progress, err := h.sched.GetProgress(taskInstanceID)
	if err != nil {
		h.writeError(w, r, start, "get_progress", "", err)
		return
	}

	writeJSON(w, http.StatusOK, progress)
	h.metrics.RecordHTTPRequest(r.Context(), "GET", r.URL.Path, http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	writeJSON(w, http.StatusOK, h.sched.GetSystemStats())
	h.metrics.RecordHTTPRequest(r.Context(), "GET", r.URL.Path, http.StatusOK, time.Since(start), 0)
}

// writeError maps an orcherr.Kind to an HTTP status, logs it, and writes a
// JSON error body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, start time.Time, op, electionID string, err error) {
	status := statusForError(err)
	h.logger.WithError(err).WithFields(logrus.Fields{
		"operation":   op,
		"election_id": electionID,
	}).Error("admin api request failed")

	writeJSON(w, status, map[string]any{"error": err.Error()})
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, status, time.Since(start), 0)
}

func statusForError(err error) int {
	switch {
	case orcherr.Is(err, "validation"):
		return http.StatusBadRequest
	case orcherr.Is(err, "state"):
		return http.StatusConflict
	case orcherr.Is(err, "coordination"):
		return http.StatusServiceUnavailable
	case orcherr.Is(err, "engine"):
		return http.StatusBadGateway
	case orcherr.Is(err, "storage"):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
