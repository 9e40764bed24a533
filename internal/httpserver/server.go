package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/civitas/resilience-engine/internal/engine"
	"github.com/civitas/resilience-engine/internal/ledger"
	"github.com/civitas/resilience-engine/internal/models"
)

type Server struct {
	engine     *engine.Engine
	authSecret string
}

func New(eng *engine.Engine, authSecret string) *Server {
	return &Server{engine: eng, authSecret: authSecret}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(bearerAuth(s.authSecret))

	r.Post("/signals", s.handleProcessSignals)

	r.Post("/margin/allocate", s.handleAllocate)
	r.Post("/margin/deploy", s.handleDeploy)
	r.Post("/margin/recover", s.handleRecover)

	r.Get("/status", s.handleStatus)
	r.Get("/utilization", s.handleUtilization)
	r.Get("/pools", s.handlePools)
	r.Post("/pools", s.handleUpsertPool)
	r.Get("/events", s.handleEvents)

	r.Get("/patterns", s.handlePatterns)
	r.Get("/stress-events", s.handleStressEvents)
	r.Get("/adaptations", s.handleAdaptations)

	r.Get("/alerts/active", s.handleActiveAlerts)
	r.Get("/alerts/history", s.handleAlertHistory)
	r.Post("/alerts/{id}/ack", s.handleAcknowledgeAlert)
	r.Post("/alerts/{id}/resolve", s.handleResolveAlert)

	r.Get("/metrics", s.handleMetrics)
	r.Post("/metrics/workflow", s.handleWorkflowMetric)

	r.Put("/config", s.handleUpdateConfig)

	return r
}

type signalsBody struct {
	Signals []models.Signal `json:"signals"`
}

func (s *Server) handleProcessSignals(w http.ResponseWriter, r *http.Request) {
	var body signalsBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Signals) == 0 {
		respondError(w, http.StatusBadRequest, "signals required")
		return
	}
	for i := range body.Signals {
		if body.Signals[i].ID == uuid.Nil {
			body.Signals[i].ID = uuid.New()
		}
		if body.Signals[i].Timestamp.IsZero() {
			body.Signals[i].Timestamp = time.Now().UTC()
		}
	}
	result, err := s.engine.ProcessSignals(r.Context(), body.Signals)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type allocateBody struct {
	PoolID    string  `json:"poolId,omitempty"`
	Category  string  `json:"category,omitempty"`
	Quantity  float64 `json:"quantity"`
	RequestID string  `json:"requestId,omitempty"`
	Priority  int     `json:"priority,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	TTLSec    int     `json:"ttlSeconds,omitempty"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var body allocateBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	alloc, err := s.engine.AllocateMargin(r.Context(), ledger.AllocateRequest{
		PoolID:    body.PoolID,
		Category:  models.ResourceCategory(body.Category),
		Quantity:  body.Quantity,
		RequestID: body.RequestID,
		Priority:  body.Priority,
		Reason:    body.Reason,
		TTL:       time.Duration(body.TTLSec) * time.Second,
	})
	if err != nil {
		respondError(w, allocationStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, alloc)
}

type deployBody struct {
	AllocationID uuid.UUID `json:"allocationId"`
	Quantity     float64   `json:"quantity"`
	Reason       string    `json:"reason,omitempty"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var body deployBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	dep, err := s.engine.DeployMargin(r.Context(), body.AllocationID, body.Quantity, body.Reason)
	if err != nil {
		respondError(w, allocationStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, dep)
}

type recoverBody struct {
	AllocationID uuid.UUID `json:"allocationId"`
	Reason       string    `json:"reason,omitempty"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var body recoverBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	recovered := s.engine.RecoverMargin(r.Context(), body.AllocationID, body.Reason)
	respondJSON(w, http.StatusOK, map[string]bool{"recovered": recovered})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.GetStatus())
}

func (s *Server) handleUtilization(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]float64{
		"overallUtilization": s.engine.GetOverallUtilization(),
	})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pools": s.engine.GetPools(),
	})
}

func (s *Server) handleUpsertPool(w http.ResponseWriter, r *http.Request) {
	var body models.ResourcePool
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.UpsertPool(body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.GetEvents(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": s.engine.GetPatterns(),
	})
}

func (s *Server) handleStressEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.GetStressEvents(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"stressEvents": events})
}

func (s *Server) handleAdaptations(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.GetAdaptationHistory(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"adaptations": records})
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": s.engine.GetActiveAlerts(),
	})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": s.engine.GetAlertHistory(queryInt(r, "limit", 100)),
	})
}

type ackBody struct {
	By string `json:"by,omitempty"`
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var body ackBody
	if err := decodeJSON(w, r, &body); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	by := body.By
	if by == "" {
		by = SubjectFromContext(r.Context())
	}
	if err := s.engine.AcknowledgeAlert(id, by); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

type resolveBody struct {
	By         string `json:"by,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var body resolveBody
	if err := decodeJSON(w, r, &body); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	by := body.By
	if by == "" {
		by = SubjectFromContext(r.Context())
	}
	if err := s.engine.ResolveAlert(id, by, body.Resolution); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(queryInt(r, "windowSeconds", 0)) * time.Second
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": s.engine.GetMetricsHistory(window),
	})
}

type workflowMetricBody struct {
	WorkflowID string `json:"workflowId"`
	DurationMs int64  `json:"durationMs"`
	Success    bool   `json:"success"`
}

func (s *Server) handleWorkflowMetric(w http.ResponseWriter, r *http.Request) {
	var body workflowMetricBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.WorkflowID == "" {
		respondError(w, http.StatusBadRequest, "workflowId required")
		return
	}
	s.engine.RecordWorkflowExecution(r.Context(), body.WorkflowID, time.Duration(body.DurationMs)*time.Millisecond, body.Success)
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body engine.ConfigUpdate
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.engine.UpdateConfig(body)
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// allocationStatus maps ledger denial reasons onto distinct status codes so
// callers can tell "insufficient stock" from "unknown allocation".
func allocationStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrPoolNotFound), errors.Is(err, ledger.ErrAllocationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientResource), errors.Is(err, ledger.ErrQuantityExceedsAllocation):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrConcurrencyLimitExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
