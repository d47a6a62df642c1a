// Package api exposes the operator-facing HTTP surface: job submission and
// inspection, device controls, the bot catalog, alerts, and metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fleet-coordinator/internal/alerts"
	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/coordinator"
	"fleet-coordinator/internal/metrics"
	"fleet-coordinator/internal/models"
	"fleet-coordinator/internal/ratelimit"
	"fleet-coordinator/internal/registry"
	"fleet-coordinator/internal/store"
	"fleet-coordinator/internal/telemetry"
)

// Server wires HTTP handlers over the coordinator and its collaborators.
type Server struct {
	cfg       config.Config
	coord     *coordinator.Coordinator
	reg       *registry.Registry
	store     store.Store
	collector *metrics.Collector
	alerts    *alerts.Manager
	limiter   *ratelimit.Limiter
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, coord *coordinator.Coordinator, reg *registry.Registry, st store.Store, collector *metrics.Collector, am *alerts.Manager, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:       cfg,
		coord:     coord,
		reg:       reg,
		store:     st,
		collector: collector,
		alerts:    am,
		limiter:   limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler(s.collector.Latest))

	r.Get("/bots/registry", s.handleBotRegistry)

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	r.Get("/devices", s.handleListDevices)
	r.Post("/devices/{id}/reset", s.handleResetDevice)

	r.Get("/fleet/metrics", s.handleFleetMetrics)
	r.Get("/fleet/metrics/history", s.handleMetricsHistory)

	r.Get("/alerts/recent", s.handleRecentAlerts)
	r.Post("/alerts/manual", s.handleManualAlert)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBotRegistry(w http.ResponseWriter, _ *http.Request) {
	bots, version, updated := s.coord.Bots()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"data": map[string]any{
			"bots":        bots,
			"version":     version,
			"lastUpdated": updated.Format(time.RFC3339),
		},
	})
}

type submitRequest struct {
	JobID   string         `json:"job_id"`
	BotKey  string         `json:"bot_key"`
	Params  map[string]any `json:"params"`
	Devices []string       `json:"devices"`
}

type submitResponse struct {
	Assignment   *models.JobAssignment `json:"assignment,omitempty"`
	CachedResult map[string]any        `json:"cached_result,omitempty"`
	Idempotent   bool                  `json:"idempotent"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.BotKey == "" {
		http.Error(w, "bot_key is required", http.StatusBadRequest)
		return
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.Key(callerFromRequest(r)))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	res, err := s.coord.Assign(r.Context(), coordinator.JobRequest{
		JobID:            req.JobID,
		BotKey:           req.BotKey,
		Params:           req.Params,
		CandidateDevices: req.Devices,
	})
	if err != nil {
		if errors.Is(err, coordinator.ErrUnknownBot) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := submitResponse{Idempotent: res.Idempotent, CachedResult: res.CachedResult}
	if !res.Idempotent {
		a := res.Assignment
		resp.Assignment = &a
	}
	code := http.StatusAccepted
	if res.Idempotent {
		code = http.StatusOK
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	a, err := s.store.GetAssignmentByJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	completions, err := s.store.CompletionsForJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assignment":  a,
		"completions": completions,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "cancel requested via API"
	}
	if err := s.coord.Cancel(r.Context(), jobID, req.Reason, req.Force); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": s.reg.List(),
		"counts":  s.reg.CountByState(),
	})
}

// handleResetDevice is the operator action that clears quarantine.
func (s *Server) handleResetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.ResetQuarantine(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleFleetMetrics(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.collector.Latest()
	if !ok {
		http.Error(w, "no snapshot collected yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"history": s.collector.History()})
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.alerts.Recent()})
}

type manualAlertRequest struct {
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata"`
}

// handleManualAlert sends an operator alert, bypassing suppression.
func (s *Server) handleManualAlert(w http.ResponseWriter, r *http.Request) {
	var req manualAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	switch req.Severity {
	case models.SeverityCritical, models.SeverityWarning, models.SeverityInfo:
	case "":
		req.Severity = models.SeverityInfo
	default:
		http.Error(w, "invalid severity", http.StatusBadRequest)
		return
	}
	s.alerts.SendManual(r.Context(), models.Alert{
		Severity: req.Severity,
		Message:  req.Message,
		Metadata: req.Metadata,
		FiredAt:  time.Now().UTC(),
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
