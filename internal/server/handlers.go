package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memoryos/outputguard/internal/domain"
	"github.com/memoryos/outputguard/internal/engine"
	"github.com/memoryos/outputguard/internal/intercept"
	"github.com/memoryos/outputguard/internal/probe"
	"github.com/memoryos/outputguard/internal/store"
)

// Handlers bundles the HTTP handlers over the compliance pipeline.
type Handlers struct {
	engine      *engine.Engine
	interceptor *intercept.Interceptor
	validator   *probe.Validator
	logger      *slog.Logger
	startTime   time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(e *engine.Engine, i *intercept.Interceptor, v *probe.Validator, logger *slog.Logger) *Handlers {
	return &Handlers{
		engine:      e,
		interceptor: i,
		validator:   v,
		logger:      logger,
		startTime:   time.Now(),
	}
}

// Register mounts all routes on the router.
func (h *Handlers) Register(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/system-health", h.handleSystemHealth)
	r.Get("/stats", h.handleStats)
	r.Get("/pending-actions", h.handlePendingActions)
	r.Post("/pending-actions/{id}/confirm", h.handleConfirmPending)
	r.Post("/outputs", h.handleValidateOutput)
	r.Post("/log-and-respond", h.handleLogAndRespond)
	r.Get("/validations", h.handleValidationLog)
	r.Post("/validations/{actionType}", h.handleRunValidation)
	r.Handle("/metrics", promhttp.Handler())
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                   "ok",
		"uptime":                   time.Since(h.startTime).String(),
		"connection_health_score":  stats.ComplianceRate,
		"agent_confirmation_ready": true,
	})
}

func (h *Handlers) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats(r.Context())
	pending, err := h.engine.PendingActions(r.Context())
	if err != nil {
		h.logger.Error("pending actions unreadable", slog.String("error", err.Error()))
	}
	open := 0
	for _, p := range pending {
		if p.Status == store.PendingConfirmation {
			open++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"uptime":              time.Since(h.startTime).String(),
		"compliance":          stats,
		"pending_open":        open,
		"validation_log_size": len(h.validator.ValidationLog()),
	})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats(r.Context()))
}

func (h *Handlers) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.engine.PendingActions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not read pending actions")
		return
	}
	if actions == nil {
		actions = []store.PendingAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending_actions": actions})
}

type confirmRequest struct {
	Method   string `json:"confirmation_method"`
	Operator string `json:"operator"`
}

func (h *Handlers) handleConfirmPending(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Operator == "" {
		req.Operator = "system"
	}

	err := h.engine.ClearPendingAction(r.Context(), id, domain.ConfirmationMethod(req.Method), req.Operator)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "pending action not found")
	case errors.Is(err, store.ErrAlreadyConfirmed):
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "already_confirmed"})
	case err != nil:
		writeError(w, http.StatusInternalServerError, "could not confirm pending action")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "confirmed"})
	}
}

type validateRequest struct {
	Content      string                     `json:"content"`
	Channel      string                     `json:"channel"`
	Confirmation *domain.ConfirmationStatus `json:"confirmation_status,omitempty"`
	UserID       string                     `json:"user_id,omitempty"`
	SessionID    string                     `json:"session_id,omitempty"`
}

func (h *Handlers) handleValidateOutput(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Channel == "" {
		req.Channel = string(domain.ChannelAPIResponse)
	}

	octx := domain.OutputContext{
		Channel:        domain.Channel(req.Channel),
		SourceFunction: "server.handleValidateOutput",
		SourceFile:     "internal/server/handlers.go",
		Timestamp:      time.Now().UTC(),
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		RequestID:      GetRequestID(r.Context()),
		Confirmation:   req.Confirmation,
	}

	result := h.interceptor.SendOutputWithContext(r.Context(), req.Content, octx)
	writeJSON(w, http.StatusOK, result)
}

type logAndRespondRequest struct {
	Content      string                     `json:"content"`
	Type         string                     `json:"type,omitempty"`
	Confirmation *domain.ConfirmationStatus `json:"confirmation_status,omitempty"`
}

func (h *Handlers) handleLogAndRespond(w http.ResponseWriter, r *http.Request) {
	var req logAndRespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	ack := h.interceptor.LogAndRespond(r.Context(), req.Content, req.Type, req.Confirmation)
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handlers) handleValidationLog(w http.ResponseWriter, r *http.Request) {
	log := h.validator.ValidationLog()
	if log == nil {
		log = []probe.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"validation_log": log})
}

func (h *Handlers) handleRunValidation(w http.ResponseWriter, r *http.Request) {
	actionType := chi.URLParam(r, "actionType")

	var result probe.Result
	if r.URL.Query().Get("force") == "true" {
		result = h.validator.ForceFresh(r.Context(), actionType)
	} else if cached, ok := h.validator.Cached(actionType); ok {
		result = cached
	} else {
		result = h.validator.Validate(r.Context(), actionType)
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
