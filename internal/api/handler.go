// Package api exposes the HTTP intake and query surface. Real-time
// traffic goes through the websocket gateway; this package covers
// server-to-server intake, schedules, broadcasts, and stats.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/analytics"
	"github.com/herald-run/herald/internal/circuitbreaker"
	"github.com/herald-run/herald/internal/notification"
	"github.com/herald-run/herald/internal/queue"
	"github.com/herald-run/herald/internal/registry"
	"github.com/herald-run/herald/internal/scheduler"
	"github.com/herald-run/herald/internal/service"
	"github.com/herald-run/herald/internal/store"
)

// NotificationRequest is the intake request body.
type NotificationRequest struct {
	UserID   string                 `json:"user_id"`
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Priority notification.Priority  `json:"priority"`
	Channels []notification.Channel `json:"channels"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

// ScheduleRequest adds scheduling options to an intake request.
type ScheduleRequest struct {
	NotificationRequest
	SendAt    time.Time            `json:"send_at"`
	Timezone  string               `json:"timezone,omitempty"`
	Recurring *scheduler.Recurring `json:"recurring,omitempty"`
}

// BroadcastRequest targets one notification at many users.
type BroadcastRequest struct {
	UserIDs []string `json:"user_ids"`
	NotificationRequest
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	svc       *service.Service
	store     store.Store
	processor *queue.Processor
	breakers  *circuitbreaker.Manager
	registry  *registry.Registry
	scheduler *scheduler.Engine
	tracker   *analytics.Tracker
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, svc *service.Service, st store.Store, processor *queue.Processor, breakers *circuitbreaker.Manager, reg *registry.Registry, sched *scheduler.Engine, tracker *analytics.Tracker) *Handler {
	return &Handler{
		logger:    logger,
		svc:       svc,
		store:     st,
		processor: processor,
		breakers:  breakers,
		registry:  reg,
		scheduler: sched,
		tracker:   tracker,
	}
}

// Routes builds the /v1 router for this handler.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/notifications", h.CreateNotification)
	r.Get("/notifications", h.ListNotifications)
	r.Get("/notifications/{id}", h.GetNotification)
	r.Get("/history", h.History)
	r.Post("/schedules", h.CreateSchedule)
	r.Delete("/schedules/{id}", h.CancelSchedule)
	r.Post("/broadcast", h.Broadcast)
	r.Get("/stats", h.Stats)
	r.Get("/analytics/funnel", h.Funnel)
	r.Get("/analytics/notifications/{id}", h.Timeline)
	r.Get("/analytics/engagement/{userID}", h.Engagement)
	r.Get("/analytics/export", h.Export)
	return r
}

func (req *NotificationRequest) toNotification() *notification.Notification {
	n := notification.New(req.UserID, req.Type, req.Title, req.Message, req.Priority, req.Channels...)
	n.Metadata = req.Metadata
	return n
}

// CreateNotification handles POST /v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.UserID == "" || req.Type == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id and type are required")
		return
	}

	n := req.toNotification()
	err := h.svc.Notify(r.Context(), n)
	switch {
	case errors.Is(err, service.ErrDuplicate):
		h.writeError(w, http.StatusConflict, "duplicate", "Duplicate notification suppressed", "")
		return
	case errors.Is(err, service.ErrNotAdmitted):
		// Backpressure: the client should retry later.
		w.Header().Set("Retry-After", "5")
		h.writeError(w, http.StatusTooManyRequests, "queue_full", "Notification queue at capacity", "")
		return
	case err != nil:
		h.logger.Error("intake failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "intake_error", "Failed to accept notification", "")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": n.ID.String()})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	n, err := h.store.GetNotification(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

// ListNotifications handles GET /v1/notifications?user_id=
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	list, err := h.store.ListByUser(r.Context(), userID, store.ListFilter{
		Limit:  limit,
		Offset: offset,
		Status: notification.Status(r.URL.Query().Get("status")),
	})
	if err != nil {
		h.logger.Error("list notifications failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "store_error", "Failed to list notifications", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
		"count":         len(list),
	})
}

// History handles GET /v1/history?from=&to=
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid time range", err.Error())
		return
	}

	list, err := h.store.ListByTimeRange(r.Context(), from, to)
	if err != nil {
		h.logger.Error("history query failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "store_error", "Failed to query history", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
		"count":         len(list),
	})
}

// CreateSchedule handles POST /v1/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.UserID == "" || req.Type == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id and type are required")
		return
	}

	sched, err := h.svc.Schedule(r.Context(), req.toNotification(), scheduler.Options{
		SendAt:    req.SendAt,
		Timezone:  req.Timezone,
		Recurring: req.Recurring,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrPastSendAt) || errors.Is(err, scheduler.ErrBadRecurrence) {
			h.writeError(w, http.StatusBadRequest, "invalid_schedule", "Invalid schedule", err.Error())
			return
		}
		h.logger.Error("schedule failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "schedule_error", "Failed to create schedule", "")
		return
	}
	h.writeJSON(w, http.StatusCreated, sched)
}

// CancelSchedule handles DELETE /v1/schedules/{id}
func (h *Handler) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid schedule ID", "ID must be a valid UUID")
		return
	}

	if !h.svc.CancelSchedule(id) {
		h.writeError(w, http.StatusNotFound, "not_found", "Schedule not found or already fired", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// Broadcast handles POST /v1/broadcast
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.UserIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing targets", "user_ids is required")
		return
	}

	req.UserID = "" // template carries no single recipient
	if err := h.svc.Broadcast(r.Context(), req.UserIDs, req.toNotification()); err != nil {
		h.logger.Error("broadcast failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "broadcast_error", "Failed to broadcast", "")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]int{"targets": len(req.UserIDs)})
}

// Stats handles GET /v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"queue":       h.processor.GetQueueStats(),
		"breakers":    h.breakers.Stats(),
		"connections": h.registry.Stats(),
		"schedules":   h.scheduler.Stats(),
	})
}

// Funnel handles GET /v1/analytics/funnel?from=&to=
func (h *Handler) Funnel(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid time range", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, h.tracker.FunnelAnalysis(from, to))
}

// Timeline handles GET /v1/analytics/notifications/{id}
func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}
	h.writeJSON(w, http.StatusOK, h.tracker.NotificationTimeline(id))
}

// Engagement handles GET /v1/analytics/engagement/{userID}
func (h *Handler) Engagement(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	h.writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"score":   h.tracker.UserEngagement(userID),
	})
}

// Export handles GET /v1/analytics/export?from=&to=&format=
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid time range", err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = analytics.FormatJSON
	}

	data, err := h.tracker.Export(from, to, format)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Export failed", err.Error())
		return
	}
	if format == analytics.FormatCSV {
		w.Header().Set("Content-Type", "text/csv")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// parseRange reads from/to query params as RFC 3339, defaulting to the
// last 24 hours.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	from := time.Now().Add(-24 * time.Hour)
	to := time.Now()

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, err
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, err
		}
		to = t
	}
	return from, to, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
