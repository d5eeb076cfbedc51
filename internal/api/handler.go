package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/delivery"
	"github.com/lalithlochan/hrpulse/internal/models"
	"github.com/lalithlochan/hrpulse/internal/redis"
)

// NotificationService is the business-facing surface the REST API exposes.
type NotificationService interface {
	SendToUser(ctx context.Context, userID string, n models.Notification)
	SendWithConfirmation(ctx context.Context, userID string, n models.Notification) models.DeliveryStatus
	SendBulk(ctx context.Context, userIDs []string, n models.Notification) []models.DeliveryStatus
	SendHighPriority(ctx context.Context, userID string, n models.Notification)
	QueueForOffline(ctx context.Context, userID string, n models.Notification) error
	BroadcastSystemMaintenance(ctx context.Context, message string, scheduled time.Time)
	ConfirmDelivery(ctx context.Context, deliveryID, userID string) (models.DeliveryStatus, error)
	ConfirmRead(ctx context.Context, deliveryID, userID string) (models.DeliveryStatus, error)
	GetStatus(ctx context.Context, deliveryID string) (models.DeliveryStatus, error)
	IsUserOnline(userID string) bool
	GetOnlineUsersCount() int
}

// Idempotency is satisfied by *redis.IdempotencyService.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// NotificationRequest is the body of every single-recipient send endpoint.
type NotificationRequest struct {
	UserID   string `json:"user_id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Type     string `json:"type,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// BulkRequest targets several users with one notification.
type BulkRequest struct {
	UserIDs  []string `json:"user_ids"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Type     string   `json:"type,omitempty"`
	Priority string   `json:"priority,omitempty"`
}

type MaintenanceRequest struct {
	Message       string    `json:"message"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

type ConfirmRequest struct {
	UserID string `json:"user_id"`
}

// SendResponse is returned by the send endpoints. A replayed idempotent
// request carries only the ids.
type SendResponse struct {
	NotificationID string                  `json:"notification_id"`
	DeliveryIDs    []string                `json:"delivery_ids,omitempty"`
	Deliveries     []models.DeliveryStatus `json:"deliveries,omitempty"`
}

type OnlineResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type OnlineCountResponse struct {
	Count int `json:"count"`
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
	logger      *zap.Logger
	service     NotificationService
	idempotency Idempotency // nil if Redis not configured
}

// NewHandler creates a new API handler. idempotency may be nil, in which
// case Idempotency-Key headers are ignored.
func NewHandler(logger *zap.Logger, service NotificationService, idempotency Idempotency) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		idempotency: idempotency,
	}
}

// Routes mounts the /v1 endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/notifications", h.SendToUser)
	r.Post("/notifications/confirmed", h.SendWithConfirmation)
	r.Post("/notifications/bulk", h.SendBulk)
	r.Post("/notifications/high-priority", h.SendHighPriority)
	r.Post("/notifications/offline", h.QueueForOffline)
	r.Post("/broadcasts/maintenance", h.BroadcastMaintenance)

	r.Get("/deliveries/{id}", h.GetDeliveryStatus)
	r.Post("/deliveries/{id}/confirm", h.ConfirmDelivery)
	r.Post("/deliveries/{id}/read", h.ConfirmRead)

	r.Get("/users/online/count", h.OnlineCount)
	r.Get("/users/{id}/online", h.IsUserOnline)
}

// SendToUser handles POST /v1/notifications (fire and forget).
func (h *Handler) SendToUser(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, func(ctx context.Context, userID string, n models.Notification) (int, SendResponse, error) {
		h.service.SendToUser(ctx, userID, n)
		return http.StatusAccepted, SendResponse{NotificationID: n.ID}, nil
	})
}

// SendWithConfirmation handles POST /v1/notifications/confirmed and returns
// the tracked delivery.
func (h *Handler) SendWithConfirmation(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, func(ctx context.Context, userID string, n models.Notification) (int, SendResponse, error) {
		status := h.service.SendWithConfirmation(ctx, userID, n)
		return http.StatusCreated, SendResponse{
			NotificationID: n.ID,
			DeliveryIDs:    []string{status.DeliveryID},
			Deliveries:     []models.DeliveryStatus{status},
		}, nil
	})
}

// SendHighPriority handles POST /v1/notifications/high-priority. The
// priority field of the body is ignored.
func (h *Handler) SendHighPriority(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, func(ctx context.Context, userID string, n models.Notification) (int, SendResponse, error) {
		h.service.SendHighPriority(ctx, userID, n)
		return http.StatusAccepted, SendResponse{NotificationID: n.ID}, nil
	})
}

// QueueForOffline handles POST /v1/notifications/offline.
func (h *Handler) QueueForOffline(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, func(ctx context.Context, userID string, n models.Notification) (int, SendResponse, error) {
		if err := h.service.QueueForOffline(ctx, userID, n); err != nil {
			return 0, SendResponse{}, err
		}
		return http.StatusAccepted, SendResponse{NotificationID: n.ID}, nil
	})
}

// SendBulk handles POST /v1/notifications/bulk.
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userIDs := make([]string, 0, len(req.UserIDs))
	for _, id := range req.UserIDs {
		if id = strings.TrimSpace(id); id != "" {
			userIDs = append(userIDs, id)
		}
	}
	if len(userIDs) == 0 || strings.TrimSpace(req.Message) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_ids and message are required")
		return
	}

	n := notification(req.Title, req.Message, req.Type, req.Priority)
	h.idempotent(w, r, func(ctx context.Context) (int, SendResponse, error) {
		statuses := h.service.SendBulk(ctx, userIDs, n)
		ids := make([]string, len(statuses))
		for i, s := range statuses {
			ids[i] = s.DeliveryID
		}
		return http.StatusCreated, SendResponse{NotificationID: n.ID, DeliveryIDs: ids, Deliveries: statuses}, nil
	})
}

// BroadcastMaintenance handles POST /v1/broadcasts/maintenance.
func (h *Handler) BroadcastMaintenance(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" || req.ScheduledTime.IsZero() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "message and scheduled_time are required")
		return
	}

	h.service.BroadcastSystemMaintenance(r.Context(), req.Message, req.ScheduledTime)
	w.WriteHeader(http.StatusAccepted)
}

// GetDeliveryStatus handles GET /v1/deliveries/{id}
func (h *Handler) GetDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.deliveryError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// ConfirmDelivery handles POST /v1/deliveries/{id}/confirm
func (h *Handler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, h.service.ConfirmDelivery)
}

// ConfirmRead handles POST /v1/deliveries/{id}/read
func (h *Handler) ConfirmRead(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, h.service.ConfirmRead)
}

func (h *Handler) IsUserOnline(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	h.writeJSON(w, http.StatusOK, OnlineResponse{UserID: userID, Online: h.service.IsUserOnline(userID)})
}

func (h *Handler) OnlineCount(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, OnlineCountResponse{Count: h.service.GetOnlineUsersCount()})
}

type sendFunc func(ctx context.Context, userID string, n models.Notification) (int, SendResponse, error)

// single decodes and validates a NotificationRequest, then runs send under
// the request's idempotency key.
func (h *Handler) single(w http.ResponseWriter, r *http.Request, send sendFunc) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" || strings.TrimSpace(req.Message) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id and message are required")
		return
	}

	n := notification(req.Title, req.Message, req.Type, req.Priority)
	h.idempotent(w, r, func(ctx context.Context) (int, SendResponse, error) {
		return send(ctx, userID, n)
	})
}

// idempotent runs fn at most once per (client, Idempotency-Key). Requests
// without a key, or without Redis, always run.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (int, SendResponse, error)) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	scope := clientID(r)
	reserved := false

	if key != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		case cached != nil:
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, SendResponse{
				NotificationID: cached.NotificationID,
				DeliveryIDs:    cached.DeliveryIDs,
			})
			return
		default:
			reserved = true
		}
	}

	status, resp, err := fn(ctx)
	if err != nil {
		if reserved {
			if rerr := h.idempotency.Release(ctx, scope, key); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr), zap.String("idempotency_key", key))
			}
		}
		h.logger.Error("notification request failed", zap.Error(err), zap.String("path", r.URL.Path))
		h.writeError(w, http.StatusServiceUnavailable, "delivery_unavailable", "Failed to accept notification", err.Error())
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{
			NotificationID: resp.NotificationID,
			DeliveryIDs:    resp.DeliveryIDs,
			StatusCode:     status,
			CreatedAt:      time.Now().Unix(),
		}
		if err := h.idempotency.Store(ctx, scope, key, result, redis.IdempotencyTTLExact); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	}

	h.writeJSON(w, status, resp)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, deliveryID, userID string) (models.DeliveryStatus, error)) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id is required")
		return
	}

	status, err := fn(r.Context(), chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		h.deliveryError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) deliveryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", err.Error())
	case errors.Is(err, delivery.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Delivery cannot move to that state", err.Error())
	default:
		h.logger.Error("delivery lookup failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load delivery", "")
	}
}

func notification(title, message, typ, priority string) models.Notification {
	t := models.NotificationType(strings.TrimSpace(typ))
	if t == "" {
		t = models.TypeAnnouncement
	}
	return models.NewNotification(title, message, t, models.ParsePriority(priority))
}

// clientID scopes idempotency keys and rate limits to the calling module.
func clientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	return "anonymous"
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError writes an RFC 7807 problem+json error response
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
