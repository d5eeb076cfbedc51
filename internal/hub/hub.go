// Package hub is the RPC boundary between connected clients and the
// notification subsystem.
package hub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/delivery"
	"github.com/lalithlochan/hrpulse/internal/events"
	"github.com/lalithlochan/hrpulse/internal/health"
	"github.com/lalithlochan/hrpulse/internal/identity"
	"github.com/lalithlochan/hrpulse/internal/metrics"
	"github.com/lalithlochan/hrpulse/internal/models"
	"github.com/lalithlochan/hrpulse/internal/registry"
	"github.com/lalithlochan/hrpulse/internal/transport"
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("validation error")

// ValidationError is reported to the caller as an Error event; the
// connection stays open.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(msg string) error { return &ValidationError{Message: msg} }

// Client-visible error messages.
const (
	msgEmptyGroup        = "Group name cannot be empty"
	msgInvalidAttendance = "Invalid attendance status"
	msgAccessDenied      = "Access denied"
	msgInvalidWish       = "Birthday wish requires a recipient and a message"
	msgMissingDelivery   = "Delivery id is required"
	msgDeliveryNotFound  = "Delivery not found"
	msgDeliveryState     = "Delivery cannot move to the requested state"
	msgBadRequest        = "Invalid request"
	msgInternal          = "Request failed"
)

// Transport is the subset of *transport.Server the hub needs.
type Transport interface {
	SendToConnection(connectionID string, event any) error
	SendToGroup(group string, event any) error
	JoinGroup(connectionID, group string) error
	LeaveGroup(connectionID, group string) error
}

// Acceptor upgrades an HTTP request into a managed connection.
type Acceptor interface {
	Serve(w http.ResponseWriter, r *http.Request, handler transport.Handler)
}

// HealthMonitor is the subset of *health.Monitor the hub calls.
type HealthMonitor interface {
	RecordHeartbeatResponse(connectionID string) bool
	RequestRecovery(ctx context.Context, connectionID string) error
	Stats() health.Stats
}

// Notifier is the subset of *notify.Service the hub calls.
type Notifier interface {
	ConfirmDelivery(ctx context.Context, deliveryID, userID string) (models.DeliveryStatus, error)
	ConfirmRead(ctx context.Context, deliveryID, userID string) (models.DeliveryStatus, error)
	ReplayOffline(ctx context.Context, connectionID, userID string) error
}

// Hub keeps the identity of every live connection next to its health record
// in the registry.
type Hub struct {
	registry  *registry.Registry
	transport Transport
	monitor   HealthMonitor
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]identity.Identity
}

func New(reg *registry.Registry, t Transport, monitor HealthMonitor, notifier Notifier, logger *zap.Logger) *Hub {
	return &Hub{
		registry:  reg,
		transport: t,
		monitor:   monitor,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[string]identity.Identity),
	}
}

// Accept hands an already authenticated request to the acceptor. It blocks
// for the lifetime of the connection.
func (h *Hub) Accept(acceptor Acceptor, w http.ResponseWriter, r *http.Request, id identity.Identity) {
	acceptor.Serve(w, r, &session{hub: h, identity: id})
}

// Connect admits a connection. A missing mandatory claim aborts it before
// any group is joined or health record created.
func (h *Hub) Connect(ctx context.Context, connectionID string, id identity.Identity) error {
	groups, err := id.Groups()
	if err != nil {
		metrics.RecordConnectionEvent("rejected")
		h.logger.Warn("connection rejected",
			zap.Error(err),
			zap.String("connection_id", connectionID),
			zap.String("user_id", id.UserID),
		)
		return err
	}

	for _, group := range groups {
		if err := h.transport.JoinGroup(connectionID, group); err != nil {
			return err
		}
	}

	now := h.now()
	h.mu.Lock()
	h.sessions[connectionID] = id
	h.mu.Unlock()
	h.registry.Upsert(registry.NewConnectionHealthInfo(connectionID, id.UserID, now))

	metrics.RecordConnectionEvent("connected")
	metrics.SetActiveConnections(h.registry.Len())
	h.logger.Info("connection established",
		zap.String("connection_id", connectionID),
		zap.String("user_id", id.UserID),
		zap.Strings("groups", groups),
	)

	h.reply(connectionID, events.Event{
		Type: events.ConnectionEstablished,
		Data: events.ConnectionData{
			ConnectionID: connectionID,
			UserID:       id.UserID,
			Groups:       groups,
			Timestamp:    now,
		},
	})

	if err := h.notifier.ReplayOffline(ctx, connectionID, id.UserID); err != nil {
		h.logger.Warn("offline replay failed",
			zap.Error(err),
			zap.String("connection_id", connectionID),
			zap.String("user_id", id.UserID),
		)
	}
	return nil
}

// Disconnect forgets a connection. Safe to call for unknown ids.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) {
	h.mu.Lock()
	id, known := h.sessions[connectionID]
	delete(h.sessions, connectionID)
	h.mu.Unlock()

	h.registry.Remove(connectionID)
	if !known {
		return
	}

	metrics.RecordConnectionEvent("disconnected")
	metrics.SetActiveConnections(h.registry.Len())
	h.logger.Info("connection closed",
		zap.String("connection_id", connectionID),
		zap.String("user_id", id.UserID),
	)
}

// Handle decodes and dispatches one client frame.
func (h *Hub) Handle(ctx context.Context, connectionID string, payload []byte) {
	req, err := DecodeRequest(payload)
	if err != nil {
		metrics.RecordRPC("unknown", "error")
		h.logger.Warn("malformed hub frame", zap.Error(err), zap.String("connection_id", connectionID))
		h.reply(connectionID, events.NewError(msgBadRequest))
		return
	}
	h.Dispatch(ctx, connectionID, req)
}

// Dispatch runs one typed request for a connection. Panics are recovered so a
// bad request can never take the process down.
func (h *Hub) Dispatch(ctx context.Context, connectionID string, req Request) {
	method := req.Method()
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordRPC(method, "panic")
			h.logger.Error("panic in hub method",
				zap.Any("panic", r),
				zap.String("method", method),
				zap.String("connection_id", connectionID),
			)
			h.reply(connectionID, events.NewError(msgInternal))
		}
	}()

	h.mu.RLock()
	id, ok := h.sessions[connectionID]
	h.mu.RUnlock()
	if !ok {
		metrics.RecordRPC(method, "unknown_connection")
		return
	}

	err := h.dispatch(ctx, connectionID, id, req)
	if err == nil {
		metrics.RecordRPC(method, "ok")
		return
	}

	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		metrics.RecordRPC(method, "invalid")
		h.logger.Warn("hub request rejected",
			zap.String("method", method),
			zap.String("connection_id", connectionID),
			zap.String("reason", ve.Message),
		)
		h.reply(connectionID, events.NewError(ve.Message))
	case errors.Is(err, delivery.ErrNotFound):
		metrics.RecordRPC(method, "not_found")
		h.logger.Warn("delivery confirmation for unknown id",
			zap.Error(err),
			zap.String("connection_id", connectionID),
			zap.String("user_id", id.UserID),
		)
		h.reply(connectionID, events.NewError(msgDeliveryNotFound))
	case errors.Is(err, delivery.ErrInvalidTransition):
		metrics.RecordRPC(method, "invalid")
		h.reply(connectionID, events.NewError(msgDeliveryState))
	default:
		metrics.RecordRPC(method, "error")
		h.logger.Error("hub method failed",
			zap.Error(err),
			zap.String("method", method),
			zap.String("connection_id", connectionID),
		)
		h.reply(connectionID, events.NewError(msgInternal))
	}
}

func (h *Hub) dispatch(ctx context.Context, connectionID string, id identity.Identity, req Request) error {
	switch r := req.(type) {
	case JoinGroupRequest:
		return h.joinGroup(connectionID, r.Group)
	case LeaveGroupRequest:
		return h.leaveGroup(connectionID, r.Group)
	case PingRequest:
		h.reply(connectionID, events.Event{Type: events.Pong})
		return nil
	case HeartbeatResponseRequest:
		h.monitor.RecordHeartbeatResponse(connectionID)
		return nil
	case UpdateAttendanceStatusRequest:
		return h.updateAttendanceStatus(connectionID, id, r.Status)
	case SendBirthdayWishRequest:
		return h.sendBirthdayWish(connectionID, id, r)
	case GetConnectionStatsRequest:
		if !id.IsAdmin() {
			return invalid(msgAccessDenied)
		}
		h.reply(connectionID, events.Event{Type: events.ConnectionStats, Data: h.monitor.Stats()})
		return nil
	case RequestConnectionRecoveryRequest:
		return h.monitor.RequestRecovery(ctx, connectionID)
	case ConfirmDeliveryRequest:
		return h.confirm(ctx, connectionID, id, r.DeliveryID, false)
	case ConfirmReadRequest:
		return h.confirm(ctx, connectionID, id, r.DeliveryID, true)
	default:
		return invalid(msgBadRequest)
	}
}

func (h *Hub) joinGroup(connectionID, group string) error {
	group = strings.TrimSpace(group)
	if group == "" {
		return invalid(msgEmptyGroup)
	}
	if err := h.transport.JoinGroup(connectionID, group); err != nil {
		return err
	}
	h.reply(connectionID, events.Event{Type: events.GroupJoined, Data: events.GroupData{Group: group}})
	return nil
}

func (h *Hub) leaveGroup(connectionID, group string) error {
	group = strings.TrimSpace(group)
	if group == "" {
		return invalid(msgEmptyGroup)
	}
	if err := h.transport.LeaveGroup(connectionID, group); err != nil {
		return err
	}
	h.reply(connectionID, events.Event{Type: events.GroupLeft, Data: events.GroupData{Group: group}})
	return nil
}

func (h *Hub) updateAttendanceStatus(connectionID string, id identity.Identity, raw string) error {
	status, ok := models.ParseAttendanceStatus(raw)
	if !ok {
		return invalid(msgInvalidAttendance)
	}

	data := events.AttendanceData{
		UserID:     id.UserID,
		EmployeeID: id.EmployeeID,
		Status:     string(status),
		Timestamp:  h.now(),
	}
	if id.BranchID != "" {
		if err := h.transport.SendToGroup(identity.BranchGroup(id.BranchID), events.Event{
			Type: events.AttendanceStatusUpdated,
			Data: data,
		}); err != nil {
			h.logger.Warn("attendance broadcast partially failed", zap.Error(err), zap.String("branch_id", id.BranchID))
		}
	}
	h.reply(connectionID, events.Event{Type: events.AttendanceStatusConfirmed, Data: data})
	return nil
}

func (h *Hub) sendBirthdayWish(connectionID string, id identity.Identity, r SendBirthdayWishRequest) error {
	to := strings.TrimSpace(r.ToUserID)
	if to == "" || strings.TrimSpace(r.Message) == "" {
		return invalid(msgInvalidWish)
	}

	data := events.BirthdayWishData{
		FromUserID: id.UserID,
		ToUserID:   to,
		Message:    r.Message,
		Timestamp:  h.now(),
	}
	if err := h.transport.SendToGroup(identity.UserGroup(to), events.Event{Type: events.BirthdayWishReceived, Data: data}); err != nil {
		h.logger.Warn("birthday wish send failed", zap.Error(err), zap.String("to_user_id", to))
	}
	h.reply(connectionID, events.Event{Type: events.BirthdayWishSent, Data: data})
	return nil
}

func (h *Hub) confirm(ctx context.Context, connectionID string, id identity.Identity, deliveryID string, read bool) error {
	if strings.TrimSpace(deliveryID) == "" {
		return invalid(msgMissingDelivery)
	}

	var (
		status models.DeliveryStatus
		err    error
		typ    = events.DeliveryConfirmed
	)
	if read {
		status, err = h.notifier.ConfirmRead(ctx, deliveryID, id.UserID)
		typ = events.ReadConfirmed
	} else {
		status, err = h.notifier.ConfirmDelivery(ctx, deliveryID, id.UserID)
	}
	if err != nil {
		return err
	}

	h.reply(connectionID, events.Event{
		Type: typ,
		Data: events.DeliveryData{DeliveryID: status.DeliveryID, State: status.State},
	})
	return nil
}

// Identity returns the identity a connection was admitted with.
func (h *Hub) Identity(connectionID string) (identity.Identity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.sessions[connectionID]
	return id, ok
}

func (h *Hub) reply(connectionID string, event events.Event) {
	if err := h.transport.SendToConnection(connectionID, event); err != nil {
		h.logger.Warn("reply dropped",
			zap.Error(err),
			zap.String("connection_id", connectionID),
			zap.String("event", event.Type),
		)
	}
}

// session binds one transport connection to the identity it was accepted with.
type session struct {
	hub      *Hub
	identity identity.Identity
}

func (s *session) OnConnect(ctx context.Context, connectionID string) error {
	return s.hub.Connect(ctx, connectionID, s.identity)
}

func (s *session) OnMessage(ctx context.Context, connectionID string, payload []byte) {
	s.hub.Handle(ctx, connectionID, payload)
}

func (s *session) OnDisconnect(ctx context.Context, connectionID string) {
	s.hub.Disconnect(ctx, connectionID)
}
