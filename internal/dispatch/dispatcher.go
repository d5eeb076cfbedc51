// Package dispatch fans notifications out to hub groups and records a
// delivery status for every tracked send.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/events"
	"github.com/lalithlochan/hrpulse/internal/identity"
	"github.com/lalithlochan/hrpulse/internal/metrics"
	"github.com/lalithlochan/hrpulse/internal/models"
	"github.com/lalithlochan/hrpulse/internal/registry"
	"github.com/lalithlochan/hrpulse/internal/transport"
)

// Transport is the subset of *transport.Server the dispatcher writes through.
type Transport interface {
	SendToGroup(group string, event any) error
	SendToConnection(connectionID string, event any) error
	SendToConnectionWait(ctx context.Context, connectionID string, event any) error
	Disconnect(connectionID string)
}

// FailureRecorder is the subset of *registry.Registry that counts dropped
// writes against a connection's health record.
type FailureRecorder interface {
	RecordSendFailure(connectionID string) (registry.ConnectionHealthInfo, bool)
}

// StatusTracker is the subset of *delivery.Tracker used for tracked sends.
type StatusTracker interface {
	Track(ctx context.Context, notificationID, userID string) models.DeliveryStatus
	MarkFailed(ctx context.Context, deliveryID string, cause error) (models.DeliveryStatus, error)
}

// Dispatcher sends to users through their User_<id> group, so every send for
// one user passes through the same group primitive and keeps call order.
type Dispatcher struct {
	transport Transport
	tracker   StatusTracker
	failures  FailureRecorder
	logger    *zap.Logger
	now       func() time.Time
}

// New wires the dispatcher. Connections named in a transport overflow are
// reported to failures, which may be nil.
func New(t Transport, tracker StatusTracker, failures FailureRecorder, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		transport: t,
		tracker:   tracker,
		failures:  failures,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SendToUser is fire-and-forget: transport failures are logged and counted
// but never returned.
func (d *Dispatcher) SendToUser(ctx context.Context, userID string, n models.Notification) {
	if err := d.sendToUser(userID, "", n); err != nil {
		d.logSendFailure("user", userID, n.ID, err)
		return
	}
	metrics.RecordDispatch("user")
}

// SendWithConfirmation tracks the send under a fresh delivery id and returns
// the status. A fatal send error moves the status to Failed; a full send
// buffer leaves it Sent since other connections of the user may have it.
func (d *Dispatcher) SendWithConfirmation(ctx context.Context, userID string, n models.Notification) models.DeliveryStatus {
	return d.sendTracked(ctx, "confirmed", userID, n)
}

// SendBulk applies SendWithConfirmation to each user independently and
// returns one status per input id, in input order.
func (d *Dispatcher) SendBulk(ctx context.Context, userIDs []string, n models.Notification) []models.DeliveryStatus {
	statuses := make([]models.DeliveryStatus, 0, len(userIDs))
	for _, userID := range userIDs {
		statuses = append(statuses, d.sendBulkOne(ctx, userID, n))
	}
	return statuses
}

func (d *Dispatcher) sendBulkOne(ctx context.Context, userID string, n models.Notification) (status models.DeliveryStatus) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic during bulk send",
				zap.Any("panic", r),
				zap.String("user_id", userID),
				zap.String("notification_id", n.ID),
			)
			metrics.RecordSendFailure("bulk")
			cause := fmt.Errorf("send panicked: %v", r)
			if status.DeliveryID == "" {
				status = untracked(userID, n.ID, cause, d.now())
				return
			}
			status = d.fail(ctx, status, cause)
		}
	}()
	status = d.tracker.Track(ctx, n.ID, userID)
	return d.deliverTracked(ctx, "bulk", status, n)
}

// untracked stands in for a status the tracker never issued.
func untracked(userID, notificationID string, cause error, at time.Time) models.DeliveryStatus {
	return models.DeliveryStatus{
		NotificationID: notificationID,
		UserID:         userID,
		State:          models.DeliveryFailed,
		SentAt:         at,
		FailedAt:       &at,
		Error:          cause.Error(),
	}
}

// SendHighPriority behaves like SendToUser with the priority forced to Critical.
func (d *Dispatcher) SendHighPriority(ctx context.Context, userID string, n models.Notification) {
	d.SendToUser(ctx, userID, n.WithPriority(models.PriorityCritical))
}

// BroadcastSystemMaintenance reaches every live connection. Broadcasts are
// not tracked per user.
func (d *Dispatcher) BroadcastSystemMaintenance(ctx context.Context, message string, scheduled time.Time) {
	event := events.Event{
		Type: events.SystemMaintenanceNotification,
		Data: events.MaintenanceData{
			Message:       message,
			ScheduledTime: scheduled,
			Timestamp:     d.now(),
		},
	}
	if err := d.transport.SendToGroup(identity.AllConnectionsGroup, event); err != nil {
		d.recordOverflow(err)
		d.logger.Warn("maintenance broadcast partially failed", zap.Error(err))
		metrics.RecordSendFailure("broadcast")
		return
	}
	metrics.RecordDispatch("broadcast")
}

// Heartbeat pings a single connection.
func (d *Dispatcher) Heartbeat(connectionID string, sentAt time.Time) error {
	return d.transport.SendToConnection(connectionID, events.Event{
		Type: events.Heartbeat,
		Data: events.HeartbeatData{ConnectionID: connectionID, SentAt: sentAt},
	})
}

// AnnounceRecovery tells a degraded connection that recovery has started.
func (d *Dispatcher) AnnounceRecovery(connectionID string, attempt int) error {
	return d.transport.SendToConnection(connectionID, events.Event{
		Type: events.ConnectionRecoveryStarted,
		Data: events.RecoveryData{ConnectionID: connectionID, Attempt: attempt, Timestamp: d.now()},
	})
}

// Replay writes queued notifications to one connection in order, waiting for
// buffer space so a backlog larger than the send buffer still goes out. It
// stops at the first write error and reports how many entries went out, so
// the caller can put the rest back.
func (d *Dispatcher) Replay(ctx context.Context, connectionID string, entries []models.QueuedNotification) (int, error) {
	for i, entry := range entries {
		err := d.transport.SendToConnectionWait(ctx, connectionID, events.Event{
			Type: events.NotificationReceived,
			Data: events.NotificationData{
				DeliveryID:   entry.DeliveryID,
				Notification: entry.Notification,
				Replayed:     true,
			},
		})
		if err != nil {
			d.recordOverflow(err)
			metrics.RecordSendFailure("replay")
			return i, fmt.Errorf("replay to %s: %w", connectionID, err)
		}
		metrics.RecordDispatch("replay")
	}
	return len(entries), nil
}

// Disconnect drops a connection at the transport.
func (d *Dispatcher) Disconnect(connectionID string) {
	d.transport.Disconnect(connectionID)
}

func (d *Dispatcher) sendTracked(ctx context.Context, kind, userID string, n models.Notification) models.DeliveryStatus {
	status := d.tracker.Track(ctx, n.ID, userID)
	return d.deliverTracked(ctx, kind, status, n)
}

func (d *Dispatcher) deliverTracked(ctx context.Context, kind string, status models.DeliveryStatus, n models.Notification) models.DeliveryStatus {
	err := d.sendToUser(status.UserID, status.DeliveryID, n)
	switch {
	case err == nil:
		metrics.RecordDispatch(kind)
		return status
	case errors.Is(err, transport.ErrSendBufferFull):
		d.logSendFailure(kind, status.UserID, n.ID, err)
		return status
	default:
		d.logSendFailure(kind, status.UserID, n.ID, err)
		return d.fail(ctx, status, err)
	}
}

func (d *Dispatcher) fail(ctx context.Context, status models.DeliveryStatus, cause error) models.DeliveryStatus {
	failed, err := d.tracker.MarkFailed(ctx, status.DeliveryID, cause)
	if err != nil {
		d.logger.Warn("could not mark delivery failed",
			zap.Error(err),
			zap.String("delivery_id", status.DeliveryID),
		)
		return status
	}
	return failed
}

func (d *Dispatcher) sendToUser(userID, deliveryID string, n models.Notification) error {
	return d.transport.SendToGroup(identity.UserGroup(userID), events.Event{
		Type: events.NotificationReceived,
		Data: events.NotificationData{DeliveryID: deliveryID, Notification: n},
	})
}

// recordOverflow counts a full send buffer as a failure of each connection
// that dropped the event.
func (d *Dispatcher) recordOverflow(err error) {
	var overflow *transport.OverflowError
	if d.failures == nil || !errors.As(err, &overflow) {
		return
	}
	for _, connectionID := range overflow.ConnectionIDs {
		if info, ok := d.failures.RecordSendFailure(connectionID); ok {
			d.logger.Debug("send buffer overflow counted",
				zap.String("connection_id", connectionID),
				zap.Int("consecutive_failures", info.ConsecutiveFailures),
			)
		}
	}
}

func (d *Dispatcher) logSendFailure(kind, userID, notificationID string, err error) {
	d.recordOverflow(err)
	metrics.RecordSendFailure(kind)
	d.logger.Warn("notification send failed",
		zap.Error(err),
		zap.String("kind", kind),
		zap.String("user_id", userID),
		zap.String("notification_id", notificationID),
	)
}
