// Package notify is the single entry point business modules use to reach
// employees. It decides between live delivery and the offline backlog.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/metrics"
	"github.com/lalithlochan/hrpulse/internal/models"
	"github.com/lalithlochan/hrpulse/internal/offline"
	"github.com/lalithlochan/hrpulse/internal/registry"
)

// Dispatcher is the subset of *dispatch.Dispatcher the service drives.
type Dispatcher interface {
	SendToUser(ctx context.Context, userID string, n models.Notification)
	SendWithConfirmation(ctx context.Context, userID string, n models.Notification) models.DeliveryStatus
	SendBulk(ctx context.Context, userIDs []string, n models.Notification) []models.DeliveryStatus
	SendHighPriority(ctx context.Context, userID string, n models.Notification)
	BroadcastSystemMaintenance(ctx context.Context, message string, scheduled time.Time)
	Replay(ctx context.Context, connectionID string, entries []models.QueuedNotification) (int, error)
}

// Tracker is the subset of *delivery.Tracker the service drives.
type Tracker interface {
	Track(ctx context.Context, notificationID, userID string) models.DeliveryStatus
	ConfirmDelivery(ctx context.Context, deliveryID, userID string) (models.DeliveryStatus, error)
	ConfirmRead(ctx context.Context, deliveryID, userID string) (models.DeliveryStatus, error)
	MarkFailed(ctx context.Context, deliveryID string, cause error) (models.DeliveryStatus, error)
	GetStatus(ctx context.Context, deliveryID string) (models.DeliveryStatus, error)
}

// Escalator pushes a critical notification to channels outside the hub.
type Escalator interface {
	Escalate(ctx context.Context, userID string, n models.Notification) error
}

type Service struct {
	dispatcher Dispatcher
	tracker    Tracker
	queue      offline.Queue
	registry   *registry.Registry
	escalator  Escalator
	replays    userLocks
	logger     *zap.Logger
	now        func() time.Time
}

// NewService wires the service. escalator may be nil.
func NewService(d Dispatcher, tracker Tracker, queue offline.Queue, reg *registry.Registry, escalator Escalator, logger *zap.Logger) *Service {
	return &Service{
		dispatcher: d,
		tracker:    tracker,
		queue:      queue,
		registry:   reg,
		escalator:  escalator,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SendToUser delivers live when the user has a connection and queues
// otherwise. Failures are logged, never returned.
func (s *Service) SendToUser(ctx context.Context, userID string, n models.Notification) {
	if s.registry.IsUserOnline(userID) {
		s.dispatcher.SendToUser(ctx, userID, n)
		return
	}
	s.deferDelivery(ctx, userID, "", n)
}

// SendWithConfirmation always returns a Sent status. For an offline user the
// delivery id travels with the queued entry and is confirmable after replay.
func (s *Service) SendWithConfirmation(ctx context.Context, userID string, n models.Notification) models.DeliveryStatus {
	if s.registry.IsUserOnline(userID) {
		return s.dispatcher.SendWithConfirmation(ctx, userID, n)
	}
	return s.deferTracked(ctx, userID, n)
}

// SendBulk returns one status per input id, in input order.
func (s *Service) SendBulk(ctx context.Context, userIDs []string, n models.Notification) []models.DeliveryStatus {
	statuses := make([]models.DeliveryStatus, len(userIDs))

	var online []string
	var onlineIdx []int
	for i, userID := range userIDs {
		if s.registry.IsUserOnline(userID) {
			online = append(online, userID)
			onlineIdx = append(onlineIdx, i)
			continue
		}
		statuses[i] = s.deferTracked(ctx, userID, n)
	}

	if len(online) > 0 {
		for j, status := range s.dispatcher.SendBulk(ctx, online, n) {
			statuses[onlineIdx[j]] = status
		}
	}
	return statuses
}

// SendHighPriority forces Critical priority. Offline users are queued and
// escalated.
func (s *Service) SendHighPriority(ctx context.Context, userID string, n models.Notification) {
	n = n.WithPriority(models.PriorityCritical)
	if s.registry.IsUserOnline(userID) {
		s.dispatcher.SendHighPriority(ctx, userID, n)
		return
	}
	s.deferDelivery(ctx, userID, "", n)
}

// QueueForOffline appends to the user's backlog regardless of presence.
func (s *Service) QueueForOffline(ctx context.Context, userID string, n models.Notification) error {
	if err := s.enqueue(ctx, userID, "", n); err != nil {
		return err
	}
	s.escalate(ctx, userID, n)
	return nil
}

func (s *Service) BroadcastSystemMaintenance(ctx context.Context, message string, scheduled time.Time) {
	s.dispatcher.BroadcastSystemMaintenance(ctx, message, scheduled)
}

func (s *Service) ConfirmDelivery(ctx context.Context, deliveryID, userID string) (models.DeliveryStatus, error) {
	return s.tracker.ConfirmDelivery(ctx, deliveryID, userID)
}

func (s *Service) ConfirmRead(ctx context.Context, deliveryID, userID string) (models.DeliveryStatus, error) {
	return s.tracker.ConfirmRead(ctx, deliveryID, userID)
}

func (s *Service) GetStatus(ctx context.Context, deliveryID string) (models.DeliveryStatus, error) {
	return s.tracker.GetStatus(ctx, deliveryID)
}

func (s *Service) IsUserOnline(userID string) bool {
	return s.registry.IsUserOnline(userID)
}

func (s *Service) GetOnlineUsersCount() int {
	return s.registry.OnlineUserCount()
}

// ReplayOffline drains a user's backlog onto one connection. Entries that
// could not be written go back on the head of the queue in their original
// order. Replays for the same user run one at a time.
func (s *Service) ReplayOffline(ctx context.Context, connectionID, userID string) error {
	unlock := s.replays.lock(userID)
	defer unlock()

	entries, err := s.queue.Drain(ctx, userID)
	if err != nil {
		return fmt.Errorf("drain offline queue for %s: %w", userID, err)
	}
	if len(entries) == 0 {
		return nil
	}

	sent, err := s.dispatcher.Replay(ctx, connectionID, entries)
	s.logger.Info("offline backlog replayed",
		zap.String("connection_id", connectionID),
		zap.String("user_id", userID),
		zap.Int("sent", sent),
		zap.Int("queued", len(entries)),
	)
	if err == nil {
		return nil
	}

	if qerr := s.queue.Requeue(ctx, userID, entries[sent:]); qerr != nil {
		s.logger.Error("offline entries lost during replay",
			zap.Error(qerr),
			zap.String("user_id", userID),
			zap.Int("lost", len(entries)-sent),
		)
	}
	return err
}

func (s *Service) deferTracked(ctx context.Context, userID string, n models.Notification) models.DeliveryStatus {
	status := s.tracker.Track(ctx, n.ID, userID)
	if err := s.deferDelivery(ctx, userID, status.DeliveryID, n); err != nil {
		if failed, ferr := s.tracker.MarkFailed(ctx, status.DeliveryID, err); ferr == nil {
			return failed
		}
	}
	return status
}

func (s *Service) deferDelivery(ctx context.Context, userID, deliveryID string, n models.Notification) error {
	if err := s.enqueue(ctx, userID, deliveryID, n); err != nil {
		s.logger.Error("could not queue notification for offline user",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("notification_id", n.ID),
		)
		return err
	}
	s.escalate(ctx, userID, n)
	s.flushIfOnline(ctx, userID)
	return nil
}

// flushIfOnline covers a user who connected between the presence check and
// the enqueue: that connection's replay already ran and missed the entry.
func (s *Service) flushIfOnline(ctx context.Context, userID string) {
	ids := s.registry.ConnectionsForUser(userID)
	if len(ids) == 0 {
		return
	}
	if err := s.ReplayOffline(ctx, ids[0], userID); err != nil {
		s.logger.Warn("late replay failed, backlog kept",
			zap.Error(err),
			zap.String("connection_id", ids[0]),
			zap.String("user_id", userID),
		)
	}
}

func (s *Service) enqueue(ctx context.Context, userID, deliveryID string, n models.Notification) error {
	err := s.queue.Enqueue(ctx, models.QueuedNotification{
		UserID:       userID,
		DeliveryID:   deliveryID,
		Notification: n,
		QueuedAt:     s.now(),
	})
	if err != nil {
		return fmt.Errorf("queue notification %s for %s: %w", n.ID, userID, err)
	}
	return nil
}

func (s *Service) escalate(ctx context.Context, userID string, n models.Notification) {
	if s.escalator == nil || n.Priority != models.PriorityCritical {
		return
	}
	if err := s.escalator.Escalate(ctx, userID, n); err != nil {
		metrics.RecordEscalation("failed")
		s.logger.Warn("escalation failed",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("notification_id", n.ID),
		)
		return
	}
	metrics.RecordEscalation("published")
}
