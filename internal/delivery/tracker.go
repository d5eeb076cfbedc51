// Package delivery tracks the Sent → Confirmed → Read lifecycle of every
// notification handed to a user.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/metrics"
	"github.com/lalithlochan/hrpulse/internal/models"
)

var (
	// ErrNotFound means the delivery id is unknown (or owned by another
	// user). It signals a client/server desync and is reported, not ignored.
	ErrNotFound = errors.New("delivery status not found")

	// ErrInvalidTransition is returned when a terminal status is asked to move.
	ErrInvalidTransition = errors.New("invalid delivery state transition")
)

// Archive persists statuses beyond the process lifetime.
// Load returns (nil, nil) when the id is unknown.
type Archive interface {
	SaveDeliveryStatus(ctx context.Context, status *models.DeliveryStatus) error
	LoadDeliveryStatus(ctx context.Context, deliveryID string) (*models.DeliveryStatus, error)
	PurgeDeliveryStatuses(ctx context.Context, before time.Time) (int64, error)
}

// Tracker is the in-memory status map, optionally backed by an Archive.
// The archive is never called while the map lock is held.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]*models.DeliveryStatus

	archive Archive
	logger  *zap.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. archive may be nil.
func NewTracker(archive Archive, logger *zap.Logger) *Tracker {
	return &Tracker{
		statuses: make(map[string]*models.DeliveryStatus),
		archive:  archive,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Track creates a Sent status under a fresh delivery id.
func (t *Tracker) Track(ctx context.Context, notificationID, userID string) models.DeliveryStatus {
	status := &models.DeliveryStatus{
		DeliveryID:     uuid.NewString(),
		NotificationID: notificationID,
		UserID:         userID,
		State:          models.DeliverySent,
		SentAt:         t.now(),
	}

	t.mu.Lock()
	t.statuses[status.DeliveryID] = status
	snapshot := *status
	t.mu.Unlock()

	metrics.RecordDeliveryTransition(string(models.DeliverySent))
	t.persist(ctx, &snapshot)
	return snapshot
}

// ConfirmDelivery moves Sent → Confirmed. Confirming an already Confirmed or
// Read status is a no-op; a Failed status cannot be confirmed.
func (t *Tracker) ConfirmDelivery(ctx context.Context, deliveryID, userID string) (models.DeliveryStatus, error) {
	return t.transition(ctx, deliveryID, userID, func(s *models.DeliveryStatus, now time.Time) (bool, error) {
		switch s.State {
		case models.DeliverySent:
			s.State = models.DeliveryConfirmed
			s.ConfirmedAt = &now
			return true, nil
		case models.DeliveryConfirmed, models.DeliveryRead:
			return false, nil
		default:
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, models.DeliveryConfirmed)
		}
	})
}

// ConfirmRead moves Sent|Confirmed → Read. A read implies delivery, so
// ConfirmedAt is filled in when the client skipped ConfirmDelivery.
func (t *Tracker) ConfirmRead(ctx context.Context, deliveryID, userID string) (models.DeliveryStatus, error) {
	return t.transition(ctx, deliveryID, userID, func(s *models.DeliveryStatus, now time.Time) (bool, error) {
		switch s.State {
		case models.DeliverySent, models.DeliveryConfirmed:
			if s.ConfirmedAt == nil {
				s.ConfirmedAt = &now
			}
			s.State = models.DeliveryRead
			s.ReadAt = &now
			return true, nil
		case models.DeliveryRead:
			return false, nil
		default:
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, models.DeliveryRead)
		}
	})
}

// MarkFailed records a fatal send error. Only Sent and Confirmed may fail.
func (t *Tracker) MarkFailed(ctx context.Context, deliveryID string, cause error) (models.DeliveryStatus, error) {
	return t.transition(ctx, deliveryID, "", func(s *models.DeliveryStatus, now time.Time) (bool, error) {
		switch s.State {
		case models.DeliverySent, models.DeliveryConfirmed:
			s.State = models.DeliveryFailed
			s.FailedAt = &now
			if cause != nil {
				s.Error = cause.Error()
			}
			return true, nil
		case models.DeliveryFailed:
			return false, nil
		default:
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, models.DeliveryFailed)
		}
	})
}

// GetStatus returns the status for deliveryID, consulting the archive on a
// memory miss.
func (t *Tracker) GetStatus(ctx context.Context, deliveryID string) (models.DeliveryStatus, error) {
	t.mu.RLock()
	status, ok := t.statuses[deliveryID]
	var snapshot models.DeliveryStatus
	if ok {
		snapshot = *status
	}
	t.mu.RUnlock()
	if ok {
		return snapshot, nil
	}

	loaded, err := t.load(ctx, deliveryID)
	if err != nil {
		return models.DeliveryStatus{}, err
	}
	return *loaded, nil
}

// Len returns the number of statuses held in memory.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.statuses)
}

type transitionFunc func(s *models.DeliveryStatus, now time.Time) (changed bool, err error)

func (t *Tracker) transition(ctx context.Context, deliveryID, userID string, fn transitionFunc) (models.DeliveryStatus, error) {
	if _, err := t.ensureLoaded(ctx, deliveryID); err != nil {
		return models.DeliveryStatus{}, err
	}

	t.mu.Lock()
	status, ok := t.statuses[deliveryID]
	if !ok || (userID != "" && status.UserID != userID) {
		t.mu.Unlock()
		return models.DeliveryStatus{}, fmt.Errorf("%w: %s", ErrNotFound, deliveryID)
	}
	changed, err := fn(status, t.now())
	snapshot := *status
	t.mu.Unlock()

	if err != nil {
		return snapshot, err
	}
	if changed {
		metrics.RecordDeliveryTransition(string(snapshot.State))
		t.persist(ctx, &snapshot)
	}
	return snapshot, nil
}

// ensureLoaded pulls an archived status into memory so it can transition.
func (t *Tracker) ensureLoaded(ctx context.Context, deliveryID string) (bool, error) {
	t.mu.RLock()
	_, ok := t.statuses[deliveryID]
	t.mu.RUnlock()
	if ok {
		return true, nil
	}

	loaded, err := t.load(ctx, deliveryID)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	if _, exists := t.statuses[deliveryID]; !exists {
		t.statuses[deliveryID] = loaded
	}
	t.mu.Unlock()
	return true, nil
}

func (t *Tracker) load(ctx context.Context, deliveryID string) (*models.DeliveryStatus, error) {
	if t.archive == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deliveryID)
	}
	loaded, err := t.archive.LoadDeliveryStatus(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("load delivery status: %w", err)
	}
	if loaded == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deliveryID)
	}
	return loaded, nil
}

func (t *Tracker) persist(ctx context.Context, status *models.DeliveryStatus) {
	if t.archive == nil {
		return
	}
	if err := t.archive.SaveDeliveryStatus(ctx, status); err != nil {
		t.logger.Warn("failed to archive delivery status",
			zap.Error(err),
			zap.String("delivery_id", status.DeliveryID),
			zap.String("state", string(status.State)),
		)
	}
}

// Prune drops terminal statuses whose last transition is older than before.
// Non-terminal statuses are kept so late confirmations still resolve.
func (t *Tracker) Prune(ctx context.Context, before time.Time) int {
	t.mu.Lock()
	removed := 0
	for id, s := range t.statuses {
		if s.Terminal() && lastTransition(s).Before(before) {
			delete(t.statuses, id)
			removed++
		}
	}
	t.mu.Unlock()

	if t.archive != nil {
		purged, err := t.archive.PurgeDeliveryStatuses(ctx, before)
		if err != nil {
			t.logger.Warn("failed to purge archived delivery statuses", zap.Error(err))
		} else if purged > 0 {
			t.logger.Info("purged archived delivery statuses", zap.Int64("count", purged))
		}
	}
	return removed
}

// RunJanitor prunes statuses older than retention every interval until ctx
// is cancelled. A zero retention disables pruning.
func (t *Tracker) RunJanitor(ctx context.Context, interval, retention time.Duration) {
	if retention <= 0 {
		t.logger.Info("delivery retention disabled, janitor not started")
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("delivery janitor stopping")
			return
		case <-ticker.C:
			removed := t.Prune(ctx, t.now().Add(-retention))
			if removed > 0 {
				t.logger.Info("pruned delivery statuses", zap.Int("count", removed))
			}
		}
	}
}

func lastTransition(s *models.DeliveryStatus) time.Time {
	switch {
	case s.ReadAt != nil:
		return *s.ReadAt
	case s.FailedAt != nil:
		return *s.FailedAt
	case s.ConfirmedAt != nil:
		return *s.ConfirmedAt
	default:
		return s.SentAt
	}
}
