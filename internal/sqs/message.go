package sqs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lalithlochan/hrpulse/internal/models"
)

// Action selects the NotificationService operation a command runs.
type Action string

const (
	ActionSend         Action = "send"
	ActionSendBulk     Action = "send_bulk"
	ActionHighPriority Action = "high_priority"
	ActionQueueOffline Action = "queue_offline"
	ActionMaintenance  Action = "maintenance"
)

var ErrInvalidCommand = errors.New("invalid notification command")

// Message is a notification command as business modules put it on the queue.
type Message struct {
	Action        Action     `json:"action"`
	UserIDs       []string   `json:"user_ids,omitempty"`
	Title         string     `json:"title,omitempty"`
	Body          string     `json:"body"`
	Type          string     `json:"type,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	EnqueuedAt    int64      `json:"enqueued_at"`
}

// Validate checks the fields the action needs.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidCommand)
	}
	switch m.Action {
	case ActionSend, ActionHighPriority, ActionQueueOffline:
		if len(m.UserIDs) != 1 || strings.TrimSpace(m.UserIDs[0]) == "" {
			return fmt.Errorf("%w: %s needs exactly one user id", ErrInvalidCommand, m.Action)
		}
	case ActionSendBulk:
		if len(m.UserIDs) == 0 {
			return fmt.Errorf("%w: %s needs at least one user id", ErrInvalidCommand, m.Action)
		}
	case ActionMaintenance:
		if m.ScheduledTime == nil {
			return fmt.Errorf("%w: maintenance needs scheduled_time", ErrInvalidCommand)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, m.Action)
	}
	return nil
}

// Notification builds the record the command delivers. Type defaults to
// Announcement.
func (m Message) Notification() models.Notification {
	typ := models.NotificationType(m.Type)
	if typ == "" {
		typ = models.TypeAnnouncement
	}
	return models.NewNotification(m.Title, m.Body, typ, models.ParsePriority(m.Priority))
}
