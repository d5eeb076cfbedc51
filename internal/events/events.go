// Package events defines the server-to-client frames written on hub connections.
package events

import (
	"time"

	"github.com/lalithlochan/hrpulse/internal/models"
)

// Event names sent to clients.
const (
	NotificationReceived          = "NotificationReceived"
	Heartbeat                     = "Heartbeat"
	Pong                          = "Pong"
	ConnectionEstablished         = "ConnectionEstablished"
	ConnectionRecoveryStarted     = "ConnectionRecoveryStarted"
	GroupJoined                   = "GroupJoined"
	GroupLeft                     = "GroupLeft"
	AttendanceStatusUpdated       = "AttendanceStatusUpdated"
	AttendanceStatusConfirmed     = "AttendanceStatusConfirmed"
	SystemMaintenanceNotification = "SystemMaintenanceNotification"
	BirthdayWishReceived          = "BirthdayWishReceived"
	BirthdayWishSent              = "BirthdayWishSent"
	ConnectionStats               = "ConnectionStats"
	DeliveryConfirmed             = "DeliveryConfirmed"
	ReadConfirmed                 = "ReadConfirmed"
	Error                         = "Error"
)

// Event is a single JSON frame: {"type": "...", "data": {...}}
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// NotificationData wraps a notification with the delivery id the client
// should echo back in ConfirmDelivery / ConfirmRead.
type NotificationData struct {
	DeliveryID   string              `json:"delivery_id,omitempty"`
	Notification models.Notification `json:"notification"`
	Replayed     bool                `json:"replayed,omitempty"`
}

type HeartbeatData struct {
	ConnectionID string    `json:"connection_id"`
	SentAt       time.Time `json:"sent_at"`
}

type ConnectionData struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Groups       []string  `json:"groups,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type RecoveryData struct {
	ConnectionID string    `json:"connection_id"`
	Attempt      int       `json:"attempt"`
	Timestamp    time.Time `json:"timestamp"`
}

type GroupData struct {
	Group string `json:"group"`
}

type AttendanceData struct {
	UserID     string    `json:"user_id"`
	EmployeeID string    `json:"employee_id"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

type MaintenanceData struct {
	Message       string    `json:"message"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Timestamp     time.Time `json:"timestamp"`
}

type BirthdayWishData struct {
	FromUserID string    `json:"from_user_id"`
	ToUserID   string    `json:"to_user_id"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

type DeliveryData struct {
	DeliveryID string               `json:"delivery_id"`
	State      models.DeliveryState `json:"state"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// NewError builds an Error frame.
func NewError(message string) Event {
	return Event{Type: Error, Data: ErrorData{Message: message}}
}
