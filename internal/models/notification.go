package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationType classifies what a notification is about
type NotificationType string

const (
	TypeAnnouncement      NotificationType = "Announcement"
	TypeSecurityAlert     NotificationType = "SecurityAlert"
	TypePayroll           NotificationType = "Payroll"
	TypeLeave             NotificationType = "Leave"
	TypeAttendance        NotificationType = "Attendance"
	TypePerformance       NotificationType = "Performance"
	TypeProject           NotificationType = "Project"
	TypeSystemMaintenance NotificationType = "SystemMaintenance"
	TypeBirthday          NotificationType = "Birthday"
)

// Priority constants, ordered from least to most urgent
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// ParsePriority maps a priority name to its value. Unknown names map to Normal.
func ParsePriority(s string) Priority {
	switch s {
	case "Low", "low":
		return PriorityLow
	case "High", "high":
		return PriorityHigh
	case "Critical", "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Notification is the immutable payload delivered to clients
type Notification struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	Priority  Priority         `json:"priority"`
	CreatedAt time.Time        `json:"created_at"`
}

// NewNotification fills in the id and creation time.
func NewNotification(title, message string, typ NotificationType, priority Priority) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Title:     title,
		Message:   message,
		Type:      typ,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

// WithPriority returns a copy carrying the given priority.
func (n Notification) WithPriority(p Priority) Notification {
	n.Priority = p
	return n
}

// DeliveryState constants
type DeliveryState string

const (
	DeliverySent      DeliveryState = "Sent"
	DeliveryConfirmed DeliveryState = "Confirmed"
	DeliveryRead      DeliveryState = "Read"
	DeliveryFailed    DeliveryState = "Failed"
)

// DeliveryStatus tracks one notification sent to one user
type DeliveryStatus struct {
	DeliveryID     string        `json:"delivery_id"`
	NotificationID string        `json:"notification_id"`
	UserID         string        `json:"user_id"`
	State          DeliveryState `json:"state"`
	SentAt         time.Time     `json:"sent_at"`
	ConfirmedAt    *time.Time    `json:"confirmed_at,omitempty"`
	ReadAt         *time.Time    `json:"read_at,omitempty"`
	FailedAt       *time.Time    `json:"failed_at,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Terminal reports whether no further transitions are possible.
func (s DeliveryStatus) Terminal() bool {
	return s.State == DeliveryRead || s.State == DeliveryFailed
}

// QueuedNotification is a backlog entry for a user with no live connection
type QueuedNotification struct {
	UserID       string       `json:"user_id"`
	DeliveryID   string       `json:"delivery_id,omitempty"`
	Notification Notification `json:"notification"`
	QueuedAt     time.Time    `json:"queued_at"`
}
