package models

import "time"

// NotificationKind classifies a local notification.
type NotificationKind string

const (
	NotificationInfo    NotificationKind = "info"
	NotificationShift   NotificationKind = "shift"
	NotificationTask    NotificationKind = "task"
	NotificationWarning NotificationKind = "warning"
)

// Notification is minted locally; the server never identifies them.
type Notification struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"createdAt"`
}
