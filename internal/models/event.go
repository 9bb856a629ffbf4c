package models

import "encoding/json"

// Real-time destinations shared with the server.
const (
	TopicShifts        = "/topic/shifts"
	TopicTasks         = "/topic/agent-tasks"
	TopicNotifications = "/topic/notifications"
	TopicChat          = "/topic/agent-chat"

	DestinationChat = "/app/agent-chat"
)

// Topics lists every topic a client subscribes to.
var Topics = []string{TopicShifts, TopicTasks, TopicNotifications, TopicChat}

// EventType tags an envelope.
type EventType string

const (
	EventShiftCreated EventType = "SHIFT_CREATED"
	EventShiftUpdated EventType = "SHIFT_UPDATED"
	EventShiftDeleted EventType = "SHIFT_DELETED"
	EventTaskCreated  EventType = "TASK_CREATED"
	EventTaskUpdated  EventType = "TASK_UPDATED"
	EventTaskDeleted  EventType = "TASK_DELETED"
)

// Envelope is a decoded real-time message. Payload is kept raw until the
// receiver knows which type to decode it into.
type Envelope struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp Timestamp       `json:"timestamp"`
}

// ShiftDeletedPayload is the payload of SHIFT_DELETED.
type ShiftDeletedPayload struct {
	ShiftID int64 `json:"shiftId"`
}

// TaskDeletedPayload is the payload of TASK_DELETED.
type TaskDeletedPayload struct {
	TaskID int64 `json:"taskId"`
}

// NoticePayload is the payload of envelopes on the notifications topic.
type NoticePayload struct {
	Message string `json:"message"`
}
