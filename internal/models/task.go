package models

// TaskStatus is the lifecycle state of an agent task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// AgentTask is a unit of work submitted to the scheduling agent.
type AgentTask struct {
	ID        int64      `json:"id"`
	TaskType  string     `json:"taskType"`
	Status    TaskStatus `json:"status"`
	Payload   string     `json:"payload"`
	Result    string     `json:"result,omitempty"`
	CreatedAt Timestamp  `json:"createdAt"`
	UpdatedAt Timestamp  `json:"updatedAt"`
	Version   *int64     `json:"version,omitempty"`
}

// Key returns the task identifier.
func (t AgentTask) Key() int64 { return t.ID }

// Revision returns the entity version, if the server sent one.
func (t AgentTask) Revision() (int64, bool) {
	if t.Version == nil {
		return 0, false
	}
	return *t.Version, true
}

// CreateTaskRequest is the body of POST /agent/tasks.
type CreateTaskRequest struct {
	TaskType string `json:"taskType"`
	Payload  string `json:"payload"`
}

// UpdateTaskRequest is the body of PUT /agent/tasks/{id}.
type UpdateTaskRequest struct {
	Status TaskStatus `json:"status"`
	Result string     `json:"result,omitempty"`
}
