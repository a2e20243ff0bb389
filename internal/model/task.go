package model

import (
	"encoding/json"
	"time"
)

// Task statuses.
const (
	TaskCreated    = "Created"
	TaskInProgress = "In Progress"
	TaskComplete   = "Complete"
	TaskFailed     = "Failed"
)

// Task tracks an asynchronous composition request.
type Task struct {
	UUID          string          `json:"uuid"`
	Status        string          `json:"status"`
	RequestBody   json.RawMessage `json:"request_body,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	NodeID        string          `json:"node_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the task can no longer change status.
func (t Task) IsTerminal() bool {
	return t.Status == TaskComplete || t.Status == TaskFailed
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to string) bool {
	switch from {
	case TaskCreated:
		return to == TaskInProgress || to == TaskFailed
	case TaskInProgress:
		return to == TaskComplete || to == TaskFailed
	default:
		return false
	}
}
