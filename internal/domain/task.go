package domain

import "time"

// A Task records what happened to one Item as it moved through the pipeline:
// start → (decode, infer) → done | failed.

// TaskState tracks task lifecycle.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskRetry      TaskState = "retry"
	TaskFailed     TaskState = "failed"
	TaskDone       TaskState = "done"
)

// TaskStates lists every state in lifecycle order.
var TaskStates = []TaskState{TaskPending, TaskInProgress, TaskRetry, TaskFailed, TaskDone}

// ParseTaskState maps a user-supplied string onto a TaskState.
func ParseTaskState(s string) (TaskState, bool) {
	for _, st := range TaskStates {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Task is the lifecycle record for one item UID.
type Task struct {
	UID       string    `json:"uid"`
	State     TaskState `json:"state"`
	Retries   int       `json:"retries"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.State == TaskDone || t.State == TaskFailed
}

// Duration returns how long the task took (0 if not started/ended).
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}
