package model

import "time"

// Attempt status constants.
const (
	AttemptStatusRunning         = "running"
	AttemptStatusCancelRequested = "cancel_requested"
	AttemptStatusDone            = "done"
)

// Task status constants.
const (
	TaskStatusRunning  = "running"
	TaskStatusTimedOut = "timed_out"
	TaskStatusFinished = "finished"
)

// Attempt is one execution instance of a workflow. CancelRequested and Done
// only ever move from false to true; Success is meaningful once Done is set.
type Attempt struct {
	ID              int64         `json:"id"`
	Project         string        `json:"project"`
	Workflow        string        `json:"workflow"`
	Status          string        `json:"status"`
	CancelRequested bool          `json:"cancelRequested"`
	Done            bool          `json:"done"`
	Success         bool          `json:"success"`
	TTL             time.Duration `json:"-"`
	StartedAt       time.Time     `json:"startedAt"`
	FinishedAt      *time.Time    `json:"finishedAt,omitempty"`
}

// Task is one unit of work within an attempt. AttemptID is a lookup key back
// to the owning attempt, never an owning reference.
type Task struct {
	ID         int64             `json:"id"`
	AttemptID  int64             `json:"attemptId"`
	Name       string            `json:"name"`
	Operator   string            `json:"operator"`
	Params     map[string]string `json:"params,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	TTL        time.Duration     `json:"-"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
}

// Terminal reports whether the task has left the running state.
func (t *Task) Terminal() bool {
	return t.Status == TaskStatusTimedOut || t.Status == TaskStatusFinished
}

// EffectiveTTL returns override when it is set, otherwise def. A zero result
// means no limit applies.
func EffectiveTTL(override, def time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return def
}
