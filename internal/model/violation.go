package model

import "time"

// ViolationKind identifies which limit an attempt or task exceeded.
type ViolationKind string

// Violation kinds.
const (
	ViolationAttemptTTL ViolationKind = "attempt_ttl"
	ViolationTaskTTL    ViolationKind = "task_ttl"
)

// Violation is a detected TTL overrun. TaskID is zero for attempt-level
// violations.
type Violation struct {
	Kind       ViolationKind
	AttemptID  int64
	TaskID     int64
	DetectedAt time.Time
}

// Notification is the JSON body delivered to the notification endpoint.
// The attempt correlation fields are pointers so they serialize as null when
// a message has no attempt context.
type Notification struct {
	Message      string    `json:"message"`
	AttemptID    *int64    `json:"attemptId"`
	WorkflowName *string   `json:"workflowName"`
	ProjectName  *string   `json:"projectName"`
	Timestamp    time.Time `json:"timestamp"`
}
