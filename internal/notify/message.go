package notify

import (
	"fmt"
	"time"

	"github.com/seantiz/attemptd/internal/model"
)

// Message texts delivered for each violation kind.
const (
	textAttemptTimeout = "Workflow execution timeout"
	textTaskTimeout    = "Task execution timeout: %d"
)

// MessageText returns the human-readable text for a violation.
func MessageText(v model.Violation) string {
	if v.Kind == model.ViolationTaskTTL {
		return fmt.Sprintf(textTaskTimeout, v.TaskID)
	}
	return textAttemptTimeout
}

// BuildNotification correlates a violation with its attempt.
func BuildNotification(a *model.Attempt, v model.Violation, now time.Time) model.Notification {
	attemptID := a.ID
	workflow := a.Workflow
	project := a.Project
	return model.Notification{
		Message:      MessageText(v),
		AttemptID:    &attemptID,
		WorkflowName: &workflow,
		ProjectName:  &project,
		Timestamp:    now.UTC(),
	}
}
