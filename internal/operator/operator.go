package operator

import (
	"context"
	"log/slog"
)

// Operator is implemented by every kind of task work.
type Operator interface {
	// Run performs the task. It returns when the work completes or ctx is
	// cancelled. A non-nil error marks the task as failed.
	Run(ctx context.Context, req Request) error

	// Description is a one-line summary listed by the API.
	Description() string
}

// Request carries one task invocation to an operator.
type Request struct {
	AttemptID int64
	TaskID    int64
	TaskName  string
	Params    map[string]string
	Logger    *slog.Logger
}

// Param returns the named parameter or def when it is unset.
func (r Request) Param(name, def string) string {
	if v, ok := r.Params[name]; ok && v != "" {
		return v
	}
	return def
}
