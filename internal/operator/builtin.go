package operator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Echo logs its "message" parameter and returns immediately.
type Echo struct{}

func (Echo) Description() string { return "log a message" }

func (Echo) Run(_ context.Context, req Request) error {
	if req.Logger != nil {
		req.Logger.Info("echo", "task_id", req.TaskID, "message", req.Param("message", ""))
	}
	return nil
}

// Sleep blocks for its "duration" parameter (Go duration syntax, default 1s).
// Only context cancellation cuts it short.
type Sleep struct{}

func (Sleep) Description() string { return "wait for a duration" }

func (Sleep) Run(ctx context.Context, req Request) error {
	d, err := time.ParseDuration(req.Param("duration", "1s"))
	if err != nil {
		return fmt.Errorf("sleep: invalid duration: %w", err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail always returns an error carrying its "message" parameter.
type Fail struct{}

func (Fail) Description() string { return "fail the task" }

func (Fail) Run(_ context.Context, req Request) error {
	return errors.New(req.Param("message", "task failed"))
}
