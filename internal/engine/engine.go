package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/attemptd/internal/model"
	"github.com/seantiz/attemptd/internal/operator"
	"github.com/seantiz/attemptd/internal/store"
)

// ErrInvalidRequest is returned by Start for malformed requests.
var ErrInvalidRequest = errors.New("invalid request")

// TaskSpec describes one task of a workflow.
type TaskSpec struct {
	Name     string
	Operator string
	Params   map[string]string
	TTL      time.Duration
}

// StartRequest describes a workflow run.
type StartRequest struct {
	Project    string
	Workflow   string
	AttemptTTL time.Duration
	Tasks      []TaskSpec
}

// Engine executes attempts asynchronously.
type Engine struct {
	store    store.Store
	registry *operator.Registry
	logger   *slog.Logger
	broker   *EventBroker
	wg       sync.WaitGroup
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, reg *operator.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		registry: reg,
		logger:   logger,
		broker:   NewEventBroker(),
	}
}

// Broker returns the broker carrying attempt progress events.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Start validates req, records a running attempt and executes its tasks in
// a goroutine. The returned attempt reflects the state at creation.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*model.Attempt, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	a := &model.Attempt{
		Project:   req.Project,
		Workflow:  req.Workflow,
		Status:    model.AttemptStatusRunning,
		TTL:       req.AttemptTTL,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateAttempt(ctx, a); err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	e.logger.Info("attempt started",
		"attempt_id", a.ID,
		"project", a.Project,
		"workflow", a.Workflow,
		"tasks", len(req.Tasks),
	)

	aCopy := *a
	tasks := append([]TaskSpec(nil), req.Tasks...)
	e.wg.Go(func() {
		e.execute(&aCopy, tasks)
	})

	return a, nil
}

// Wait blocks until all in-flight attempts complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain is Wait bounded by ctx. It returns ctx's error if attempts are still
// running when ctx is done; those attempts are abandoned to the caller.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) validate(req StartRequest) error {
	if strings.TrimSpace(req.Project) == "" {
		return fmt.Errorf("%w: project is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Workflow) == "" {
		return fmt.Errorf("%w: workflow is required", ErrInvalidRequest)
	}
	if len(req.Tasks) == 0 {
		return fmt.Errorf("%w: at least one task is required", ErrInvalidRequest)
	}
	if req.AttemptTTL < 0 {
		return fmt.Errorf("%w: attempt ttl must not be negative", ErrInvalidRequest)
	}
	for i, t := range req.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("%w: task %d has no name", ErrInvalidRequest, i)
		}
		if t.TTL < 0 {
			return fmt.Errorf("%w: task %q ttl must not be negative", ErrInvalidRequest, t.Name)
		}
		if _, err := e.registry.Resolve(t.Operator); err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
	}
	return nil
}

// execute runs the tasks in order. A failed task, a timed-out task or a
// cancellation request stops the remaining tasks from starting.
func (e *Engine) execute(a *model.Attempt, tasks []TaskSpec) {
	defer e.broker.Close(a.ID)
	ctx := context.Background()

	success := true
	for _, spec := range tasks {
		cur, err := e.store.GetAttempt(ctx, a.ID)
		if err != nil {
			e.logger.Error("failed to reload attempt", "attempt_id", a.ID, "error", err)
			success = false
			break
		}
		if cur.CancelRequested || cur.Done {
			e.logger.Info("cancel requested, not starting remaining tasks", "attempt_id", a.ID, "next_task", spec.Name)
			success = false
			break
		}
		if !e.runTask(ctx, a, spec) {
			success = false
			break
		}
	}

	e.finish(ctx, a.ID, success)
}

// runTask executes one task and reports whether it succeeded.
func (e *Engine) runTask(ctx context.Context, a *model.Attempt, spec TaskSpec) bool {
	t := &model.Task{
		AttemptID: a.ID,
		Name:      spec.Name,
		Operator:  spec.Operator,
		Params:    spec.Params,
		Status:    model.TaskStatusRunning,
		TTL:       spec.TTL,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateTask(ctx, t); err != nil {
		e.logger.Error("failed to create task", "attempt_id", a.ID, "task", spec.Name, "error", err)
		return false
	}
	e.broker.Publish(Event{Type: EventTaskStarted, AttemptID: a.ID, TaskID: t.ID, TaskName: t.Name, Time: t.StartedAt})

	logger := e.logger.With("attempt_id", a.ID, "task_id", t.ID, "task", t.Name)
	var runErr error
	op, err := e.registry.Resolve(t.Operator)
	if err != nil {
		runErr = err
	} else {
		runErr = op.Run(ctx, operator.Request{
			AttemptID: a.ID,
			TaskID:    t.ID,
			TaskName:  t.Name,
			Params:    t.Params,
			Logger:    logger,
		})
	}

	var errMsg string
	if runErr != nil {
		errMsg = runErr.Error()
	}
	finished, err := e.store.MarkTaskFinished(ctx, t.ID, errMsg)
	if err != nil {
		logger.Error("failed to record task result", "error", err)
		tasksTotal.WithLabelValues(outcomeFailed).Inc()
		return false
	}

	if !finished {
		// The reaper timed the task out while it ran. Make sure the attempt
		// is cancelled even if the reaper's follow-up update failed.
		tasksTotal.WithLabelValues(outcomeTimedOut).Inc()
		logger.Warn("task finished after it was timed out")
		if _, err := e.store.CompareAndSetCancelRequested(ctx, a.ID); err != nil {
			logger.Error("failed to request cancel", "error", err)
		}
		e.broker.Publish(Event{Type: EventTaskTimedOut, AttemptID: a.ID, TaskID: t.ID, TaskName: t.Name, Time: time.Now().UTC()})
		return false
	}

	if runErr != nil {
		tasksTotal.WithLabelValues(outcomeFailed).Inc()
		logger.Warn("task failed", "error", runErr)
	} else {
		tasksTotal.WithLabelValues(outcomeSucceeded).Inc()
		logger.Info("task finished")
	}
	e.broker.Publish(Event{Type: EventTaskFinished, AttemptID: a.ID, TaskID: t.ID, TaskName: t.Name, Error: errMsg, Time: time.Now().UTC()})
	return runErr == nil
}

// finish marks the attempt done once none of its tasks is running.
func (e *Engine) finish(ctx context.Context, attemptID int64, success bool) {
	active, err := e.store.ListActiveTasks(ctx, attemptID)
	if err != nil {
		e.logger.Error("failed to list active tasks", "attempt_id", attemptID, "error", err)
		return
	}
	if len(active) > 0 {
		e.logger.Warn("attempt still has running tasks", "attempt_id", attemptID, "running", len(active))
		return
	}

	// A cancellation that arrived during the last task still fails the attempt.
	if cur, err := e.store.GetAttempt(ctx, attemptID); err == nil && cur.CancelRequested {
		success = false
	}

	marked, err := e.store.MarkAttemptDone(ctx, attemptID, success)
	if err != nil {
		e.logger.Error("failed to mark attempt done", "attempt_id", attemptID, "error", err)
		return
	}
	if !marked {
		// Finished elsewhere, by the reaper. Report the stored outcome.
		e.logger.Info("attempt was already done", "attempt_id", attemptID)
		if cur, err := e.store.GetAttempt(ctx, attemptID); err == nil {
			stored := cur.Success
			e.broker.Publish(Event{Type: EventAttemptDone, AttemptID: attemptID, Success: &stored, Time: time.Now().UTC()})
		}
		return
	}

	e.logger.Info("attempt done", "attempt_id", attemptID, "success", success)
	e.broker.Publish(Event{Type: EventAttemptDone, AttemptID: attemptID, Success: &success, Time: time.Now().UTC()})
}
