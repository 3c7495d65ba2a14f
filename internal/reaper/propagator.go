package reaper

import (
	"context"
	"fmt"

	"github.com/seantiz/attemptd/internal/model"
)

// ExecutionStore is the part of the execution store the reaper reads and
// mutates. store.Store satisfies it.
type ExecutionStore interface {
	ListActiveAttempts(ctx context.Context) ([]*model.Attempt, error)
	ListActiveTasks(ctx context.Context, attemptID int64) ([]*model.Task, error)
	CompareAndSetCancelRequested(ctx context.Context, attemptID int64) (bool, error)
	MarkTaskTimedOut(ctx context.Context, taskID int64) (bool, error)
	MarkAttemptDone(ctx context.Context, attemptID int64, success bool) (bool, error)
}

// Propagator applies the state change a violation calls for.
type Propagator struct {
	store ExecutionStore
}

// NewPropagator creates a Propagator backed by s.
func NewPropagator(s ExecutionStore) *Propagator {
	return &Propagator{store: s}
}

// Apply performs the transition for v and reports whether this call caused
// it. Replaying a violation that was already applied returns false.
//
// For an attempt overrun the attempt is cancelled and finished at once,
// without waiting for its tasks. For a task overrun the task is marked timed
// out and the owning attempt is cancelled; finishing the attempt is left to
// the executor once its tasks drain.
//
// When the first transition succeeds but the follow-up fails, Apply returns
// true together with the error, since the violation has been consumed.
func (p *Propagator) Apply(ctx context.Context, v model.Violation) (bool, error) {
	switch v.Kind {
	case model.ViolationAttemptTTL:
		flipped, err := p.store.CompareAndSetCancelRequested(ctx, v.AttemptID)
		if err != nil {
			return false, fmt.Errorf("request cancel for attempt %d: %w", v.AttemptID, err)
		}
		if !flipped {
			return false, nil
		}
		if _, err := p.store.MarkAttemptDone(ctx, v.AttemptID, false); err != nil {
			return true, fmt.Errorf("mark attempt %d done: %w", v.AttemptID, err)
		}
		return true, nil

	case model.ViolationTaskTTL:
		flipped, err := p.store.MarkTaskTimedOut(ctx, v.TaskID)
		if err != nil {
			return false, fmt.Errorf("mark task %d timed out: %w", v.TaskID, err)
		}
		if !flipped {
			return false, nil
		}
		// false here means the attempt was already cancelled or finished.
		if _, err := p.store.CompareAndSetCancelRequested(ctx, v.AttemptID); err != nil {
			return true, fmt.Errorf("request cancel for attempt %d: %w", v.AttemptID, err)
		}
		return true, nil

	default:
		return false, fmt.Errorf("unknown violation kind %q", v.Kind)
	}
}

// FinishCancelled marks an attempt whose cancel was already requested as
// failed and done. It reports whether this call finished it. There is no
// compare-and-set step, so it completes an attempt-TTL transition whose
// second update failed on an earlier tick.
func (p *Propagator) FinishCancelled(ctx context.Context, attemptID int64) (bool, error) {
	finished, err := p.store.MarkAttemptDone(ctx, attemptID, false)
	if err != nil {
		return false, fmt.Errorf("mark attempt %d done: %w", attemptID, err)
	}
	return finished, nil
}
