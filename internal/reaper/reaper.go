package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/attemptd/internal/model"
)

const defaultInterval = time.Second

// Notifier receives violations that caused a state transition. The returned
// channel carries the delivery result; the reaper never waits on it.
type Notifier interface {
	Dispatch(ctx context.Context, a *model.Attempt, v model.Violation) <-chan error
}

// Limits are the default TTLs. A zero value disables the check unless the
// attempt or task carries its own TTL.
type Limits struct {
	AttemptTTL time.Duration
	TaskTTL    time.Duration
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithInterval sets how often Run scans the store.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithClock overrides the clock used to compute ages.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// Reaper detects attempts and tasks that have outlived their TTL.
type Reaper struct {
	store      ExecutionStore
	propagator *Propagator
	notifier   Notifier
	limits     Limits
	logger     *slog.Logger
	interval   time.Duration
	now        func() time.Time
}

// New creates a Reaper. Call Run to start the scan loop.
func New(s ExecutionStore, n Notifier, limits Limits, logger *slog.Logger, opts ...Option) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		store:      s,
		propagator: NewPropagator(s),
		notifier:   n,
		limits:     limits,
		logger:     logger,
		interval:   defaultInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run scans the store every interval until ctx is cancelled. Scan failures
// are logged and the next tick tries again.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("ttl reaper started",
		"interval", r.interval.String(),
		"attempt_ttl", r.limits.AttemptTTL.String(),
		"task_ttl", r.limits.TaskTTL.String(),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("ttl reaper stopped")
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.Warn("ttl scan failed", "error", err)
			}
		}
	}
}

// Tick performs one scan. It keeps going past per-attempt failures and
// returns them joined.
func (r *Reaper) Tick(ctx context.Context) error {
	start := time.Now()
	ticksTotal.Inc()
	defer func() { tickDuration.Observe(time.Since(start).Seconds()) }()

	attempts, err := r.store.ListActiveAttempts(ctx)
	if err != nil {
		tickErrorsTotal.Inc()
		return fmt.Errorf("list active attempts: %w", err)
	}

	now := r.now()
	var errs []error
	for _, a := range attempts {
		if ctx.Err() != nil {
			break
		}
		if err := r.checkAttempt(ctx, a, now); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		tickErrorsTotal.Inc()
		return errors.Join(errs...)
	}
	return nil
}

func (r *Reaper) checkAttempt(ctx context.Context, a *model.Attempt, now time.Time) error {
	ttl := model.EffectiveTTL(a.TTL, r.limits.AttemptTTL)
	if ttl > 0 && now.Sub(a.StartedAt) >= ttl {
		if a.CancelRequested {
			// Cancelled earlier by a kill, a task overrun or a tick whose
			// follow-up update failed. Finish it without notifying again.
			return r.finishOverdue(ctx, a)
		}
		v := model.Violation{Kind: model.ViolationAttemptTTL, AttemptID: a.ID, DetectedAt: now}
		done, err := r.handle(ctx, a, v)
		if err != nil {
			return err
		}
		if done {
			// The attempt is finished; its tasks are no longer checked.
			return nil
		}
	}

	tasks, err := r.store.ListActiveTasks(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("list active tasks for attempt %d: %w", a.ID, err)
	}

	var errs []error
	for _, t := range tasks {
		ttl := model.EffectiveTTL(t.TTL, r.limits.TaskTTL)
		if ttl <= 0 || t.Status != model.TaskStatusRunning || now.Sub(t.StartedAt) < ttl {
			continue
		}
		v := model.Violation{Kind: model.ViolationTaskTTL, AttemptID: a.ID, TaskID: t.ID, DetectedAt: now}
		if _, err := r.handle(ctx, a, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handle applies v and notifies when it caused a transition.
func (r *Reaper) handle(ctx context.Context, a *model.Attempt, v model.Violation) (bool, error) {
	transitioned, err := r.propagator.Apply(ctx, v)
	if !transitioned {
		return false, err
	}

	violationsTotal.WithLabelValues(string(v.Kind)).Inc()
	r.logger.Info("ttl violation",
		"attempt_id", v.AttemptID,
		"task_id", v.TaskID,
		"kind", v.Kind,
		"project", a.Project,
		"workflow", a.Workflow,
	)
	r.notifier.Dispatch(ctx, a, v)
	return true, err
}

// finishOverdue marks an already cancelled attempt done once it is past its TTL.
func (r *Reaper) finishOverdue(ctx context.Context, a *model.Attempt) error {
	finished, err := r.propagator.FinishCancelled(ctx, a.ID)
	if err != nil {
		return err
	}
	if finished {
		r.logger.Info("overdue cancelled attempt finished", "attempt_id", a.ID)
	}
	return nil
}
