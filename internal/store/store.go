package store

import (
	"context"
	"errors"

	"github.com/seantiz/attemptd/internal/model"
)

// ErrNotFound is returned when an attempt or task does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations for attempts and their tasks.
//
// The Mark* and CompareAndSet* methods are single guarded updates: each
// reports whether this call performed the transition, so concurrent callers
// racing on the same record see exactly one true.
type Store interface {
	CreateAttempt(ctx context.Context, a *model.Attempt) error
	GetAttempt(ctx context.Context, id int64) (*model.Attempt, error)
	ListAttempts(ctx context.Context, limit, offset int) ([]*model.Attempt, int, error)
	ListActiveAttempts(ctx context.Context) ([]*model.Attempt, error)

	CreateTask(ctx context.Context, t *model.Task) error
	ListTasks(ctx context.Context, attemptID int64) ([]*model.Task, error)
	ListActiveTasks(ctx context.Context, attemptID int64) ([]*model.Task, error)

	CompareAndSetCancelRequested(ctx context.Context, attemptID int64) (bool, error)
	MarkTaskTimedOut(ctx context.Context, taskID int64) (bool, error)
	MarkTaskFinished(ctx context.Context, taskID int64, errMsg string) (bool, error)
	MarkAttemptDone(ctx context.Context, attemptID int64, success bool) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
