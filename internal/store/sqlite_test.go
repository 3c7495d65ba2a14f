package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/seantiz/attemptd/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestAttempt() *model.Attempt {
	return &model.Attempt{
		Project:   "timeout_test_proj",
		Workflow:  "timeout_test_wf",
		TTL:       10 * time.Second,
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func createAttemptWithTask(t *testing.T, s *SQLiteStore) (*model.Attempt, *model.Task) {
	t.Helper()
	ctx := context.Background()
	a := makeTestAttempt()
	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	task := &model.Task{
		AttemptID: a.ID,
		Name:      "+sleep",
		Operator:  "sleep",
		Params:    map[string]string{"duration": "60s"},
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return a, task
}

func TestCreateAndGetAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := makeTestAttempt()

	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	if a.ID == 0 {
		t.Fatal("CreateAttempt did not assign an ID")
	}

	got, err := s.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if got.Project != a.Project || got.Workflow != a.Workflow {
		t.Errorf("got %s/%s, want %s/%s", got.Project, got.Workflow, a.Project, a.Workflow)
	}
	if got.Status != model.AttemptStatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, model.AttemptStatusRunning)
	}
	if got.CancelRequested || got.Done || got.Success {
		t.Errorf("new attempt flags = %v/%v/%v, want all false", got.CancelRequested, got.Done, got.Success)
	}
	if got.TTL != 10*time.Second {
		t.Errorf("TTL = %v, want 10s", got.TTL)
	}
	if !got.StartedAt.Equal(a.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, a.StartedAt)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}
}

func TestGetAttemptNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAttempt(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAttempt error = %v, want ErrNotFound", err)
	}
}

func TestListAttemptsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.CreateAttempt(ctx, makeTestAttempt()); err != nil {
			t.Fatalf("CreateAttempt[%d]: %v", i, err)
		}
	}

	attempts, total, err := s.ListAttempts(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(attempts) != 2 {
		t.Fatalf("len(attempts) = %d, want 2", len(attempts))
	}
	if attempts[0].ID < attempts[1].ID {
		t.Errorf("attempts not newest first: %d before %d", attempts[0].ID, attempts[1].ID)
	}
}

func TestListAttemptsEmpty(t *testing.T) {
	s := newTestStore(t)

	attempts, total, err := s.ListAttempts(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if attempts != nil {
		t.Errorf("attempts = %v, want nil", attempts)
	}
}

func TestListActiveAttemptsExcludesDone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := makeTestAttempt()
	finished := makeTestAttempt()
	for _, a := range []*model.Attempt{live, finished} {
		if err := s.CreateAttempt(ctx, a); err != nil {
			t.Fatalf("CreateAttempt: %v", err)
		}
	}
	if _, err := s.MarkAttemptDone(ctx, finished.ID, true); err != nil {
		t.Fatalf("MarkAttemptDone: %v", err)
	}

	active, err := s.ListActiveAttempts(ctx)
	if err != nil {
		t.Fatalf("ListActiveAttempts: %v", err)
	}
	if len(active) != 1 || active[0].ID != live.ID {
		t.Errorf("active = %v, want only attempt %d", active, live.ID)
	}
}

func TestTaskRoundTripAndActiveFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, task := createAttemptWithTask(t, s)

	second := &model.Task{AttemptID: a.ID, Name: "+echo", Operator: "echo", TTL: time.Minute, StartedAt: time.Now().UTC()}
	if err := s.CreateTask(ctx, second); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.MarkTaskFinished(ctx, second.ID, ""); err != nil {
		t.Fatalf("MarkTaskFinished: %v", err)
	}

	all, err := s.ListTasks(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(all))
	}
	if all[0].Params["duration"] != "60s" {
		t.Errorf("params = %v, want duration=60s", all[0].Params)
	}
	if all[1].TTL != time.Minute {
		t.Errorf("TTL = %v, want 1m", all[1].TTL)
	}
	if all[1].Status != model.TaskStatusFinished || all[1].FinishedAt == nil {
		t.Errorf("second task = %+v, want finished with finished_at", all[1])
	}

	active, err := s.ListActiveTasks(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListActiveTasks: %v", err)
	}
	if len(active) != 1 || active[0].ID != task.ID {
		t.Errorf("active tasks = %v, want only task %d", active, task.ID)
	}
}

func TestCompareAndSetCancelRequestedFlipsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, _ := createAttemptWithTask(t, s)

	flipped, err := s.CompareAndSetCancelRequested(ctx, a.ID)
	if err != nil || !flipped {
		t.Fatalf("first CAS = %v, %v; want true, nil", flipped, err)
	}
	flipped, err = s.CompareAndSetCancelRequested(ctx, a.ID)
	if err != nil || flipped {
		t.Fatalf("second CAS = %v, %v; want false, nil", flipped, err)
	}

	got, _ := s.GetAttempt(ctx, a.ID)
	if !got.CancelRequested || got.Status != model.AttemptStatusCancelRequested {
		t.Errorf("attempt = %+v, want cancel requested", got)
	}
	if got.Done {
		t.Error("cancel request must not set done")
	}
}

func TestCompareAndSetCancelRequestedConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, _ := createAttemptWithTask(t, s)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Go(func() {
			flipped, err := s.CompareAndSetCancelRequested(ctx, a.ID)
			if err != nil {
				t.Errorf("CAS: %v", err)
				return
			}
			if flipped {
				wins.Add(1)
			}
		})
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("flipping calls = %d, want exactly 1", wins.Load())
	}
}

func TestCompareAndSetCancelRequestedOnDoneAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, _ := createAttemptWithTask(t, s)

	if _, err := s.MarkAttemptDone(ctx, a.ID, true); err != nil {
		t.Fatalf("MarkAttemptDone: %v", err)
	}
	flipped, err := s.CompareAndSetCancelRequested(ctx, a.ID)
	if err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if flipped {
		t.Error("CAS flipped an attempt that is already done")
	}
}

func TestCompareAndSetCancelRequestedNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CompareAndSetCancelRequested(context.Background(), 99)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("CAS error = %v, want ErrNotFound", err)
	}
}

func TestMarkTaskTimedOutIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, task := createAttemptWithTask(t, s)

	first, err := s.MarkTaskTimedOut(ctx, task.ID)
	if err != nil || !first {
		t.Fatalf("first MarkTaskTimedOut = %v, %v; want true, nil", first, err)
	}
	second, err := s.MarkTaskTimedOut(ctx, task.ID)
	if err != nil || second {
		t.Fatalf("second MarkTaskTimedOut = %v, %v; want false, nil", second, err)
	}

	// The executor's completion path must not overwrite the timeout.
	finished, err := s.MarkTaskFinished(ctx, task.ID, "")
	if err != nil || finished {
		t.Fatalf("MarkTaskFinished after timeout = %v, %v; want false, nil", finished, err)
	}

	tasks, _ := s.ListTasks(ctx, task.AttemptID)
	if tasks[0].Status != model.TaskStatusTimedOut {
		t.Errorf("Status = %q, want %q", tasks[0].Status, model.TaskStatusTimedOut)
	}
}

func TestMarkTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.MarkTaskTimedOut(context.Background(), 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkTaskTimedOut error = %v, want ErrNotFound", err)
	}
	if _, err := s.MarkTaskFinished(context.Background(), 7, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkTaskFinished error = %v, want ErrNotFound", err)
	}
}

func TestMarkTaskFinishedRecordsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, task := createAttemptWithTask(t, s)

	if _, err := s.MarkTaskFinished(ctx, task.ID, "exit status 1"); err != nil {
		t.Fatalf("MarkTaskFinished: %v", err)
	}
	tasks, _ := s.ListTasks(ctx, task.AttemptID)
	if tasks[0].Error != "exit status 1" {
		t.Errorf("Error = %q, want %q", tasks[0].Error, "exit status 1")
	}
}

func TestMarkAttemptDoneIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, _ := createAttemptWithTask(t, s)

	first, err := s.MarkAttemptDone(ctx, a.ID, false)
	if err != nil || !first {
		t.Fatalf("first MarkAttemptDone = %v, %v; want true, nil", first, err)
	}
	second, err := s.MarkAttemptDone(ctx, a.ID, true)
	if err != nil || second {
		t.Fatalf("second MarkAttemptDone = %v, %v; want false, nil", second, err)
	}

	got, _ := s.GetAttempt(ctx, a.ID)
	if !got.Done || got.Success {
		t.Errorf("done/success = %v/%v, want true/false (first call wins)", got.Done, got.Success)
	}
	if got.Status != model.AttemptStatusDone || got.FinishedAt == nil {
		t.Errorf("attempt = %+v, want status done with finished_at", got)
	}
}

func TestAttemptFlagsAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("cancelRequested and done never revert", prop.ForAll(
		func(ops []int) bool {
			a := makeTestAttempt()
			if err := s.CreateAttempt(ctx, a); err != nil {
				return false
			}
			var cancelSeen, doneSeen bool
			for _, op := range ops {
				var err error
				switch op {
				case 0:
					_, err = s.CompareAndSetCancelRequested(ctx, a.ID)
				case 1:
					_, err = s.MarkAttemptDone(ctx, a.ID, false)
				case 2:
					_, err = s.MarkAttemptDone(ctx, a.ID, true)
				}
				if err != nil {
					return false
				}
				got, err := s.GetAttempt(ctx, a.ID)
				if err != nil {
					return false
				}
				if (cancelSeen && !got.CancelRequested) || (doneSeen && !got.Done) {
					return false
				}
				cancelSeen, doneSeen = got.CancelRequested, got.Done
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}

func TestCompareAndSetCancelRequestedExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := &SQLiteStore{db: db}

	mock.ExpectExec("UPDATE attempts SET cancel_requested").
		WillReturnError(errors.New("database is locked"))

	if _, err := s.CompareAndSetCancelRequested(context.Background(), 1); err == nil {
		t.Fatal("expected error from failing update")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTransitionedDistinguishesMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := &SQLiteStore{db: db}

	mock.ExpectExec("UPDATE attempts SET done").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM attempts").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	_, err = s.MarkAttemptDone(context.Background(), 5, false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkAttemptDone error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	broken := &SQLiteStore{db: db}

	mock.ExpectPing().WillReturnError(errors.New("disk I/O error"))
	if err := broken.Ping(context.Background()); err == nil {
		t.Error("expected ping error")
	}
}
