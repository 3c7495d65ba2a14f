package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/attemptd/internal/model"
)

// Transport delivers one notification. Implementations own their retry
// policy; the Dispatcher calls Send once per violation.
type Transport interface {
	Send(ctx context.Context, n model.Notification) error
}

// Dispatcher sends violation notifications asynchronously so a slow endpoint
// never delays the reaper.
type Dispatcher struct {
	transport Transport
	logger    *slog.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock overrides the clock used to stamp messages.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher that delivers through t.
func NewDispatcher(t Transport, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		transport: t,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch builds the message for v and sends it in the background. The
// returned channel receives the single delivery result and is then closed.
// Cancelling ctx does not abort a send already under way.
func (d *Dispatcher) Dispatch(ctx context.Context, a *model.Attempt, v model.Violation) <-chan error {
	n := BuildNotification(a, v, d.now())
	sendCtx := context.WithoutCancel(ctx)
	result := make(chan error, 1)

	d.wg.Go(func() {
		defer close(result)

		err := d.transport.Send(sendCtx, n)
		if err != nil {
			notificationsTotal.WithLabelValues(resultFailed).Inc()
			d.logger.Error("notification delivery failed",
				"attempt_id", a.ID,
				"task_id", v.TaskID,
				"kind", string(v.Kind),
				"error", err,
			)
		} else {
			notificationsTotal.WithLabelValues(resultSent).Inc()
			d.logger.Info("notification sent",
				"attempt_id", a.ID,
				"task_id", v.TaskID,
				"kind", string(v.Kind),
				"message", n.Message,
			)
		}
		result <- err
	})

	return result
}

// Wait blocks until every in-flight dispatch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// NopTransport accepts every notification without delivering it. It is used
// when notifications are disabled.
type NopTransport struct{}

// Send discards n.
func (NopTransport) Send(context.Context, model.Notification) error { return nil }
