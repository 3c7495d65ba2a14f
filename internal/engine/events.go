package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event types published while an attempt runs.
const (
	EventTaskStarted  = "task_started"
	EventTaskFinished = "task_finished"
	EventTaskTimedOut = "task_timed_out"
	EventAttemptDone  = "attempt_done"
)

// Event describes one step of an attempt's progress.
type Event struct {
	Type      string    `json:"type"`
	AttemptID int64     `json:"attemptId"`
	TaskID    int64     `json:"taskId,omitempty"`
	TaskName  string    `json:"taskName,omitempty"`
	Error     string    `json:"error,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	Time      time.Time `json:"time"`
}

// EventBroker fans attempt progress out to subscribers. It is safe for
// concurrent use.
//
// Closed topics are kept as markers so a subscriber arriving after the
// attempt finished gets a closed channel instead of waiting forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[int64]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[int64]*eventTopic),
	}
}

// Subscribe returns a channel of events for the attempt and an unsubscribe
// function. The channel is closed when the attempt finishes.
func (b *EventBroker) Subscribe(attemptID int64) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[attemptID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[attemptID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers ev to the attempt's subscribers without blocking.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.AttemptID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the attempt's stream.
func (b *EventBroker) Close(attemptID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[attemptID]
	if !ok {
		b.topics[attemptID] = &eventTopic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
