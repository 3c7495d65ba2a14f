package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/attemptd/internal/engine"
)

// handleStreamEvents streams an attempt's progress as server-sent events.
// The stream ends with a "done" event once the attempt finishes. An attempt
// the reaper finishes while a task is still running is picked up from the
// store, so its stream does not wait for the task to return.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAttempt(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if a.Done {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", "stream complete")
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing to a finished attempt returns a closed channel, so a race
	// with completion after the check above still ends the loop.
	ch, unsub := s.engine.Broker().Subscribe(a.ID)
	defer unsub()
	eventStreamsOpen.Inc()
	defer eventStreamsOpen.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	doneCheck := time.NewTicker(s.doneCheckInterval)
	defer doneCheck.Stop()

	for {
		select {
		case <-doneCheck.C:
			cur, err := s.store.GetAttempt(r.Context(), a.ID)
			if err != nil || !cur.Done {
				continue
			}
			success := cur.Success
			ev := engine.Event{Type: engine.EventAttemptDone, AttemptID: cur.ID, Success: &success, Time: time.Now().UTC()}
			if cur.FinishedAt != nil {
				ev.Time = *cur.FinishedAt
			}
			if data, err := json.Marshal(ev); err == nil {
				_ = writeSSEEvent(w, ev.Type, string(data))
			}
			_ = writeSSEEvent(w, "done", "stream complete")
			if canFlush {
				flusher.Flush()
			}
			return
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode attempt event", "attempt_id", a.ID, "error", err)
				continue
			}
			if err := writeSSEEvent(w, ev.Type, string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
