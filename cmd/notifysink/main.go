// notifysink is a notification endpoint for local testing. It logs every
// notification POSTed to /notification and lists them at GET /notifications.
// Usage: go run ./cmd/notifysink -addr :9999
package main

import (
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/attemptd/internal/model"
)

type sink struct {
	mu       sync.Mutex
	received []model.Notification
	logger   *slog.Logger
}

func (s *sink) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/notification", s.handleNotification)
	r.Get("/notifications", s.handleList)
	return r
}

func (s *sink) handleNotification(w http.ResponseWriter, r *http.Request) {
	var n model.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.received = append(s.received, n)
	s.mu.Unlock()

	attrs := []any{"message", n.Message}
	if n.AttemptID != nil {
		attrs = append(attrs, "attempt_id", *n.AttemptID)
	}
	if n.ProjectName != nil {
		attrs = append(attrs, "project", *n.ProjectName)
	}
	if n.WorkflowName != nil {
		attrs = append(attrs, "workflow", *n.WorkflowName)
	}
	s.logger.Info("notification received", attrs...)
	w.WriteHeader(http.StatusOK)
}

func (s *sink) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := append([]model.Notification{}, s.received...)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Error("encode notifications", "error", err)
	}
}

func main() {
	addr := flag.String("addr", ":9999", "listen address")
	flag.Parse()

	s := &sink{logger: slog.New(slog.NewJSONHandler(os.Stdout, nil))}
	s.logger.Info("notifysink listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, s.routes()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
