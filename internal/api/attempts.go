package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/attemptd/internal/config"
	"github.com/seantiz/attemptd/internal/engine"
	"github.com/seantiz/attemptd/internal/model"
	"github.com/seantiz/attemptd/internal/operator"
	"github.com/seantiz/attemptd/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// startAttemptRequest is the JSON body for POST /api/attempts.
type startAttemptRequest struct {
	Project    string        `json:"project"`
	Workflow   string        `json:"workflow"`
	AttemptTTL string        `json:"attempt_ttl"`
	Tasks      []taskRequest `json:"tasks"`
}

type taskRequest struct {
	Name     string            `json:"name"`
	Operator string            `json:"operator"`
	Params   map[string]string `json:"params"`
	TTL      string            `json:"ttl"`
}

// attemptResponse is the attempt projection polled by clients.
type attemptResponse struct {
	ID              int64      `json:"id"`
	Project         string     `json:"project"`
	Workflow        string     `json:"workflow"`
	Status          string     `json:"status"`
	CancelRequested bool       `json:"cancelRequested"`
	Done            bool       `json:"done"`
	Success         bool       `json:"success"`
	CreatedAt       time.Time  `json:"createdAt"`
	FinishedAt      *time.Time `json:"finishedAt"`
}

func newAttemptResponse(a *model.Attempt) attemptResponse {
	return attemptResponse{
		ID:              a.ID,
		Project:         a.Project,
		Workflow:        a.Workflow,
		Status:          a.Status,
		CancelRequested: a.CancelRequested,
		Done:            a.Done,
		Success:         a.Success,
		CreatedAt:       a.StartedAt,
		FinishedAt:      a.FinishedAt,
	}
}

// listAttemptsResponse wraps the paginated list response.
type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

func (s *Server) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	var req startAttemptRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	startReq := engine.StartRequest{
		Project:  req.Project,
		Workflow: req.Workflow,
	}
	if req.AttemptTTL != "" {
		ttl, err := config.ParseDuration(req.AttemptTTL)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid attempt_ttl")
			return
		}
		startReq.AttemptTTL = ttl
	}
	for _, t := range req.Tasks {
		spec := engine.TaskSpec{Name: t.Name, Operator: t.Operator, Params: t.Params}
		if t.TTL != "" {
			ttl, err := config.ParseDuration(t.TTL)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "invalid ttl for task "+strconv.Quote(t.Name))
				return
			}
			spec.TTL = ttl
		}
		startReq.Tasks = append(startReq.Tasks, spec)
	}

	a, err := s.engine.Start(r.Context(), startReq)
	if errors.Is(err, engine.ErrInvalidRequest) || errors.Is(err, operator.ErrUnknownOperator) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("start attempt", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start attempt")
		return
	}

	s.writeJSON(w, http.StatusCreated, newAttemptResponse(a))
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAttempt(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, newAttemptResponse(a))
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	attempts, total, err := s.store.ListAttempts(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list attempts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}

	resp := listAttemptsResponse{
		Attempts: make([]attemptResponse, 0, len(attempts)),
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, newAttemptResponse(a))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAttempt(w, r)
	if !ok {
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), a.ID)
	if err != nil {
		s.logger.Error("list tasks", "attempt_id", a.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleKillAttempt requests cancellation. Running tasks finish on their own
// and the attempt is marked done once they drain.
func (s *Server) handleKillAttempt(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAttempt(w, r)
	if !ok {
		return
	}
	if a.Done {
		s.writeError(w, http.StatusConflict, "attempt already finished")
		return
	}

	flipped, err := s.store.CompareAndSetCancelRequested(r.Context(), a.ID)
	if err != nil {
		s.logger.Error("kill attempt", "attempt_id", a.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to kill attempt")
		return
	}
	if flipped {
		s.logger.Info("cancel requested", "attempt_id", a.ID)
	}

	id := a.ID
	a, err = s.store.GetAttempt(r.Context(), id)
	if err != nil {
		s.logger.Error("get killed attempt", "attempt_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve attempt")
		return
	}
	s.writeJSON(w, http.StatusOK, newAttemptResponse(a))
}

// loadAttempt resolves the {id} URL parameter, writing the error response
// itself when the attempt cannot be returned.
func (s *Server) loadAttempt(w http.ResponseWriter, r *http.Request) (*model.Attempt, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid attempt id")
		return nil, false
	}

	a, err := s.store.GetAttempt(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "attempt not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get attempt", "attempt_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get attempt")
		return nil, false
	}
	return a, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
