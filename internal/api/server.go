package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/attemptd/internal/engine"
	"github.com/seantiz/attemptd/internal/operator"
	"github.com/seantiz/attemptd/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	// streamDoneCheckInterval is how often an open event stream rechecks
	// the store for an attempt finished outside the engine.
	streamDoneCheckInterval = time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	store     store.Store
	operators *operator.Registry
	engine    *engine.Engine
	logger    *slog.Logger
	addr      string

	doneCheckInterval time.Duration
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, s store.Store, ops *operator.Registry, eng *engine.Engine, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		store:     s,
		operators: ops,
		engine:    eng,
		logger:    logger,
		addr:      addr,

		doneCheckInterval: streamDoneCheckInterval,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/api/operators", s.handleListOperators)

	s.router.Route("/api/attempts", func(r chi.Router) {
		r.Post("/", s.handleStartAttempt)
		r.Get("/", s.handleListAttempts)
		r.Get("/{id}", s.handleGetAttempt)
		r.Get("/{id}/tasks", s.handleListTasks)
		r.Get("/{id}/events", s.handleStreamEvents)
		r.Post("/{id}/kill", s.handleKillAttempt)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
