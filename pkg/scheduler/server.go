package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes health, readiness, and metrics endpoints alongside the
// scheduler loop.
type Server struct {
	log       *slog.Logger
	scheduler *Scheduler
	srv       *http.Server
}

func NewServer(log *slog.Logger, scheduler *Scheduler, addr string) (*Server, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if scheduler == nil {
		return nil, errors.New("scheduler is required")
	}

	s := &Server{
		log:       log,
		scheduler: scheduler,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/health", s.handleHealth)
	router.Get("/ready", s.handleReady)
	router.Get("/status", s.handleStatus)
	router.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("scheduler: http server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports unready once the failure streak reaches the
// configured stop limit.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.scheduler.State()
	limit := s.scheduler.cfg.MaxConsecutiveFailures
	if limit > 0 && state.ConsecutiveFailures >= limit {
		http.Error(w, "too many consecutive failures", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.scheduler.State()); err != nil {
		s.log.Error("scheduler: encoding status response", "error", err)
	}
}
