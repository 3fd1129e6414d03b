// Package api exposes the engine's status and configuration surface over
// HTTP: a status snapshot, whole-snapshot configuration replacement, and
// session lifecycle controls. The engine itself never parses input here; it
// only consumes validated configuration snapshots.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/llcast/llcast/internal/config"
	"github.com/llcast/llcast/internal/session"
)

// Server serves the control API for one session.
type Server struct {
	log  *slog.Logger
	addr string
	sess *session.Session
}

// NewServer creates the API server. If log is nil, slog.Default() is used.
func NewServer(addr string, sess *session.Session, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:  log.With("component", "api"),
		addr: addr,
		sess: sess,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/status", s.handleStatus)
	r.Post("/api/config", s.handleConfig)
	r.Post("/api/start", s.handleStart)
	r.Post("/api/stop", s.handleStop)
	r.Post("/api/restart", s.handleRestart)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Status())
}

// handleConfig replaces the whole configuration snapshot. The session
// decides live tweak vs restart from the diff.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	// Start from the current snapshot so a partial body acts as an
	// overlay rather than zeroing unnamed fields.
	cfg := s.sess.Config()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sess.Apply(cfg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrInvalid) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sess.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, func() error { return s.sess.Start(context.WithoutCancel(r.Context())) })
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.lifecycle(w, s.sess.Stop)
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	s.lifecycle(w, s.sess.Restart)
}

func (s *Server) lifecycle(w http.ResponseWriter, op func() error) {
	if err := op(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrInvalidState) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sess.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
