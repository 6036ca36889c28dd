package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/agentmem/memd/memory"
	"github.com/agentmem/memd/runtime"
	"github.com/agentmem/memd/session"
)

// identityHeader carries the authenticated user id. Authentication itself is
// handled upstream (gateway or sidecar); memd trusts this header and scopes
// every operation to it.
const identityHeader = "X-Memd-User"

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the listen address, e.g. "localhost:8080".
	Addr string
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Server exposes the memory engine over HTTP JSON.
type Server struct {
	engine     *memory.Engine
	sessions   *session.Store
	buffer     *session.Buffer
	dispatcher *runtime.Dispatcher
	cfg        Config
	logger     zerolog.Logger
	httpServer *http.Server
}

// New creates the HTTP server over the engine and session layer.
func New(engine *memory.Engine, sessions *session.Store, buffer *session.Buffer, dispatcher *runtime.Dispatcher, cfg Config, logger zerolog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		engine:     engine,
		sessions:   sessions,
		buffer:     buffer,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With().Str("component", "http").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed so tests can drive the handlers
// through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/v1/extract", s.handleExtract).Methods(http.MethodPost)
	r.HandleFunc("/v1/reflect", s.handleReflect).Methods(http.MethodPost)
	r.HandleFunc("/v1/memories", s.handleListMemories).Methods(http.MethodGet)
	r.HandleFunc("/v1/memories/{id}", s.handleDeleteMemory).Methods(http.MethodDelete)

	r.HandleFunc("/v1/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}/messages", s.handleAppendMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}/memory", s.handleSessionMemory).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{id}", s.handleCloseSession).Methods(http.MethodDelete)

	return r
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

// identity returns the caller's user id from the identity header, or writes a
// 403 and returns false.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(identityHeader)
	if userID == "" {
		s.writeError(w, r, memory.ErrNotAuthorized)
		return "", false
	}
	return userID, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Error().Err(err).Msg("failed to encode response")
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps the engine's error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, memory.ErrInvalidInput):
		status = http.StatusBadRequest
		code = "invalid_input"
	case errors.Is(err, memory.ErrNotAuthorized):
		status = http.StatusForbidden
		code = "not_authorized"
	case errors.Is(err, memory.ErrBusy):
		status = http.StatusTooManyRequests
		code = "busy"
	case errors.Is(err, memory.ErrCapabilityUnavailable):
		status = http.StatusBadGateway
		code = "capability_unavailable"
	case errors.Is(err, memory.ErrStoreUnavailable):
		code = "store_unavailable"
	}

	if status >= 500 {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request rejected")
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close() //nolint:errcheck // No remedy for body close errors
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(memory.ErrInvalidInput, err)
	}
	return nil
}
