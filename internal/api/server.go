// ABOUTME: HTTP server wiring routes, JSON helpers and the error-to-status mapping
// ABOUTME: Protected routes are wrapped with the auth middleware

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/couriermesh/courier/internal/auth"
	"github.com/couriermesh/courier/internal/store"
)

// opTimeout bounds each store operation, so pool exhaustion fails fast
// instead of blocking the worker indefinitely.
const opTimeout = 15 * time.Second

// Server holds the dependencies for the HTTP API.
type Server struct {
	store    store.Store
	sessions *auth.SessionManager
	logger   *slog.Logger
}

// NewServer creates an API server over the given store and session manager.
func NewServer(st store.Store, sessions *auth.SessionManager) *Server {
	return &Server{
		store:    st,
		sessions: sessions,
		logger:   slog.Default().With("component", "api"),
	}
}

// Routes returns the API handler. Session bootstrap and device registration
// are open; everything else sits behind the auth middleware.
func (s *Server) Routes() http.Handler {
	protect := auth.Middleware(s.sessions, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/new", s.handleNewSession)
	mux.HandleFunc("POST /devices/new", s.handleRegisterDevice)
	mux.Handle("POST /users/new", protect(http.HandlerFunc(s.handleCreateUser)))
	mux.Handle("POST /keys/signed", protect(http.HandlerFunc(s.handleRotateSignedPrekey)))
	mux.Handle("POST /keys/onetime", protect(http.HandlerFunc(s.handleAddOneTimeKeys)))
	mux.Handle("GET /keys/package/{user_id}", protect(http.HandlerFunc(s.handleChatPackage)))
	mux.Handle("POST /messages/new", protect(http.HandlerFunc(s.handleSubmitMessage)))
	mux.Handle("GET /mailbox", protect(http.HandlerFunc(s.handlePollMailbox)))
	return mux
}

// opCtx derives the context store operations run on. It is detached from the
// request context because a client disconnecting mid-request must not cancel
// an in-flight transaction; the deadline keeps pool waits bounded.
func opCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), opTimeout)
}

// decodeBody parses the JSON request body into v.
// Returns false after writing a malformed-body response.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"malformed body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes v as a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// writeError maps domain errors onto HTTP responses. Internal causes are
// logged with their detail and surfaced only as a generic internal error.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrSessionInvalid):
		http.Error(w, `{"error":"session invalid"}`, http.StatusUnauthorized)
	case errors.Is(err, auth.ErrAuthenticationFailed):
		http.Error(w, `{"error":"authentication failed"}`, http.StatusUnauthorized)
	case errors.Is(err, auth.ErrDeviceUnknown), errors.Is(err, store.ErrDeviceNotFound):
		http.Error(w, `{"error":"device unknown"}`, http.StatusUnauthorized)
	case errors.Is(err, auth.ErrSignatureMismatch):
		http.Error(w, `{"error":"signature mismatch"}`, http.StatusBadRequest)
	case errors.Is(err, store.ErrUserNotFound):
		http.Error(w, `{"error":"user unknown"}`, http.StatusNotFound)
	case errors.Is(err, store.ErrNoPrekeys):
		http.Error(w, `{"error":"no one-time prekeys available"}`, http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicateEmail):
		http.Error(w, `{"error":"email already registered"}`, http.StatusConflict)
	case errors.Is(err, store.ErrDeviceOwned):
		http.Error(w, `{"error":"device already owned"}`, http.StatusConflict)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}
