// Package introspect provides the executor's optional local HTTP API for
// inspecting live sessions and aggregate call counts. It is off by
// default; the executor only mounts it when IntrospectAddr is configured.
package introspect

import (
	"crypto/rsa"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SessionInfo describes one live session for the /sessions endpoint.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
}

// Stats reports aggregate counters for the /stats endpoint.
type Stats struct {
	ActiveSessions int   `json:"active_sessions"`
	CallsForwarded int64 `json:"calls_forwarded"`
	CallsFailed    int64 `json:"calls_failed"`
}

// Source supplies the live data the introspection endpoints report. The
// executor's Registry and Server implement it.
type Source interface {
	Sessions() []SessionInfo
	Stats() Stats
}

// Server holds the dependency the HTTP handlers read from.
type Server struct {
	source Source
}

// NewServer returns a Server backed by source.
func NewServer(source Source) *Server {
	return &Server{source: source}
}

// NewRouter returns a chi.Router exposing /healthz, /sessions, and /stats.
// pubKey, when non-nil, requires a valid RS256 bearer token on /sessions
// and /stats; /healthz is always open.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Group(func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Get("/sessions", srv.handleSessions)
		r.Get("/stats", srv.handleStats)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Sessions())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
