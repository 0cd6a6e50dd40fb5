// Package api implements the user-facing JSON HTTP API.
//
// Agent-facing operations live in the MCP server; this package only serves
// the user's side: sending follow-ups, reading conversations, managing
// sessions and inspecting deliveries. Authentication happens upstream; the
// validated identity arrives in the X-User-ID header.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/agentlink/internal/conversation"
	"github.com/koopa0/agentlink/internal/delivery"
	"github.com/koopa0/agentlink/internal/session"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger        *slog.Logger
	SessionStore  *session.Store      // Required
	Conversations *conversation.Store // Required
	Queue         *delivery.Queue     // Required
	Dispatcher    *delivery.Dispatcher
	Pool          *pgxpool.Pool // Optional: nil disables pool stats in /ready
	CORSOrigins   []string
	TrustProxy    bool // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	RateBurst     int  // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.SessionStore == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Conversations == nil {
		return nil, errors.New("conversation store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("delivery queue is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	src := &sourceHandler{
		conversations: cfg.Conversations,
		sessions:      cfg.SessionStore,
		dispatcher:    cfg.Dispatcher,
		logger:        logger,
	}
	sh := &sessionHandler{sessions: cfg.SessionStore, logger: logger}
	dh := &deliveryHandler{queue: cfg.Queue, sessions: cfg.SessionStore, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/sources/{id}/followups", src.postFollowup)
	mux.HandleFunc("GET /api/v1/sources/{id}/conversation", src.getConversation)

	mux.HandleFunc("GET /api/v1/sessions", sh.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sh.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sh.deleteSession)

	mux.HandleFunc("GET /api/v1/deliveries/{id}", dh.getDelivery)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → User → Routes
	// RequestID sits before Logging so request_id is available in log
	// attributes; CORS before RateLimit so preflight OPTIONS gets headers.
	var handler http.Handler = mux
	handler = userMiddleware(logger)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack: no identity, no rate limit.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
