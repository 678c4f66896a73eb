// Package router implements the Server Session Router (§4.3): the
// /ws/agent and /ws/user WebSocket endpoints, the Agent/Instance/Session
// registries, command dispatch under the §4.4 authorization matrix, and
// the hourly retention sweep.
//
// The mux construction and the overall "registry + handler" shape are
// adapted from the teacher's internal/relay/server.go and
// internal/relay/pty_relay.go (PTYRegistry, handlePTYWS,
// forwardPTYToBrowser), generalized from a mostly-opaque relay pass-through
// to a Server that owns authorization, history, and fan-out directly.
package router

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/termtunnel/termtunnel/internal/authz"
	"github.com/termtunnel/termtunnel/internal/fanout"
	"github.com/termtunnel/termtunnel/internal/ratelimit"
	"github.com/termtunnel/termtunnel/internal/store"
)

// Config bundles the tunables Server needs beyond its collaborators.
type Config struct {
	SuperAdminToken  string
	TokenMinLength   int
	BufferCapBytes   int
	HistoryRetention time.Duration
	AuditRetention   time.Duration

	// HeartbeatInterval is how often the Server pings each Agent connection
	// with a heartbeat frame; an Agent that goes roughly 2x this interval
	// without responding is treated as a dead peer and evicted (§4.1/§5).
	// Zero uses a 30s default.
	HeartbeatInterval time.Duration
}

// Server owns the two WebSocket endpoints and every registry behind them.
type Server struct {
	repo    store.Repository
	secret  authz.Secret
	limiter ratelimit.Limiter
	bus     *fanout.Bus
	audit   *authz.Sink
	log     *slog.Logger
	cfg     Config

	agents    *agentRegistry
	instances *instanceRegistry
	sessions  *sessionRegistry

	webui http.Handler
	mux   *http.ServeMux
}

// New wires a Server. webui serves every path the mux doesn't claim
// itself; pass http.NotFoundHandler() if static assets aren't embedded.
func New(repo store.Repository, secret authz.Secret, limiter ratelimit.Limiter, audit *authz.Sink, log *slog.Logger, cfg Config, webui http.Handler) *Server {
	s := &Server{
		repo:      repo,
		secret:    secret,
		limiter:   limiter,
		bus:       fanout.NewBus(),
		audit:     audit,
		log:       log,
		cfg:       cfg,
		agents:    newAgentRegistry(),
		instances: newInstanceRegistry(),
		sessions:  newSessionRegistry(),
		webui:     webui,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ws/agent", s.handleAgentWS)
	s.mux.HandleFunc("GET /ws/user", s.handleUserWS)
	s.mux.Handle("/", s.webui)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// RunRetentionSweep blocks, sweeping once per hour until ctx is cancelled.
// See retention.go.
func (s *Server) RunRetentionSweep(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Close stops every live Agent and User connection and releases the audit
// sink, for graceful shutdown.
func (s *Server) Close() {
	s.agents.closeAll()
	s.sessions.closeAll()
	s.audit.Stop()
}

// clientIP resolves the caller's address, preferring X-Forwarded-For
// (reverse-proxy deployments) over RemoteAddr. Adapted from the teacher's
// internal/relay/bandwidth.go clientIP.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
