// Package bridge wires the bridge server's components — the agent session
// registry, request multiplexer, snapshot cache, resource reader, and
// client JSON-RPC handler — into a single HTTP server exposing the
// endpoints of spec §6.1.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/devbridge/internal/agentsession"
	"github.com/workspace/devbridge/internal/audit"
	"github.com/workspace/devbridge/internal/config"
	"github.com/workspace/devbridge/internal/logging"
	"github.com/workspace/devbridge/internal/multiplex"
	"github.com/workspace/devbridge/internal/pagination"
	"github.com/workspace/devbridge/internal/ratelimit"
	"github.com/workspace/devbridge/internal/resource"
	"github.com/workspace/devbridge/internal/rpc"
	"github.com/workspace/devbridge/internal/snapshot"
)

// Server owns the bridge's single *http.Server and every in-process
// component reachable from it.
type Server struct {
	cfg *config.Config

	httpServer *http.Server
	logger     *slog.Logger

	registry *agentsession.Registry
	mux      *multiplex.Multiplexer
	cache    *snapshot.Cache
	rpc      *rpc.Server
	limiter  *ratelimit.Limiter
	audit    *audit.Log

	startedAt time.Time
	sweepStop chan struct{}
}

// New wires every component per cfg and returns an unstarted Server. Call
// Start to begin serving.
func New(cfg *config.Config) (*Server, error) {
	logger := slog.Default().With("component", "bridge")

	auditLog, err := audit.Open(cfg.AuditCapacity)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	cache := snapshot.New()
	registry := agentsession.NewRegistry()
	mux := multiplex.New(registry, cache)
	reader := resource.New(cache)
	pages := pagination.New()
	limiter := ratelimit.New(cfg.RPCRateLimit, cfg.RPCRateBurst)

	rpcServer := rpc.New(mux, cache, reader, pages, cfg.MaxRequestBody, cfg.MaxResponseBody, logger.With("component", "rpc"))
	rpcServer.SetAuditRecorder(auditLog)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		mux:       mux,
		cache:     cache,
		rpc:       rpcServer,
		limiter:   limiter,
		audit:     auditLog,
		sweepStop: make(chan struct{}),
	}

	router := http.NewServeMux()
	s.setupRoutes(router)

	// WriteTimeout is intentionally 0: Go's http.Server.WriteTimeout sets a
	// deadline on the underlying net.Conn before the handler runs, which
	// kills the hijacked WebSocket connection to the agent after the
	// timeout elapses.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(router, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /cleanup-connections", s.handleCleanupConnections)
	mux.HandleFunc("GET /ws", s.handleAgentWS)
	mux.HandleFunc("POST /mcp", s.rateLimited(s.rpc.ServeHTTP))
	mux.HandleFunc("POST /debug/log-level", s.handleSetLogLevel)
	mux.HandleFunc("GET /debug/requests", s.handleDebugRequests)
}

// Start begins the stale-session sweep and serves HTTP until Stop is called.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	go s.sweepLoop()
	s.logger.Info("bridge server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server and stops the sweep loop.
func (s *Server) Stop(ctx context.Context) error {
	close(s.sweepStop)
	if err := s.audit.Close(); err != nil {
		s.logger.Warn("failed to close audit log", "error", err)
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) sweepLoop() {
	threshold := s.cfg.StaleSessionThreshold
	ticker := time.NewTicker(threshold)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.registry.Sweep(threshold, time.Now())
		}
	}
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r)
		if !s.limiter.Allow(addr) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      nil,
				"error":   map[string]any{"code": rpc.CodeInternal, "message": "rate limited", "data": map[string]string{"tag": "RATE-LIMITED"}},
			})
			return
		}
		next(w, r)
	}
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.All()
	details := make([]map[string]any, 0, len(sessions))
	for _, session := range sessions {
		in, out := session.Counters()
		details = append(details, map[string]any{
			"id":            session.ID(),
			"state":         session.State().String(),
			"messagesIn":    in,
			"messagesOut":   out,
			"lastActivity":  session.LastActivity().UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.ActiveCount(),
		"sessions":    details,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"port":        s.cfg.Port,
	})
}

func (s *Server) handleCleanupConnections(w http.ResponseWriter, r *http.Request) {
	s.registry.Sweep(s.cfg.StaleSessionThreshold, time.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"activeConnections": s.registry.ActiveCount(),
	})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	logging.Level.Set(logging.ParseLevel(body.Level))
	writeJSON(w, http.StatusOK, map[string]any{"level": logging.Level.Level().String()})
}

func (s *Server) handleDebugRequests(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var n int
		if _, err := fmt.Sscanf(raw, "%d", &n); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.audit.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleAgentWS upgrades the single browser-agent WebSocket connection (spec
// §6.1 GET /ws) and registers it for dispatch. Unlike the teacher's
// multi-viewer ACP gateway, the bridge has exactly one logical peer at a
// time: the most-recently-active session wins ties in agentsession.Registry.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	session := agentsession.New(id, conn, agentsession.Handlers{
		OnBrowserData: s.onBrowserData,
		OnResponse:    s.mux.HandleResponse,
		OnError:       s.mux.HandleError,
		OnDevtools:    s.onDevtools,
		OnStateChange: s.onSessionStateChange,
	}, agentsession.Config{
		PingInterval:     s.cfg.PingInterval,
		PingTimeout:      s.cfg.PingTimeout,
		FailureThreshold: s.cfg.FailureThreshold,
	}, s.logger.With("session_id", id))

	s.registry.Register(session)
	session.Start()
	s.logger.Info("agent session connected", "session_id", id)
}

func (s *Server) onSessionStateChange(session *agentsession.Session, from, to agentsession.State) {
	if to == agentsession.StateClosed {
		s.registry.Remove(session.ID())
		s.logger.Info("agent session closed", "session_id", session.ID())
	}
}

func (s *Server) onBrowserData(session *agentsession.Session, tabID int, source, url string, data json.RawMessage) {
	switch source {
	case "content":
		s.cache.ApplyContentUpdate(tabID, "content", session.ID(), decodeContentUpdate(url, data), nil)
	case "devtools", "debugger":
		s.cache.ApplyContentUpdate(tabID, source, session.ID(), snapshot.ContentUpdate{}, data)
	}
}

func (s *Server) onDevtools(session *agentsession.Session, tabID int, kind string, raw json.RawMessage) {
	source := "devtools"
	if kind == "debugger-event" {
		source = "debugger"
	}
	s.cache.ApplyContentUpdate(tabID, source, session.ID(), snapshot.ContentUpdate{}, raw)
}

// createUpgrader builds a websocket.Upgrader with origin validation, since
// WebSocket upgrades bypass CORS entirely (grounded on the teacher's
// internal/server.createUpgrader).
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.cfg.WSReadBufferSize,
		WriteBufferSize: s.cfg.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return isOriginAllowed(origin, s.cfg.AllowedOrigins)
		},
	}
}

func isOriginAllowed(origin string, allowed []string) bool {
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
		if strings.Contains(o, "*.") {
			idx := strings.Index(o, "*.")
			prefix, suffix := o[:idx], o[idx+1:]
			if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}

// corsMiddleware adds CORS headers for the HTTP (non-WebSocket) endpoints,
// adapted from the teacher's internal/server.corsMiddleware.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isOriginAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
