package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/michi/internal/auth"
	"github.com/ashita-ai/michi/internal/ratelimit"
	"github.com/ashita-ai/michi/internal/service/runs"
)

// Server is the Michi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Runs   *runs.Service
	Store  StoreHealth
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr    *auth.JWTManager
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Addr                string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Runs:                cfg.Runs,
		Store:               cfg.Store,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	limited := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)
	readRole := requireRole(auth.RoleReader)
	writeRole := requireRole(auth.RoleOperator)

	mux := http.NewServeMux()

	// Runs.
	mux.Handle("POST /v1/runs", limited(writeRole(http.HandlerFunc(h.HandleSubmitRun))))
	mux.Handle("GET /v1/runs", limited(readRole(http.HandlerFunc(h.HandleListRuns))))
	mux.Handle("GET /v1/runs/{trace_id}", limited(readRole(http.HandlerFunc(h.HandleGetRun))))
	mux.Handle("GET /v1/runs/{trace_id}/activity", limited(readRole(http.HandlerFunc(h.HandleRunActivity))))
	mux.Handle("GET /v1/runs/{trace_id}/digest", limited(readRole(http.HandlerFunc(h.HandleRunDigest))))
	mux.Handle("POST /v1/runs/{trace_id}/cancel", limited(writeRole(http.HandlerFunc(h.HandleCancelRun))))

	// Flows, leases and agents (reader+).
	mux.Handle("POST /v1/flows/validate", limited(readRole(http.HandlerFunc(h.HandleValidateFlow))))
	mux.Handle("GET /v1/leases", limited(readRole(http.HandlerFunc(h.HandleListLeases))))
	mux.Handle("GET /v1/agents", limited(readRole(http.HandlerFunc(h.HandleListAgents))))

	// MCP StreamableHTTP transport (reader+). Mutating tools check for operator.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests. It returns nil after Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server starting", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
