// Package server exposes namespaces as downstream MCP endpoints over SSE
// and streamable HTTP, on a chi router.
//
// Every namespace is reachable at /metamcp/{endpoint}/mcp (streamable HTTP)
// and /metamcp/{endpoint}/sse (SSE), where {endpoint} is the namespace
// name. Session lifecycle hooks feed the live-session registry and release
// pooled upstream sessions on disconnect.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp/pool"
	"github.com/metamcp/metamcp/pkg/metamcp/sessions"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	middlewareTimeout        = 60 * time.Second
)

// ToolGateway is the aggregator surface the transport layer consumes.
type ToolGateway interface {
	// ListTools returns the per-session visible tool list.
	ListTools(ctx context.Context, namespaceUUID uuid.UUID, sessionID string) ([]mcp.Tool, error)

	// CallableTools returns every tool a session may invoke, including
	// tools smart discovery hides from the visible list.
	CallableTools(ctx context.Context, namespaceUUID uuid.UUID, sessionID string) ([]mcp.Tool, error)

	// CallTool dispatches one tool call through the middleware chain.
	CallTool(ctx context.Context, namespaceUUID uuid.UUID, sessionID, name string, arguments map[string]any) (*mcp.CallToolResult, error)
}

// Config holds the downstream server configuration.
type Config struct {
	// Name and Version are reported in the MCP handshake.
	Name    string
	Version string

	// Host is the bind address (default "127.0.0.1").
	Host string

	// Port is the bind port. Port 0 binds a random free port.
	Port int
}

// Server serves namespace endpoints to downstream MCP clients.
type Server struct {
	cfg      Config
	gateway  ToolGateway
	store    store.Store
	registry *sessions.Registry
	pool     *pool.NamespacePool

	mu        sync.Mutex
	endpoints map[string]*endpoint
	// sessionTools tracks the names registered per downstream session so
	// Resync can drop the ones a refresh removed.
	sessionTools map[string][]string

	admin *AdminAPI

	httpServer *http.Server
	listener   net.Listener
	ready      chan struct{}
	readyOnce  sync.Once
}

// New creates a downstream server over the shared components.
func New(cfg Config, gateway ToolGateway, st store.Store, registry *sessions.Registry, nsPool *pool.NamespacePool) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Name == "" {
		cfg.Name = "metamcp"
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	return &Server{
		cfg:          cfg,
		gateway:      gateway,
		store:        st,
		registry:     registry,
		pool:         nsPool,
		endpoints:    make(map[string]*endpoint),
		sessionTools: make(map[string][]string),
		ready:        make(chan struct{}),
	}
}

// AttachAdmin mounts the management API under /api/v1. Must be called
// before Router or Start.
func (s *Server) AttachAdmin(api *AdminAPI) {
	s.admin = api
}

// Router builds the chi router serving the MCP endpoints and the status
// surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(
		chimiddleware.RequestID,
		chimiddleware.Recoverer,
		chimiddleware.Timeout(middlewareTimeout),
	)

	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	if s.admin != nil {
		r.Mount("/api/v1", s.admin.Routes())
	}

	r.Route("/metamcp/{endpoint}", func(r chi.Router) {
		r.Handle("/mcp", http.HandlerFunc(s.serveStreamable))
		r.Handle("/sse", http.HandlerFunc(s.serveSSE))
		r.Handle("/message", http.HandlerFunc(s.serveSSEMessage))
	})
	return r
}

// Start binds the listener and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logger.Infof("Serving namespace endpoints at %s/metamcp/{endpoint}/{mcp,sse}", listener.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	s.readyOnce.Do(func() { close(s.ready) })

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// Address returns the bound listen address, useful when Port was 0.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Ready is closed once the listener is serving.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		logger.Errorf("Failed to encode health response: %v", err)
	}
}

// statusResponse is the body of /api/status.
type statusResponse struct {
	Sessions sessions.Stats `json:"sessions"`
	Pool     pool.Status    `json:"pool"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	response := statusResponse{
		Sessions: s.registry.Stats(),
		Pool:     s.pool.Status(),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorf("Failed to encode status response: %v", err)
	}
}
