package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
)

// endpoint is the transport state for one namespace, created lazily on the
// first request that names it. Each transport gets its own MCP server so
// session hooks know which transport a session arrived on.
type endpoint struct {
	name          string
	namespaceUUID uuid.UUID

	streamableMCP *mcpserver.MCPServer
	streamable    *mcpserver.StreamableHTTPServer

	sseMCP *mcpserver.MCPServer
	sse    *mcpserver.SSEServer
}

// endpointFor resolves the {endpoint} URL parameter to its transport state.
func (s *Server) endpointFor(r *http.Request) (*endpoint, error) {
	name := chi.URLParam(r, "endpoint")
	if name == "" {
		return nil, fmt.Errorf("%w: endpoint name is required", metamcp.ErrValidation)
	}

	s.mu.Lock()
	ep, ok := s.endpoints[name]
	s.mu.Unlock()
	if ok {
		return ep, nil
	}

	ns, err := s.store.GetNamespaceByName(r.Context(), name)
	if err != nil {
		return nil, err
	}

	ep = s.newEndpoint(name, ns.UUID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.endpoints[name]; ok {
		return existing, nil
	}
	s.endpoints[name] = ep
	return ep, nil
}

func (s *Server) newEndpoint(name string, namespaceUUID uuid.UUID) *endpoint {
	ep := &endpoint{name: name, namespaceUUID: namespaceUUID}

	ep.streamableMCP = s.newMCPServer(name, namespaceUUID, metamcp.DownstreamStreamableHTTP)
	ep.streamable = mcpserver.NewStreamableHTTPServer(
		ep.streamableMCP,
		mcpserver.WithEndpointPath("/metamcp/"+name+"/mcp"),
	)

	ep.sseMCP = s.newMCPServer(name, namespaceUUID, metamcp.DownstreamSSE)
	ep.sse = mcpserver.NewSSEServer(
		ep.sseMCP,
		mcpserver.WithStaticBasePath("/metamcp/"+name),
		mcpserver.WithSSEEndpoint("/sse"),
		mcpserver.WithMessageEndpoint("/message"),
		mcpserver.WithKeepAlive(true),
	)
	return ep
}

// newMCPServer builds one transport's MCP server for a namespace, with
// lifecycle hooks feeding the session registry and the per-session list
// rewrite.
func (s *Server) newMCPServer(
	endpointName string, namespaceUUID uuid.UUID, transport metamcp.DownstreamTransport,
) *mcpserver.MCPServer {
	hooks := &mcpserver.Hooks{}
	m := mcpserver.NewMCPServer(
		s.cfg.Name,
		s.cfg.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithHooks(hooks),
	)

	hooks.AddOnRegisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		sessionID := session.SessionID()
		s.registry.Add(sessionID, endpointName, namespaceUUID, transport)
		if err := s.syncSessionTools(ctx, m, namespaceUUID, sessionID); err != nil {
			logger.Warnf("Registering session tools for %s failed: %v", sessionID, err)
		}
	})

	hooks.AddOnUnregisterSession(func(_ context.Context, session mcpserver.ClientSession) {
		sessionID := session.SessionID()
		s.registry.Remove(sessionID)
		s.pool.Detach(sessionID)
		s.mu.Lock()
		delete(s.sessionTools, sessionID)
		s.mu.Unlock()
	})

	// tools/list is answered from the aggregator, not from the SDK's
	// registered set: the visible list is per-session (smart discovery,
	// overrides) and must be recomputed on every request.
	hooks.AddAfterListTools(func(ctx context.Context, _ any, _ *mcp.ListToolsRequest, result *mcp.ListToolsResult) {
		session := mcpserver.ClientSessionFromContext(ctx)
		if session == nil || result == nil {
			return
		}
		tools, err := s.gateway.ListTools(ctx, namespaceUUID, session.SessionID())
		if err != nil {
			logger.Warnf("Listing tools for session %s failed: %v", session.SessionID(), err)
			return
		}
		result.Tools = tools
	})

	return m
}

// syncSessionTools registers the session's callable tool set with the SDK
// so tools/call dispatches reach the gateway, and removes names a refresh
// dropped.
func (s *Server) syncSessionTools(
	ctx context.Context, m *mcpserver.MCPServer, namespaceUUID uuid.UUID, sessionID string,
) error {
	callable, err := s.gateway.CallableTools(ctx, namespaceUUID, sessionID)
	if err != nil {
		return err
	}

	handler := s.toolHandler(namespaceUUID)
	serverTools := make([]mcpserver.ServerTool, len(callable))
	names := make([]string, len(callable))
	current := make(map[string]bool, len(callable))
	for i, tool := range callable {
		serverTools[i] = mcpserver.ServerTool{Tool: tool, Handler: handler}
		names[i] = tool.Name
		current[tool.Name] = true
	}

	s.mu.Lock()
	previous := s.sessionTools[sessionID]
	s.sessionTools[sessionID] = names
	s.mu.Unlock()

	var stale []string
	for _, name := range previous {
		if !current[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		if err := m.DeleteSessionTools(sessionID, stale...); err != nil {
			logger.Warnf("Dropping stale session tools for %s failed: %v", sessionID, err)
		}
	}
	return m.AddSessionTools(sessionID, serverTools...)
}

// toolHandler builds the dispatch handler shared by every tool registered
// on a namespace's sessions. The SDK routes by name; the handler forwards
// to the middleware chain, which resolves overrides and synthetic tools.
func (s *Server) toolHandler(namespaceUUID uuid.UUID) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session := mcpserver.ClientSessionFromContext(ctx)
		if session == nil {
			return nil, fmt.Errorf("%w: no session in request context", metamcp.ErrValidation)
		}

		result, err := s.gateway.CallTool(ctx, namespaceUUID, session.SessionID(), request.Params.Name, request.GetArguments())
		if err != nil {
			// Caller mistakes surface as MCP error content; everything else
			// is a protocol-level error.
			if errors.Is(err, metamcp.ErrValidation) ||
				errors.Is(err, metamcp.ErrMalformedToolName) ||
				errors.Is(err, metamcp.ErrNotFound) ||
				errors.Is(err, metamcp.ErrPolicyDenied) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return nil, err
		}
		return result, nil
	}
}

// Resync re-registers a session's callable tools after a control-plane
// refresh changed the namespace's tool set. Unknown sessions are ignored.
func (s *Server) Resync(ctx context.Context, sessionID string) error {
	session, ok := s.registry.Get(sessionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	ep, ok := s.endpoints[session.EndpointName]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	m := ep.streamableMCP
	if session.Transport == metamcp.DownstreamSSE {
		m = ep.sseMCP
	}
	return s.syncSessionTools(ctx, m, session.NamespaceUUID, sessionID)
}

func (s *Server) serveStreamable(w http.ResponseWriter, r *http.Request) {
	ep, err := s.endpointFor(r)
	if err != nil {
		writeEndpointError(w, err)
		return
	}
	ep.streamable.ServeHTTP(w, r)
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request) {
	ep, err := s.endpointFor(r)
	if err != nil {
		writeEndpointError(w, err)
		return
	}
	ep.sse.SSEHandler().ServeHTTP(w, r)
}

func (s *Server) serveSSEMessage(w http.ResponseWriter, r *http.Request) {
	ep, err := s.endpointFor(r)
	if err != nil {
		writeEndpointError(w, err)
		return
	}
	ep.sse.MessageHandler().ServeHTTP(w, r)
}

func writeEndpointError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, metamcp.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, metamcp.ErrValidation):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
