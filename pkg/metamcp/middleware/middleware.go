// Package middleware defines the ordered wrapper chains around the
// aggregator's list-tools and call-tool operations.
//
// Two parallel chains exist: list-tools and call-tool. Each middleware
// takes the next handler and returns a new handler; handlers share a
// Context carrying the namespace, the downstream session, and a handle to
// the upstream call executor.
//
// The two chains order their middlewares differently. On list-tools,
// tool-overrides are outermost and smart-discovery innermost: smart must
// observe the canonical tool list (it indexes and matches pinned/exposed
// tools by canonical name), and overrides rewrite names on the way out.
// On call-tool, smart-discovery is outermost so it intercepts the
// synthetic tools before overrides map incoming override names back to
// originals for dispatch.
package middleware

import (
	"context"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// Executor dispatches a call for a canonical full tool name directly to
// the owning upstream, bypassing the outer middleware chain. The ask-agent
// orchestrator executes planned tool calls through it.
type Executor interface {
	Execute(ctx context.Context, namespaceUUID uuid.UUID, fullName string, arguments map[string]any) (*mcp.CallToolResult, error)
}

// Context is the per-request state shared along a chain.
type Context struct {
	NamespaceUUID uuid.UUID
	SessionID     string
	Executor      Executor
}

// ListToolsHandler produces the tool list for a namespace session.
type ListToolsHandler func(ctx context.Context, mw *Context) ([]mcp.Tool, error)

// CallToolHandler dispatches one tool call.
type CallToolHandler func(ctx context.Context, mw *Context, name string, arguments map[string]any) (*mcp.CallToolResult, error)

// ListToolsMiddleware wraps a ListToolsHandler.
type ListToolsMiddleware func(next ListToolsHandler) ListToolsHandler

// CallToolMiddleware wraps a CallToolHandler.
type CallToolMiddleware func(next CallToolHandler) CallToolHandler

// ChainListTools composes middlewares around base. Middlewares are given
// outermost first: ChainListTools(base, a, b) runs a, then b, then base.
func ChainListTools(base ListToolsHandler, mws ...ListToolsMiddleware) ListToolsHandler {
	handler := base
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler
}

// ChainCallTool composes middlewares around base. Middlewares are given
// outermost first: ChainCallTool(base, a, b) runs a, then b, then base.
func ChainCallTool(base CallToolHandler, mws ...CallToolMiddleware) CallToolHandler {
	handler := base
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler
}
