// Package aggregator materializes a namespace's merged tool list, routes
// tool calls to the owning upstream, and keeps persisted tool rows in sync
// with what upstreams actually report.
//
// The aggregator owns the middleware chains. On list-tools, overrides sit
// outermost and smart discovery innermost, so smart observes canonical
// names and overrides rewrite whatever it lets through. On call-tool,
// smart discovery sits outermost to intercept the synthetic tools, and
// overrides map incoming names back to canonical ones before dispatch.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/middleware"
	"github.com/metamcp/metamcp/pkg/metamcp/overrides"
	"github.com/metamcp/metamcp/pkg/metamcp/pool"
	"github.com/metamcp/metamcp/pkg/metamcp/smart"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
)

// Aggregator serves the merged view of each namespace.
type Aggregator struct {
	store     store.Store
	pool      *pool.NamespacePool
	overrides *overrides.Cache
	smart     *smart.Service

	list middleware.ListToolsHandler
	call middleware.CallToolHandler

	// callable is the list chain without the smart-discovery filter; the
	// transport layer registers these names for dispatch even when smart
	// discovery hides them from tools/list.
	callable middleware.ListToolsHandler
}

// New wires the aggregator and its middleware chains.
func New(st store.Store, nsPool *pool.NamespacePool, ov *overrides.Cache, smartSvc *smart.Service) *Aggregator {
	a := &Aggregator{
		store:     st,
		pool:      nsPool,
		overrides: ov,
		smart:     smartSvc,
	}
	a.list = middleware.ChainListTools(a.baseList, ov.ListMiddleware(), smartSvc.ListMiddleware())
	a.call = middleware.ChainCallTool(a.baseCall, smartSvc.CallMiddleware(), ov.CallMiddleware())
	a.callable = middleware.ChainListTools(a.baseList, ov.ListMiddleware())
	return a
}

// mwContext builds the shared middleware context for one request.
func (a *Aggregator) mwContext(namespaceUUID uuid.UUID, sessionID string) *middleware.Context {
	return &middleware.Context{
		NamespaceUUID: namespaceUUID,
		SessionID:     sessionID,
		Executor:      &executor{agg: a, sessionID: sessionID},
	}
}

// ListTools returns the tool list a downstream session sees, after the full
// middleware chain.
func (a *Aggregator) ListTools(ctx context.Context, namespaceUUID uuid.UUID, sessionID string) ([]mcp.Tool, error) {
	return a.list(ctx, a.mwContext(namespaceUUID, sessionID))
}

// CallableTools returns every tool a session may invoke: the override-applied
// canonical list plus the synthetic discovery tools. Unlike ListTools it
// ignores smart-discovery visibility, since hidden tools stay callable.
func (a *Aggregator) CallableTools(ctx context.Context, namespaceUUID uuid.UUID, sessionID string) ([]mcp.Tool, error) {
	tools, err := a.callable(ctx, a.mwContext(namespaceUUID, sessionID))
	if err != nil {
		return nil, err
	}
	return append(smart.SyntheticTools(), tools...), nil
}

// CallTool dispatches one downstream tool call through the full chain.
func (a *Aggregator) CallTool(
	ctx context.Context, namespaceUUID uuid.UUID, sessionID, name string, arguments map[string]any,
) (*mcp.CallToolResult, error) {
	return a.call(ctx, a.mwContext(namespaceUUID, sessionID), name, arguments)
}

// session returns the namespace session bound to the downstream session,
// attaching on first use.
func (a *Aggregator) session(ctx context.Context, namespaceUUID uuid.UUID, sessionID string) (*pool.Session, error) {
	if session, ok := a.pool.ActiveSession(sessionID); ok {
		return session, nil
	}
	return a.pool.Attach(ctx, namespaceUUID, sessionID)
}

// baseList fetches each member upstream's tool list and returns the union
// under full "serverName__toolName" names, sorted for a stable order.
func (a *Aggregator) baseList(ctx context.Context, mw *middleware.Context) ([]mcp.Tool, error) {
	session, err := a.session(ctx, mw.NamespaceUUID, mw.SessionID)
	if err != nil {
		return nil, err
	}

	var merged []mcp.Tool
	for _, serverName := range session.ServerNames() {
		upstream, _ := session.Upstream(serverName)
		tools, err := upstream.ListTools(ctx)
		if err != nil {
			// One broken upstream must not hide the rest of the namespace.
			logger.Warnf("Listing tools from upstream %s failed: %v", serverName, err)
			continue
		}
		for _, tool := range tools {
			tool.Name = metamcp.FullToolName(serverName, tool.Name)
			if len(tool.RawInputSchema) == 0 {
				if data, err := json.Marshal(tool.InputSchema); err == nil {
					tool.RawInputSchema = data
				}
			}
			merged = append(merged, tool)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return merged, nil
}

// resolveUpstream locates the member upstream owning a full tool name.
// One level of nested composition is supported: when the first segment is
// not a member but "first__second" is, the upstream is itself a gateway
// and the remainder is forwarded as the tool name.
func resolveUpstream(session *pool.Session, fullName string) (pool.Upstream, string, error) {
	serverName, toolName, err := metamcp.SplitToolName(fullName)
	if err != nil {
		return nil, "", err
	}
	if upstream, ok := session.Upstream(serverName); ok {
		return upstream, toolName, nil
	}

	if second, rest, ok := strings.Cut(toolName, metamcp.NameSeparator); ok && second != "" && rest != "" {
		nested := metamcp.FullToolName(serverName, second)
		if upstream, ok := session.Upstream(nested); ok {
			return upstream, rest, nil
		}
	}
	return nil, "", fmt.Errorf("%w: no member server for tool %q", metamcp.ErrNotFound, fullName)
}

// baseCall dispatches a canonical full tool name to its upstream.
func (a *Aggregator) baseCall(
	ctx context.Context, mw *middleware.Context, name string, arguments map[string]any,
) (*mcp.CallToolResult, error) {
	session, err := a.session(ctx, mw.NamespaceUUID, mw.SessionID)
	if err != nil {
		return nil, err
	}
	upstream, toolName, err := resolveUpstream(session, name)
	if err != nil {
		return nil, err
	}
	return upstream.CallTool(ctx, toolName, arguments)
}

// executor dispatches directly to upstreams on behalf of the ask agent,
// bypassing the outer middleware chain. Planned tool names are canonical,
// so no override rewriting applies.
type executor struct {
	agg       *Aggregator
	sessionID string
}

var _ middleware.Executor = (*executor)(nil)

func (e *executor) Execute(
	ctx context.Context, namespaceUUID uuid.UUID, fullName string, arguments map[string]any,
) (*mcp.CallToolResult, error) {
	session, err := e.agg.session(ctx, namespaceUUID, e.sessionID)
	if err != nil {
		return nil, err
	}
	upstream, toolName, err := resolveUpstream(session, fullName)
	if err != nil {
		return nil, err
	}
	return upstream.CallTool(ctx, toolName, arguments)
}
