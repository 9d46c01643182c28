package smart

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/discovery"
	"github.com/metamcp/metamcp/pkg/metamcp/middleware"
)

var (
	findInputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Natural-language description of the tool you need"},
			"limit": {"type": "number", "description": "Maximum number of tools to return (default 5, max 20)"}
		},
		"required": ["query"]
	}`)

	askInputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Task to delegate to the namespace agent"},
			"maxToolCalls": {"type": "number", "description": "Upper bound on tool executions"},
			"exposeLimit": {"type": "number", "description": "Upper bound on tools exposed afterwards"}
		},
		"required": ["query"]
	}`)
)

// SyntheticTools returns the find and ask tool definitions, in that order.
// The transport layer registers them alongside the canonical tools so they
// are callable on every session.
func SyntheticTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:           FindToolName,
			Description:    "Search this namespace's tools by description. Matching tools are added to your tool list.",
			RawInputSchema: findInputSchema,
		},
		{
			Name:           AskToolName,
			Description:    "Delegate a task to the namespace agent, which can plan and execute tool calls on your behalf.",
			RawInputSchema: askInputSchema,
		},
	}
}

// ListMiddleware returns the list-tools middleware. For namespaces with
// smart discovery enabled it replaces the canonical list with the exposed
// set and launches background indexing of the canonical list.
func (s *Service) ListMiddleware() middleware.ListToolsMiddleware {
	return func(next middleware.ListToolsHandler) middleware.ListToolsHandler {
		return func(ctx context.Context, mw *middleware.Context) ([]mcp.Tool, error) {
			ns, err := s.namespaceStatus(ctx, mw.NamespaceUUID)
			if err != nil {
				return nil, err
			}
			if !ns.SmartDiscoveryEnabled {
				return next(ctx, mw)
			}

			tools, err := next(ctx, mw)
			if err != nil {
				return nil, err
			}
			s.indexInBackground(ctx, mw.NamespaceUUID, tools)

			byName := make(map[string]mcp.Tool, len(tools))
			for _, tool := range tools {
				byName[tool.Name] = tool
			}

			// Synthetic first, then pinned, then previously discovered.
			// Pinned or discovered names the upstreams no longer report are
			// dropped; duplicates keep their first position.
			exposed := SyntheticTools()
			seen := map[string]bool{FindToolName: true, AskToolName: true}
			candidates := make([]string, 0, len(ns.PinnedTools))
			candidates = append(candidates, ns.PinnedTools...)
			candidates = append(candidates, s.ExposedTools(mw.SessionID, mw.NamespaceUUID)...)
			for _, name := range candidates {
				if seen[name] {
					continue
				}
				seen[name] = true
				if tool, ok := byName[name]; ok {
					exposed = append(exposed, tool)
				}
			}
			return exposed, nil
		}
	}
}

// indexInBackground launches discovery indexing of the canonical tool list.
// Failures are logged and never reach the request that triggered them.
func (s *Service) indexInBackground(ctx context.Context, namespaceUUID uuid.UUID, tools []mcp.Tool) {
	inputs := make([]discovery.ToolInput, 0, len(tools))
	for _, tool := range tools {
		serverName, toolName, err := metamcp.SplitToolName(tool.Name)
		if err != nil {
			continue
		}
		inputs = append(inputs, discovery.ToolInput{
			ServerName:  serverName,
			Name:        toolName,
			Title:       tool.Annotations.Title,
			Description: tool.Description,
			InputSchema: tool.RawInputSchema,
		})
	}

	bgCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.index.IndexTools(bgCtx, namespaceUUID, inputs); err != nil {
			logger.Warnf("Background tool indexing failed for namespace %s: %v", namespaceUUID, err)
		}
	}()
}

// CallMiddleware returns the call-tool middleware answering the synthetic
// tools. All other names pass through.
func (s *Service) CallMiddleware() middleware.CallToolMiddleware {
	return func(next middleware.CallToolHandler) middleware.CallToolHandler {
		return func(ctx context.Context, mw *middleware.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
			if name != FindToolName && name != AskToolName {
				return next(ctx, mw, name, arguments)
			}

			ns, err := s.namespaceStatus(ctx, mw.NamespaceUUID)
			if err != nil {
				return nil, err
			}
			if !ns.SmartDiscoveryEnabled {
				return mcp.NewToolResultError("smart discovery is not enabled for this namespace"), nil
			}

			if name == FindToolName {
				return s.handleFind(ctx, mw, arguments)
			}
			return s.handleAsk(ctx, mw, arguments)
		}
	}
}

// findResponse is the JSON body of a metamcp__find result.
type findResponse struct {
	Message string       `json:"message"`
	Query   string       `json:"query"`
	Tools   []foundTool  `json:"tools"`
	Usage   findUsage    `json:"usage"`
}

type foundTool struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	RelevanceScore float64         `json:"relevanceScore"`
}

type findUsage struct {
	Returned     int `json:"returned"`
	TotalIndexed int `json:"totalIndexed"`
}

func (s *Service) handleFind(ctx context.Context, mw *middleware.Context, arguments map[string]any) (*mcp.CallToolResult, error) {
	query, ok := arguments["query"].(string)
	if !ok || query == "" {
		return mcp.NewToolResultError("query is required and must be a string"), nil
	}
	limit := discovery.DefaultLimit
	if raw, ok := arguments["limit"].(float64); ok {
		limit = int(raw)
		if limit < 1 {
			limit = 1
		}
		if limit > discovery.MaxLimit {
			limit = discovery.MaxLimit
		}
	}

	matches, err := s.index.Search(ctx, mw.NamespaceUUID, query, limit, discovery.DefaultThreshold)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool search failed: %v", err)), nil
	}

	names := make([]string, len(matches))
	found := make([]foundTool, len(matches))
	for i, m := range matches {
		names[i] = m.Name
		found[i] = foundTool{
			Name:           m.Name,
			Description:    m.Description,
			Arguments:      m.InputSchema,
			RelevanceScore: math.Round(m.Score*100) / 100,
		}
	}
	s.ReplaceExposed(mw.SessionID, mw.NamespaceUUID, names)

	message := fmt.Sprintf("Found %d matching tools. They are now available in your tool list.", len(matches))
	if len(matches) == 0 {
		message = "No tools matched the query. Try a broader description."
	}
	return jsonResult(findResponse{
		Message: message,
		Query:   query,
		Tools:   found,
		Usage: findUsage{
			Returned:     len(matches),
			TotalIndexed: s.index.Stats()[mw.NamespaceUUID],
		},
	})
}

func (s *Service) handleAsk(ctx context.Context, mw *middleware.Context, arguments map[string]any) (*mcp.CallToolResult, error) {
	if s.askAgent == nil {
		return mcp.NewToolResultError("no ask agent is configured for this deployment"), nil
	}
	query, ok := arguments["query"].(string)
	if !ok || query == "" {
		return mcp.NewToolResultError("query is required and must be a string"), nil
	}

	req := AskRequest{Query: query}
	if raw, ok := arguments["maxToolCalls"].(float64); ok {
		req.MaxToolCalls = int(raw)
	}
	if raw, ok := arguments["exposeLimit"].(float64); ok {
		req.ExposeLimit = int(raw)
	}

	report, err := s.askAgent.Ask(ctx, mw, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ask agent failed: %v", err)), nil
	}
	return jsonResult(report)
}

// jsonResult marshals v into a single JSON text content block.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
