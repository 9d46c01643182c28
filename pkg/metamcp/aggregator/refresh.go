package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
)

// RefreshTool is one tool as reported by a downstream client, after any
// override rewriting it observed.
type RefreshTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// RefreshResult reports how many new rows a refresh created.
type RefreshResult struct {
	ToolsCreated    int `json:"toolsCreated"`
	MappingsCreated int `json:"mappingsCreated"`
}

// RefreshTools persists the reported tool set: override names are skipped
// (they are not canonical), each remaining name is resolved to its member
// server with the one-level nested fallback, and the rows are bulk-upserted.
// On success the namespace's idle session, derived sessions, and override
// cache are invalidated so the next list observes the new state.
func (a *Aggregator) RefreshTools(
	ctx context.Context, namespaceUUID uuid.UUID, reported []RefreshTool,
) (*RefreshResult, error) {
	memberships, err := a.store.ListNamespaceServers(ctx, namespaceUUID)
	if err != nil {
		return nil, fmt.Errorf("listing namespace servers: %w", err)
	}
	serverByName := make(map[string]uuid.UUID, len(memberships))
	for _, m := range memberships {
		serverByName[m.Server.Name] = m.Server.UUID
	}

	var tools []metamcp.Tool
	for _, rt := range reported {
		isOverride, err := a.overrides.IsOverrideName(ctx, namespaceUUID, rt.Name)
		if err != nil {
			return nil, err
		}
		if isOverride {
			continue
		}

		serverUUID, toolName, ok := resolveServer(serverByName, rt.Name)
		if !ok {
			logger.Warnf("Refresh for namespace %s skipped tool %q: no member server", namespaceUUID, rt.Name)
			continue
		}
		if err := validateSchema(rt.InputSchema); err != nil {
			logger.Warnf("Refresh for namespace %s skipped tool %q: %v", namespaceUUID, rt.Name, err)
			continue
		}
		tools = append(tools, metamcp.Tool{
			ServerUUID:  serverUUID,
			Name:        toolName,
			Description: rt.Description,
			InputSchema: rt.InputSchema,
		})
	}

	toolsCreated, err := a.store.UpsertTools(ctx, tools)
	if err != nil {
		return nil, fmt.Errorf("upserting tools: %w", err)
	}

	mappings := make([]metamcp.NamespaceToolMembership, len(tools))
	for i, tool := range tools {
		mappings[i] = metamcp.NamespaceToolMembership{
			NamespaceUUID: namespaceUUID,
			ToolUUID:      tool.UUID,
			ServerUUID:    tool.ServerUUID,
			Status:        metamcp.StatusActive,
		}
	}
	mappingsCreated, err := a.store.UpsertToolMemberships(ctx, mappings)
	if err != nil {
		return nil, fmt.Errorf("upserting tool memberships: %w", err)
	}

	a.pool.InvalidateSessions([]uuid.UUID{namespaceUUID})
	a.overrides.InvalidateNamespace(namespaceUUID)

	return &RefreshResult{ToolsCreated: toolsCreated, MappingsCreated: mappingsCreated}, nil
}

// resolveServer maps a full tool name to the owning member server. One
// nested level: "meta__alpha__read" resolves to member "meta" with tool
// name "alpha__read", or to member "meta__alpha" with tool name "read".
func resolveServer(serverByName map[string]uuid.UUID, fullName string) (uuid.UUID, string, bool) {
	serverName, toolName, err := metamcp.SplitToolName(fullName)
	if err != nil {
		return uuid.Nil, "", false
	}
	if id, ok := serverByName[serverName]; ok {
		return id, toolName, true
	}
	if second, rest, ok := strings.Cut(toolName, metamcp.NameSeparator); ok && second != "" && rest != "" {
		if id, ok := serverByName[metamcp.FullToolName(serverName, second)]; ok {
			return id, rest, true
		}
	}
	return uuid.Nil, "", false
}

// validateSchema checks a reported input schema is valid JSON Schema.
// Empty schemas are allowed.
func validateSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	if _, err := gojsonschema.NewSchemaLoader().Compile(gojsonschema.NewBytesLoader(schema)); err != nil {
		return fmt.Errorf("invalid input schema: %w", err)
	}
	return nil
}
