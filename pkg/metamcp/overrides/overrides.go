// Package overrides implements per-namespace tool-name overrides.
//
// Each namespace carries an in-memory map built lazily from its membership
// rows: canonical full name to override fields for list rewriting, and
// override name back to canonical name for call dispatch. The cache is
// invalidated per namespace on any override, membership, or namespace
// update.
package overrides

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/middleware"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
)

// override holds the replacement fields for one tool membership.
type override struct {
	name        string
	title       string
	description string
	annotations json.RawMessage
}

// namespaceOverrides is the resolved override state of one namespace.
type namespaceOverrides struct {
	// byFullName maps the canonical "server__tool" name to its override.
	byFullName map[string]override

	// toOriginal maps an override name back to the canonical name.
	toOriginal map[string]string
}

// Cache resolves and caches override maps per namespace.
type Cache struct {
	store store.Store

	mu         sync.RWMutex
	namespaces map[uuid.UUID]*namespaceOverrides
}

// NewCache returns an empty override cache backed by st.
func NewCache(st store.Store) *Cache {
	return &Cache{
		store:      st,
		namespaces: make(map[uuid.UUID]*namespaceOverrides),
	}
}

// load returns the namespace's override map, building it on first use.
func (c *Cache) load(ctx context.Context, namespaceUUID uuid.UUID) (*namespaceOverrides, error) {
	c.mu.RLock()
	cached, ok := c.namespaces[namespaceUUID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	memberships, err := c.store.ListNamespaceTools(ctx, namespaceUUID)
	if err != nil {
		return nil, fmt.Errorf("loading override map: %w", err)
	}

	built := &namespaceOverrides{
		byFullName: make(map[string]override),
		toOriginal: make(map[string]string),
	}
	for _, m := range memberships {
		o := override{
			name:        m.Membership.OverrideName,
			title:       m.Membership.OverrideTitle,
			description: m.Membership.OverrideDescription,
			annotations: m.Membership.OverrideAnnotations,
		}
		if o.name == "" && o.title == "" && o.description == "" && len(o.annotations) == 0 {
			continue
		}
		fullName := metamcp.FullToolName(m.ServerName, m.Tool.Name)
		built.byFullName[fullName] = o
		if o.name != "" {
			built.toOriginal[o.name] = fullName
		}
	}

	c.mu.Lock()
	// Another loader may have raced us; the maps are equivalent either way.
	if existing, ok := c.namespaces[namespaceUUID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.namespaces[namespaceUUID] = built
	c.mu.Unlock()
	return built, nil
}

// ResolveIncoming maps an incoming tool name to its canonical full name.
// Returns the name unchanged when it is not an override.
func (c *Cache) ResolveIncoming(ctx context.Context, namespaceUUID uuid.UUID, name string) (string, error) {
	ns, err := c.load(ctx, namespaceUUID)
	if err != nil {
		return "", err
	}
	if original, ok := ns.toOriginal[name]; ok {
		return original, nil
	}
	return name, nil
}

// IsOverrideName reports whether name is registered as an override within
// the namespace. refreshTools uses it to avoid persisting override names as
// canonical tool names.
func (c *Cache) IsOverrideName(ctx context.Context, namespaceUUID uuid.UUID, name string) (bool, error) {
	ns, err := c.load(ctx, namespaceUUID)
	if err != nil {
		return false, err
	}
	_, ok := ns.toOriginal[name]
	return ok, nil
}

// InvalidateNamespace drops the cached map for one namespace.
func (c *Cache) InvalidateNamespace(namespaceUUID uuid.UUID) {
	c.mu.Lock()
	delete(c.namespaces, namespaceUUID)
	c.mu.Unlock()
}

// InvalidateAll drops every cached map.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.namespaces = make(map[uuid.UUID]*namespaceOverrides)
	c.mu.Unlock()
}

// apply rewrites one tool in place according to its override, if any.
func (ns *namespaceOverrides) apply(tool *mcp.Tool) {
	o, ok := ns.byFullName[tool.Name]
	if !ok {
		return
	}
	if o.name != "" {
		tool.Name = o.name
	}
	if o.title != "" {
		tool.Annotations.Title = o.title
	}
	if o.description != "" {
		tool.Description = o.description
	}
	if len(o.annotations) > 0 {
		var annotations mcp.ToolAnnotation
		if err := json.Unmarshal(o.annotations, &annotations); err == nil {
			if o.title != "" && annotations.Title == "" {
				annotations.Title = o.title
			}
			tool.Annotations = annotations
		}
	}
}

// ListMiddleware rewrites tool names, titles, descriptions and annotations
// on the way out.
func (c *Cache) ListMiddleware() middleware.ListToolsMiddleware {
	return func(next middleware.ListToolsHandler) middleware.ListToolsHandler {
		return func(ctx context.Context, mw *middleware.Context) ([]mcp.Tool, error) {
			tools, err := next(ctx, mw)
			if err != nil {
				return nil, err
			}
			ns, err := c.load(ctx, mw.NamespaceUUID)
			if err != nil {
				return nil, err
			}
			for i := range tools {
				ns.apply(&tools[i])
			}
			return tools, nil
		}
	}
}

// CallMiddleware maps incoming override names back to canonical names
// before dispatch.
func (c *Cache) CallMiddleware() middleware.CallToolMiddleware {
	return func(next middleware.CallToolHandler) middleware.CallToolHandler {
		return func(ctx context.Context, mw *middleware.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
			resolved, err := c.ResolveIncoming(ctx, mw.NamespaceUUID, name)
			if err != nil {
				return nil, err
			}
			return next(ctx, mw, resolved, arguments)
		}
	}
}
