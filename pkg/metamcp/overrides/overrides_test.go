package overrides

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/middleware"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
)

// seedOverride creates a namespace with one server and one tool whose
// membership carries the given override fields.
func seedOverride(t *testing.T, m metamcp.NamespaceToolMembership) (*store.SQLiteStore, *metamcp.Namespace) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ns := &metamcp.Namespace{Name: "dev"}
	require.NoError(t, s.CreateNamespace(ctx, ns))
	server := &metamcp.McpServer{Name: "alpha", Transport: metamcp.TransportStdio}
	require.NoError(t, s.CreateServer(ctx, server))
	require.NoError(t, s.AddServerToNamespace(ctx, ns.UUID, server.UUID, metamcp.StatusActive))

	tools := []metamcp.Tool{{ServerUUID: server.UUID, Name: "read", Description: "Read a file"}}
	_, err = s.UpsertTools(ctx, tools)
	require.NoError(t, err)
	_, err = s.UpsertToolMemberships(ctx, []metamcp.NamespaceToolMembership{{
		NamespaceUUID: ns.UUID, ToolUUID: tools[0].UUID, ServerUUID: server.UUID,
	}})
	require.NoError(t, err)

	m.NamespaceUUID = ns.UUID
	m.ToolUUID = tools[0].UUID
	m.ServerUUID = server.UUID
	require.NoError(t, s.UpdateToolOverrides(ctx, &m))
	return s, ns
}

func TestListMiddlewareRewritesTool(t *testing.T) {
	s, ns := seedOverride(t, metamcp.NamespaceToolMembership{
		OverrideName:        "fs_read",
		OverrideTitle:       "Filesystem read",
		OverrideDescription: "Read from the sandbox",
	})
	cache := NewCache(s)

	base := func(_ context.Context, _ *middleware.Context) ([]mcp.Tool, error) {
		return []mcp.Tool{
			{Name: "alpha__read", Description: "Read a file"},
			{Name: "alpha__write", Description: "Write a file"},
		}, nil
	}
	handler := middleware.ChainListTools(base, cache.ListMiddleware())

	tools, err := handler(context.Background(), &middleware.Context{NamespaceUUID: ns.UUID})
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "fs_read", tools[0].Name)
	assert.Equal(t, "Filesystem read", tools[0].Annotations.Title)
	assert.Equal(t, "Read from the sandbox", tools[0].Description)
	// No override row for write; untouched.
	assert.Equal(t, "alpha__write", tools[1].Name)
}

func TestCallMiddlewareMapsOverrideBack(t *testing.T) {
	s, ns := seedOverride(t, metamcp.NamespaceToolMembership{OverrideName: "fs_read"})
	cache := NewCache(s)

	var dispatched string
	base := func(_ context.Context, _ *middleware.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
		dispatched = name
		return mcp.NewToolResultText("ok"), nil
	}
	handler := middleware.ChainCallTool(base, cache.CallMiddleware())
	mwCtx := &middleware.Context{NamespaceUUID: ns.UUID}

	_, err := handler(context.Background(), mwCtx, "fs_read", nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha__read", dispatched)

	// Canonical names pass through unchanged.
	_, err = handler(context.Background(), mwCtx, "alpha__read", nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha__read", dispatched)
}

func TestIsOverrideName(t *testing.T) {
	s, ns := seedOverride(t, metamcp.NamespaceToolMembership{OverrideName: "fs_read"})
	cache := NewCache(s)
	ctx := context.Background()

	ok, err := cache.IsOverrideName(ctx, ns.UUID, "fs_read")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.IsOverrideName(ctx, ns.UUID, "alpha__read")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateNamespacePicksUpNewOverride(t *testing.T) {
	s, ns := seedOverride(t, metamcp.NamespaceToolMembership{OverrideName: "fs_read"})
	cache := NewCache(s)
	ctx := context.Background()

	resolved, err := cache.ResolveIncoming(ctx, ns.UUID, "fs_read")
	require.NoError(t, err)
	assert.Equal(t, "alpha__read", resolved)

	// Change the override in the store; the cached map still serves the
	// old name until invalidated.
	listed, err := s.ListNamespaceTools(ctx, ns.UUID)
	require.NoError(t, err)
	m := listed[0].Membership
	m.OverrideName = "read_file"
	require.NoError(t, s.UpdateToolOverrides(ctx, &m))

	resolved, err = cache.ResolveIncoming(ctx, ns.UUID, "fs_read")
	require.NoError(t, err)
	assert.Equal(t, "alpha__read", resolved)

	cache.InvalidateNamespace(ns.UUID)

	resolved, err = cache.ResolveIncoming(ctx, ns.UUID, "fs_read")
	require.NoError(t, err)
	assert.Equal(t, "fs_read", resolved, "stale override name no longer maps")
	resolved, err = cache.ResolveIncoming(ctx, ns.UUID, "read_file")
	require.NoError(t, err)
	assert.Equal(t, "alpha__read", resolved)
}

func TestAnnotationOverridePassThrough(t *testing.T) {
	s, ns := seedOverride(t, metamcp.NamespaceToolMembership{
		OverrideAnnotations: []byte(`{"title":"Reader","readOnlyHint":true}`),
	})
	cache := NewCache(s)

	base := func(_ context.Context, _ *middleware.Context) ([]mcp.Tool, error) {
		return []mcp.Tool{{Name: "alpha__read"}}, nil
	}
	tools, err := middleware.ChainListTools(base, cache.ListMiddleware())(
		context.Background(), &middleware.Context{NamespaceUUID: ns.UUID})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	// Name untouched; only annotations replaced.
	assert.Equal(t, "alpha__read", tools[0].Name)
	assert.Equal(t, "Reader", tools[0].Annotations.Title)
	require.NotNil(t, tools[0].Annotations.ReadOnlyHint)
	assert.True(t, *tools[0].Annotations.ReadOnlyHint)
}
