package middleware

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainListToolsOrder(t *testing.T) {
	var order []string

	base := func(_ context.Context, _ *Context) ([]mcp.Tool, error) {
		order = append(order, "base")
		return []mcp.Tool{{Name: "t"}}, nil
	}
	outer := func(next ListToolsHandler) ListToolsHandler {
		return func(ctx context.Context, mw *Context) ([]mcp.Tool, error) {
			order = append(order, "outer")
			return next(ctx, mw)
		}
	}
	inner := func(next ListToolsHandler) ListToolsHandler {
		return func(ctx context.Context, mw *Context) ([]mcp.Tool, error) {
			order = append(order, "inner")
			return next(ctx, mw)
		}
	}

	tools, err := ChainListTools(base, outer, inner)(context.Background(), &Context{})
	require.NoError(t, err)
	assert.Len(t, tools, 1)
	assert.Equal(t, []string{"outer", "inner", "base"}, order)
}

func TestChainCallToolSharesContext(t *testing.T) {
	mwCtx := &Context{NamespaceUUID: uuid.New(), SessionID: "s1"}

	base := func(_ context.Context, mw *Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
		assert.Same(t, mwCtx, mw)
		return mcp.NewToolResultText("called " + name), nil
	}
	rename := func(next CallToolHandler) CallToolHandler {
		return func(ctx context.Context, mw *Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
			return next(ctx, mw, "renamed_"+name, args)
		}
	}

	result, err := ChainCallTool(base, rename)(context.Background(), mwCtx, "tool", nil)
	require.NoError(t, err)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "called renamed_tool", text.Text)
}

func TestEmptyChainIsBase(t *testing.T) {
	base := func(_ context.Context, _ *Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(name), nil
	}
	result, err := ChainCallTool(base)(context.Background(), &Context{}, "x", nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}
