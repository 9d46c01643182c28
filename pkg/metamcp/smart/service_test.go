package smart

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/discovery"
	"github.com/metamcp/metamcp/pkg/metamcp/middleware"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
)

// stubProvider embeds any text mentioning "read" along one axis and
// everything else along the other, so similarity scores are exact.
type stubProvider struct{}

func (stubProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "read") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func (p stubProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = p.Embed(ctx, t)
	}
	return out, nil
}

func (stubProvider) Close() error { return nil }

func newTestService(t *testing.T, enabled bool, pinned []string) (*Service, *store.SQLiteStore, *metamcp.Namespace) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ns := &metamcp.Namespace{
		Name:                  "dev",
		SmartDiscoveryEnabled: enabled,
		PinnedTools:           pinned,
	}
	require.NoError(t, s.CreateNamespace(ctx, ns))

	svc := NewService(s, discovery.NewIndex(stubProvider{}), nil)
	return svc, s, ns
}

// canonicalTools is the tool list the aggregator base would return.
func canonicalTools() []mcp.Tool {
	return []mcp.Tool{
		{Name: "alpha__read", Description: "Read a file"},
		{Name: "alpha__write", Description: "Store a file"},
		{Name: "beta__query", Description: "Run a SQL statement"},
	}
}

func baseList(_ context.Context, _ *middleware.Context) ([]mcp.Tool, error) {
	return canonicalTools(), nil
}

func toolNames(tools []mcp.Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func textBody(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestListPassthroughWhenDisabled(t *testing.T) {
	svc, _, ns := newTestService(t, false, nil)
	handler := middleware.ChainListTools(baseList, svc.ListMiddleware())

	tools, err := handler(context.Background(), &middleware.Context{NamespaceUUID: ns.UUID, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha__read", "alpha__write", "beta__query"}, toolNames(tools))
}

func TestListExposesOnlySyntheticAndPinned(t *testing.T) {
	svc, _, ns := newTestService(t, true, []string{"beta__query", "gone__tool"})
	handler := middleware.ChainListTools(baseList, svc.ListMiddleware())

	tools, err := handler(context.Background(), &middleware.Context{NamespaceUUID: ns.UUID, SessionID: "s1"})
	require.NoError(t, err)
	// Pinned names the upstreams no longer report are dropped.
	assert.Equal(t, []string{FindToolName, AskToolName, "beta__query"}, toolNames(tools))

	// Background indexing becomes observable shortly after.
	require.Eventually(t, func() bool {
		return svc.index.Stats()[ns.UUID] == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFindReplacesExposedSet(t *testing.T) {
	svc, _, ns := newTestService(t, true, nil)
	mwCtx := &middleware.Context{NamespaceUUID: ns.UUID, SessionID: "s1"}
	list := middleware.ChainListTools(baseList, svc.ListMiddleware())
	call := middleware.ChainCallTool(nil, svc.CallMiddleware())

	// Index synchronously so the search below is deterministic.
	_, err := list(context.Background(), mwCtx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return svc.index.Stats()[ns.UUID] == 3
	}, 2*time.Second, 10*time.Millisecond)

	result, err := call(context.Background(), mwCtx, FindToolName, map[string]any{
		"query": "read a file", "limit": float64(2),
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp findResponse
	require.NoError(t, json.Unmarshal([]byte(textBody(t, result)), &resp))
	assert.Equal(t, "read a file", resp.Query)
	require.Len(t, resp.Tools, 1, "only alpha__read scores above the threshold")
	assert.Equal(t, "alpha__read", resp.Tools[0].Name)
	assert.Equal(t, 1.0, resp.Tools[0].RelevanceScore)
	assert.Equal(t, 1, resp.Usage.Returned)
	assert.Equal(t, 3, resp.Usage.TotalIndexed)

	// The next list for this session includes the discovered tool.
	tools, err := list(context.Background(), mwCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{FindToolName, AskToolName, "alpha__read"}, toolNames(tools))

	// Another session is unaffected.
	other := &middleware.Context{NamespaceUUID: ns.UUID, SessionID: "s2"}
	tools, err = list(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, []string{FindToolName, AskToolName}, toolNames(tools))

	// A second find replaces, not extends, the exposed set.
	_, err = call(context.Background(), mwCtx, FindToolName, map[string]any{"query": "store a file"})
	require.NoError(t, err)
	tools, err = list(context.Background(), mwCtx)
	require.NoError(t, err)
	for _, name := range toolNames(tools) {
		assert.NotEqual(t, "alpha__read", name)
	}
}

func TestFindRequiresQuery(t *testing.T) {
	svc, _, ns := newTestService(t, true, nil)
	call := middleware.ChainCallTool(nil, svc.CallMiddleware())

	result, err := call(context.Background(), &middleware.Context{NamespaceUUID: ns.UUID}, FindToolName, nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSyntheticCallOnDisabledNamespace(t *testing.T) {
	svc, _, ns := newTestService(t, false, nil)
	call := middleware.ChainCallTool(nil, svc.CallMiddleware())

	result, err := call(context.Background(), &middleware.Context{NamespaceUUID: ns.UUID}, FindToolName,
		map[string]any{"query": "anything"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestNonSyntheticCallPassesThrough(t *testing.T) {
	svc, _, ns := newTestService(t, true, nil)

	var dispatched string
	base := func(_ context.Context, _ *middleware.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
		dispatched = name
		return mcp.NewToolResultText("ok"), nil
	}
	call := middleware.ChainCallTool(base, svc.CallMiddleware())

	_, err := call(context.Background(), &middleware.Context{NamespaceUUID: ns.UUID}, "alpha__read", nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha__read", dispatched)
}

type fakeAgent struct {
	req AskRequest
}

func (a *fakeAgent) Ask(_ context.Context, _ *middleware.Context, req AskRequest) (any, error) {
	a.req = req
	return map[string]any{"answer": "done"}, nil
}

func TestAskDelegatesToAgent(t *testing.T) {
	svc, _, ns := newTestService(t, true, nil)
	agent := &fakeAgent{}
	svc.askAgent = agent
	call := middleware.ChainCallTool(nil, svc.CallMiddleware())

	result, err := call(context.Background(), &middleware.Context{NamespaceUUID: ns.UUID, SessionID: "s1"},
		AskToolName, map[string]any{"query": "do it", "maxToolCalls": float64(2), "exposeLimit": float64(7)})
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.JSONEq(t, `{"answer":"done"}`, textBody(t, result))
	assert.Equal(t, AskRequest{Query: "do it", MaxToolCalls: 2, ExposeLimit: 7}, agent.req)
}

func TestAskWithoutAgentConfigured(t *testing.T) {
	svc, _, ns := newTestService(t, true, nil)
	call := middleware.ChainCallTool(nil, svc.CallMiddleware())

	result, err := call(context.Background(), &middleware.Context{NamespaceUUID: ns.UUID},
		AskToolName, map[string]any{"query": "do it"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusCacheInvalidation(t *testing.T) {
	svc, st, ns := newTestService(t, false, nil)
	handler := middleware.ChainListTools(baseList, svc.ListMiddleware())
	mwCtx := &middleware.Context{NamespaceUUID: ns.UUID, SessionID: "s1"}

	tools, err := handler(context.Background(), mwCtx)
	require.NoError(t, err)
	assert.Len(t, tools, 3, "disabled namespace passes through")

	ns.SmartDiscoveryEnabled = true
	require.NoError(t, st.UpdateNamespace(context.Background(), ns))

	// Cached status still says disabled.
	tools, err = handler(context.Background(), mwCtx)
	require.NoError(t, err)
	assert.Len(t, tools, 3)

	svc.InvalidateStatus(ns.UUID)
	tools, err = handler(context.Background(), mwCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{FindToolName, AskToolName}, toolNames(tools))
}

func TestRemoveSessionDropsExposure(t *testing.T) {
	svc, _, ns := newTestService(t, true, nil)

	svc.ReplaceExposed("s1", ns.UUID, []string{"alpha__read"})
	svc.ReplaceExposed("s2", ns.UUID, []string{"beta__query"})
	svc.RemoveSession("s1")

	assert.Empty(t, svc.ExposedTools("s1", ns.UUID))
	assert.Equal(t, []string{"beta__query"}, svc.ExposedTools("s2", ns.UUID))
}

func TestExposureGC(t *testing.T) {
	svc, _, ns := newTestService(t, true, nil)

	for i := 0; i < gcHighWaterMark+1; i++ {
		svc.ReplaceExposed(uuid.NewString(), ns.UUID, []string{"x"})
	}
	require.Equal(t, gcHighWaterMark+1, svc.sessionCount())

	// Below the interval, the table is left alone.
	svc.ReplaceExposed("late", ns.UUID, []string{"x"})
	assert.Equal(t, gcHighWaterMark+2, svc.sessionCount())

	svc.sessMu.Lock()
	svc.lastGC = time.Now().Add(-2 * gcInterval)
	svc.sessMu.Unlock()

	svc.ReplaceExposed("trigger", ns.UUID, []string{"x"})
	assert.Equal(t, 1, svc.sessionCount(), "wipe keeps only the triggering session")
}
