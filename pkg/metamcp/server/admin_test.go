package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/aggregator"
	mcpclient "github.com/metamcp/metamcp/pkg/metamcp/client"
	"github.com/metamcp/metamcp/pkg/metamcp/controlplane"
	"github.com/metamcp/metamcp/pkg/metamcp/discovery"
	"github.com/metamcp/metamcp/pkg/metamcp/embeddings"
	"github.com/metamcp/metamcp/pkg/metamcp/installer"
	"github.com/metamcp/metamcp/pkg/metamcp/overrides"
	"github.com/metamcp/metamcp/pkg/metamcp/pool"
	"github.com/metamcp/metamcp/pkg/metamcp/smart"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
	"github.com/metamcp/metamcp/pkg/metamcp/tokens"
)

type adminFixture struct {
	store store.Store
	http  *httptest.Server
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	connector := func(context.Context, *metamcp.McpServer, mcpclient.Options) (pool.Upstream, error) {
		return nil, fmt.Errorf("no upstreams in this test")
	}
	nsPool := pool.NewNamespacePool(s, pool.NewServerPool(connector, mcpclient.Options{}))
	ov := overrides.NewCache(s)
	index := discovery.NewIndex(embeddings.NewFakeProvider(8))
	smartSvc := smart.NewService(s, index, nil)
	agg := aggregator.New(s, nsPool, ov, smartSvc)
	cp := controlplane.NewService(s, nsPool, ov, smartSvc, index, tokens.NewCounter(), agg)

	api := NewAdminAPI(cp, installer.New(s, false))
	ts := httptest.NewServer(api.Routes())
	t.Cleanup(ts.Close)

	return &adminFixture{store: s, http: ts}
}

// do issues a JSON request against the admin API and decodes the response
// into out when it is non-nil.
func (f *adminFixture) do(t *testing.T, method, path string, body, out any) *http.Response {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &payload)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestNamespaceLifecycleOverHTTP(t *testing.T) {
	f := newAdminFixture(t)

	var ns metamcp.Namespace
	resp := f.do(t, http.MethodPost, "/namespaces", map[string]any{"name": "prod"}, &ns)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEqual(t, "", ns.UUID.String())

	var listed []metamcp.Namespace
	resp = f.do(t, http.MethodGet, "/namespaces", nil, &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed, 1)
	assert.Equal(t, "prod", listed[0].Name)

	resp = f.do(t, http.MethodPut, "/namespaces/"+ns.UUID.String(),
		map[string]any{"name": "prod", "description": "production tools"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/namespaces/"+ns.UUID.String(), nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/namespaces/"+ns.UUID.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateNamespaceRejectsEmptyName(t *testing.T) {
	f := newAdminFixture(t)
	resp := f.do(t, http.MethodPost, "/namespaces", map[string]any{"name": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidUUIDParamIs400(t *testing.T) {
	f := newAdminFixture(t)
	resp := f.do(t, http.MethodGet, "/namespaces/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefreshAndOverridesOverHTTP(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	var ns metamcp.Namespace
	resp := f.do(t, http.MethodPost, "/namespaces", map[string]any{"name": "dev"}, &ns)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var server metamcp.McpServer
	resp = f.do(t, http.MethodPost, "/servers",
		map[string]any{"name": "alpha", "transport": "stdio", "command": "alpha-server"}, &server)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/namespaces/"+ns.UUID.String()+"/servers",
		map[string]any{"serverUuid": server.UUID.String()}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var result aggregator.RefreshResult
	resp = f.do(t, http.MethodPost, "/namespaces/"+ns.UUID.String()+"/refresh",
		map[string]any{"tools": []map[string]any{
			{"name": "alpha__read", "description": "Read a file"},
		}}, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, result.ToolsCreated)
	assert.Equal(t, 1, result.MappingsCreated)

	memberships, err := f.store.ListNamespaceTools(ctx, ns.UUID)
	require.NoError(t, err)
	require.Len(t, memberships, 1)

	resp = f.do(t, http.MethodPut,
		"/namespaces/"+ns.UUID.String()+"/tools/"+memberships[0].Tool.UUID.String()+"/overrides",
		map[string]any{"overrideName": "fs_read"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	memberships, err = f.store.ListNamespaceTools(ctx, ns.UUID)
	require.NoError(t, err)
	assert.Equal(t, "fs_read", memberships[0].Membership.OverrideName)
}

func TestAgentAndDocumentsOverHTTP(t *testing.T) {
	f := newAdminFixture(t)

	var ns metamcp.Namespace
	resp := f.do(t, http.MethodPost, "/namespaces", map[string]any{"name": "dev"}, &ns)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var agent metamcp.NamespaceAgent
	resp = f.do(t, http.MethodPost, "/namespaces/"+ns.UUID.String()+"/agents",
		map[string]any{"name": "helper", "enabled": true, "model": "gpt-4o-mini"}, &agent)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/namespaces/"+ns.UUID.String()+"/ask-agent",
		map[string]any{"agentUuid": agent.UUID.String()}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var doc metamcp.NamespaceAgentDocument
	resp = f.do(t, http.MethodPost, "/agents/"+agent.UUID.String()+"/documents",
		map[string]any{"filename": "runbook.md", "content": "restart the frobnicator first"}, &doc)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Positive(t, doc.TokenCount)

	var docs []metamcp.NamespaceAgentDocument
	resp = f.do(t, http.MethodGet, "/agents/"+agent.UUID.String()+"/documents", nil, &docs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, docs, 1)

	resp = f.do(t, http.MethodPost, "/agents/"+agent.UUID.String()+"/documents",
		map[string]any{"content": "missing filename"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInstallRouteHonorsPolicy(t *testing.T) {
	f := newAdminFixture(t)

	resp := f.do(t, http.MethodPost, "/install",
		map[string]any{"manager": "npm", "package": "left-pad"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
