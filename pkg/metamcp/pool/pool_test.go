package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/client"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
)

type fakeUpstream struct {
	name   string
	closed atomic.Int32
}

func (f *fakeUpstream) ListTools(context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{{Name: "tool"}}, nil
}

func (f *fakeUpstream) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(f.name + ":" + name), nil
}

func (f *fakeUpstream) Close() error {
	f.closed.Add(1)
	return nil
}

// fakeConnector counts dials and hands out fresh fake upstreams.
type fakeConnector struct {
	dials     atomic.Int32
	failNames map[string]bool
	created   []*fakeUpstream
}

func (c *fakeConnector) connect(_ context.Context, server *metamcp.McpServer, _ client.Options) (Upstream, error) {
	c.dials.Add(1)
	if c.failNames[server.Name] {
		return nil, errors.New("connection refused")
	}
	u := &fakeUpstream{name: server.Name}
	c.created = append(c.created, u)
	return u, nil
}

func TestServerPoolSharesConnection(t *testing.T) {
	connector := &fakeConnector{}
	p := NewServerPool(connector.connect, client.Options{})
	server := &metamcp.McpServer{UUID: uuid.New(), Name: "alpha"}
	ctx := context.Background()

	first, err := p.Acquire(ctx, server)
	require.NoError(t, err)
	second, err := p.Acquire(ctx, server)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), connector.dials.Load())
	assert.Equal(t, 1, p.Size())

	p.Release(server.UUID)
	assert.Equal(t, 1, p.Size(), "still referenced")
	assert.Equal(t, int32(0), connector.created[0].closed.Load())

	p.Release(server.UUID)
	assert.Equal(t, 0, p.Size())
	assert.Equal(t, int32(1), connector.created[0].closed.Load())
}

func TestServerPoolFailureNotCached(t *testing.T) {
	connector := &fakeConnector{failNames: map[string]bool{"alpha": true}}
	p := NewServerPool(connector.connect, client.Options{})
	server := &metamcp.McpServer{UUID: uuid.New(), Name: "alpha"}
	ctx := context.Background()

	_, err := p.Acquire(ctx, server)
	require.Error(t, err)
	assert.Equal(t, 0, p.Size())

	// The server recovers; the next acquire dials again.
	connector.failNames = nil
	_, err = p.Acquire(ctx, server)
	require.NoError(t, err)
	assert.Equal(t, int32(2), connector.dials.Load())
}

type poolFixture struct {
	store     *store.SQLiteStore
	connector *fakeConnector
	pool      *NamespacePool
	ns        *metamcp.Namespace
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ns := &metamcp.Namespace{Name: "dev"}
	require.NoError(t, s.CreateNamespace(ctx, ns))
	for _, name := range []string{"alpha", "beta"} {
		server := &metamcp.McpServer{Name: name, Transport: metamcp.TransportStdio, Command: "true"}
		require.NoError(t, s.CreateServer(ctx, server))
		require.NoError(t, s.AddServerToNamespace(ctx, ns.UUID, server.UUID, metamcp.StatusActive))
	}

	connector := &fakeConnector{}
	return &poolFixture{
		store:     s,
		connector: connector,
		pool:      NewNamespacePool(s, NewServerPool(connector.connect, client.Options{})),
		ns:        ns,
	}
}

func TestEnsureIdleIsIdempotent(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pool.EnsureIdle(ctx, f.ns.UUID))
	require.NoError(t, f.pool.EnsureIdle(ctx, f.ns.UUID))

	status := f.pool.Status()
	assert.Equal(t, 1, status.Idle)
	assert.Equal(t, []string{}, status.ActiveSessionIDs)
	assert.Equal(t, int32(2), f.connector.dials.Load(), "one dial per member server")
}

func TestAttachConsumesIdleAndRebuilds(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pool.EnsureIdle(ctx, f.ns.UUID))

	session, err := f.pool.Attach(ctx, f.ns.UUID, "down-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, session.ServerNames())

	active, ok := f.pool.ActiveSession("down-1")
	require.True(t, ok)
	assert.Same(t, session, active)

	// The idle slot is rebuilt in the background.
	require.Eventually(t, func() bool {
		return f.pool.Status().Idle == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidateIdleLeavesActiveAlone(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	session, err := f.pool.Attach(ctx, f.ns.UUID, "down-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.pool.Status().Idle == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.pool.InvalidateIdle(f.ns.UUID)
	status := f.pool.Status()
	assert.Equal(t, 0, status.Idle)
	assert.Equal(t, []string{"down-1"}, status.ActiveSessionIDs)

	// The active session keeps working; shared upstreams stay open because
	// the active session still references them.
	upstream, ok := session.Upstream("alpha")
	require.True(t, ok)
	result, err := upstream.CallTool(ctx, "tool", nil)
	require.NoError(t, err)
	require.False(t, result.IsError)
	for _, u := range f.connector.created {
		assert.Equal(t, int32(0), u.closed.Load())
	}

	// Once the downstream detaches, refcounts drain and everything closes.
	f.pool.Detach("down-1")
	for _, u := range f.connector.created {
		assert.Equal(t, int32(1), u.closed.Load())
	}
}

func TestCleanupIdleRemovesNamespace(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pool.EnsureIdle(ctx, f.ns.UUID))
	f.pool.CleanupIdle(f.ns.UUID)

	status := f.pool.Status()
	assert.Equal(t, 0, status.Idle)
	assert.NotContains(t, status.IdleNamespaceUUIDs, f.ns.UUID)
}

func TestInvalidateSessionsReportsAffectedDownstreams(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	_, err := f.pool.Attach(ctx, f.ns.UUID, "down-1")
	require.NoError(t, err)
	_, err = f.pool.Attach(ctx, f.ns.UUID, "down-2")
	require.NoError(t, err)

	ids := f.pool.InvalidateSessions([]uuid.UUID{f.ns.UUID})
	assert.Equal(t, []string{"down-1", "down-2"}, ids)
	assert.Equal(t, 0, f.pool.Status().Idle)
}
