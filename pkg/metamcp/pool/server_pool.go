// Package pool owns upstream connections. Two layers: ServerPool keeps one
// refcounted connection per upstream server, NamespacePool composes those
// connections into per-namespace sessions with a pre-warmed idle slot.
package pool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/client"
)

// Connector dials one upstream server. Swapped for a fake in tests.
type Connector func(ctx context.Context, server *metamcp.McpServer, opts client.Options) (Upstream, error)

// Upstream is the slice of client.Upstream the pools need.
type Upstream interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// DefaultConnector dials real upstreams.
func DefaultConnector(ctx context.Context, server *metamcp.McpServer, opts client.Options) (Upstream, error) {
	return client.Connect(ctx, server, opts)
}

// serverEntry is one pooled upstream connection.
type serverEntry struct {
	ready chan struct{} // closed once connect finished

	upstream Upstream
	err      error
	refs     int
}

// ServerPool keeps one connected client per upstream server in use by at
// least one namespace. Connections are shared across namespaces and closed
// when their refcount reaches zero.
type ServerPool struct {
	connect Connector
	opts    client.Options

	mu      sync.Mutex
	entries map[uuid.UUID]*serverEntry
}

// NewServerPool creates an empty pool dialing with the given connector.
func NewServerPool(connect Connector, opts client.Options) *ServerPool {
	return &ServerPool{
		connect: connect,
		opts:    opts,
		entries: make(map[uuid.UUID]*serverEntry),
	}
}

// Acquire returns a connected upstream for the server, connecting on first
// use. Concurrent acquirers of the same server share one connect attempt.
// Every successful Acquire must be paired with a Release.
func (p *ServerPool) Acquire(ctx context.Context, server *metamcp.McpServer) (Upstream, error) {
	for {
		p.mu.Lock()
		entry, ok := p.entries[server.UUID]
		if !ok {
			entry = &serverEntry{ready: make(chan struct{})}
			p.entries[server.UUID] = entry
			p.mu.Unlock()

			upstream, err := p.connect(ctx, server, p.opts)

			p.mu.Lock()
			if err != nil {
				entry.err = err
				delete(p.entries, server.UUID)
			} else {
				entry.upstream = upstream
				entry.refs = 1
			}
			close(entry.ready)
			p.mu.Unlock()
			return upstream, err
		}
		p.mu.Unlock()

		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if entry.err != nil {
			return nil, entry.err
		}

		p.mu.Lock()
		if p.entries[server.UUID] == entry {
			entry.refs++
			p.mu.Unlock()
			return entry.upstream, nil
		}
		// Torn down while we waited; retry against a fresh entry.
		p.mu.Unlock()
	}
}

// Release drops one reference to the server's connection, closing it when
// nothing uses it anymore. Unknown servers are ignored.
func (p *ServerPool) Release(serverUUID uuid.UUID) {
	p.mu.Lock()
	entry, ok := p.entries[serverUUID]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry.refs--
	var toClose Upstream
	if entry.refs <= 0 {
		toClose = entry.upstream
		delete(p.entries, serverUUID)
	}
	p.mu.Unlock()

	if toClose != nil {
		if err := toClose.Close(); err != nil {
			logger.Warnf("Closing upstream %s failed: %v", serverUUID, err)
		}
	}
}

// Size reports the number of live upstream connections.
func (p *ServerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
