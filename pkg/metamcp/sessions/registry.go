// Package sessions tracks downstream MCP sessions attached to namespace
// endpoints, by endpoint name and transport.
package sessions

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
)

// Registry is a thread-safe registry of currently attached downstream
// sessions. Add and Remove are idempotent; counters never go negative.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]metamcp.LiveSession

	// onRemove callbacks fire after a session is removed, outside the
	// registry lock. Used to drop per-session discovery state.
	onRemove []func(session metamcp.LiveSession)
}

// NewRegistry creates an empty live-session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]metamcp.LiveSession),
	}
}

// OnRemove registers a callback invoked whenever a session is removed.
// Must be called before the registry is shared across goroutines.
func (r *Registry) OnRemove(fn func(session metamcp.LiveSession)) {
	r.onRemove = append(r.onRemove, fn)
}

// Add registers a downstream session. Re-adding an existing session ID is
// a no-op with a warning.
func (r *Registry) Add(sessionID, endpoint string, namespaceUUID uuid.UUID, transport metamcp.DownstreamTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		logger.Warnf("Session %s already registered, ignoring duplicate add", sessionID)
		return
	}

	r.sessions[sessionID] = metamcp.LiveSession{
		SessionID:     sessionID,
		EndpointName:  endpoint,
		NamespaceUUID: namespaceUUID,
		Transport:     transport,
	}
	logger.Debugw("Session attached", "session_id", sessionID, "endpoint", endpoint, "transport", transport)
}

// Remove deregisters a session. Unknown session IDs are ignored.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	session, exists := r.sessions[sessionID]
	if exists {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !exists {
		return
	}

	logger.Debugw("Session detached", "session_id", sessionID, "endpoint", session.EndpointName)
	for _, fn := range r.onRemove {
		fn(session)
	}
}

// Get returns the session for the given ID, if registered.
func (r *Registry) Get(sessionID string) (metamcp.LiveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

// TransportCounts holds per-transport session counts.
type TransportCounts struct {
	SSE            int `json:"sse"`
	StreamableHTTP int `json:"streamableHttp"`
}

// EndpointStats holds per-endpoint session counts with a transport split.
type EndpointStats struct {
	Endpoint    string          `json:"endpoint"`
	Count       int             `json:"count"`
	ByTransport TransportCounts `json:"byTransport"`
}

// Stats is a snapshot of the registry.
type Stats struct {
	Total       int             `json:"total"`
	ByTransport TransportCounts `json:"byTransport"`
	ByEndpoint  []EndpointStats `json:"byEndpoint"`
}

// Stats returns a consistent snapshot. ByEndpoint is sorted by session
// count descending; ties break on endpoint name for stable output.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.sessions)}
	perEndpoint := make(map[string]*EndpointStats)

	for _, session := range r.sessions {
		es, ok := perEndpoint[session.EndpointName]
		if !ok {
			es = &EndpointStats{Endpoint: session.EndpointName}
			perEndpoint[session.EndpointName] = es
		}
		es.Count++

		switch session.Transport {
		case metamcp.DownstreamSSE:
			stats.ByTransport.SSE++
			es.ByTransport.SSE++
		case metamcp.DownstreamStreamableHTTP:
			stats.ByTransport.StreamableHTTP++
			es.ByTransport.StreamableHTTP++
		}
	}

	stats.ByEndpoint = make([]EndpointStats, 0, len(perEndpoint))
	for _, es := range perEndpoint {
		stats.ByEndpoint = append(stats.ByEndpoint, *es)
	}
	sort.Slice(stats.ByEndpoint, func(i, j int) bool {
		if stats.ByEndpoint[i].Count != stats.ByEndpoint[j].Count {
			return stats.ByEndpoint[i].Count > stats.ByEndpoint[j].Count
		}
		return stats.ByEndpoint[i].Endpoint < stats.ByEndpoint[j].Endpoint
	})

	return stats
}
