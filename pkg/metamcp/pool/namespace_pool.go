package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
)

// Session is one composed namespace session: a routing table from server
// name to a shared upstream connection.
type Session struct {
	NamespaceUUID uuid.UUID

	upstreams map[string]Upstream  // server name -> connection
	servers   map[string]uuid.UUID // server name -> uuid, for release
}

// Upstream returns the connection for a member server name.
func (s *Session) Upstream(serverName string) (Upstream, bool) {
	u, ok := s.upstreams[serverName]
	return u, ok
}

// ServerNames lists the session's member server names, sorted.
func (s *Session) ServerNames() []string {
	names := make([]string, 0, len(s.upstreams))
	for name := range s.upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status is the snapshot returned by NamespacePool.Status.
type Status struct {
	Idle               int         `json:"idle"`
	Active             int         `json:"active"`
	ActiveSessionIDs   []string    `json:"activeSessionIds"`
	IdleNamespaceUUIDs []uuid.UUID `json:"idleNamespaceUuids"`
}

// NamespacePool keeps at most one pre-built idle session per namespace and
// one active session per attached downstream session.
//
// Invalidation only ever touches the idle slot; active sessions live until
// their downstream detaches, and the upstream connections they share stay
// open until the server pool's refcount drains.
type NamespacePool struct {
	store   store.Store
	servers *ServerPool

	mu     sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex
	idle   map[uuid.UUID]*Session
	active map[string]*Session // downstream session id -> session
}

// NewNamespacePool creates an empty pool over the given server pool.
func NewNamespacePool(st store.Store, servers *ServerPool) *NamespacePool {
	return &NamespacePool{
		store:   st,
		servers: servers,
		locks:   make(map[uuid.UUID]*sync.Mutex),
		idle:    make(map[uuid.UUID]*Session),
		active:  make(map[string]*Session),
	}
}

// nsLock returns the per-namespace mutex, creating it on first use.
// Holders mutate pool maps only; session building happens outside.
func (p *NamespacePool) nsLock(namespaceUUID uuid.UUID) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[namespaceUUID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[namespaceUUID] = lock
	}
	return lock
}

// buildSession connects every ACTIVE member server of the namespace.
// Partially acquired connections are released on failure.
func (p *NamespacePool) buildSession(ctx context.Context, namespaceUUID uuid.UUID) (*Session, error) {
	memberships, err := p.store.ListNamespaceServers(ctx, namespaceUUID)
	if err != nil {
		return nil, fmt.Errorf("listing namespace servers: %w", err)
	}

	session := &Session{
		NamespaceUUID: namespaceUUID,
		upstreams:     make(map[string]Upstream),
		servers:       make(map[string]uuid.UUID),
	}
	for _, m := range memberships {
		if m.Status != metamcp.StatusActive {
			continue
		}
		upstream, err := p.servers.Acquire(ctx, &m.Server)
		if err != nil {
			p.releaseSession(session)
			return nil, fmt.Errorf("connecting member %s: %w", m.Server.Name, err)
		}
		session.upstreams[m.Server.Name] = upstream
		session.servers[m.Server.Name] = m.Server.UUID
	}
	return session, nil
}

// releaseSession drops the session's references to shared connections.
func (p *NamespacePool) releaseSession(session *Session) {
	for _, serverUUID := range session.servers {
		p.servers.Release(serverUUID)
	}
}

// EnsureIdle builds the namespace's idle session if the slot is empty.
// At most one idle entry per namespace: when a concurrent builder won the
// slot, the freshly built session is released again.
func (p *NamespacePool) EnsureIdle(ctx context.Context, namespaceUUID uuid.UUID) error {
	p.mu.Lock()
	_, exists := p.idle[namespaceUUID]
	p.mu.Unlock()
	if exists {
		return nil
	}

	session, err := p.buildSession(ctx, namespaceUUID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if _, exists := p.idle[namespaceUUID]; exists {
		p.mu.Unlock()
		p.releaseSession(session)
		return nil
	}
	p.idle[namespaceUUID] = session
	p.mu.Unlock()
	return nil
}

// EnsureIdleBackground launches EnsureIdle without awaiting it. Failures
// are logged and never reach the control-plane operation that triggered
// the build.
func (p *NamespacePool) EnsureIdleBackground(ctx context.Context, namespaceUUID uuid.UUID) {
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		if err := p.EnsureIdle(bgCtx, namespaceUUID); err != nil {
			logger.Warnf("Building idle session for namespace %s failed: %v", namespaceUUID, err)
		}
	}()
}

// Attach binds a downstream session to a namespace session, consuming the
// idle slot when one is available and rebuilding it in the background.
func (p *NamespacePool) Attach(ctx context.Context, namespaceUUID uuid.UUID, sessionID string) (*Session, error) {
	lock := p.nsLock(namespaceUUID)

	lock.Lock()
	p.mu.Lock()
	session, ok := p.idle[namespaceUUID]
	if ok {
		delete(p.idle, namespaceUUID)
		p.active[sessionID] = session
	}
	p.mu.Unlock()
	lock.Unlock()

	if ok {
		p.EnsureIdleBackground(ctx, namespaceUUID)
		return session, nil
	}

	// No idle slot; build directly for this downstream.
	session, err := p.buildSession(ctx, namespaceUUID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.active[sessionID] = session
	p.mu.Unlock()
	p.EnsureIdleBackground(ctx, namespaceUUID)
	return session, nil
}

// Detach releases the downstream session's namespace session.
func (p *NamespacePool) Detach(sessionID string) {
	p.mu.Lock()
	session, ok := p.active[sessionID]
	delete(p.active, sessionID)
	p.mu.Unlock()
	if ok {
		p.releaseSession(session)
	}
}

// ActiveSession returns the session bound to a downstream session id.
func (p *NamespacePool) ActiveSession(sessionID string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.active[sessionID]
	return session, ok
}

// InvalidateIdle tears the namespace's idle slot down; the next attach
// rebuilds it. Active sessions are untouched, so in-flight calls finish
// against the old snapshot.
func (p *NamespacePool) InvalidateIdle(namespaceUUID uuid.UUID) {
	lock := p.nsLock(namespaceUUID)
	lock.Lock()
	p.mu.Lock()
	session, ok := p.idle[namespaceUUID]
	delete(p.idle, namespaceUUID)
	p.mu.Unlock()
	lock.Unlock()

	if ok {
		p.releaseSession(session)
	}
}

// InvalidateSessions invalidates the idle slots of several namespaces and
// reports which downstream session ids were serving them; the transport
// layer re-syncs those sessions' tool lists.
func (p *NamespacePool) InvalidateSessions(namespaces []uuid.UUID) []string {
	affected := make(map[uuid.UUID]bool, len(namespaces))
	for _, ns := range namespaces {
		p.InvalidateIdle(ns)
		affected[ns] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for sessionID, session := range p.active {
		if affected[session.NamespaceUUID] {
			ids = append(ids, sessionID)
		}
	}
	sort.Strings(ids)
	return ids
}

// ActiveSessionsFor lists the downstream session ids currently bound to a
// namespace, sorted.
func (p *NamespacePool) ActiveSessionsFor(namespaceUUID uuid.UUID) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for sessionID, session := range p.active {
		if session.NamespaceUUID == namespaceUUID {
			ids = append(ids, sessionID)
		}
	}
	sort.Strings(ids)
	return ids
}

// CleanupIdle removes the namespace's idle slot and per-namespace lock on
// namespace deletion.
func (p *NamespacePool) CleanupIdle(namespaceUUID uuid.UUID) {
	p.InvalidateIdle(namespaceUUID)
	p.mu.Lock()
	delete(p.locks, namespaceUUID)
	p.mu.Unlock()
}

// Status reports the pool's current occupancy.
func (p *NamespacePool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := Status{
		Idle:               len(p.idle),
		Active:             len(p.active),
		ActiveSessionIDs:   make([]string, 0, len(p.active)),
		IdleNamespaceUUIDs: make([]uuid.UUID, 0, len(p.idle)),
	}
	for sessionID := range p.active {
		status.ActiveSessionIDs = append(status.ActiveSessionIDs, sessionID)
	}
	for ns := range p.idle {
		status.IdleNamespaceUUIDs = append(status.IdleNamespaceUUIDs, ns)
	}
	sort.Strings(status.ActiveSessionIDs)
	sort.Slice(status.IdleNamespaceUUIDs, func(i, j int) bool {
		return status.IdleNamespaceUUIDs[i].String() < status.IdleNamespaceUUIDs[j].String()
	})
	return status
}
