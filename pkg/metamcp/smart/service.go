// Package smart hides a namespace's full tool list behind two synthetic
// tools, metamcp__find and metamcp__ask, when the namespace has smart
// discovery enabled.
//
// The list middleware observes the canonical tool list (it runs outside the
// override rewrite), launches background indexing, and returns only the
// synthetic tools, the namespace's pinned tools, and whatever a previous
// find call surfaced for this session. The call middleware answers the
// synthetic tools; everything else passes through.
package smart

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/discovery"
	"github.com/metamcp/metamcp/pkg/metamcp/middleware"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
)

// Synthetic tool names.
const (
	FindToolName = "metamcp" + metamcp.NameSeparator + "find"
	AskToolName  = "metamcp" + metamcp.NameSeparator + "ask"
)

const (
	// statusTTL bounds how stale the per-namespace enabled flag may be.
	statusTTL = 5 * time.Second

	// gcHighWaterMark and gcInterval drive the coarse exposure-table GC.
	gcHighWaterMark = 1000
	gcInterval      = time.Hour
)

// AskRequest carries the arguments of one metamcp__ask invocation.
type AskRequest struct {
	Query        string
	MaxToolCalls int
	ExposeLimit  int
}

// AskAgent runs the ask orchestration for a namespace and returns a
// JSON-serializable report.
type AskAgent interface {
	Ask(ctx context.Context, mw *middleware.Context, req AskRequest) (any, error)
}

// statusEntry caches one namespace row for statusTTL.
type statusEntry struct {
	namespace *metamcp.Namespace
	fetchedAt time.Time
}

// sessionKey identifies a per-session exposure slot.
type sessionKey struct {
	sessionID     string
	namespaceUUID uuid.UUID
}

// Service implements smart discovery for all namespaces.
type Service struct {
	store    store.Store
	index    *discovery.Index
	askAgent AskAgent // nil when no agent wiring is configured

	statusMu sync.RWMutex
	status   map[uuid.UUID]statusEntry

	// exposed holds, per (session, namespace), the full tool names a find
	// or ask call surfaced. Replace semantics: concurrent finds on one
	// session are last-writer-wins.
	sessMu  sync.Mutex
	exposed map[sessionKey][]string
	lastGC  time.Time
}

// NewService creates a smart discovery service. askAgent may be nil; the
// ask tool then reports that no agent is configured.
func NewService(st store.Store, index *discovery.Index, askAgent AskAgent) *Service {
	return &Service{
		store:    st,
		index:    index,
		askAgent: askAgent,
		status:   make(map[uuid.UUID]statusEntry),
		exposed:  make(map[sessionKey][]string),
		lastGC:   time.Now(),
	}
}

// namespaceStatus returns the namespace row, serving a cached copy for up
// to statusTTL.
func (s *Service) namespaceStatus(ctx context.Context, namespaceUUID uuid.UUID) (*metamcp.Namespace, error) {
	s.statusMu.RLock()
	cached, ok := s.status[namespaceUUID]
	s.statusMu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < statusTTL {
		return cached.namespace, nil
	}

	ns, err := s.store.GetNamespace(ctx, namespaceUUID)
	if err != nil {
		return nil, err
	}
	s.statusMu.Lock()
	s.status[namespaceUUID] = statusEntry{namespace: ns, fetchedAt: time.Now()}
	s.statusMu.Unlock()
	return ns, nil
}

// SetAskAgent attaches the ask orchestrator after construction. The
// orchestrator needs this service as its exposure sink, so the two are
// wired in sequence at startup. Must be called before serving traffic.
func (s *Service) SetAskAgent(a AskAgent) {
	s.askAgent = a
}

// InvalidateStatus drops the cached status of one namespace.
func (s *Service) InvalidateStatus(namespaceUUID uuid.UUID) {
	s.statusMu.Lock()
	delete(s.status, namespaceUUID)
	s.statusMu.Unlock()
}

// InvalidateAllStatus drops every cached status.
func (s *Service) InvalidateAllStatus() {
	s.statusMu.Lock()
	s.status = make(map[uuid.UUID]statusEntry)
	s.statusMu.Unlock()
}

// ReplaceExposed replaces the exposed tool set of one session. The previous
// set is discarded, not merged.
func (s *Service) ReplaceExposed(sessionID string, namespaceUUID uuid.UUID, names []string) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	s.maybeGCLocked()
	s.exposed[sessionKey{sessionID, namespaceUUID}] = append([]string(nil), names...)
}

// ExposedTools returns the current exposed set of one session.
func (s *Service) ExposedTools(sessionID string, namespaceUUID uuid.UUID) []string {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return append([]string(nil), s.exposed[sessionKey{sessionID, namespaceUUID}]...)
}

// RemoveSession drops all exposure state of one downstream session. Wired
// to the live-session registry's removal callback.
func (s *Service) RemoveSession(sessionID string) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	for key := range s.exposed {
		if key.sessionID == sessionID {
			delete(s.exposed, key)
		}
	}
}

// maybeGCLocked wipes the exposure table when it grew past the high-water
// mark and the last wipe is older than gcInterval. Callers hold sessMu.
func (s *Service) maybeGCLocked() {
	if len(s.exposed) <= gcHighWaterMark || time.Since(s.lastGC) < gcInterval {
		return
	}
	s.exposed = make(map[sessionKey][]string)
	s.lastGC = time.Now()
}

// sessionCount reports the number of tracked exposure slots.
func (s *Service) sessionCount() int {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return len(s.exposed)
}
