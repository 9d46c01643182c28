// Package controlplane implements the mutating operations the management
// surface performs on namespaces, agents, and documents, and triggers the
// cache and pool invalidations each mutation requires.
//
// The core packages (aggregator, smart, agent) only read this state; every
// write path goes through here so the invalidation discipline lives in one
// place.
package controlplane

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/aggregator"
	"github.com/metamcp/metamcp/pkg/metamcp/discovery"
	"github.com/metamcp/metamcp/pkg/metamcp/overrides"
	"github.com/metamcp/metamcp/pkg/metamcp/pool"
	"github.com/metamcp/metamcp/pkg/metamcp/smart"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
	"github.com/metamcp/metamcp/pkg/metamcp/tokens"
)

// Resyncer re-registers a live downstream session's callable tools after a
// mutation changed them. Implemented by the transport server.
type Resyncer interface {
	Resync(ctx context.Context, sessionID string) error
}

// Service performs control-plane mutations and their invalidations.
type Service struct {
	store     store.Store
	pool      *pool.NamespacePool
	overrides *overrides.Cache
	smart     *smart.Service
	index     *discovery.Index
	counter   *tokens.Counter
	agg       *aggregator.Aggregator
	resyncer  Resyncer
}

// NewService wires a control-plane service over the shared components.
func NewService(
	st store.Store,
	nsPool *pool.NamespacePool,
	ov *overrides.Cache,
	smartSvc *smart.Service,
	index *discovery.Index,
	counter *tokens.Counter,
	agg *aggregator.Aggregator,
) *Service {
	return &Service{
		store:     st,
		pool:      nsPool,
		overrides: ov,
		smart:     smartSvc,
		index:     index,
		counter:   counter,
		agg:       agg,
	}
}

// SetResyncer attaches the transport server once it exists; mutations then
// push refreshed tool sets into affected live sessions. Must be called
// before the service handles requests.
func (s *Service) SetResyncer(r Resyncer) {
	s.resyncer = r
}

// invalidateNamespace clears every namespace-scoped cache and marks the
// idle session stale. In-flight calls on active sessions finish against
// the old snapshot; the next attach or list observes the new state.
func (s *Service) invalidateNamespace(ctx context.Context, namespaceUUID uuid.UUID) {
	affected := s.pool.InvalidateSessions([]uuid.UUID{namespaceUUID})
	s.overrides.InvalidateNamespace(namespaceUUID)
	s.smart.InvalidateStatus(namespaceUUID)
	s.resyncSessions(ctx, affected)
}

// resyncSessions pushes new callable tool sets to live sessions. Failures
// are logged; the triggering mutation has already succeeded.
func (s *Service) resyncSessions(ctx context.Context, sessionIDs []string) {
	if s.resyncer == nil {
		return
	}
	for _, id := range sessionIDs {
		if err := s.resyncer.Resync(ctx, id); err != nil {
			logger.Warnf("Resyncing session %s failed: %v", id, err)
		}
	}
}

// CreateNamespace persists a namespace and pre-builds its idle session in
// the background.
func (s *Service) CreateNamespace(ctx context.Context, ns *metamcp.Namespace) error {
	if ns.Name == "" {
		return fmt.Errorf("%w: namespace name is required", metamcp.ErrValidation)
	}
	if err := s.store.CreateNamespace(ctx, ns); err != nil {
		return err
	}
	s.pool.EnsureIdleBackground(ctx, ns.UUID)
	return nil
}

// GetNamespace returns one namespace.
func (s *Service) GetNamespace(ctx context.Context, id uuid.UUID) (*metamcp.Namespace, error) {
	return s.store.GetNamespace(ctx, id)
}

// ListNamespaces returns every namespace.
func (s *Service) ListNamespaces(ctx context.Context) ([]metamcp.Namespace, error) {
	return s.store.ListNamespaces(ctx)
}

// UpdateNamespace persists namespace changes and invalidates its caches:
// the smart-discovery toggle, pinned tools, and the active agent are all
// read through caches that must observe the update.
func (s *Service) UpdateNamespace(ctx context.Context, ns *metamcp.Namespace) error {
	if err := s.store.UpdateNamespace(ctx, ns); err != nil {
		return err
	}
	s.invalidateNamespace(ctx, ns.UUID)
	return nil
}

// DeleteNamespace removes a namespace and every in-memory trace of it:
// idle session, per-namespace pool lock, override cache, discovery index,
// and smart-discovery status.
func (s *Service) DeleteNamespace(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteNamespace(ctx, id); err != nil {
		return err
	}
	s.pool.CleanupIdle(id)
	s.overrides.InvalidateNamespace(id)
	s.index.ClearNamespace(id)
	s.smart.InvalidateStatus(id)
	return nil
}

// CreateServer persists an upstream server definition.
func (s *Service) CreateServer(ctx context.Context, server *metamcp.McpServer) error {
	if server.Name == "" {
		return fmt.Errorf("%w: server name is required", metamcp.ErrValidation)
	}
	return s.store.CreateServer(ctx, server)
}

// AddServerToNamespace attaches a server to a namespace and invalidates
// the namespace so the next attach connects the new member.
func (s *Service) AddServerToNamespace(
	ctx context.Context, namespaceUUID, serverUUID uuid.UUID, status metamcp.MembershipStatus,
) error {
	if err := s.store.AddServerToNamespace(ctx, namespaceUUID, serverUUID, status); err != nil {
		return err
	}
	s.invalidateNamespace(ctx, namespaceUUID)
	return nil
}

// SetServerStatus toggles a server membership between ACTIVE and INACTIVE.
func (s *Service) SetServerStatus(
	ctx context.Context, namespaceUUID, serverUUID uuid.UUID, status metamcp.MembershipStatus,
) error {
	if err := s.store.SetServerStatus(ctx, namespaceUUID, serverUUID, status); err != nil {
		return err
	}
	s.invalidateNamespace(ctx, namespaceUUID)
	return nil
}

// SetToolStatus toggles a tool membership between ACTIVE and INACTIVE.
func (s *Service) SetToolStatus(
	ctx context.Context, namespaceUUID, toolUUID uuid.UUID, status metamcp.MembershipStatus,
) error {
	if err := s.store.SetToolStatus(ctx, namespaceUUID, toolUUID, status); err != nil {
		return err
	}
	s.invalidateNamespace(ctx, namespaceUUID)
	return nil
}

// UpdateToolOverrides persists per-namespace override fields and clears
// the override cache so the next list rewrites with the new names.
func (s *Service) UpdateToolOverrides(ctx context.Context, m *metamcp.NamespaceToolMembership) error {
	if err := s.store.UpdateToolOverrides(ctx, m); err != nil {
		return err
	}
	s.invalidateNamespace(ctx, m.NamespaceUUID)
	return nil
}

// RefreshTools forwards a downstream-reported tool set to the aggregator,
// which persists it and performs its own invalidations.
func (s *Service) RefreshTools(
	ctx context.Context, namespaceUUID uuid.UUID, reported []aggregator.RefreshTool,
) (*aggregator.RefreshResult, error) {
	result, err := s.agg.RefreshTools(ctx, namespaceUUID, reported)
	if err != nil {
		return nil, err
	}
	s.resyncSessions(ctx, s.pool.ActiveSessionsFor(namespaceUUID))
	return result, nil
}

// PoolStatus reports the connection pool's current occupancy.
func (s *Service) PoolStatus() pool.Status {
	return s.pool.Status()
}
