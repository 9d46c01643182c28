package controlplane

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/metamcp/metamcp/pkg/metamcp"
)

// CreateAgent persists a namespace agent configuration.
func (s *Service) CreateAgent(ctx context.Context, agent *metamcp.NamespaceAgent) error {
	if agent.Name == "" {
		return fmt.Errorf("%w: agent name is required", metamcp.ErrValidation)
	}
	if _, err := s.store.GetNamespace(ctx, agent.NamespaceUUID); err != nil {
		return err
	}
	return s.store.CreateAgent(ctx, agent)
}

// GetAgent returns one agent configuration.
func (s *Service) GetAgent(ctx context.Context, id uuid.UUID) (*metamcp.NamespaceAgent, error) {
	return s.store.GetAgent(ctx, id)
}

// ListNamespaceAgents returns a namespace's agents.
func (s *Service) ListNamespaceAgents(ctx context.Context, namespaceUUID uuid.UUID) ([]metamcp.NamespaceAgent, error) {
	return s.store.ListNamespaceAgents(ctx, namespaceUUID)
}

// UpdateAgent persists agent changes. The orchestrator reads the agent row
// per run, so only the namespace status cache needs clearing (it carries
// the active-agent pointer).
func (s *Service) UpdateAgent(ctx context.Context, agent *metamcp.NamespaceAgent) error {
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	s.smart.InvalidateStatus(agent.NamespaceUUID)
	return nil
}

// DeleteAgent removes an agent. If it was the namespace's active ask agent,
// the pointer is cleared first.
func (s *Service) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	ns, err := s.store.GetNamespace(ctx, agent.NamespaceUUID)
	if err != nil {
		return err
	}
	if ns.AskAgentUUID != nil && *ns.AskAgentUUID == id {
		ns.AskAgentUUID = nil
		if err := s.store.UpdateNamespace(ctx, ns); err != nil {
			return err
		}
	}
	if err := s.store.DeleteAgent(ctx, id); err != nil {
		return err
	}
	s.smart.InvalidateStatus(agent.NamespaceUUID)
	return nil
}

// SetActiveAskAgent points a namespace at its ask agent, or clears the
// pointer when agentUUID is nil. The agent must belong to the namespace.
func (s *Service) SetActiveAskAgent(ctx context.Context, namespaceUUID uuid.UUID, agentUUID *uuid.UUID) error {
	ns, err := s.store.GetNamespace(ctx, namespaceUUID)
	if err != nil {
		return err
	}
	if agentUUID != nil {
		agent, err := s.store.GetAgent(ctx, *agentUUID)
		if err != nil {
			return err
		}
		if agent.NamespaceUUID != namespaceUUID {
			return fmt.Errorf("%w: agent %s belongs to another namespace", metamcp.ErrValidation, agentUUID)
		}
	}
	ns.AskAgentUUID = agentUUID
	if err := s.store.UpdateNamespace(ctx, ns); err != nil {
		return err
	}
	s.smart.InvalidateStatus(namespaceUUID)
	return nil
}

// UploadDocument counts the document's tokens against the owning agent's
// model and inserts it; the store enforces the per-agent token budget
// transactionally.
func (s *Service) UploadDocument(ctx context.Context, doc *metamcp.NamespaceAgentDocument) error {
	if doc.Filename == "" {
		return fmt.Errorf("%w: document filename is required", metamcp.ErrValidation)
	}
	agent, err := s.store.GetAgent(ctx, doc.AgentUUID)
	if err != nil {
		return err
	}
	doc.TokenCount = s.counter.Count(agent.Model, doc.Content)
	return s.store.CreateAgentDocument(ctx, doc)
}

// ListDocuments returns an agent's documents.
func (s *Service) ListDocuments(ctx context.Context, agentUUID uuid.UUID) ([]metamcp.NamespaceAgentDocument, error) {
	return s.store.ListAgentDocuments(ctx, agentUUID)
}

// DeleteDocument removes one document.
func (s *Service) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteAgentDocument(ctx, id)
}
