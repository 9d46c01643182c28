// Package store defines the persistence port for metamcp entities and
// provides a SQLite implementation.
//
// The core reads namespaces, servers, agents and documents written by the
// control plane, and writes Tool and membership rows through refreshTools.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/metamcp/metamcp/pkg/metamcp"
)

// ErrAlreadyExists indicates a uniqueness violation (duplicate name or
// override name).
var ErrAlreadyExists = errors.New("already exists")

// ServerMembership pairs a server with its membership status in a namespace.
type ServerMembership struct {
	Server metamcp.McpServer
	Status metamcp.MembershipStatus
}

// ToolMembership pairs a persisted tool with its namespace membership row.
type ToolMembership struct {
	Tool       metamcp.Tool
	Membership metamcp.NamespaceToolMembership
	ServerName string
}

// Store is the persistence port.
type Store interface {
	// Namespaces.
	CreateNamespace(ctx context.Context, ns *metamcp.Namespace) error
	GetNamespace(ctx context.Context, id uuid.UUID) (*metamcp.Namespace, error)
	GetNamespaceByName(ctx context.Context, name string) (*metamcp.Namespace, error)
	ListNamespaces(ctx context.Context) ([]metamcp.Namespace, error)
	UpdateNamespace(ctx context.Context, ns *metamcp.Namespace) error
	DeleteNamespace(ctx context.Context, id uuid.UUID) error

	// Servers and their namespace memberships.
	CreateServer(ctx context.Context, server *metamcp.McpServer) error
	GetServer(ctx context.Context, id uuid.UUID) (*metamcp.McpServer, error)
	DeleteServer(ctx context.Context, id uuid.UUID) error
	AddServerToNamespace(ctx context.Context, namespaceUUID, serverUUID uuid.UUID, status metamcp.MembershipStatus) error
	ListNamespaceServers(ctx context.Context, namespaceUUID uuid.UUID) ([]ServerMembership, error)
	SetServerStatus(ctx context.Context, namespaceUUID, serverUUID uuid.UUID, status metamcp.MembershipStatus) error

	// Tools. Bulk upserts are transactional; the primary key for tools is
	// (server_uuid, name), for memberships (namespace_uuid, tool_uuid).
	UpsertTools(ctx context.Context, tools []metamcp.Tool) (created int, err error)
	UpsertToolMemberships(ctx context.Context, memberships []metamcp.NamespaceToolMembership) (created int, err error)
	ListNamespaceTools(ctx context.Context, namespaceUUID uuid.UUID) ([]ToolMembership, error)
	SetToolStatus(ctx context.Context, namespaceUUID, toolUUID uuid.UUID, status metamcp.MembershipStatus) error
	UpdateToolOverrides(ctx context.Context, m *metamcp.NamespaceToolMembership) error

	// Agents.
	CreateAgent(ctx context.Context, agent *metamcp.NamespaceAgent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*metamcp.NamespaceAgent, error)
	ListNamespaceAgents(ctx context.Context, namespaceUUID uuid.UUID) ([]metamcp.NamespaceAgent, error)
	UpdateAgent(ctx context.Context, agent *metamcp.NamespaceAgent) error
	DeleteAgent(ctx context.Context, id uuid.UUID) error

	// Agent documents. CreateAgentDocument enforces the per-agent token
	// budget transactionally and returns metamcp.ErrBudgetExceeded when
	// the new document would push the sum past the budget.
	CreateAgentDocument(ctx context.Context, doc *metamcp.NamespaceAgentDocument) error
	ListAgentDocuments(ctx context.Context, agentUUID uuid.UUID) ([]metamcp.NamespaceAgentDocument, error)
	DeleteAgentDocument(ctx context.Context, id uuid.UUID) error
	SumAgentDocumentTokens(ctx context.Context, agentUUID uuid.UUID) (int, error)

	// Audit. Append-only; never consulted by the core.
	AppendInstallRecord(ctx context.Context, rec *metamcp.PackageInstallRecord) error

	Close() error
}
