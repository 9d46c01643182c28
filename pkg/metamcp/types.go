package metamcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// This file contains shared domain types used across multiple metamcp
// subpackages. These are core concepts that cross package boundaries.

// TransportType identifies an MCP transport protocol.
type TransportType string

const (
	// TransportStdio runs the upstream as a subprocess speaking MCP on stdio.
	TransportStdio TransportType = "stdio"

	// TransportSSE connects to the upstream over Server-Sent Events.
	TransportSSE TransportType = "sse"

	// TransportStreamableHTTP connects to the upstream over streamable HTTP.
	TransportStreamableHTTP TransportType = "streamable-http"
)

// MembershipStatus marks a server or tool membership as active or inactive
// within a namespace.
type MembershipStatus string

const (
	// StatusActive includes the member in the namespace's merged view.
	StatusActive MembershipStatus = "ACTIVE"

	// StatusInactive keeps the membership row but excludes it from the view.
	StatusInactive MembershipStatus = "INACTIVE"
)

// Namespace groups upstream MCP servers behind one downstream endpoint.
type Namespace struct {
	UUID        uuid.UUID
	Name        string
	Description string

	// UserID is the owning user; nil means the namespace is public.
	// Public namespaces must contain only public servers.
	UserID *string

	// SmartDiscoveryEnabled hides the real tool list behind the synthetic
	// find/ask tools.
	SmartDiscoveryEnabled     bool
	SmartDiscoveryDescription string

	// PinnedTools are full tool names always shown, in order.
	PinnedTools []string

	// AskAgentUUID selects the active ask agent, if any.
	AskAgentUUID *uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// McpServer describes one upstream MCP server.
type McpServer struct {
	UUID      uuid.UUID
	Name      string
	Transport TransportType

	// Launch parameters for stdio transports.
	Command string
	Args    []string
	Env     map[string]string

	// Connection parameters for sse and streamable-http transports.
	URL         string
	BearerToken string
	Headers     map[string]string

	// UserID is the owning user; nil means the server is public.
	UserID *string

	CreatedAt time.Time
}

// NamespaceServerMembership attaches a server to a namespace.
type NamespaceServerMembership struct {
	NamespaceUUID uuid.UUID
	ServerUUID    uuid.UUID
	Status        MembershipStatus
}

// Tool is a persisted tool row, owned by exactly one server.
// (ServerUUID, Name) is the primary key used by bulk upserts.
type Tool struct {
	UUID        uuid.UUID
	ServerUUID  uuid.UUID
	Name        string
	Title       string
	Description string

	// InputSchema is the tool's JSON Schema, kept opaque at this boundary.
	InputSchema json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContentHash returns a stable hash input for the tool's indexable fields.
// The discovery index uses it to skip re-embedding unchanged tools.
func (t *Tool) ContentHash() string {
	return ContentHash(t.Name, t.Title, t.Description)
}

// NamespaceToolMembership attaches a tool to a namespace with optional
// per-namespace overrides. OverrideName is unique within a namespace.
type NamespaceToolMembership struct {
	NamespaceUUID uuid.UUID
	ToolUUID      uuid.UUID
	ServerUUID    uuid.UUID
	Status        MembershipStatus

	OverrideName        string
	OverrideTitle       string
	OverrideDescription string

	// OverrideAnnotations is opaque JSON passed through to downstream
	// clients unmodified.
	OverrideAnnotations json.RawMessage
}

// Ask-agent clamp ceilings applied at call time regardless of what the
// stored configuration or caller requests.
const (
	// MaxAgentToolCalls caps tool executions per ask-agent run.
	MaxAgentToolCalls = 20

	// MaxAgentExposeLimit caps tools the agent may expose into a session.
	MaxAgentExposeLimit = 50

	// AgentTokenBudget is the prompt/document token ceiling per agent.
	AgentTokenBudget = 200_000
)

// NamespaceAgent configures the ask agent attached to a namespace.
type NamespaceAgent struct {
	UUID          uuid.UUID
	NamespaceUUID uuid.UUID
	AgentType     string // currently always "ask"
	Name          string
	Enabled       bool
	Model         string
	SystemPrompt  string

	// References is free-form JSON; the core only reads the
	// "ragDocuments" key when building prompts.
	References json.RawMessage

	// AllowedTools and DeniedTools hold full tool names. An empty allow
	// list means every tool not denied is allowed.
	AllowedTools []string
	DeniedTools  []string

	MaxToolCalls int // default 3, clamped to MaxAgentToolCalls at call time
	ExposeLimit  int // default 5, clamped to MaxAgentExposeLimit at call time

	CreatedAt time.Time
}

// NamespaceAgentDocument is an uploaded reference document for an agent.
// The sum of TokenCount per agent must stay within AgentTokenBudget.
type NamespaceAgentDocument struct {
	UUID       uuid.UUID
	AgentUUID  uuid.UUID
	Filename   string
	Mime       string
	Content    string
	TokenCount int
	CreatedAt  time.Time
}

// DownstreamTransport identifies how a downstream client is attached.
type DownstreamTransport string

const (
	// DownstreamSSE is a downstream SSE attachment.
	DownstreamSSE DownstreamTransport = "SSE"

	// DownstreamStreamableHTTP is a downstream streamable-HTTP attachment.
	DownstreamStreamableHTTP DownstreamTransport = "StreamableHTTP"
)

// LiveSession is one attached downstream client.
type LiveSession struct {
	SessionID     string
	EndpointName  string
	NamespaceUUID uuid.UUID
	Transport     DownstreamTransport
}

// PackageInstallRecord is an append-only audit row written by the optional
// package-install helper. It is never consulted by the core.
type PackageInstallRecord struct {
	Manager     string
	PackageName string
	Command     string
	Output      string
	Status      string
	UserID      *string
	CreatedAt   time.Time
}

// NameSeparator joins a server name and tool name into a full tool name.
const NameSeparator = "__"

// FullToolName builds the namespaced "serverName__toolName" form.
func FullToolName(serverName, toolName string) string {
	return serverName + NameSeparator + toolName
}

// SplitToolName splits a full tool name on the first separator.
// Returns ErrMalformedToolName when no separator is present.
func SplitToolName(fullName string) (serverName, toolName string, err error) {
	serverName, toolName, ok := strings.Cut(fullName, NameSeparator)
	if !ok || serverName == "" || toolName == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedToolName, fullName)
	}
	return serverName, toolName, nil
}
