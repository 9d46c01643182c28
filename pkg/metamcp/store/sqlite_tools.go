package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/metamcp/metamcp/pkg/metamcp"
)

// UpsertTools inserts or updates tool rows keyed by (server_uuid, name) and
// returns the number of rows newly created. Existing rows keep their uuid so
// namespace memberships stay valid across refreshes.
func (s *SQLiteStore) UpsertTools(ctx context.Context, tools []metamcp.Tool) (int, error) {
	if len(tools) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := time.Now().UTC()
	created := 0
	for i := range tools {
		tool := &tools[i]
		if tool.UUID == uuid.Nil {
			tool.UUID = uuid.New()
		}
		schema := "{}"
		if len(tool.InputSchema) > 0 {
			schema = string(tool.InputSchema)
		}
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT uuid FROM tools WHERE server_uuid = ? AND name = ?`,
			tool.ServerUUID.String(), tool.Name,
		).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tools (uuid, server_uuid, name, title, description, input_schema, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				tool.UUID.String(), tool.ServerUUID.String(), tool.Name,
				tool.Title, tool.Description, schema, formatTime(now), formatTime(now),
			)
			if err != nil {
				return 0, fmt.Errorf("inserting tool %q: %w", tool.Name, err)
			}
			created++
		case err != nil:
			return 0, fmt.Errorf("querying tool %q: %w", tool.Name, err)
		default:
			tool.UUID = uuid.MustParse(existing)
			_, err = tx.ExecContext(ctx, `
				UPDATE tools SET title = ?, description = ?, input_schema = ?, updated_at = ?
				WHERE uuid = ?`,
				tool.Title, tool.Description, schema, formatTime(now), existing,
			)
			if err != nil {
				return 0, fmt.Errorf("updating tool %q: %w", tool.Name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing tools: %w", err)
	}
	return created, nil
}

// UpsertToolMemberships inserts membership rows keyed by
// (namespace_uuid, tool_uuid), returning the number newly created. Existing
// rows are left untouched so overrides and status survive refreshes.
func (s *SQLiteStore) UpsertToolMemberships(
	ctx context.Context, memberships []metamcp.NamespaceToolMembership,
) (int, error) {
	if len(memberships) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	created := 0
	for _, m := range memberships {
		status := m.Status
		if status == "" {
			status = metamcp.StatusActive
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO namespace_tool_memberships (namespace_uuid, tool_uuid, server_uuid, status)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (namespace_uuid, tool_uuid) DO NOTHING`,
			m.NamespaceUUID.String(), m.ToolUUID.String(), m.ServerUUID.String(), string(status),
		)
		if err != nil {
			return 0, fmt.Errorf("inserting tool membership: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing tool memberships: %w", err)
	}
	return created, nil
}

// ListNamespaceTools returns every tool membership of a namespace joined with
// its tool row and owning server name, ordered by server then tool name.
func (s *SQLiteStore) ListNamespaceTools(ctx context.Context, namespaceUUID uuid.UUID) ([]ToolMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.uuid, t.server_uuid, t.name, t.title, t.description, t.input_schema,
			t.created_at, t.updated_at,
			m.status, m.override_name, m.override_title, m.override_description, m.override_annotations,
			srv.name
		FROM namespace_tool_memberships m
		JOIN tools t ON t.uuid = m.tool_uuid
		JOIN mcp_servers srv ON srv.uuid = t.server_uuid
		WHERE m.namespace_uuid = ?
		ORDER BY srv.name, t.name`,
		namespaceUUID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing namespace tools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memberships []ToolMembership
	for rows.Next() {
		var (
			tm                 ToolMembership
			toolID, serverID   string
			schema             string
			createdAt, updated string
			status             string
			annotations        sql.NullString
		)
		err := rows.Scan(&toolID, &serverID, &tm.Tool.Name, &tm.Tool.Title,
			&tm.Tool.Description, &schema, &createdAt, &updated,
			&status, &tm.Membership.OverrideName, &tm.Membership.OverrideTitle,
			&tm.Membership.OverrideDescription, &annotations, &tm.ServerName)
		if err != nil {
			return nil, fmt.Errorf("scanning tool membership: %w", err)
		}
		tm.Tool.UUID = uuid.MustParse(toolID)
		tm.Tool.ServerUUID = uuid.MustParse(serverID)
		tm.Tool.InputSchema = []byte(schema)
		tm.Tool.CreatedAt = parseTime(createdAt)
		tm.Tool.UpdatedAt = parseTime(updated)
		tm.Membership.NamespaceUUID = namespaceUUID
		tm.Membership.ToolUUID = tm.Tool.UUID
		tm.Membership.ServerUUID = tm.Tool.ServerUUID
		tm.Membership.Status = metamcp.MembershipStatus(status)
		if annotations.Valid {
			tm.Membership.OverrideAnnotations = []byte(annotations.String)
		}
		memberships = append(memberships, tm)
	}
	return memberships, rows.Err()
}

// SetToolStatus toggles a tool membership between active and inactive.
func (s *SQLiteStore) SetToolStatus(
	ctx context.Context, namespaceUUID, toolUUID uuid.UUID, status metamcp.MembershipStatus,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE namespace_tool_memberships SET status = ?
		WHERE namespace_uuid = ? AND tool_uuid = ?`,
		string(status), namespaceUUID.String(), toolUUID.String(),
	)
	if err != nil {
		return fmt.Errorf("updating tool status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: tool membership %s/%s", metamcp.ErrNotFound, namespaceUUID, toolUUID)
	}
	return nil
}

// UpdateToolOverrides sets the per-namespace override fields of one membership.
// A duplicate override name within the namespace maps to ErrAlreadyExists.
func (s *SQLiteStore) UpdateToolOverrides(ctx context.Context, m *metamcp.NamespaceToolMembership) error {
	var annotations any
	if len(m.OverrideAnnotations) > 0 {
		annotations = string(m.OverrideAnnotations)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE namespace_tool_memberships
		SET override_name = ?, override_title = ?, override_description = ?, override_annotations = ?
		WHERE namespace_uuid = ? AND tool_uuid = ?`,
		m.OverrideName, m.OverrideTitle, m.OverrideDescription, annotations,
		m.NamespaceUUID.String(), m.ToolUUID.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: override name %q", ErrAlreadyExists, m.OverrideName)
		}
		return fmt.Errorf("updating tool overrides: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: tool membership %s/%s", metamcp.ErrNotFound, m.NamespaceUUID, m.ToolUUID)
	}
	return nil
}

// --- Agents ---

const agentColumns = `uuid, namespace_uuid, agent_type, name, enabled, model, system_prompt,
	refs, allowed_tools, denied_tools, max_tool_calls, expose_limit, created_at`

// CreateAgent stores a new ask agent.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *metamcp.NamespaceAgent) error {
	if agent.UUID == uuid.Nil {
		agent.UUID = uuid.New()
	}
	if agent.AgentType == "" {
		agent.AgentType = "ask"
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	var refs any
	if len(agent.References) > 0 {
		refs = string(agent.References)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO namespace_agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.UUID.String(), agent.NamespaceUUID.String(), agent.AgentType,
		agent.Name, agent.Enabled, agent.Model, agent.SystemPrompt, refs,
		encodeStrings(agent.AllowedTools), encodeStrings(agent.DeniedTools),
		agent.MaxToolCalls, agent.ExposeLimit, formatTime(agent.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

func scanAgent(row interface{ Scan(...any) error }) (*metamcp.NamespaceAgent, error) {
	var (
		agent           metamcp.NamespaceAgent
		id, nsID        string
		refs            sql.NullString
		allowed, denied string
		createdAt       string
	)
	err := row.Scan(&id, &nsID, &agent.AgentType, &agent.Name, &agent.Enabled,
		&agent.Model, &agent.SystemPrompt, &refs, &allowed, &denied,
		&agent.MaxToolCalls, &agent.ExposeLimit, &createdAt)
	if err != nil {
		return nil, err
	}
	agent.UUID = uuid.MustParse(id)
	agent.NamespaceUUID = uuid.MustParse(nsID)
	if refs.Valid {
		agent.References = []byte(refs.String)
	}
	agent.AllowedTools = decodeStrings(allowed)
	agent.DeniedTools = decodeStrings(denied)
	agent.CreatedAt = parseTime(createdAt)
	return &agent, nil
}

// GetAgent fetches an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id uuid.UUID) (*metamcp.NamespaceAgent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM namespace_agents WHERE uuid = ?`, id.String())
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", metamcp.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListNamespaceAgents returns all agents of a namespace ordered by name.
func (s *SQLiteStore) ListNamespaceAgents(ctx context.Context, namespaceUUID uuid.UUID) ([]metamcp.NamespaceAgent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM namespace_agents WHERE namespace_uuid = ? ORDER BY name`,
		namespaceUUID.String())
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []metamcp.NamespaceAgent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// UpdateAgent rewrites an agent row.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *metamcp.NamespaceAgent) error {
	var refs any
	if len(agent.References) > 0 {
		refs = string(agent.References)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE namespace_agents SET name = ?, enabled = ?, model = ?, system_prompt = ?,
			refs = ?, allowed_tools = ?, denied_tools = ?, max_tool_calls = ?, expose_limit = ?
		WHERE uuid = ?`,
		agent.Name, agent.Enabled, agent.Model, agent.SystemPrompt, refs,
		encodeStrings(agent.AllowedTools), encodeStrings(agent.DeniedTools),
		agent.MaxToolCalls, agent.ExposeLimit, agent.UUID.String(),
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", metamcp.ErrNotFound, agent.UUID)
	}
	return nil
}

// DeleteAgent removes an agent; documents cascade.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM namespace_agents WHERE uuid = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return nil
}

// --- Agent documents ---

// CreateAgentDocument stores a document after checking the per-agent token
// budget inside the same transaction. On overflow nothing is written and
// metamcp.ErrBudgetExceeded is returned.
func (s *SQLiteStore) CreateAgentDocument(ctx context.Context, doc *metamcp.NamespaceAgentDocument) error {
	if doc.UUID == uuid.Nil {
		doc.UUID = uuid.New()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(token_count), 0) FROM namespace_agent_documents WHERE agent_uuid = ?`,
		doc.AgentUUID.String(),
	).Scan(&current)
	if err != nil {
		return fmt.Errorf("summing document tokens: %w", err)
	}
	if current+doc.TokenCount > metamcp.AgentTokenBudget {
		return fmt.Errorf("%w: %d + %d tokens exceeds budget of %d",
			metamcp.ErrBudgetExceeded, current, doc.TokenCount, metamcp.AgentTokenBudget)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO namespace_agent_documents (uuid, agent_uuid, filename, mime, content, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.UUID.String(), doc.AgentUUID.String(), doc.Filename, doc.Mime,
		doc.Content, doc.TokenCount, formatTime(doc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing document: %w", err)
	}
	return nil
}

// ListAgentDocuments returns an agent's documents ordered by upload time.
func (s *SQLiteStore) ListAgentDocuments(ctx context.Context, agentUUID uuid.UUID) ([]metamcp.NamespaceAgentDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, agent_uuid, filename, mime, content, token_count, created_at
		FROM namespace_agent_documents WHERE agent_uuid = ? ORDER BY created_at, uuid`,
		agentUUID.String())
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []metamcp.NamespaceAgentDocument
	for rows.Next() {
		var (
			doc           metamcp.NamespaceAgentDocument
			id, agentID   string
			createdAt     string
		)
		err := rows.Scan(&id, &agentID, &doc.Filename, &doc.Mime, &doc.Content,
			&doc.TokenCount, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		doc.UUID = uuid.MustParse(id)
		doc.AgentUUID = uuid.MustParse(agentID)
		doc.CreatedAt = parseTime(createdAt)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteAgentDocument removes one document.
func (s *SQLiteStore) DeleteAgentDocument(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM namespace_agent_documents WHERE uuid = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return nil
}

// SumAgentDocumentTokens returns the current token total across an agent's
// documents.
func (s *SQLiteStore) SumAgentDocumentTokens(ctx context.Context, agentUUID uuid.UUID) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(token_count), 0) FROM namespace_agent_documents WHERE agent_uuid = ?`,
		agentUUID.String(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing document tokens: %w", err)
	}
	return total, nil
}

// --- Audit ---

// AppendInstallRecord appends one package-install audit row.
func (s *SQLiteStore) AppendInstallRecord(ctx context.Context, rec *metamcp.PackageInstallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO package_install_history (manager, package_name, command, output, status, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Manager, rec.PackageName, rec.Command, rec.Output, rec.Status,
		nullableString(rec.UserID), formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting install record: %w", err)
	}
	return nil
}
