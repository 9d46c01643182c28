package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/metamcp/metamcp/pkg/metamcp"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (or creates) the database at path and applies migrations.
// ":memory:" opens an isolated in-memory database, used by tests.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serializes writes and keeps in-memory databases
	// intact across pooled statements.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rollback rolls a transaction back, ignoring the already-committed error.
func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func encodeStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeStrings(data string) []string {
	var values []string
	_ = json.Unmarshal([]byte(data), &values)
	return values
}

func encodeStringMap(m map[string]string) string {
	if m == nil {
		m = map[string]string{}
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func decodeStringMap(data string) map[string]string {
	var m map[string]string
	_ = json.Unmarshal([]byte(data), &m)
	return m
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// --- Namespaces ---

const namespaceColumns = `uuid, name, description, user_id, smart_discovery_enabled,
	smart_discovery_description, pinned_tools, ask_agent_uuid, created_at, updated_at`

// CreateNamespace stores a new namespace.
func (s *SQLiteStore) CreateNamespace(ctx context.Context, ns *metamcp.Namespace) error {
	if ns.UUID == uuid.Nil {
		ns.UUID = uuid.New()
	}
	now := time.Now().UTC()
	if ns.CreatedAt.IsZero() {
		ns.CreatedAt = now
	}
	ns.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO namespaces (`+namespaceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ns.UUID.String(), ns.Name, ns.Description, nullableString(ns.UserID),
		ns.SmartDiscoveryEnabled, ns.SmartDiscoveryDescription,
		encodeStrings(ns.PinnedTools), nullableUUID(ns.AskAgentUUID),
		formatTime(ns.CreatedAt), formatTime(ns.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: namespace %q", ErrAlreadyExists, ns.Name)
		}
		return fmt.Errorf("inserting namespace: %w", err)
	}
	return nil
}

func scanNamespace(row interface{ Scan(...any) error }) (*metamcp.Namespace, error) {
	var (
		ns                  metamcp.Namespace
		id                  string
		userID, agentUUID   sql.NullString
		pinned              string
		createdAt, updated  string
	)
	err := row.Scan(&id, &ns.Name, &ns.Description, &userID, &ns.SmartDiscoveryEnabled,
		&ns.SmartDiscoveryDescription, &pinned, &agentUUID, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	ns.UUID = uuid.MustParse(id)
	if userID.Valid {
		ns.UserID = &userID.String
	}
	if agentUUID.Valid {
		parsed, err := uuid.Parse(agentUUID.String)
		if err == nil {
			ns.AskAgentUUID = &parsed
		}
	}
	ns.PinnedTools = decodeStrings(pinned)
	ns.CreatedAt = parseTime(createdAt)
	ns.UpdatedAt = parseTime(updated)
	return &ns, nil
}

// GetNamespace fetches a namespace by id.
func (s *SQLiteStore) GetNamespace(ctx context.Context, id uuid.UUID) (*metamcp.Namespace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+namespaceColumns+` FROM namespaces WHERE uuid = ?`, id.String())
	ns, err := scanNamespace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: namespace %s", metamcp.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying namespace: %w", err)
	}
	return ns, nil
}

// GetNamespaceByName fetches a namespace by its unique name.
func (s *SQLiteStore) GetNamespaceByName(ctx context.Context, name string) (*metamcp.Namespace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+namespaceColumns+` FROM namespaces WHERE name = ?`, name)
	ns, err := scanNamespace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: namespace %q", metamcp.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("querying namespace: %w", err)
	}
	return ns, nil
}

// ListNamespaces returns all namespaces ordered by name.
func (s *SQLiteStore) ListNamespaces(ctx context.Context) ([]metamcp.Namespace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+namespaceColumns+` FROM namespaces ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var namespaces []metamcp.Namespace
	for rows.Next() {
		ns, err := scanNamespace(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning namespace: %w", err)
		}
		namespaces = append(namespaces, *ns)
	}
	return namespaces, rows.Err()
}

// UpdateNamespace rewrites a namespace row.
func (s *SQLiteStore) UpdateNamespace(ctx context.Context, ns *metamcp.Namespace) error {
	ns.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE namespaces SET name = ?, description = ?, user_id = ?,
			smart_discovery_enabled = ?, smart_discovery_description = ?,
			pinned_tools = ?, ask_agent_uuid = ?, updated_at = ?
		WHERE uuid = ?`,
		ns.Name, ns.Description, nullableString(ns.UserID),
		ns.SmartDiscoveryEnabled, ns.SmartDiscoveryDescription,
		encodeStrings(ns.PinnedTools), nullableUUID(ns.AskAgentUUID),
		formatTime(ns.UpdatedAt), ns.UUID.String(),
	)
	if err != nil {
		return fmt.Errorf("updating namespace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: namespace %s", metamcp.ErrNotFound, ns.UUID)
	}
	return nil
}

// DeleteNamespace removes a namespace; memberships cascade.
func (s *SQLiteStore) DeleteNamespace(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM namespaces WHERE uuid = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting namespace: %w", err)
	}
	return nil
}

// --- Servers ---

const serverColumns = `uuid, name, transport, command, args, env, url, bearer_token, headers, user_id, created_at`

// CreateServer stores a new upstream server definition.
func (s *SQLiteStore) CreateServer(ctx context.Context, server *metamcp.McpServer) error {
	if server.UUID == uuid.Nil {
		server.UUID = uuid.New()
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		server.UUID.String(), server.Name, string(server.Transport),
		server.Command, encodeStrings(server.Args), encodeStringMap(server.Env),
		server.URL, server.BearerToken, encodeStringMap(server.Headers),
		nullableString(server.UserID), formatTime(server.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: server %q", ErrAlreadyExists, server.Name)
		}
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

func scanServer(row interface{ Scan(...any) error }) (*metamcp.McpServer, error) {
	var (
		server             metamcp.McpServer
		id, transport      string
		args, env, headers string
		userID             sql.NullString
		createdAt          string
	)
	err := row.Scan(&id, &server.Name, &transport, &server.Command, &args, &env,
		&server.URL, &server.BearerToken, &headers, &userID, &createdAt)
	if err != nil {
		return nil, err
	}
	server.UUID = uuid.MustParse(id)
	server.Transport = metamcp.TransportType(transport)
	server.Args = decodeStrings(args)
	server.Env = decodeStringMap(env)
	server.Headers = decodeStringMap(headers)
	if userID.Valid {
		server.UserID = &userID.String
	}
	server.CreatedAt = parseTime(createdAt)
	return &server, nil
}

// GetServer fetches a server by id.
func (s *SQLiteStore) GetServer(ctx context.Context, id uuid.UUID) (*metamcp.McpServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers WHERE uuid = ?`, id.String())
	server, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: server %s", metamcp.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying server: %w", err)
	}
	return server, nil
}

// DeleteServer removes a server; memberships and tools cascade.
func (s *SQLiteStore) DeleteServer(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE uuid = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	return nil
}

// AddServerToNamespace attaches a server to a namespace.
// Public namespaces may only contain public servers.
func (s *SQLiteStore) AddServerToNamespace(
	ctx context.Context, namespaceUUID, serverUUID uuid.UUID, status metamcp.MembershipStatus,
) error {
	ns, err := s.GetNamespace(ctx, namespaceUUID)
	if err != nil {
		return err
	}
	server, err := s.GetServer(ctx, serverUUID)
	if err != nil {
		return err
	}
	if ns.UserID == nil && server.UserID != nil {
		return fmt.Errorf("%w: public namespace %q cannot contain private server %q",
			metamcp.ErrValidation, ns.Name, server.Name)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO namespace_server_memberships (namespace_uuid, server_uuid, status)
		VALUES (?, ?, ?)
		ON CONFLICT (namespace_uuid, server_uuid) DO UPDATE SET status = excluded.status`,
		namespaceUUID.String(), serverUUID.String(), string(status),
	)
	if err != nil {
		return fmt.Errorf("inserting server membership: %w", err)
	}
	return nil
}

// ListNamespaceServers returns all server memberships of a namespace.
func (s *SQLiteStore) ListNamespaceServers(ctx context.Context, namespaceUUID uuid.UUID) ([]ServerMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+qualify(serverColumns, "s")+`, m.status
		FROM mcp_servers s
		JOIN namespace_server_memberships m ON m.server_uuid = s.uuid
		WHERE m.namespace_uuid = ?
		ORDER BY s.name`,
		namespaceUUID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing namespace servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memberships []ServerMembership
	for rows.Next() {
		var (
			server             metamcp.McpServer
			id, transport      string
			args, env, headers string
			userID             sql.NullString
			createdAt, status  string
		)
		err := rows.Scan(&id, &server.Name, &transport, &server.Command, &args, &env,
			&server.URL, &server.BearerToken, &headers, &userID, &createdAt, &status)
		if err != nil {
			return nil, fmt.Errorf("scanning server membership: %w", err)
		}
		server.UUID = uuid.MustParse(id)
		server.Transport = metamcp.TransportType(transport)
		server.Args = decodeStrings(args)
		server.Env = decodeStringMap(env)
		server.Headers = decodeStringMap(headers)
		if userID.Valid {
			server.UserID = &userID.String
		}
		server.CreatedAt = parseTime(createdAt)
		memberships = append(memberships, ServerMembership{
			Server: server,
			Status: metamcp.MembershipStatus(status),
		})
	}
	return memberships, rows.Err()
}

// SetServerStatus toggles a server membership between active and inactive.
func (s *SQLiteStore) SetServerStatus(
	ctx context.Context, namespaceUUID, serverUUID uuid.UUID, status metamcp.MembershipStatus,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE namespace_server_memberships SET status = ?
		WHERE namespace_uuid = ? AND server_uuid = ?`,
		string(status), namespaceUUID.String(), serverUUID.String(),
	)
	if err != nil {
		return fmt.Errorf("updating server status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: server membership %s/%s", metamcp.ErrNotFound, namespaceUUID, serverUUID)
	}
	return nil
}

// qualify prefixes each column in a comma-separated list with a table alias.
func qualify(columns, alias string) string {
	out := ""
	for i, col := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + col
	}
	return out
}

func splitColumns(columns string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(columns); i++ {
		if i == len(columns) || columns[i] == ',' {
			col := columns[start:i]
			// trim spaces and newlines/tabs
			for len(col) > 0 && (col[0] == ' ' || col[0] == '\n' || col[0] == '\t') {
				col = col[1:]
			}
			for len(col) > 0 && (col[len(col)-1] == ' ' || col[len(col)-1] == '\n' || col[len(col)-1] == '\t') {
				col = col[:len(col)-1]
			}
			if col != "" {
				out = append(out, col)
			}
			start = i + 1
		}
	}
	return out
}
