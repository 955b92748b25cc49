package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yaotools/toolmeter/internal/sqlitedb"
	"github.com/yaotools/toolmeter/internal/userstore"
)

// Store implements userstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite user store at the supplied path.
func New(path string) (*Store, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'user',
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tools (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	required_role TEXT NOT NULL DEFAULT 'user',
	tool_type TEXT NOT NULL DEFAULT 'code',
	code_url TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	is_active INTEGER NOT NULL DEFAULT 1,
	usage_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS ai_models (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	model_name TEXT NOT NULL,
	api_url TEXT NOT NULL DEFAULT '',
	api_key TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	max_tokens INTEGER NOT NULL DEFAULT 0,
	temperature REAL NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	is_default INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
CREATE INDEX IF NOT EXISTS idx_tools_category ON tools(category);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

const userColumns = `id, email, display_name, role, is_active, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*userstore.User, error) {
	var u userstore.User
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, userstore.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// EnsureUser returns the user with email, creating it when missing. An
// existing user keeps its role.
func (s *Store) EnsureUser(ctx context.Context, email string, role userstore.Role) (*userstore.User, error) {
	email = userstore.NormalizeEmail(email)
	if email == "" {
		return nil, errors.New("userstore: email required")
	}
	if role == "" {
		role = userstore.RoleUser
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id, email, display_name, role, is_active, created_at, updated_at)
VALUES(?, ?, ?, ?, 1, ?, ?) ON CONFLICT(email) DO NOTHING`,
		uuid.NewString(), email, displayName(email), role, now, now)
	if err != nil {
		return nil, fmt.Errorf("userstore: ensure user: %w", err)
	}
	return s.FindByEmail(ctx, email)
}

// FindByEmail returns the user matching the email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ? LIMIT 1`, userstore.NormalizeEmail(email))
	return scanUser(row)
}

// GetUser returns the user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// SetRole changes a user's role.
func (s *Store) SetRole(ctx context.Context, id string, role userstore.Role) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role = ?, updated_at = ? WHERE id = ?`, role, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("userstore: set role: %w", err)
	}
	return requireRow(res)
}

const toolColumns = `id, name, description, category, required_role, tool_type, code_url, tags, is_active, usage_count, created_at, updated_at`

func scanTool(row interface{ Scan(...any) error }) (*userstore.Tool, error) {
	var t userstore.Tool
	var tags string
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Category, &t.RequiredRole, &t.Type, &t.CodeURL, &tags, &t.IsActive, &t.UsageCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, userstore.ErrNotFound
		}
		return nil, err
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for tool %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// UpsertTool inserts or updates a tool by id. usage_count is never
// overwritten by an upsert.
func (s *Store) UpsertTool(ctx context.Context, tool userstore.Tool) (*userstore.Tool, error) {
	if strings.TrimSpace(tool.ID) == "" {
		tool.ID = uuid.NewString()
	}
	if tool.RequiredRole == "" {
		tool.RequiredRole = userstore.RoleUser
	}
	if tool.Type == "" {
		tool.Type = userstore.ToolTypeCode
	}
	tags, err := json.Marshal(nonNil(tool.Tags))
	if err != nil {
		return nil, fmt.Errorf("userstore: encode tags: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `INSERT INTO tools(id, name, description, category, required_role, tool_type, code_url, tags, is_active, usage_count, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description, category = excluded.category,
	required_role = excluded.required_role, tool_type = excluded.tool_type, code_url = excluded.code_url,
	tags = excluded.tags, is_active = excluded.is_active, updated_at = excluded.updated_at`,
		tool.ID, tool.Name, tool.Description, tool.Category, tool.RequiredRole, tool.Type, tool.CodeURL, string(tags), tool.IsActive, now, now)
	if err != nil {
		return nil, fmt.Errorf("userstore: upsert tool: %w", err)
	}
	return s.GetTool(ctx, tool.ID)
}

// GetTool returns a tool by id.
func (s *Store) GetTool(ctx context.Context, id string) (*userstore.Tool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = ?`, id)
	return scanTool(row)
}

// ListTools returns tools ordered by category and name.
func (s *Store) ListTools(ctx context.Context, activeOnly bool) ([]userstore.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY category, name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []userstore.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// IncrementToolUsage bumps usage_count and returns the new value.
func (s *Store) IncrementToolUsage(ctx context.Context, id string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `UPDATE tools SET usage_count = usage_count + 1, updated_at = ? WHERE id = ? RETURNING usage_count`,
		time.Now().UTC(), id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, userstore.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("userstore: increment tool usage: %w", err)
	}
	return count, nil
}

const modelColumns = `id, name, model_name, api_url, api_key, description, max_tokens, temperature, is_active, is_default, created_at, updated_at`

func scanModel(row interface{ Scan(...any) error }) (*userstore.AIModel, error) {
	var m userstore.AIModel
	if err := row.Scan(&m.ID, &m.Name, &m.ModelName, &m.APIURL, &m.APIKey, &m.Description, &m.MaxTokens, &m.Temperature, &m.IsActive, &m.IsDefault, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, userstore.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// UpsertModel inserts or updates a catalog entry. Flagging a model default
// clears the flag on every other model.
func (s *Store) UpsertModel(ctx context.Context, model userstore.AIModel) (*userstore.AIModel, error) {
	if strings.TrimSpace(model.ID) == "" {
		model.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if model.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE ai_models SET is_default = 0 WHERE id <> ?`, model.ID); err != nil {
			return nil, fmt.Errorf("userstore: clear default model: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO ai_models(id, name, model_name, api_url, api_key, description, max_tokens, temperature, is_active, is_default, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, model_name = excluded.model_name, api_url = excluded.api_url,
	api_key = excluded.api_key, description = excluded.description, max_tokens = excluded.max_tokens,
	temperature = excluded.temperature, is_active = excluded.is_active, is_default = excluded.is_default,
	updated_at = excluded.updated_at`,
		model.ID, model.Name, model.ModelName, model.APIURL, model.APIKey, model.Description, model.MaxTokens, model.Temperature,
		model.IsActive, model.IsDefault, now, now)
	if err != nil {
		return nil, fmt.Errorf("userstore: upsert model: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetModel(ctx, model.ID)
}

// GetModel returns a catalog entry by id.
func (s *Store) GetModel(ctx context.Context, id string) (*userstore.AIModel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM ai_models WHERE id = ?`, id)
	return scanModel(row)
}

// ListModels returns the catalog with the default model first.
func (s *Store) ListModels(ctx context.Context, activeOnly bool) ([]userstore.AIModel, error) {
	query := `SELECT ` + modelColumns + ` FROM ai_models`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY is_default DESC, created_at ASC, name ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []userstore.AIModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// DefaultModel returns the default active model, else the oldest active one.
func (s *Store) DefaultModel(ctx context.Context) (*userstore.AIModel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM ai_models WHERE is_active = 1
ORDER BY is_default DESC, created_at ASC, name ASC LIMIT 1`)
	return scanModel(row)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return userstore.ErrNotFound
	}
	return nil
}

func displayName(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
