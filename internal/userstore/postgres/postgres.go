package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/yaotools/toolmeter/internal/userstore"
)

// Store implements userstore.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// Config holds connection pool settings.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns pool defaults suitable for a single daemon.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// New opens a Postgres-backed user store using the provided DSN.
func New(dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
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
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'user',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tools (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	required_role TEXT NOT NULL DEFAULT 'user',
	tool_type TEXT NOT NULL DEFAULT 'code',
	code_url TEXT NOT NULL DEFAULT '',
	tags TEXT[] NOT NULL DEFAULT '{}',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	usage_count BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ai_models (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	model_name TEXT NOT NULL,
	api_url TEXT NOT NULL DEFAULT '',
	api_key TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	max_tokens INTEGER NOT NULL DEFAULT 0,
	temperature DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

// EnsureUser returns the user with email, creating it when missing.
func (s *Store) EnsureUser(ctx context.Context, email string, role userstore.Role) (*userstore.User, error) {
	email = userstore.NormalizeEmail(email)
	if email == "" {
		return nil, errors.New("userstore: email required")
	}
	if role == "" {
		role = userstore.RoleUser
	}
	name := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		name = email[:at]
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id, email, display_name, role) VALUES($1, $2, $3, $4)
ON CONFLICT (email) DO NOTHING`, uuid.NewString(), email, name, role)
	if err != nil {
		return nil, fmt.Errorf("userstore: ensure user: %w", err)
	}
	return s.FindByEmail(ctx, email)
}

// FindByEmail returns the user matching the email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, userstore.NormalizeEmail(email))
	return scanUser(row)
}

// GetUser returns the user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*userstore.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, userstore.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// SetRole changes a user's role.
func (s *Store) SetRole(ctx context.Context, id string, role userstore.Role) error {
	if _, err := uuid.Parse(id); err != nil {
		return userstore.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2`, role, id)
	if err != nil {
		return fmt.Errorf("userstore: set role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return userstore.ErrNotFound
	}
	return nil
}

const toolColumns = `id, name, description, category, required_role, tool_type, code_url, tags, is_active, usage_count, created_at, updated_at`

func scanTool(row interface{ Scan(...any) error }) (*userstore.Tool, error) {
	var t userstore.Tool
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Category, &t.RequiredRole, &t.Type, &t.CodeURL, pq.Array(&t.Tags),
		&t.IsActive, &t.UsageCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, userstore.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// UpsertTool inserts or updates a tool by id without touching usage_count.
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
	tags := tool.Tags
	if tags == nil {
		tags = []string{}
	}
	row := s.db.QueryRowContext(ctx, `INSERT INTO tools(id, name, description, category, required_role, tool_type, code_url, tags, is_active)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, category = EXCLUDED.category,
	required_role = EXCLUDED.required_role, tool_type = EXCLUDED.tool_type, code_url = EXCLUDED.code_url,
	tags = EXCLUDED.tags, is_active = EXCLUDED.is_active, updated_at = NOW()
RETURNING `+toolColumns,
		tool.ID, tool.Name, tool.Description, tool.Category, tool.RequiredRole, tool.Type, tool.CodeURL, pq.Array(tags), tool.IsActive)
	out, err := scanTool(row)
	if err != nil {
		return nil, fmt.Errorf("userstore: upsert tool: %w", err)
	}
	return out, nil
}

// GetTool returns a tool by id.
func (s *Store) GetTool(ctx context.Context, id string) (*userstore.Tool, error) {
	return scanTool(s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = $1`, id))
}

// ListTools returns tools ordered by category and name.
func (s *Store) ListTools(ctx context.Context, activeOnly bool) ([]userstore.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools`
	if activeOnly {
		query += ` WHERE is_active`
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
	err := s.db.QueryRowContext(ctx, `UPDATE tools SET usage_count = usage_count + 1, updated_at = NOW() WHERE id = $1 RETURNING usage_count`, id).Scan(&count)
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
	if err := row.Scan(&m.ID, &m.Name, &m.ModelName, &m.APIURL, &m.APIKey, &m.Description, &m.MaxTokens, &m.Temperature,
		&m.IsActive, &m.IsDefault, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, userstore.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// UpsertModel inserts or updates a catalog entry, keeping a single default.
func (s *Store) UpsertModel(ctx context.Context, model userstore.AIModel) (*userstore.AIModel, error) {
	if strings.TrimSpace(model.ID) == "" {
		model.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if model.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE ai_models SET is_default = FALSE WHERE id <> $1 AND is_default`, model.ID); err != nil {
			return nil, fmt.Errorf("userstore: clear default model: %w", err)
		}
	}
	row := tx.QueryRowContext(ctx, `INSERT INTO ai_models(id, name, model_name, api_url, api_key, description, max_tokens, temperature, is_active, is_default)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, model_name = EXCLUDED.model_name, api_url = EXCLUDED.api_url,
	api_key = EXCLUDED.api_key, description = EXCLUDED.description, max_tokens = EXCLUDED.max_tokens,
	temperature = EXCLUDED.temperature, is_active = EXCLUDED.is_active, is_default = EXCLUDED.is_default, updated_at = NOW()
RETURNING `+modelColumns,
		model.ID, model.Name, model.ModelName, model.APIURL, model.APIKey, model.Description, model.MaxTokens, model.Temperature,
		model.IsActive, model.IsDefault)
	out, err := scanModel(row)
	if err != nil {
		return nil, fmt.Errorf("userstore: upsert model: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetModel returns a catalog entry by id.
func (s *Store) GetModel(ctx context.Context, id string) (*userstore.AIModel, error) {
	return scanModel(s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM ai_models WHERE id = $1`, id))
}

// ListModels returns the catalog with the default model first.
func (s *Store) ListModels(ctx context.Context, activeOnly bool) ([]userstore.AIModel, error) {
	query := `SELECT ` + modelColumns + ` FROM ai_models`
	if activeOnly {
		query += ` WHERE is_active`
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
	return scanModel(s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM ai_models WHERE is_active
ORDER BY is_default DESC, created_at ASC, name ASC LIMIT 1`))
}
