package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yaotools/toolmeter/internal/redeem"
	"github.com/yaotools/toolmeter/internal/sqlitedb"
)

// Store implements redeem.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the code store at path.
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
CREATE TABLE IF NOT EXISTS auth_codes (
	code TEXT PRIMARY KEY,
	uses_to_add INTEGER NOT NULL,
	is_used INTEGER NOT NULL DEFAULT 0,
	used_by TEXT NOT NULL DEFAULT '',
	used_at TIMESTAMP,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auth_codes_used ON auth_codes(is_used, created_at DESC);
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

const codeColumns = `code, uses_to_add, is_used, used_by, used_at, created_by, created_at`

func scanCode(row interface{ Scan(...any) error }) (*redeem.Code, error) {
	var c redeem.Code
	var usedAt sql.NullTime
	if err := row.Scan(&c.Code, &c.Uses, &c.IsUsed, &c.UsedBy, &usedAt, &c.CreatedBy, &c.CreatedAt); err != nil {
		return nil, err
	}
	if usedAt.Valid {
		t := usedAt.Time
		c.UsedAt = &t
	}
	return &c, nil
}

// Create inserts a new unused code.
func (s *Store) Create(ctx context.Context, code redeem.Code) error {
	code.Code = redeem.Normalize(code.Code)
	if code.Code == "" {
		return redeem.ErrEmptyCode
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO auth_codes(code, uses_to_add, is_used, created_by, created_at)
VALUES(?, ?, 0, ?, ?) ON CONFLICT(code) DO NOTHING`, code.Code, code.Uses, code.CreatedBy, code.CreatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return redeem.ErrDuplicateCode
	}
	return nil
}

// Claim marks the code used in one conditional update.
func (s *Store) Claim(ctx context.Context, code, userID string, at time.Time) (*redeem.Code, error) {
	code = redeem.Normalize(code)
	res, err := s.db.ExecContext(ctx, `UPDATE auth_codes SET is_used = 1, used_by = ?, used_at = ? WHERE code = ? AND is_used = 0`,
		userID, at.UTC(), code)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, redeem.ErrInvalidOrUsed
	}
	return s.Get(ctx, code)
}

// Get returns a code by value.
func (s *Store) Get(ctx context.Context, code string) (*redeem.Code, error) {
	c, err := scanCode(s.db.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM auth_codes WHERE code = ?`, redeem.Normalize(code)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, redeem.ErrInvalidOrUsed
	}
	return c, err
}

// List returns codes newest first.
func (s *Store) List(ctx context.Context, filter redeem.Filter) ([]redeem.Code, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + codeColumns + ` FROM auth_codes`
	args := []any{}
	if filter.Used != nil {
		query += ` WHERE is_used = ?`
		args = append(args, *filter.Used)
	}
	query += ` ORDER BY created_at DESC, code LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []redeem.Code
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
