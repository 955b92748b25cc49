package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/yaotools/toolmeter/internal/redeem"
)

// Store implements redeem.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL code store.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
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
	uses_to_add BIGINT NOT NULL,
	is_used BOOLEAN NOT NULL DEFAULT FALSE,
	used_by TEXT NOT NULL DEFAULT '',
	used_at TIMESTAMPTZ,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
	_, err := s.db.ExecContext(ctx, `INSERT INTO auth_codes(code, uses_to_add, created_by, created_at) VALUES($1, $2, $3, $4)`,
		code.Code, code.Uses, code.CreatedBy, code.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return redeem.ErrDuplicateCode
	}
	return err
}

// Claim marks the code used in one conditional update.
func (s *Store) Claim(ctx context.Context, code, userID string, at time.Time) (*redeem.Code, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE auth_codes SET is_used = TRUE, used_by = $1, used_at = $2
WHERE code = $3 AND is_used = FALSE
RETURNING `+codeColumns, userID, at.UTC(), redeem.Normalize(code))
	c, err := scanCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, redeem.ErrInvalidOrUsed
	}
	return c, err
}

// Get returns a code by value.
func (s *Store) Get(ctx context.Context, code string) (*redeem.Code, error) {
	c, err := scanCode(s.db.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM auth_codes WHERE code = $1`, redeem.Normalize(code)))
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
	var rows *sql.Rows
	var err error
	if filter.Used != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT `+codeColumns+` FROM auth_codes WHERE is_used = $1 ORDER BY created_at DESC, code LIMIT $2`, *filter.Used, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+codeColumns+` FROM auth_codes ORDER BY created_at DESC, code LIMIT $1`, limit)
	}
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
