package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/yaotools/toolmeter/internal/ledger"
)

// Store implements ledger.Store and ledger.UsageLogStore backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings. Zero values keep database/sql defaults.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
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
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
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
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	remaining_uses BIGINT NOT NULL CHECK(remaining_uses >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	direction TEXT NOT NULL CHECK(direction IN ('debit','credit')),
	amount BIGINT NOT NULL CHECK(amount > 0),
	reason TEXT NOT NULL,
	reference TEXT NOT NULL DEFAULT '',
	memo TEXT NOT NULL DEFAULT '',
	balance_after BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created ON ledger_entries(user_id, created_at DESC);
DROP INDEX IF EXISTS idx_ledger_entries_reference;
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_user_reference ON ledger_entries(user_id, reference, direction) WHERE reference <> '';
CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	tool_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_user_created ON usage_logs(user_id, created_at DESC);
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

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureAccount creates the account when missing and returns its balance.
func (s *Store) EnsureAccount(ctx context.Context, userID string, initial int64) (int64, error) {
	if userID == "" {
		return 0, ledger.ErrAccountNotFound
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO accounts(user_id, remaining_uses) VALUES($1, $2) ON CONFLICT (user_id) DO NOTHING`, userID, initial); err != nil {
		return 0, err
	}
	return s.Balance(ctx, userID)
}

// Balance returns the stored balance.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT remaining_uses FROM accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrAccountNotFound
	}
	return balance, err
}

// Debit subtracts m.Amount with a single conditional update.
func (s *Store) Debit(ctx context.Context, m ledger.Mutation) (int64, error) {
	return s.apply(ctx, ledger.DirectionDebit, m,
		`UPDATE accounts SET remaining_uses = remaining_uses - $1, updated_at = NOW() WHERE user_id = $2 AND remaining_uses >= $1 RETURNING remaining_uses`)
}

// Credit adds m.Amount.
func (s *Store) Credit(ctx context.Context, m ledger.Mutation) (int64, error) {
	return s.apply(ctx, ledger.DirectionCredit, m,
		`UPDATE accounts SET remaining_uses = remaining_uses + $1, updated_at = NOW() WHERE user_id = $2 RETURNING remaining_uses`)
}

func (s *Store) apply(ctx context.Context, direction ledger.Direction, m ledger.Mutation, update string) (int64, error) {
	if m.UserID == "" {
		return 0, ledger.ErrAccountNotFound
	}
	if m.Amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	if m.Reference != "" {
		var seen int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM ledger_entries WHERE user_id = $1 AND reference = $2 AND direction = $3`, m.UserID, m.Reference, direction).Scan(&seen)
		if err == nil {
			return s.Balance(ctx, m.UserID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx, update, m.Amount, m.UserID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		if qerr := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE user_id = $1`, m.UserID).Scan(&exists); errors.Is(qerr, sql.ErrNoRows) {
			return 0, ledger.ErrAccountNotFound
		}
		return 0, ledger.ErrInsufficientBalance
	}
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO ledger_entries(user_id, direction, amount, reason, reference, memo, balance_after)
VALUES($1, $2, $3, $4, $5, $6, $7)`,
		m.UserID, string(direction), m.Amount, string(m.Reason), m.Reference, m.Memo, balance)
	if isUniqueViolation(err) {
		// a concurrent replay of the same reference won; undo ours
		_ = tx.Rollback()
		return s.Balance(ctx, m.UserID)
	}
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ListRecent returns the latest journal entries for a user.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, direction, amount, reason, reference, memo, balance_after, created_at
FROM ledger_entries
WHERE user_id = $1
ORDER BY id DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var direction, reason string
		if err := rows.Scan(&e.ID, &e.UserID, &direction, &e.Amount, &reason, &e.Reference, &e.Memo, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Direction = ledger.Direction(direction)
		e.Reason = ledger.Reason(reason)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LogUsage inserts a tool activation record.
func (s *Store) LogUsage(ctx context.Context, entry ledger.UsageLog) error {
	if entry.UserID == "" || entry.ToolID == "" {
		return errors.New("usage log requires user and tool id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO usage_logs(user_id, tool_id, created_at) VALUES($1, $2, $3)`, entry.UserID, entry.ToolID, created)
	return err
}

// ListUsage returns the latest activation records for a user.
func (s *Store) ListUsage(ctx context.Context, userID string, limit int) ([]ledger.UsageLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, tool_id, created_at FROM usage_logs WHERE user_id = $1 ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.UsageLog
	for rows.Next() {
		var u ledger.UsageLog
		if err := rows.Scan(&u.ID, &u.UserID, &u.ToolID, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
