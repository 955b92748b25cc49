package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yaotools/toolmeter/internal/chat"
	"github.com/yaotools/toolmeter/internal/sqlitedb"
)

// Store implements chat.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the chat history store at path.
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
CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	model_id TEXT NOT NULL DEFAULT '',
	user_message TEXT NOT NULL,
	ai_response TEXT NOT NULL DEFAULT '',
	tokens_used INTEGER NOT NULL DEFAULT 0,
	is_pending INTEGER NOT NULL DEFAULT 1,
	failed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_user_created ON chat_messages(user_id, created_at DESC);
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

// Create inserts a message.
func (s *Store) Create(ctx context.Context, msg chat.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO chat_messages(id, user_id, model_id, user_message, ai_response, tokens_used, is_pending, failed, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.ModelID, msg.UserMessage, msg.AIResponse, msg.TokensUsed, msg.Pending, msg.Failed, msg.CreatedAt, msg.UpdatedAt)
	return err
}

// Finalize stores the response of a pending message.
func (s *Store) Finalize(ctx context.Context, id, response string, tokens int, failed bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chat_messages SET ai_response = ?, tokens_used = ?, failed = ?, is_pending = 0, updated_at = ? WHERE id = ?`,
		response, tokens, failed, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// ListRecent returns the newest messages first.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, model_id, user_message, ai_response, tokens_used, is_pending, failed, created_at, updated_at
FROM chat_messages WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.ModelID, &m.UserMessage, &m.AIResponse, &m.TokensUsed, &m.Pending, &m.Failed, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Clear removes every message of the user.
func (s *Store) Clear(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
