package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentpod/agentpod/internal/chat"
	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/db"
)

// ChatStore implements chat.Store on the shared pool.
type ChatStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

var _ chat.Store = (*ChatStore)(nil)

// NewChatStore initializes the chat schema.
func NewChatStore(pool *db.Pool) (*ChatStore, error) {
	s := &ChatStore{writer: pool.Writer(), reader: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("chat schema init: %w", err)
	}
	return s, nil
}

func (s *ChatStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id               TEXT PRIMARY KEY,
		sandbox_id       TEXT NOT NULL,
		agent_session_id TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		working_dir      TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_sandbox ON chat_sessions(sandbox_id);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_agent ON chat_sessions(sandbox_id, agent_session_id);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL DEFAULT '',
		parts      TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_messages_session_seq ON chat_messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		name       TEXT NOT NULL DEFAULT '',
		input      TEXT NOT NULL DEFAULT '',
		output     TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
	`
	_, err := s.writer.Exec(schema)
	return err
}

// CreateSession inserts a chat session.
func (s *ChatStore) CreateSession(ctx context.Context, session *chat.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		INSERT INTO chat_sessions (id, sandbox_id, agent_session_id, status, working_dir, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		session.ID, session.SandboxID, session.AgentSessionID, string(session.Status),
		session.WorkingDir, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return apperrors.Internal("insert chat session", err)
	}
	return nil
}

type chatSessionRow struct {
	ID             string    `db:"id"`
	SandboxID      string    `db:"sandbox_id"`
	AgentSessionID string    `db:"agent_session_id"`
	Status         string    `db:"status"`
	WorkingDir     string    `db:"working_dir"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *chatSessionRow) toSession() *chat.Session {
	return &chat.Session{
		ID:             r.ID,
		SandboxID:      r.SandboxID,
		AgentSessionID: r.AgentSessionID,
		Status:         chat.SessionStatus(r.Status),
		WorkingDir:     r.WorkingDir,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// GetSession returns a session by id, or nil when absent.
func (s *ChatStore) GetSession(ctx context.Context, id string) (*chat.Session, error) {
	var row chatSessionRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(
		`SELECT * FROM chat_sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("get chat session", err)
	}
	return row.toSession(), nil
}

// GetSessionByAgentID returns the session tracking an agent-side session id.
func (s *ChatStore) GetSessionByAgentID(ctx context.Context, sandboxID, agentSessionID string) (*chat.Session, error) {
	var row chatSessionRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(
		`SELECT * FROM chat_sessions WHERE sandbox_id = ? AND agent_session_id = ?`),
		sandboxID, agentSessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("get chat session by agent id", err)
	}
	return row.toSession(), nil
}

// ListSessions returns a sandbox's sessions, newest first.
func (s *ChatStore) ListSessions(ctx context.Context, sandboxID string) ([]*chat.Session, error) {
	var rows []chatSessionRow
	err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(
		`SELECT * FROM chat_sessions WHERE sandbox_id = ? ORDER BY created_at DESC`), sandboxID)
	if err != nil {
		return nil, apperrors.Internal("list chat sessions", err)
	}
	out := make([]*chat.Session, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSession())
	}
	return out, nil
}

// UpdateSessionStatus sets the status of a session.
func (s *ChatStore) UpdateSessionStatus(ctx context.Context, id string, status chat.SessionStatus) error {
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(
		`UPDATE chat_sessions SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), id)
	if err != nil {
		return apperrors.Internal("update chat session status", err)
	}
	return nil
}

// DeleteSandboxSessions removes every session of a sandbox with its
// messages and tool calls.
func (s *ChatStore) DeleteSandboxSessions(ctx context.Context, sandboxID string) error {
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Internal("begin delete chat sessions", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM chat_messages WHERE session_id IN (SELECT id FROM chat_sessions WHERE sandbox_id = ?)`,
		`DELETE FROM tool_calls WHERE session_id IN (SELECT id FROM chat_sessions WHERE sandbox_id = ?)`,
		`DELETE FROM chat_sessions WHERE sandbox_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), sandboxID); err != nil {
			return apperrors.Internal("delete chat sessions", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("commit delete chat sessions", err)
	}
	return nil
}

// UpsertMessage inserts the message with the next per-session sequence
// number, or rewrites its parts when the id already exists.
func (s *ChatStore) UpsertMessage(ctx context.Context, m *chat.Message) error {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return apperrors.Internal("encode message parts", err)
	}
	now := time.Now().UTC()

	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Internal("begin message upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.GetContext(ctx, &seq, tx.Rebind(
		`SELECT seq FROM chat_messages WHERE id = ?`), m.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.GetContext(ctx, &seq, tx.Rebind(
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE session_id = ?`),
			m.SessionID); err != nil {
			return apperrors.Internal("next message seq", err)
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO chat_messages (id, session_id, seq, role, parts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			m.ID, m.SessionID, seq, m.Role, string(parts), m.CreatedAt, now); err != nil {
			return apperrors.Internal("insert chat message", err)
		}
	case err != nil:
		return apperrors.Internal("lookup chat message", err)
	default:
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE chat_messages SET role = ?, parts = ?, updated_at = ? WHERE id = ?`),
			m.Role, string(parts), now, m.ID); err != nil {
			return apperrors.Internal("update chat message", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Internal("commit message upsert", err)
	}
	m.Seq = seq
	m.UpdatedAt = now
	return nil
}

type chatMessageRow struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Seq       int64     `db:"seq"`
	Role      string    `db:"role"`
	Parts     string    `db:"parts"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ListMessages returns the newest limit messages in sequence order; limit
// <= 0 returns everything.
func (s *ChatStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*chat.Message, error) {
	query := `SELECT * FROM chat_messages WHERE session_id = ? ORDER BY seq`
	args := []interface{}{sessionID}
	if limit > 0 {
		// Newest window, returned oldest-first.
		query = `SELECT * FROM (
			SELECT * FROM chat_messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) newest ORDER BY seq`
		args = append(args, limit)
	}

	var rows []chatMessageRow
	if err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(query), args...); err != nil {
		return nil, apperrors.Internal("list chat messages", err)
	}

	out := make([]*chat.Message, 0, len(rows))
	for i := range rows {
		m := &chat.Message{
			ID:        rows[i].ID,
			SessionID: rows[i].SessionID,
			Seq:       rows[i].Seq,
			Role:      rows[i].Role,
			CreatedAt: rows[i].CreatedAt,
			UpdatedAt: rows[i].UpdatedAt,
		}
		if rows[i].Parts != "" {
			if err := json.Unmarshal([]byte(rows[i].Parts), &m.Parts); err != nil {
				return nil, apperrors.Internal("decode message parts", err)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// CountMessages returns the stored message count of a session.
func (s *ChatStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.reader.GetContext(ctx, &count, s.reader.Rebind(
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`), sessionID)
	if err != nil {
		return 0, apperrors.Internal("count chat messages", err)
	}
	return count, nil
}

// EvictOldest removes the n messages with the lowest sequence numbers.
func (s *ChatStore) EvictOldest(ctx context.Context, sessionID string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		DELETE FROM chat_messages WHERE id IN (
			SELECT id FROM chat_messages WHERE session_id = ? ORDER BY seq LIMIT ?
		)`), sessionID, n)
	if err != nil {
		return apperrors.Internal("evict chat messages", err)
	}
	return nil
}

// UpsertToolCall inserts or updates a tool call record.
func (s *ChatStore) UpsertToolCall(ctx context.Context, tc *chat.ToolCall) error {
	now := time.Now().UTC()
	input := ""
	if len(tc.Input) > 0 {
		input = string(tc.Input)
	}

	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE tool_calls SET message_id = ?, name = ?, input = ?, output = ?, status = ?, updated_at = ?
		WHERE id = ?`),
		tc.MessageID, tc.Name, input, tc.Output, string(tc.Status), now, tc.ID)
	if err != nil {
		return apperrors.Internal("update tool call", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tc.UpdatedAt = now
		return nil
	}

	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = now
	}
	_, err = s.writer.ExecContext(ctx, s.writer.Rebind(`
		INSERT INTO tool_calls (id, session_id, message_id, name, input, output, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		tc.ID, tc.SessionID, tc.MessageID, tc.Name, input, tc.Output,
		string(tc.Status), tc.CreatedAt, now)
	if err != nil {
		return apperrors.Internal("insert tool call", err)
	}
	tc.UpdatedAt = now
	return nil
}

type toolCallRow struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	MessageID string    `db:"message_id"`
	Name      string    `db:"name"`
	Input     string    `db:"input"`
	Output    string    `db:"output"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *toolCallRow) toToolCall() *chat.ToolCall {
	tc := &chat.ToolCall{
		ID:        r.ID,
		SessionID: r.SessionID,
		MessageID: r.MessageID,
		Name:      r.Name,
		Output:    r.Output,
		Status:    chat.ToolCallStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Input != "" {
		tc.Input = json.RawMessage(r.Input)
	}
	return tc
}

// GetToolCall returns a tool call by id, or nil when absent.
func (s *ChatStore) GetToolCall(ctx context.Context, id string) (*chat.ToolCall, error) {
	var row toolCallRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(
		`SELECT * FROM tool_calls WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("get tool call", err)
	}
	return row.toToolCall(), nil
}

// ListToolCalls returns a session's tool calls in creation order.
func (s *ChatStore) ListToolCalls(ctx context.Context, sessionID string) ([]*chat.ToolCall, error) {
	var rows []toolCallRow
	err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(
		`SELECT * FROM tool_calls WHERE session_id = ? ORDER BY created_at`), sessionID)
	if err != nil {
		return nil, apperrors.Internal("list tool calls", err)
	}
	out := make([]*chat.ToolCall, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toToolCall())
	}
	return out, nil
}
