package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const chatSessionColumns = `id, user_id, message_count, last_message_at, archived, created_at`

func scanChatSession(row pgx.Row) (ChatSession, error) {
	var s ChatSession
	err := row.Scan(&s.ID, &s.UserID, &s.MessageCount, &s.LastMessageAt, &s.Archived, &s.CreatedAt)
	return s, err
}

// GetOrCreateChatSession returns the session by id if it belongs to the
// tenant, or creates one with that id if absent.
func (q *Queries) GetOrCreateChatSession(ctx context.Context, userID, sessionID uuid.UUID) (ChatSession, error) {
	row := q.db.QueryRow(ctx, `SELECT `+chatSessionColumns+` FROM chat_sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	s, err := scanChatSession(row)
	if err == nil {
		return s, nil
	}
	if err != pgx.ErrNoRows {
		return ChatSession{}, fmt.Errorf("looking up chat session: %w", err)
	}

	row = q.db.QueryRow(ctx, `
		INSERT INTO chat_sessions (id, user_id, message_count, last_message_at, archived)
		VALUES ($1, $2, 0, now(), false)
		RETURNING `+chatSessionColumns, sessionID, userID)
	return scanChatSession(row)
}

// TouchChatSession bumps message_count and last_message_at after an append.
func (q *Queries) TouchChatSession(ctx context.Context, userID, sessionID uuid.UUID, at time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE chat_sessions SET message_count = message_count + 1, last_message_at = $3
		WHERE id = $1 AND user_id = $2`, sessionID, userID, at)
	return err
}

// ListArchivableSessions returns active sessions whose last message predates the archive window.
func (q *Queries) ListArchivableSessions(ctx context.Context, userID uuid.UUID, olderThan time.Time) ([]ChatSession, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+chatSessionColumns+` FROM chat_sessions
		WHERE user_id = $1 AND archived = false AND last_message_at < $2`, userID, olderThan)
	if err != nil {
		return nil, fmt.Errorf("listing archivable sessions: %w", err)
	}
	defer rows.Close()

	var out []ChatSession
	for rows.Next() {
		s, err := scanChatSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chat session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkSessionArchived flips the soft-archive flag (spec §4.7 archive path).
func (q *Queries) MarkSessionArchived(ctx context.Context, userID, sessionID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE chat_sessions SET archived = true WHERE id = $1 AND user_id = $2`, sessionID, userID)
	return err
}

const chatMessageColumns = `id, user_id, session_id, role, model_id, token_count, content_encrypted, tool_calls_encrypted, created_at`

func scanChatMessage(row pgx.Row) (ChatMessage, error) {
	var m ChatMessage
	err := row.Scan(&m.ID, &m.UserID, &m.SessionID, &m.Role, &m.ModelID, &m.TokenCount, &m.ContentEncrypted, &m.ToolCallsEncrypted, &m.CreatedAt)
	return m, err
}

// InsertChatMessage writes a message to the warm tier. content/tool-calls
// arrive already encrypted — the repository never sees plaintext.
func (q *Queries) InsertChatMessage(ctx context.Context, m ChatMessage) (ChatMessage, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO chat_messages (user_id, session_id, role, model_id, token_count, content_encrypted, tool_calls_encrypted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+chatMessageColumns,
		m.UserID, m.SessionID, m.Role, m.ModelID, m.TokenCount, m.ContentEncrypted, m.ToolCallsEncrypted)
	return scanChatMessage(row)
}

// GetRecentMessages fetches the most recent messages for a session from the
// warm tier, newest first, used on hot-tier miss.
func (q *Queries) GetRecentMessages(ctx context.Context, userID, sessionID uuid.UUID, limit int) ([]ChatMessage, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+chatMessageColumns+` FROM chat_messages
		WHERE user_id = $1 AND session_id = $2
		ORDER BY created_at DESC LIMIT $3`, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListAllMessages returns every message in a session in original order, used
// by the archiver to package a full session for cold storage.
func (q *Queries) ListAllMessages(ctx context.Context, userID, sessionID uuid.UUID) ([]ChatMessage, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+chatMessageColumns+` FROM chat_messages
		WHERE user_id = $1 AND session_id = $2
		ORDER BY created_at ASC`, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing all messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
