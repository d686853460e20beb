package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agent-sync-hub/backend/internal/model"
)

// MessageRepository provides data access for the per-session message ledger.
// Sequence allocation happens inside the append transaction, so two
// concurrent appends can never observe the same seq.
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Add appends a message to the session ledger, allocating the next seq
// atomically. When localID is non-nil and a message with the same localID
// already exists for the session, the existing row is returned unchanged
// (idempotent send).
func (r *MessageRepository) Add(ctx context.Context, sessionID string, localID *string, content json.RawMessage) (*model.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append tx: %w", err)
	}
	defer tx.Rollback()

	if localID != nil {
		existing, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT id, session_id, seq, local_id, content, created_at
			 FROM messages WHERE session_id = ? AND local_id = ?`,
			sessionID, *localID))
		if err == nil {
			return existing, tx.Commit()
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to check local id: %w", err)
		}
	}

	var nextSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`,
		sessionID).Scan(&nextSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate seq: %w", err)
	}

	msg := &model.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       nextSeq,
		LocalID:   localID,
		Content:   content,
		CreatedAt: time.Now(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, local_id, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, msg.LocalID, string(msg.Content), msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	return msg, nil
}

// GetMessages returns up to limit messages with seq < beforeSeq (or the most
// recent limit messages when beforeSeq is nil), newest first.
func (r *MessageRepository) GetMessages(ctx context.Context, sessionID string, limit int, beforeSeq *int64) ([]*model.Message, error) {
	var rows *sql.Rows
	var err error

	if beforeSeq != nil {
		rows, err = r.db.QueryContext(ctx,
			`SELECT id, session_id, seq, local_id, content, created_at
			 FROM messages WHERE session_id = ? AND seq < ?
			 ORDER BY seq DESC LIMIT ?`,
			sessionID, *beforeSeq, limit)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT id, session_id, seq, local_id, content, created_at
			 FROM messages WHERE session_id = ?
			 ORDER BY seq DESC LIMIT ?`,
			sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// GetMessagesAfter returns messages with seq > afterSeq in ascending order.
// afterSeq=0 fetches from the beginning.
func (r *MessageRepository) GetMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, seq, local_id, content, created_at
		 FROM messages WHERE session_id = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`,
		sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages after: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	m := &model.Message{}
	var localID sql.NullString
	var content string

	err := row.Scan(&m.ID, &m.SessionID, &m.Seq, &localID, &content, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	if localID.Valid {
		m.LocalID = &localID.String
	}
	m.Content = json.RawMessage(content)

	return m, nil
}

func collectMessages(rows *sql.Rows) ([]*model.Message, error) {
	var messages []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}
