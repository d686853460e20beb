// Package repository provides data access for sessions and messages.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agent-sync-hub/backend/internal/model"
)

// UpdateResult is the outcome of an optimistic-concurrency write.
type UpdateResult struct {
	// Applied reports whether the write took effect.
	Applied bool
	// Version is the version after the write when applied, or the current
	// stored version when rejected.
	Version int64
	// Value is the stored blob after the write when applied, or the current
	// stored blob when rejected.
	Value json.RawMessage
}

// SessionRepository provides data access for sessions.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, namespace, tag, name, active, last_active_at,
	metadata, metadata_version, agent_state, agent_state_version, todos,
	permission_mode, model_mode, mode, thinking, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	s := &model.Session{}
	var tag, metadata, agentState, todos sql.NullString
	var active, thinking int

	err := row.Scan(
		&s.ID,
		&s.Namespace,
		&tag,
		&s.Name,
		&active,
		&s.LastActiveAt,
		&metadata,
		&s.MetadataVersion,
		&agentState,
		&s.AgentStateVersion,
		&todos,
		&s.PermissionMode,
		&s.ModelMode,
		&s.Mode,
		&thinking,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Active = active != 0
	s.Thinking = thinking != 0
	if tag.Valid {
		s.Tag = tag.String
	}
	if metadata.Valid && metadata.String != "" {
		s.Metadata = json.RawMessage(metadata.String)
	}
	if agentState.Valid && agentState.String != "" {
		s.AgentState = json.RawMessage(agentState.String)
	}
	if todos.Valid && todos.String != "" {
		s.Todos = json.RawMessage(todos.String)
	}

	return s, nil
}

func nullableBlob(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Create inserts a new session.
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.Namespace,
		nullableString(s.Tag),
		s.Name,
		boolToInt(s.Active),
		s.LastActiveAt,
		nullableBlob(s.Metadata),
		s.MetadataVersion,
		nullableBlob(s.AgentState),
		s.AgentStateVersion,
		nullableBlob(s.Todos),
		s.PermissionMode,
		s.ModelMode,
		s.Mode,
		boolToInt(s.Thinking),
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetByID retrieves a session by its id.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return s, nil
}

// GetByNamespace retrieves all sessions belonging to a namespace, most
// recently active first.
func (r *SessionRepository) GetByNamespace(ctx context.Context, namespace string) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE namespace = ? ORDER BY last_active_at DESC`

	rows, err := r.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// GetAll retrieves every session. Used by the cache to rebuild at startup.
func (r *SessionRepository) GetAll(ctx context.Context) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// GetOrCreateByTag returns the existing session with the tag in the
// namespace, or inserts the candidate. The second return value reports
// whether a new row was created.
func (r *SessionRepository) GetOrCreateByTag(ctx context.Context, candidate *model.Session) (*model.Session, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE namespace = ? AND tag = ?`
	existing, err := scanSession(tx.QueryRowContext(ctx, query, candidate.Namespace, candidate.Tag))
	if err == nil {
		return existing, false, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to look up session by tag: %w", err)
	}

	insert := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, insert,
		candidate.ID,
		candidate.Namespace,
		nullableString(candidate.Tag),
		candidate.Name,
		boolToInt(candidate.Active),
		candidate.LastActiveAt,
		nullableBlob(candidate.Metadata),
		candidate.MetadataVersion,
		nullableBlob(candidate.AgentState),
		candidate.AgentStateVersion,
		nullableBlob(candidate.Todos),
		candidate.PermissionMode,
		candidate.ModelMode,
		candidate.Mode,
		boolToInt(candidate.Thinking),
		candidate.CreatedAt,
		candidate.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit session create: %w", err)
	}

	return candidate, true, nil
}

// UpdateMetadata performs a version-checked metadata write. A nil
// expectedVersion writes unconditionally. The returned UpdateResult carries
// the stored version and value either way; the caller decides whether and
// how to retry.
func (r *SessionRepository) UpdateMetadata(ctx context.Context, id string, metadata json.RawMessage, expectedVersion *int64) (*UpdateResult, error) {
	return r.updateVersioned(ctx, id, "metadata", "metadata_version", metadata, expectedVersion)
}

// UpdateAgentState performs a version-checked agent-state write.
func (r *SessionRepository) UpdateAgentState(ctx context.Context, id string, state json.RawMessage, expectedVersion *int64) (*UpdateResult, error) {
	return r.updateVersioned(ctx, id, "agent_state", "agent_state_version", state, expectedVersion)
}

func (r *SessionRepository) updateVersioned(ctx context.Context, id, valueCol, versionCol string, value json.RawMessage, expectedVersion *int64) (*UpdateResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	var stored sql.NullString
	query := fmt.Sprintf(`SELECT %s, %s FROM sessions WHERE id = ?`, versionCol, valueCol)
	err = tx.QueryRowContext(ctx, query, id).Scan(&current, &stored)
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}

	if expectedVersion != nil && *expectedVersion != current {
		var existing json.RawMessage
		if stored.Valid && stored.String != "" {
			existing = json.RawMessage(stored.String)
		}
		return &UpdateResult{Applied: false, Version: current, Value: existing}, tx.Commit()
	}

	next := current + 1
	update := fmt.Sprintf(`UPDATE sessions SET %s = ?, %s = ?, updated_at = ? WHERE id = ?`, valueCol, versionCol)
	if _, err := tx.ExecContext(ctx, update, nullableBlob(value), next, time.Now(), id); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", valueCol, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s write: %w", valueCol, err)
	}

	return &UpdateResult{Applied: true, Version: next, Value: value}, nil
}

// UpdateLiveness persists the liveness fields of a session.
func (r *SessionRepository) UpdateLiveness(ctx context.Context, s *model.Session) error {
	query := `
		UPDATE sessions
		SET active = ?, last_active_at = ?, thinking = ?, mode = ?,
		    permission_mode = ?, model_mode = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		boolToInt(s.Active),
		s.LastActiveAt,
		boolToInt(s.Thinking),
		s.Mode,
		s.PermissionMode,
		s.ModelMode,
		time.Now(),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update liveness: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// Rename updates the human-assigned session name.
func (r *SessionRepository) Rename(ctx context.Context, id, name string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// SetTodos replaces the todos blob of a session.
func (r *SessionRepository) SetTodos(ctx context.Context, id string, todos json.RawMessage) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET todos = ?, updated_at = ? WHERE id = ?`,
		nullableBlob(todos), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set todos: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// Delete removes a session and, via cascade, its messages.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// Merge reassigns the message history of oldID to newID and removes the
// superseded session, all inside one transaction. Reassigned messages are
// renumbered past the target's highest seq so ordering and uniqueness hold.
func (r *SessionRepository) Merge(ctx context.Context, oldID, newID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin merge tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, newID).Scan(&exists)
	if err == sql.ErrNoRows {
		return model.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check merge target: %w", err)
	}

	var maxSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, newID).Scan(&maxSeq)
	if err != nil {
		return fmt.Errorf("failed to read target seq: %w", err)
	}

	var minSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(seq), 1) FROM messages WHERE session_id = ?`, oldID).Scan(&minSeq)
	if err != nil {
		return fmt.Errorf("failed to read source seq: %w", err)
	}

	offset := maxSeq - minSeq + 1
	if offset < 0 {
		offset = 0
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET session_id = ?, seq = seq + ? WHERE session_id = ?`,
		newID, offset, oldID)
	if err != nil {
		return fmt.Errorf("failed to reassign messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, oldID)
	if err != nil {
		return fmt.Errorf("failed to remove merged session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrSessionNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
