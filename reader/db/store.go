package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/paper-reader/reader/figures"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/ZanzyTHEbar/paper-reader/reader/profile"
	"github.com/ZanzyTHEbar/paper-reader/reader/session"
	"github.com/google/uuid"
)

// LibSQLStore implements session.Store on the embedded database.
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore creates a store over a migrated database.
func NewLibSQLStore(db *sql.DB) *LibSQLStore {
	return &LibSQLStore{db: db, now: time.Now}
}

// LoadSession loads a session row with its figures and transcript.
func (s *LibSQLStore) LoadSession(ctx context.Context, id string) (*session.Record, []ports.PromptMessage, error) {
	var (
		rec       session.Record
		stateJSON string
		created   int64
		updated   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_path, language, stage_state, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Document.Path, &rec.Language, &stateJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.UpdatedAt = time.UnixMilli(updated)

	if err := json.Unmarshal([]byte(stateJSON), &rec.State); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal stage state: %w", err)
	}

	if rec.Figures, err = s.loadFigures(ctx, id); err != nil {
		return nil, nil, err
	}

	messages, err := s.loadMessages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return &rec, messages, nil
}

func (s *LibSQLStore) loadFigures(ctx context.Context, id string) ([]figures.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page, title, type, description, path, rel_path, bbox
		FROM figures WHERE session_id = ?
		ORDER BY idx ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query figures: %w", err)
	}
	defer rows.Close()

	var out []figures.Record
	for rows.Next() {
		var (
			r    figures.Record
			bbox string
		)
		if err := rows.Scan(&r.Page, &r.Title, &r.Type, &r.Description, &r.Path, &r.RelPath, &bbox); err != nil {
			return nil, fmt.Errorf("failed to scan figure: %w", err)
		}
		if err := json.Unmarshal([]byte(bbox), &r.BBox); err != nil {
			return nil, fmt.Errorf("failed to unmarshal figure bbox: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating figures: %w", err)
	}
	return out, nil
}

func (s *LibSQLStore) loadMessages(ctx context.Context, id string) ([]ports.PromptMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []ports.PromptMessage
	for rows.Next() {
		var m ports.PromptMessage
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, nil
}

// SaveSession upserts the session row and appends figures not stored yet.
// Figures are append-only, so rows already stored for an index are left alone.
func (s *LibSQLStore) SaveSession(ctx context.Context, rec *session.Record) error {
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("failed to marshal stage state: %w", err)
	}

	now := s.now().UnixMilli()
	created := now
	if !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt.UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, document_path, language, stage_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_path = excluded.document_path,
			language = excluded.language,
			stage_state = excluded.stage_state,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Document.Path, rec.Language, string(stateJSON), created, now)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	for i, f := range rec.Figures {
		bbox, err := json.Marshal(f.BBox)
		if err != nil {
			return fmt.Errorf("failed to marshal figure bbox: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO figures (session_id, idx, page, title, type, description, path, rel_path, bbox)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, i, f.Page, f.Title, f.Type, f.Description, f.Path, f.RelPath, string(bbox))
		if err != nil {
			return fmt.Errorf("failed to save figure %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// AppendMessage adds a message after the session's last one.
func (s *LibSQLStore) AppendMessage(ctx context.Context, id string, msg ports.PromptMessage) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return session.ErrSessionNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, created_at)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		FROM messages WHERE session_id = ?
	`, uuid.NewString(), id, msg.Role, msg.Content, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// ListSessions returns every session, most recently updated first.
func (s *LibSQLStore) ListSessions(ctx context.Context) ([]session.Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.document_path,
			COALESCE(json_extract(s.stage_state, '$.current'), ''),
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id),
			(SELECT COUNT(*) FROM figures f WHERE f.session_id = s.id),
			s.updated_at
		FROM sessions s
		ORDER BY s.updated_at DESC, s.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Info
	for rows.Next() {
		var (
			info    session.Info
			updated int64
		)
		if err := rows.Scan(&info.ID, &info.Document, &info.Stage, &info.Messages, &info.Figures, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.UpdatedAt = time.UnixMilli(updated)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session with its messages and figures.
func (s *LibSQLStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM figures WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete session data: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return session.ErrSessionNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// LoadProfile returns the shared user profile, empty when none is stored.
func (s *LibSQLStore) LoadProfile(ctx context.Context) (profile.Snapshot, error) {
	var (
		snap      profile.Snapshot
		keyPoints string
	)
	err := s.db.QueryRowContext(ctx, `SELECT name, key_points FROM user_profile WHERE id = 1`).Scan(&snap.Name, &keyPoints)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.Snapshot{}, nil
	}
	if err != nil {
		return profile.Snapshot{}, fmt.Errorf("failed to load profile: %w", err)
	}
	if err := json.Unmarshal([]byte(keyPoints), &snap.Insights); err != nil {
		return profile.Snapshot{}, fmt.Errorf("failed to unmarshal key points: %w", err)
	}
	return snap, nil
}

// SaveProfile replaces the shared user profile.
func (s *LibSQLStore) SaveProfile(ctx context.Context, snap profile.Snapshot) error {
	insights := snap.Insights
	if insights == nil {
		insights = []string{}
	}
	keyPoints, err := json.Marshal(insights)
	if err != nil {
		return fmt.Errorf("failed to marshal key points: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_profile (id, name, key_points, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			key_points = excluded.key_points,
			updated_at = excluded.updated_at
	`, snap.Name, string(keyPoints), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

var _ session.Store = (*LibSQLStore)(nil)
