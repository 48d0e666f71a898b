package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhouzirui/ollama-chat/backend/internal/model/chat"
)

// SQLiteStore keeps sessions in a local database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    title TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC);
CREATE TABLE IF NOT EXISTS messages (
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sessionID string) (chat.Session, error) {
	if err := ValidateID(sessionID); err != nil {
		return chat.Session{}, err
	}

	now := chat.NormalizeTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		sessionID, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return chat.Session{}, fmt.Errorf("sqlite: insert session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return chat.Session{}, fmt.Errorf("sqlite: insert session: %w", err)
	}
	if affected == 0 {
		return chat.Session{}, ErrDuplicateSession
	}

	return chat.Session{
		ID:        sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []chat.Message{},
	}, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, error) {
	if err := validateMessage(msg); err != nil {
		return chat.Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var title string
	err = tx.QueryRowContext(ctx, `SELECT title FROM sessions WHERE id = ?`, sessionID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: load session: %w", err)
	}

	var (
		seq    int64
		lastMs sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT seq, created_at FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		sessionID).Scan(&seq, &lastMs)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, fmt.Errorf("sqlite: load last message: %w", err)
	}

	var last time.Time
	if lastMs.Valid {
		last = time.UnixMilli(lastMs.Int64).UTC()
	}
	msg = chat.Stamp(msg, last, s.now())

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, seq, role, content, model, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, seq+1, string(msg.Role), msg.Content, msg.Model, msg.Timestamp.UnixMilli()); err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		chat.TitleAfter(title, msg), chat.NormalizeTime(s.now()).UnixMilli(), sessionID); err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) iter.Seq2[chat.Summary, error] {
	return func(yield func(chat.Summary, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, created_at, title FROM sessions ORDER BY created_at DESC, id ASC`)
		if err != nil {
			yield(chat.Summary{}, fmt.Errorf("sqlite: list sessions: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				summary   chat.Summary
				createdMs int64
			)
			if err := rows.Scan(&summary.ID, &createdMs, &summary.Title); err != nil {
				yield(chat.Summary{}, fmt.Errorf("sqlite: scan session: %w", err))
				return
			}
			summary.CreatedAt = time.UnixMilli(createdMs).UTC()
			if !yield(summary, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(chat.Summary{}, fmt.Errorf("sqlite: iterate sessions: %w", err))
		}
	}
}

func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (chat.Session, error) {
	var (
		session              chat.Session
		createdMs, updatedMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at, title FROM sessions WHERE id = ?`,
		sessionID).Scan(&session.ID, &createdMs, &updatedMs, &session.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("sqlite: load session: %w", err)
	}
	session.CreatedAt = time.UnixMilli(createdMs).UTC()
	session.UpdatedAt = time.UnixMilli(updatedMs).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, model, created_at FROM messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID)
	if err != nil {
		return chat.Session{}, fmt.Errorf("sqlite: load messages: %w", err)
	}
	defer rows.Close()

	session.Messages = make([]chat.Message, 0)
	for rows.Next() {
		var (
			msg  chat.Message
			role string
			ms   int64
		)
		if err := rows.Scan(&role, &msg.Content, &msg.Model, &ms); err != nil {
			return chat.Session{}, fmt.Errorf("sqlite: scan message: %w", err)
		}
		msg.Role = chat.Role(role)
		msg.Timestamp = time.UnixMilli(ms).UTC()
		session.Messages = append(session.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return chat.Session{}, fmt.Errorf("sqlite: iterate messages: %w", err)
	}

	return session, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite: delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite: delete session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}
