package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"StreamChat/internal/session"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	model TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	streaming INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);`

// SQLite stores sessions and messages in a SQLite database file
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating when needed) the database at path
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection keeps patch writes in order
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	sess = prepareSession(sess)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, owner_id, title, model, created_at) VALUES (?, ?, ?, ?, ?)",
		sess.ID, sess.OwnerID, sess.Title, sess.ModelID, sess.CreatedAt.UnixNano(),
	)
	if err != nil {
		return session.Session{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return sess, nil
}

func (s *SQLite) QuerySessions(ctx context.Context, f Filter, o Order) ([]session.Session, error) {
	query := "SELECT id, owner_id, title, model, created_at FROM sessions"
	var args []any
	if f.OwnerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, f.OwnerID)
	}
	query += orderClause(o)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []session.Session{}
	for rows.Next() {
		var sess session.Session
		var createdAt int64
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.Title, &sess.ModelID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.CreatedAt = time.Unix(0, createdAt)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLite) UpdateSession(ctx context.Context, id string, p SessionPatch) error {
	var sets []string
	var args []any
	if p.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *p.Title)
	}
	if p.ModelID != nil {
		sets = append(sets, "model = ?")
		args = append(args, *p.ModelID)
	}
	return s.update(ctx, "sessions", id, sets, args)
}

func (s *SQLite) DeleteSession(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "sessions", id)
}

func (s *SQLite) CreateMessage(ctx context.Context, m session.Message) (session.Message, error) {
	m = prepareMessage(m)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, session_id, role, content, created_at, streaming) VALUES (?, ?, ?, ?, ?, ?)",
		m.ID, m.SessionID, string(m.Role), m.Content, m.CreatedAt.UnixNano(), m.Streaming,
	)
	if err != nil {
		return session.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	return m, nil
}

func (s *SQLite) QueryMessages(ctx context.Context, f Filter, o Order) ([]session.Message, error) {
	query := "SELECT id, session_id, role, content, created_at, streaming FROM messages"
	var args []any
	if f.SessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, f.SessionID)
	}
	query += orderClause(o)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		var m session.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &createdAt, &m.Streaming); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = session.Role(role)
		m.CreatedAt = time.Unix(0, createdAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLite) UpdateMessage(ctx context.Context, id string, p MessagePatch) error {
	var sets []string
	var args []any
	if p.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *p.Content)
	}
	if p.Streaming != nil {
		sets = append(sets, "streaming = ?")
		args = append(args, *p.Streaming)
	}
	return s.update(ctx, "messages", id, sets, args)
}

func (s *SQLite) DeleteMessage(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "messages", id)
}

func (s *SQLite) DeleteMessages(ctx context.Context, f Filter) error {
	query := "DELETE FROM messages"
	var args []any
	if f.SessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, f.SessionID)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) update(ctx context.Context, table, id string, sets []string, args []any) error {
	if len(sets) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, append(args, id)...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	return requireAffected(res)
}

func (s *SQLite) deleteByID(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func orderClause(o Order) string {
	if o.Desc {
		return " ORDER BY created_at DESC, id DESC"
	}
	return " ORDER BY created_at ASC, id ASC"
}
