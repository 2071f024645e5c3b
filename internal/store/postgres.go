package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"StreamChat/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres stores sessions and messages in PostgreSQL
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and applies pending migrations
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func runMigrations(databaseURL string) error {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	slog.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}

func (p *Postgres) CreateSession(ctx context.Context, s session.Session) (session.Session, error) {
	s = prepareSession(s)
	_, err := p.pool.Exec(ctx,
		"INSERT INTO sessions (id, owner_id, title, model, created_at) VALUES ($1, $2, $3, $4, $5)",
		s.ID, s.OwnerID, s.Title, s.ModelID, s.CreatedAt,
	)
	if err != nil {
		return session.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

func (p *Postgres) QuerySessions(ctx context.Context, f Filter, o Order) ([]session.Session, error) {
	query := "SELECT id, owner_id, title, model, created_at FROM sessions"
	var args []any
	if f.OwnerID != "" {
		query += " WHERE owner_id = $1"
		args = append(args, f.OwnerID)
	}
	query += orderClause(o)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Session, error) {
		var s session.Session
		err := row.Scan(&s.ID, &s.OwnerID, &s.Title, &s.ModelID, &s.CreatedAt)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return sessions, nil
}

func (p *Postgres) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	var sets []string
	var args []any
	if patch.Title != nil {
		args = append(args, *patch.Title)
		sets = append(sets, fmt.Sprintf("title = $%d", len(args)))
	}
	if patch.ModelID != nil {
		args = append(args, *patch.ModelID)
		sets = append(sets, fmt.Sprintf("model = $%d", len(args)))
	}
	return p.update(ctx, "sessions", id, sets, args)
}

func (p *Postgres) DeleteSession(ctx context.Context, id string) error {
	return p.exec(ctx, "DELETE FROM sessions WHERE id = $1", true, id)
}

func (p *Postgres) CreateMessage(ctx context.Context, m session.Message) (session.Message, error) {
	m = prepareMessage(m)
	_, err := p.pool.Exec(ctx,
		"INSERT INTO messages (id, session_id, role, content, created_at, streaming) VALUES ($1, $2, $3, $4, $5, $6)",
		m.ID, m.SessionID, string(m.Role), m.Content, m.CreatedAt, m.Streaming,
	)
	if err != nil {
		return session.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (p *Postgres) QueryMessages(ctx context.Context, f Filter, o Order) ([]session.Message, error) {
	query := "SELECT id, session_id, role, content, created_at, streaming FROM messages"
	var args []any
	if f.SessionID != "" {
		query += " WHERE session_id = $1"
		args = append(args, f.SessionID)
	}
	query += orderClause(o)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Message, error) {
		var m session.Message
		var role string
		err := row.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.CreatedAt, &m.Streaming)
		m.Role = session.Role(role)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return messages, nil
}

func (p *Postgres) UpdateMessage(ctx context.Context, id string, patch MessagePatch) error {
	var sets []string
	var args []any
	if patch.Content != nil {
		args = append(args, *patch.Content)
		sets = append(sets, fmt.Sprintf("content = $%d", len(args)))
	}
	if patch.Streaming != nil {
		args = append(args, *patch.Streaming)
		sets = append(sets, fmt.Sprintf("streaming = $%d", len(args)))
	}
	return p.update(ctx, "messages", id, sets, args)
}

func (p *Postgres) DeleteMessage(ctx context.Context, id string) error {
	return p.exec(ctx, "DELETE FROM messages WHERE id = $1", true, id)
}

func (p *Postgres) DeleteMessages(ctx context.Context, f Filter) error {
	if f.SessionID == "" {
		return p.exec(ctx, "DELETE FROM messages", false)
	}
	return p.exec(ctx, "DELETE FROM messages WHERE session_id = $1", false, f.SessionID)
}

// Close releases the connection pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) update(ctx context.Context, table, id string, sets []string, args []any) error {
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(args))
	return p.exec(ctx, query, true, args...)
}

func (p *Postgres) exec(ctx context.Context, query string, mustAffect bool, args ...any) error {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec %q: %w", strings.Fields(query)[0], err)
	}
	if mustAffect && tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
