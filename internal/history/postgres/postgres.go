// Package postgres implements [history.Store] on PostgreSQL using pgx.
package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxrelay/internal/history"
)

// Schema is the SQL DDL for the conversation_turns table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    user_text   TEXT NOT NULL,
    reply_text  TEXT NOT NULL,
    fallback    BOOLEAN NOT NULL DEFAULT false,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversation_turns_session ON conversation_turns(session_id, id);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Store is a [history.Store] backed by PostgreSQL.
type Store struct {
	db    DB
	close func()
}

var _ history.Store = (*Store)(nil)

// New returns a Store using db. The caller owns db; [Store.Close] is a no-op.
func New(db DB) *Store {
	return &Store{db: db, close: func() {}}
}

// Open connects a pgx pool to dsn, verifies the connection and applies the
// schema. The returned Store owns the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history/postgres: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("history/postgres: migrate: %w", err)
	}
	return nil
}

// Append inserts one row.
func (s *Store) Append(ctx context.Context, e history.Entry) error {
	if e.SessionID == "" {
		return history.ErrInvalidSession
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	const query = `
		INSERT INTO conversation_turns (session_id, user_text, reply_text, fallback, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.Exec(ctx, query, e.SessionID, e.User, e.Reply, e.Fallback, e.At); err != nil {
		return fmt.Errorf("history/postgres: append: %w", err)
	}
	return nil
}

// Recent returns the newest rows of a session, oldest first. limit <= 0
// returns every row.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]history.Entry, error) {
	if sessionID == "" {
		return nil, history.ErrInvalidSession
	}
	query := `
		SELECT session_id, user_text, reply_text, fallback, created_at
		FROM conversation_turns
		WHERE session_id = $1
		ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history/postgres: recent: %w", err)
	}
	defer rows.Close()

	var out []history.Entry
	for rows.Next() {
		var e history.Entry
		if err := rows.Scan(&e.SessionID, &e.User, &e.Reply, &e.Fallback, &e.At); err != nil {
			return nil, fmt.Errorf("history/postgres: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history/postgres: rows: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("history/postgres: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.close()
	return nil
}
