package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuditStore is an AuditStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresAuditStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresAuditStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresAuditStore behavior.
type PostgresOption func(*PostgresAuditStore) error

// WithSchema sets the DB schema used by this store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresAuditStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("relay: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("relay: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresAuditStore constructs a Postgres-backed AuditStore.
func NewPostgresAuditStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresAuditStore, error) {
	st := &PostgresAuditStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("relay: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresAuditStore) Close() error { return nil }

// EnsureSchema creates the schema and the session_events table when missing.
func (s *PostgresAuditStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("relay: nil store")
	}

	events := pgIdent(s.schema, "session_events")
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id         BIGSERIAL PRIMARY KEY,
  session_id TEXT NOT NULL,
  action     TEXT NOT NULL,
  name       TEXT NOT NULL DEFAULT '',
  remote     TEXT NOT NULL DEFAULT '',
  transport  TEXT NOT NULL DEFAULT '',
  attrs      JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS session_events_session_idx ON %s (session_id);
`, pgx.Identifier{s.schema}.Sanitize(), events, events)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Record inserts ev.
func (s *PostgresAuditStore) Record(ctx context.Context, ev AuditEvent) error {
	if s == nil || s.pool == nil {
		return errors.New("relay: nil store")
	}
	if ev.SessionID == "" || ev.Action == "" {
		return errors.New("invalid audit event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	attrs := ev.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "session_events")+` (
		     session_id, action, name, remote, transport, attrs, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.SessionID, ev.Action, ev.Name, ev.Remote, ev.Transport, attrs, at,
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *PostgresAuditStore) Recent(ctx context.Context, limit int) ([]AuditEvent, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("relay: nil store")
	}
	limit = clampRecentLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, action, name, remote, transport, attrs, created_at
		   FROM `+pgIdent(s.schema, "session_events")+`
		  ORDER BY id DESC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AuditEvent, 0, limit)
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(
			&ev.SessionID,
			&ev.Action,
			&ev.Name,
			&ev.Remote,
			&ev.Transport,
			&ev.Attrs,
			&ev.At,
		); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
