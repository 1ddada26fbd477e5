package contacts

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by a single table keyed by peer id.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// INSERT .. ON CONFLICT DO NOTHING keeps the set append-only under concurrent writers.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "botgate").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("contacts: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("contacts: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "botgate",
		table:  "seen_contacts",
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
		return nil, errors.New("contacts: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema and table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS `+s.ident()+` (
		     peer_id    text PRIMARY KEY,
		     first_seen timestamptz NOT NULL DEFAULT now()
		 )`)
	return err
}

// HasSeen reports whether peer has a row.
func (s *PostgresStore) HasSeen(ctx context.Context, peer string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("contacts: nil store")
	}
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return false, ErrEmptyPeer
	}

	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+s.ident()+` WHERE peer_id = $1`, peer).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkSeen inserts peer; an existing row is left untouched.
func (s *PostgresStore) MarkSeen(ctx context.Context, peer string) error {
	if s == nil || s.pool == nil {
		return errors.New("contacts: nil store")
	}
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return ErrEmptyPeer
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident()+` (peer_id) VALUES ($1) ON CONFLICT (peer_id) DO NOTHING`,
		peer,
	)
	return err
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) ident() string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
