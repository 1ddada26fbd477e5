package contacts

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when BOTGATE_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_MarkSeenIdempotent(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := fmt.Sprintf("it_contacts_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	peer := "24105730123@s.whatsapp.net"
	seen, err := st.HasSeen(ctx, peer)
	if err != nil || seen {
		t.Fatalf("HasSeen before mark: seen=%v err=%v", seen, err)
	}
	for i := 0; i < 2; i++ {
		if err := st.MarkSeen(ctx, peer); err != nil {
			t.Fatalf("MarkSeen #%d: %v", i, err)
		}
	}
	seen, err = st.HasSeen(ctx, peer)
	if err != nil || !seen {
		t.Fatalf("HasSeen after mark: seen=%v err=%v", seen, err)
	}
}

func TestWithSchema_RejectsBadIdentifiers(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "  ", "a-b", "1abc", "x;drop"} {
		st := &PostgresStore{}
		if err := WithSchema(in)(st); err == nil {
			t.Fatalf("WithSchema(%q): expected error", in)
		}
	}
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected nil pool error")
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("BOTGATE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("BOTGATE_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}
