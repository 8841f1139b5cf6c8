// Package pgtest holds helpers for tests that need a live PostgreSQL server.
// Tests using it are skipped unless TEST_DATABASE holds a connection string.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// ConnString returns TEST_DATABASE or skips the test.
func ConnString(t testing.TB) string {
	t.Helper()
	connString := os.Getenv("TEST_DATABASE")
	if connString == "" {
		t.Skip("TEST_DATABASE not set")
	}
	return connString
}

// Connect creates a new database connection for testing
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	t.Helper()
	config, err := pgx.ParseConfig(ConnString(t))
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}

	conn, err := pgx.ConnectConfig(ctx, config)
	require.NoError(t, err)

	t.Cleanup(func() {
		Close(t, conn)
	})

	return conn
}

// Close safely closes a database connection
func Close(t testing.TB, conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
}

// Schema creates a throwaway schema, runs ddl inside it and drops it when the
// test ends. ddl may reference the schema through %[1]s.
func Schema(ctx context.Context, t testing.TB, conn *pgx.Conn, ddl ...string) string {
	t.Helper()
	name := "mqtt2pg_" + uuid.NewString()[:8]
	quoted := pgx.Identifier{name}.Sanitize()

	_, err := conn.Exec(ctx, "CREATE SCHEMA "+quoted)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctx, "DROP SCHEMA "+quoted+" CASCADE")
	})

	for _, stmt := range ddl {
		_, err := conn.Exec(ctx, fmt.Sprintf(stmt, quoted))
		require.NoError(t, err)
	}
	return name
}
