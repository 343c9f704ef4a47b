// Package testutil provides container-backed fixtures for integration tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// PostgresPool starts (once per test binary) a PostgreSQL container and
// returns a pool connected to it. Tests are skipped under -short or when no
// container provider is available.
func PostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	dsn := postgresDSN(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))
	t.Cleanup(pool.Close)
	return pool
}

func postgresDSN(t *testing.T) string {
	t.Helper()

	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		container, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					// The server logs readiness twice: once for the init
					// instance and once for the real one.
					wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "orchestra",
				"POSTGRES_PASSWORD": "orchestra",
				"POSTGRES_DB":       "orchestra_test",
			}),
		)
		if err != nil {
			pgErr = err
			return
		}

		endpoint, err := container.Endpoint(ctx, "")
		if err != nil {
			_ = container.Terminate(context.Background())
			pgErr = err
			return
		}
		pgDSN = fmt.Sprintf("postgres://orchestra:orchestra@%s/orchestra_test?sslmode=disable", endpoint)
	})

	require.NoError(t, pgErr)
	return pgDSN
}

// TruncateTables empties the named tables so each test starts clean against
// the shared container.
func TruncateTables(t *testing.T, pool *pgxpool.Pool, tables ...string) {
	t.Helper()
	for _, table := range tables {
		_, err := pool.Exec(context.Background(), "TRUNCATE TABLE "+table+" CASCADE")
		require.NoError(t, err)
	}
}
