package testhelpers

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"

	"hirechat/pkg/db"
)

// NewTestPool connects to a real Postgres instance and applies the schema.
// Skips if DATABASE_URL_FOR_TEST is not set to keep CI deterministic.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if err := godotenv.Load(); err != nil {
		t.Log("No .env file found, using environment variables")
	}
	dsn := os.Getenv("DATABASE_URL_FOR_TEST")
	if dsn == "" {
		t.Skip("DATABASE_URL_FOR_TEST not set; skipping integration tests")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = 4

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, db.ApplySchema(ctx, pool))

	truncate := func() {
		_, err := pool.Exec(context.Background(), "TRUNCATE activity_log")
		require.NoError(t, err)
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		pool.Close()
	})
	return pool
}

// CountActivity returns the number of archived rows of eventType.
func CountActivity(t *testing.T, pool *pgxpool.Pool, eventType string) int {
	t.Helper()

	var n int
	err := pool.QueryRow(context.Background(), "SELECT count(*) FROM activity_log WHERE event_type = $1", eventType).Scan(&n)
	require.NoError(t, err)
	return n
}
