package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchema_EmbeddedByDefault(t *testing.T) {
	t.Setenv("SCHEMA_PATH", "")

	sql, err := Schema()
	require.NoError(t, err)
	require.Contains(t, sql, "CREATE TABLE IF NOT EXISTS activity_log")
}

func TestSchema_PathOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.sql")
	require.NoError(t, os.WriteFile(path, []byte("  SELECT 1;\n"), 0o600))
	t.Setenv("SCHEMA_PATH", path)

	sql, err := Schema()
	require.NoError(t, err)
	require.Equal(t, "SELECT 1;", sql)

	require.NoError(t, os.WriteFile(path, []byte("   "), 0o600))
	_, err = Schema()
	require.Error(t, err)

	t.Setenv("SCHEMA_PATH", filepath.Join(dir, "missing.sql"))
	_, err = Schema()
	require.Error(t, err)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("DB_MAX_CONNS", "7")
	t.Setenv("DB_BAD", "x")
	t.Setenv("DB_IDLE", "nope")

	require.Equal(t, 7, getEnvAsInt("DB_MAX_CONNS", 1))
	require.Equal(t, 1, getEnvAsInt("DB_BAD", 1))
	require.Equal(t, 3, getEnvAsInt("DB_UNSET_FOR_TEST", 3))
	require.Equal(t, "5m0s", getEnvAsDuration("DB_IDLE", "5m").String())
}
