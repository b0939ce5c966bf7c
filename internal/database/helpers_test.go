package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kdimtricp/proctorwatch/migrations"
)

// Set to run repository tests against a throwaway Postgres container.
const postgresTestsEnv = "PROCTORWATCH_PG_TESTS"

func setupSQLiteDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(Config{
		Type:       TypeSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "proctorwatch_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupPostgresDB(t *testing.T) *DB {
	t.Helper()
	if os.Getenv(postgresTestsEnv) == "" {
		t.Skipf("set %s=1 to run against PostgreSQL", postgresTestsEnv)
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("proctorwatch_test"),
		postgres.WithUsername("proctorwatch_test"),
		postgres.WithPassword("proctorwatch_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	db, err := NewDB(Config{
		Type:     TypePostgres,
		Host:     host,
		Port:     port.Int(),
		User:     "proctorwatch_test",
		Password: "proctorwatch_test_password",
		Name:     "proctorwatch_test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = NewMigrator(db, migrations.FS).Run(ctx)
	require.NoError(t, err)
	return db
}

// forEachBackend runs fn against sqlite and, when enabled, postgres.
func forEachBackend(t *testing.T, fn func(t *testing.T, db *DB)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupSQLiteDB(t)) })
	t.Run("postgres", func(t *testing.T) { fn(t, setupPostgresDB(t)) })
}
