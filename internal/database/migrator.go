package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kdimtricp/proctorwatch/internal/logger"
)

type Migration struct {
	Version string
	Name    string
	SQL     string
}

// MigrationStatus reports whether a migration has been applied.
type MigrationStatus struct {
	Migration
	Applied   bool
	AppliedAt time.Time
}

type Migrator struct {
	db     *sql.DB
	dbType string
	source fs.FS
	log    *slog.Logger
}

// NewMigrator reads *.sql files from source. Pass migrations.FS for the
// embedded set or os.DirFS for a directory on disk.
func NewMigrator(db *DB, source fs.FS) *Migrator {
	return &Migrator{
		db:     db.Conn(),
		dbType: db.Type(),
		source: source,
		log:    logger.DefaultLogger.With("component", "migrator"),
	}
}

// Initialize creates the migrations tracking table if it doesn't exist
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns applied versions with their timestamps
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[string]time.Time, error) {
	applied := make(map[string]time.Time)

	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		var appliedAt sql.NullTime
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = appliedAt.Time
	}

	return applied, rows.Err()
}

// LoadMigrations loads all migration files sorted by version
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// "001_cheating_logs.sql" -> "001"
		version, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			m.log.Warn("skipping invalid migration filename", "file", entry.Name())
			continue
		}

		content, err := fs.ReadFile(m.source, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    entry.Name(),
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// ApplyMigration runs a single migration in a transaction
func (m *Migrator) ApplyMigration(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", migration.Name, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version) VALUES ($1)",
		migration.Version,
	); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", migration.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", migration.Name, err)
	}

	m.log.Info("applied migration", "name", migration.Name)
	return nil
}

// Run executes all pending migrations and returns how many were applied.
// SQLite schemas are created by NewDB, so Run is a no-op there.
func (m *Migrator) Run(ctx context.Context) (int, error) {
	if m.dbType != TypePostgres {
		m.log.Info("skipping migrations for non-PostgreSQL database")
		return 0, nil
	}

	if err := m.Initialize(ctx); err != nil {
		return 0, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	pending := 0
	for _, migration := range migrations {
		if _, ok := applied[migration.Version]; ok {
			continue
		}
		if err := m.ApplyMigration(ctx, migration); err != nil {
			return pending, fmt.Errorf("migration failed: %w", err)
		}
		pending++
	}

	if pending == 0 {
		m.log.Info("no pending migrations")
	} else {
		m.log.Info("migrations applied", "count", pending)
	}
	return pending, nil
}

// Status lists every known migration and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}

	applied := map[string]time.Time{}
	if m.dbType == TypePostgres {
		if err := m.Initialize(ctx); err != nil {
			return nil, err
		}
		if applied, err = m.GetAppliedMigrations(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		at, ok := applied[mig.Version]
		out = append(out, MigrationStatus{Migration: mig, Applied: ok, AppliedAt: at})
	}
	return out, nil
}
