package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration represents a single schema migration with version, name, and SQL statements.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_experiments_runs",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS experiments (
				exp_id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				sample_name TEXT NOT NULL,
				start_time TEXT NOT NULL,
				end_time TEXT,
				format_string TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS runs (
				run_id INTEGER PRIMARY KEY AUTOINCREMENT,
				exp_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				guid TEXT NOT NULL UNIQUE,
				run_timestamp TEXT NOT NULL,
				completed_timestamp TEXT,
				is_completed INTEGER NOT NULL DEFAULT 0,
				result_counter INTEGER NOT NULL DEFAULT 0,
				FOREIGN KEY(exp_id) REFERENCES experiments(exp_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_exp ON runs(exp_id)`,
		},
	},
	{
		version: 2,
		name:    "add_results",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS results (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id INTEGER NOT NULL,
				ts TEXT NOT NULL,
				json TEXT NOT NULL,
				FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id)`,
		},
	},
	{
		version: 3,
		name:    "add_run_description",
		statements: []string{
			`ALTER TABLE runs ADD COLUMN run_description TEXT`,
		},
	},
}

// LatestSchemaVersion is the version a fully initialised database reports.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Initialise applies every pending migration through conn and stamps the
// schema version into PRAGMA user_version. Migration statements are logged
// like any other statement on a debug connection.
func Initialise(ctx context.Context, conn *Conn) error {
	pool, err := conn.DB()
	if err != nil {
		return err
	}
	if err := migrate(pool, conn.logStatement); err != nil {
		return err
	}
	stmt := fmt.Sprintf("PRAGMA user_version = %d", LatestSchemaVersion())
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// SchemaVersion reads PRAGMA user_version. Zero means uninitialised.
func SchemaVersion(ctx context.Context, conn *Conn) (int, error) {
	var version int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return version, nil
}

// Migrate runs any pending migrations against the provided database.
//
// This function:
//   - Validates migration definitions (no duplicates, ordered versions)
//   - Ensures schema_migrations table exists
//   - Verifies applied migrations are still known
//   - Applies any pending migrations, one transaction each
func Migrate(db *sql.DB) error {
	return migrate(db, nil)
}

// statementLogger receives each migration statement before it runs.
type statementLogger func(query string, args []any)

func migrate(db *sql.DB, logStmt statementLogger) error {
	if logStmt == nil {
		logStmt = func(string, []any) {}
	}
	if db == nil {
		return errors.New("db is nil")
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if err := ensureSchemaMigrations(db); err != nil {
		return err
	}
	applied, err := loadAppliedVersions(db)
	if err != nil {
		return err
	}
	if err := verifyKnownMigrations(applied); err != nil {
		return err
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := applyMigration(db, m, logStmt); err != nil {
			return err
		}
	}
	return nil
}

func ensureSchemaMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func loadAppliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// verifyKnownMigrations rejects databases written by a newer schema.
func verifyKnownMigrations(applied map[int]struct{}) error {
	known := make(map[int]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.version] = struct{}{}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration, logStmt statementLogger) error {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		logStmt(trimmed, nil)
		if _, err := tx.Exec(trimmed); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", m.version, err)
		}
	}
	appliedAt := time.Now().UTC().Format(time.RFC3339Nano)
	const record = `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`
	logStmt(record, []any{m.version, m.name, appliedAt})
	if _, err := tx.Exec(record, m.version, m.name, appliedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	seen := make(map[int]struct{}, len(migrations))
	prev := 0
	for _, m := range migrations {
		if m.version <= 0 {
			return fmt.Errorf("migration version must be positive: %d", m.version)
		}
		if _, ok := seen[m.version]; ok {
			return fmt.Errorf("duplicate migration version %d", m.version)
		}
		if m.version < prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		seen[m.version] = struct{}{}
		prev = m.version
	}
	return nil
}
