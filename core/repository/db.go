package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL backend behind a DB
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// DB wraps a database handle and rewrites $n placeholders for backends that
// only understand positional ?
type DB struct {
	*sql.DB
	dialect Dialect
}

// NewDB opens the database named by databaseURL.
// postgres:// and postgresql:// URLs use lib/pq; sqlite://<path> opens an
// embedded database file, creating its directory if needed.
func NewDB(databaseURL string) (*DB, error) {
	var (
		dialect Dialect
		dsn     string
	)

	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		dialect = DialectPostgres
		dsn = databaseURL
	case strings.HasPrefix(databaseURL, "sqlite://"):
		dialect = DialectSQLite
		dsn = strings.TrimPrefix(databaseURL, "sqlite://")
		if dsn == "" {
			return nil, fmt.Errorf("empty sqlite path in %q", databaseURL)
		}
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported database URL %q", databaseURL)
	}

	sqlDB, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One connection keeps the embedded database single-writer.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	return &DB{DB: sqlDB, dialect: dialect}, nil
}

// Dialect returns the backend in use
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Rebind converts $n placeholders to ? for sqlite
func (db *DB) Rebind(query string) string {
	if db.dialect != DialectSQLite {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?")
}

// Exec executes a query without returning rows
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.DB.Exec(db.Rebind(query), args...)
}

// Query executes a query that returns rows
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.DB.Query(db.Rebind(query), args...)
}

// QueryRow executes a query that returns at most one row
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRow(db.Rebind(query), args...)
}

// Migrate creates the schema if it does not exist yet
func (db *DB) Migrate(ctx context.Context) error {
	serial := "BIGSERIAL PRIMARY KEY"
	if db.dialect == DialectSQLite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	for _, stmt := range schema {
		if _, err := db.DB.ExecContext(ctx, strings.ReplaceAll(stmt, "{{serial}}", serial)); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		experiment TEXT NOT NULL,
		status TEXT NOT NULL,
		resume_step INTEGER NOT NULL,
		final_step INTEGER,
		spec_yaml TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS runs_experiment_idx ON runs (experiment)`,
	`CREATE TABLE IF NOT EXISTS run_events (
		id {{serial}},
		run_id TEXT NOT NULL,
		at TIMESTAMP NOT NULL,
		from_status TEXT,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL,
		meta_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS run_artifacts (
		id {{serial}},
		run_id TEXT NOT NULL,
		type TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		uri TEXT NOT NULL,
		step INTEGER NOT NULL,
		pruned BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		meta_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS run_artifacts_run_idx ON run_artifacts (run_id)`,
	`CREATE TABLE IF NOT EXISTS metric_scalars (
		id {{serial}},
		run_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		series TEXT NOT NULL,
		step INTEGER NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS metric_scalars_run_idx ON metric_scalars (run_id, tag, series, step)`,
	`CREATE TABLE IF NOT EXISTS metric_texts (
		id {{serial}},
		run_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		step INTEGER NOT NULL,
		body TEXT NOT NULL,
		at TIMESTAMP NOT NULL
	)`,
}
