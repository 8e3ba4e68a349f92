// Package sqlite is the run ledger: one row per run, one row per task, and
// optionally the embeddings themselves. WAL mode keeps status queries from
// blocking the writer.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at dir/state.db.
// Enables WAL mode, foreign keys, and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db, path: dbPath}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Path returns the database file location.
func (d *DB) Path() string { return d.path }

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			backend    TEXT NOT NULL,
			model      TEXT NOT NULL DEFAULT '',
			format     TEXT NOT NULL DEFAULT '',
			output_dir TEXT NOT NULL DEFAULT '',
			sources    TEXT NOT NULL DEFAULT '[]',
			done       INTEGER NOT NULL DEFAULT 0,
			failed     INTEGER NOT NULL DEFAULT 0,
			error      TEXT,
			started_at INTEGER NOT NULL,
			ended_at   INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			uid        TEXT NOT NULL,
			state      TEXT NOT NULL,
			retries    INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			started_at INTEGER,
			ended_at   INTEGER,
			PRIMARY KEY (run_id, uid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(run_id, state)`,

		`CREATE TABLE IF NOT EXISTS embeddings (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			uid    TEXT NOT NULL,
			kind   TEXT NOT NULL,
			dim    INTEGER NOT NULL,
			vector BLOB NOT NULL,
			PRIMARY KEY (run_id, uid, kind)
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableUnixNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromUnixNano(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64)
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
