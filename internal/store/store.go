// Package store is the sqlite-backed persistence layer: Tracker/Webhook
// repositories, the webhook queue's backing tables, TTL locks for the
// ingest/send single-flight contracts, and the optional killmail archive.
// One file per concern.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"killfeed/internal/logger"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection shared by every repository in this
// package.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the SQLite database at dataDir/killfeed.db and
// runs migrations.
func Open(dataDir string) (*DB, error) {
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "killfeed.db")
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("STORE", fmt.Sprintf("opened %s", path))
	return d, nil
}

// OpenMemory opens a private in-memory database, used by tests. The single
// connection keeps every query on the same in-memory instance.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate memory db: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// SQL exposes the underlying *sql.DB for repositories constructed outside
// this package (tests, cmd/killfeed wiring).
func (d *DB) SQL() *sql.DB {
	return d.sql
}

func (d *DB) migrate() error {
	version := 0
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS tracker (
				id          TEXT PRIMARY KEY,
				name        TEXT NOT NULL,
				enabled     INTEGER NOT NULL,
				config_json TEXT NOT NULL,
				updated_at  TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS webhook (
				id            TEXT PRIMARY KEY,
				name          TEXT NOT NULL,
				url           TEXT NOT NULL,
				is_enabled    INTEGER NOT NULL,
				type          TEXT NOT NULL,
				blocked_until TEXT,
				updated_at    TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS queue_item (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				webhook_id  TEXT NOT NULL,
				name        TEXT NOT NULL,
				position    INTEGER NOT NULL,
				payload     BLOB NOT NULL,
				enqueued_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_queue_item_lookup ON queue_item(webhook_id, name, position);

			CREATE TABLE IF NOT EXISTS lock (
				name       TEXT PRIMARY KEY,
				holder     TEXT NOT NULL,
				expires_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS killmail_archive (
				id          INTEGER PRIMARY KEY,
				received_at TEXT NOT NULL,
				payload     BLOB NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_killmail_archive_received ON killmail_archive(received_at);

			INSERT INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return err
		}
	}
	return nil
}
