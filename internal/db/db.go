// Package db provides SQLite connection management for the sync engine.
//
// The writable connection is limited to a single underlying SQLite
// connection: the capture session installs TEMP triggers that must see every
// write, and TEMP objects are connection-scoped.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens the writable database at path with WAL mode, foreign keys and a
// single underlying connection.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer; TEMP triggers and tables live on this connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure database: %w", err)
		}
	}
	return db, nil
}

// OpenReadOnly opens a second, read-only connection to the same database for
// serving queries while the writable connection is busy syncing.
func OpenReadOnly(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro", url.PathEscape(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure read-only database: %w", err)
	}
	return db, nil
}

// InitSyncSchema creates the engine's bookkeeping tables. Application tables
// are owned by the schema layer and created elsewhere.
func InitSyncSchema(db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sync_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sync_cursors (
		device_id TEXT PRIMARY KEY,
		seq       INTEGER NOT NULL CHECK(seq >= 0)
	);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sync schema: %w", err)
	}
	return nil
}
