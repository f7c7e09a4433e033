// Package db opens the SQL connections used by the conversation store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeout = 5 * time.Second

// OpenSQLite opens a SQLite database with a single writer connection.
// The special path ":memory:" opens a private in-memory database.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	var dsn string
	if dbPath == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	} else {
		normalizedPath := normalizeSQLitePath(dbPath)
		if err := ensureSQLiteDir(normalizedPath); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
		// WAL with a single writer keeps readers unblocked and avoids SQLITE_BUSY.
		dsn = fmt.Sprintf(
			"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
			normalizedPath,
			int(defaultBusyTimeout/time.Millisecond),
		)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
