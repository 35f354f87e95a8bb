package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by operations on a closed Database.
var ErrClosed = errors.New("db: database is closed")

// Database owns the SQLite connection. Open migrates the schema before
// returning.
//
// Usage:
//
//	database, err := db.Open("./data/archrender.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
type Database struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open creates parent directories, applies pending migrations and opens the
// database at path.
func Open(path string) (*Database, error) {
	if path == "" {
		return nil, fmt.Errorf("db: database path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("db: create directory %s: %w", dir, err)
		}
	}

	if err := migrateUpFromPath(path); err != nil {
		return nil, err
	}

	conn, err := NewSQLiteConnection(DefaultConnectionConfig(path))
	if err != nil {
		return nil, err
	}
	return &Database{db: conn, path: path}, nil
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// SchemaVersion returns the applied migration version.
func (d *Database) SchemaVersion() (uint, bool, error) {
	return migrationVersionFromPath(d.path)
}

// Ping verifies the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}
	return d.db.PingContext(ctx)
}

// Close closes the connection. Further calls are no-ops.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("db: close database: %w", err)
	}
	d.db = nil
	return nil
}

// conn returns the live connection or ErrClosed.
func (d *Database) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrClosed
	}
	return d.db, nil
}
