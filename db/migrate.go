package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrateUpFromPath applies pending migrations on a dedicated connection.
// golang-migrate closes the connection it is given.
func migrateUpFromPath(path string) error {
	conn, err := NewSQLiteConnection(DefaultConnectionConfig(path))
	if err != nil {
		return err
	}
	m, err := newMigrator(conn)
	if err != nil {
		conn.Close()
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: apply migrations: %w", err)
	}
	return nil
}

// migrationVersionFromPath returns the applied version and dirty flag.
// Version 0 means nothing has been applied.
func migrationVersionFromPath(path string) (uint, bool, error) {
	conn, err := NewSQLiteConnection(DefaultConnectionConfig(path))
	if err != nil {
		return 0, false, err
	}
	m, err := newMigrator(conn)
	if err != nil {
		conn.Close()
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("db: read migration version: %w", err)
	}
	return version, dirty, nil
}

func newMigrator(conn *sql.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("db: open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(conn, &sqlite.Config{DatabaseName: "main"})
	if err != nil {
		return nil, fmt.Errorf("db: create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("db: create migrator: %w", err)
	}
	return m, nil
}
