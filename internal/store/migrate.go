package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// openMigrator opens the database at path with a migrator over the embedded
// migrations. The caller closes the returned db.
func openMigrator(path string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init migrator: %w", err)
	}
	return m, db, nil
}

// MigrateUp applies pending migrations to the database at path and reports
// the resulting version.
func MigrateUp(path string) (uint, bool, error) {
	m, db, err := openMigrator(path)
	if err != nil {
		return 0, false, err
	}
	defer db.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if err != nil {
		return 0, false, err
	}
	return v, dirty, nil
}

// SchemaVersion reports the migration version without applying anything.
func SchemaVersion(path string) (uint, bool, error) {
	m, db, err := openMigrator(path)
	if err != nil {
		return 0, false, err
	}
	defer db.Close()
	return m.Version()
}

// ForceSchemaVersion overwrites the recorded version. Recovery tool for a
// dirty migration state; applies no SQL.
func ForceSchemaVersion(path string, version int) error {
	m, db, err := openMigrator(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return m.Force(version)
}
