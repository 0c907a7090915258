// Package store is the SQLite-backed persistence layer: projects, kanban
// cards, documents, decisions, conversations, encrypted messages, audit log,
// token usage, steering corrections, and full-text search.
//
// Writes are serialized through a single in-process mutex; reads run
// concurrently under WAL. Multi-writer access from outside the process is not
// supported.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	cipher *Cipher

	// Single-writer discipline: every mutating statement holds this.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the SQLite database at path, applies
// pragmas and pending migrations, and wires the message cipher from secret.
// Pass ":memory:" for an ephemeral database (tests).
func Open(path, secret string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent reads, FK enforcement for cascades, busy timeout so
	// the writer never fails fast on a read lock.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	// modernc's driver is not safe for concurrent writes on one connection
	// pool entry per statement; a single connection keeps the writer honest.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	cipher, err := NewCipher(secret)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	return &Store{db: db, cipher: cipher}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("init migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// tx runs fn inside a write transaction under the writer mutex.
func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapStorage(err)
	}
	return nil
}
