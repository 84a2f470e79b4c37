// Package store owns the database connection pool and the versioned
// migration sequence. The concrete relational schema and migration
// tooling are treated as an external collaborator (spec.md §1); this
// package only implements the contract spec.md asks for: an
// idempotent, versioned migration sequence guarded by a checksum, and
// a connection pool sized off the host's CPU count (spec.md §5).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the shared *sql.DB. Every package in this module that
// touches the database takes a *Store (or its *sql.DB/*sql.Tx) rather
// than opening its own connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn, sizes the connection
// pool per spec.md §5 (min_idle = num_cpus, max_size = 2*num_cpus —
// database/sql has no separate idle-minimum knob, so MaxIdleConns is
// set to the same min_idle value), and runs pending migrations.
//
// Returns a *apperr.Error of KindFatal (via RunMigrations) if the
// checksum guard trips.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	cpus := runtime.NumCPU()
	db.SetMaxIdleConns(cpus)
	db.SetMaxOpenConns(2 * cpus)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	s := &Store{db: db}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying *sql.DB for packages that need direct
// query access beyond what Store exposes.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// BeginTx starts a transaction. Every write that touches both a
// descriptor row and a row referencing it (spec.md §3 Invariants)
// must go through one of these.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}
