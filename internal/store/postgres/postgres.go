// Package postgres implements the entity store interfaces using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"flowplane/internal/store"
)

// Store provides PostgreSQL-backed implementations of all entity stores.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, e.g. in tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTransaction runs fn as one atomic command. The callback's entity
// store view is bound to the transaction; an error rolls everything back.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, es store.EntityStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(ctx, &queries{exec: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// View returns an entity store running each statement in auto-commit mode,
// for callers that do not need a surrounding command.
func (s *Store) View() store.EntityStore {
	return &queries{exec: s.db}
}

// queries implements store.EntityStore against either the pool or an
// active transaction.
type queries struct {
	exec store.DBTransaction
}
