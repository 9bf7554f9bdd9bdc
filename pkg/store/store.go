// Package store is the persistence layer. It speaks plain database/sql
// so the same queries run against Postgres in production and SQLite in
// tests and single-node deployments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Store wraps the shared connection pool.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*Store, error) {
	driverName := driver
	if driver == "sqlite" {
		// modernc registers itself as "sqlite"
		driverName = "sqlite"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open failed: %w", err)
	}
	if driver == "sqlite" {
		// SQLite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent transactions.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, driver: driver}, nil
}

// NewWithDB wraps an existing pool (tests use this with sqlmock).
func NewWithDB(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// DB exposes the underlying pool for collaborators that manage their
// own tables, such as the idempotency backend.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies connectivity for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// Init creates all tables. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: schema init failed: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin failed: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit failed: %w", err)
	}
	return nil
}

// forUpdate returns the row-lock suffix where the engine supports it.
// SQLite holds a database-level write lock inside a transaction, which
// gives the same serialization.
func (s *Store) forUpdate() string {
	if s.driver == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}

// isUniqueViolation recognizes unique-constraint failures from either
// engine, used where a duplicate key is a domain signal rather than a
// bug (override redemption, idempotent creates).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// modernc/sqlite reports constraint failures in the message.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: json marshal failed: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(raw sql.NullString, v any) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), v); err != nil {
		return fmt.Errorf("store: json unmarshal failed: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
