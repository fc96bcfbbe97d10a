// Package store provides the SQLite-backed configuration store: principals,
// invitations and the pipeline rows that record which repositories the bot
// has been onboarded to.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"aelita/internal/store/migrations"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a unique row is inserted twice
	ErrAlreadyExists = errors.New("already exists")
	// ErrNoBudget is returned when a principal has no invitations left
	ErrNoBudget = errors.New("invitation budget exhausted")
)

const dsnOptions = "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"

// Store persists onboarding state in SQLite.
type Store struct {
	sqlDB   *sql.DB
	applied []string
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// PathFromURI turns a configured database URI into a SQLite file path.
// It accepts sqlite:///relative.db, sqlite:////absolute.db, file:path and
// bare paths.
func PathFromURI(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	switch {
	case uri == "":
		return "", fmt.Errorf("database URI is required")
	case strings.HasPrefix(uri, "sqlite:///"):
		uri = strings.TrimPrefix(uri, "sqlite:///")
	case strings.HasPrefix(uri, "file:"):
		uri = strings.TrimPrefix(uri, "file:")
	case strings.Contains(uri, "://"):
		return "", fmt.Errorf("unsupported database URI %q: only sqlite is supported", uri)
	}
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	if uri == "" {
		return "", fmt.Errorf("database URI has no path")
	}
	return filepath.Clean(uri), nil
}

// OpenURI opens the store named by a configured database URI
func OpenURI(ctx context.Context, uri string) (*Store, error) {
	path, err := PathFromURI(uri)
	if err != nil {
		return nil, err
	}
	return Open(ctx, path)
}

// Open opens a SQLite store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	sqlDB, err := sql.Open("sqlite", filepath.Clean(path)+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	applied, err := applyMigrations(ctx, sqlDB, migrations.FS)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, applied: applied}, nil
}

// Applied returns the migrations applied when this store was opened
func (s *Store) Applied() []string {
	return s.applied
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// withTx runs fn inside one transaction, rolling back on any error
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
