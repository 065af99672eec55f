package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"ovabuilder/internal/security"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the history in a SQLite table.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (lazily) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteStore{sqlStore{db: db, location: path, dialect: sqliteDialect}}, nil
}

// InitializeIfAbsent creates the data directory, the builds table and its
// lookup index if they do not exist yet.
func (s *SQLiteStore) InitializeIfAbsent(ctx context.Context) error {
	if err := security.CreateSecureDir(filepath.Dir(s.location), security.PermDirectory); err != nil {
		return &StorageError{Op: "initialize", Path: s.location, Err: err}
	}

	if err := s.createSchema(ctx); err != nil {
		return err
	}

	if err := os.Chmod(s.location, security.PermHistoryFile); err != nil {
		return &StorageError{Op: "initialize", Path: s.location, Err: err}
	}

	return nil
}
