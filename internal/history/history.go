// Package history keeps the append-only log of build attempts that answers
// "has this pair of commits already been built?".
//
// Three backends share one contract: a CSV file (the default, human readable
// and diff-able), a SQLite database and a PostgreSQL table for a log shared
// between hosts. In all of them FindMatching returns the first matching
// record in append order, and a miss is (nil, nil) rather than an error.
package history

import (
	"context"
	"fmt"
)

const (
	BackendCSV      = "csv"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Store is an append-only history of build records.
type Store interface {
	// InitializeIfAbsent creates the parent directory and an empty log
	// (header only) when none exists. An existing log is left untouched.
	InitializeIfAbsent(ctx context.Context) error

	// Append writes one record after the existing ones.
	Append(ctx context.Context, record *BuildRecord) error

	// FindMatching returns the first record in append order that satisfies q,
	// or nil when there is none.
	FindMatching(ctx context.Context, q Query) (*BuildRecord, error)

	// List returns every record in append order.
	List(ctx context.Context) ([]BuildRecord, error)

	// Reset deletes the whole log. InitializeIfAbsent recreates it.
	Reset(ctx context.Context) error

	// Path returns the location of the backing file.
	Path() string

	Close() error
}

// Open returns the store for the named backend. location is a file path, or
// a connection string for postgres.
func Open(backend, location string) (Store, error) {
	switch backend {
	case "", BackendCSV:
		return NewCSVStore(location), nil
	case BackendSQLite:
		return NewSQLiteStore(location)
	case BackendPostgres:
		return NewPostgresStore(location)
	default:
		return nil, fmt.Errorf("unknown history backend %q (must be %q, %q or %q)",
			backend, BackendCSV, BackendSQLite, BackendPostgres)
	}
}
