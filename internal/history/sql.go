package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect holds what differs between the SQL backends.
type dialect struct {
	// idColumn declares the auto-increment key that fixes append order.
	idColumn string

	// placeholder returns the bind marker for the n-th argument (1-based).
	placeholder func(n int) string
}

var (
	sqliteDialect = dialect{
		idColumn:    "id INTEGER PRIMARY KEY AUTOINCREMENT",
		placeholder: func(int) string { return "?" },
	}
	postgresDialect = dialect{
		idColumn:    "id BIGSERIAL PRIMARY KEY",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
)

// sqlStore implements the table operations shared by SQLite and PostgreSQL.
// Ids grow with every insert, so ordering by id is append order.
type sqlStore struct {
	db       *sql.DB
	location string
	dialect  dialect
}

// Path returns the database location.
func (s *sqlStore) Path() string {
	return s.location
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) createSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS builds (
			`+s.dialect.idColumn+`,
			source_branch TEXT NOT NULL,
			source_commit TEXT NOT NULL,
			installer_branch TEXT NOT NULL,
			installer_commit TEXT NOT NULL,
			artifact_name TEXT NOT NULL,
			build_status TEXT NOT NULL CHECK (build_status IN ('success', 'failed')),
			notes TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return &StorageError{Op: "initialize", Path: s.location, Err: fmt.Errorf("failed to create table: %w", err)}
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_builds_key
		ON builds(source_branch, source_commit, installer_branch, installer_commit, build_status)
	`)
	if err != nil {
		return &StorageError{Op: "initialize", Path: s.location, Err: fmt.Errorf("failed to create index: %w", err)}
	}

	return nil
}

// Append inserts record as the newest row.
func (s *sqlStore) Append(ctx context.Context, record *BuildRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	marks := make([]string, 8)
	for i := range marks {
		marks[i] = s.dialect.placeholder(i + 1)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO builds
		(source_branch, source_commit, installer_branch, installer_commit,
		 artifact_name, build_status, notes, recorded_at)
		VALUES (`+strings.Join(marks, ", ")+`)
	`,
		record.SourceBranch,
		record.SourceCommit,
		record.InstallerBranch,
		record.InstallerCommit,
		record.ArtifactName,
		string(record.Status),
		record.Notes,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return &StorageError{Op: "append", Path: s.location, Err: fmt.Errorf("failed to insert build record: %w", err)}
	}

	return nil
}

// FindMatching returns the oldest row whose specified columns equal q.
func (s *sqlStore) FindMatching(ctx context.Context, q Query) (*BuildRecord, error) {
	where, args := q.sqlWhere(s.dialect.placeholder)

	row := s.db.QueryRowContext(ctx, `
		SELECT source_branch, source_commit, installer_branch, installer_commit,
		       artifact_name, build_status, notes
		FROM builds`+where+`
		ORDER BY id ASC
		LIMIT 1
	`, args...)

	record, err := scanBuildRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "find", Path: s.location, Err: err}
	}

	return record, nil
}

// List returns all rows in insertion order.
func (s *sqlStore) List(ctx context.Context) ([]BuildRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_branch, source_commit, installer_branch, installer_commit,
		       artifact_name, build_status, notes
		FROM builds
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, &StorageError{Op: "list", Path: s.location, Err: err}
	}
	defer rows.Close()

	var records []BuildRecord
	for rows.Next() {
		record, err := scanBuildRecord(rows)
		if err != nil {
			return nil, &StorageError{Op: "list", Path: s.location, Err: err}
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Path: s.location, Err: err}
	}

	return records, nil
}

// Reset drops the builds table.
func (s *sqlStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS builds`); err != nil {
		return &StorageError{Op: "reset", Path: s.location, Err: err}
	}
	return nil
}

// sqlWhere renders the specified fields of q as a WHERE clause. Both backends
// compare TEXT byte for byte with "=" under their default collations.
func (q Query) sqlWhere(placeholder func(int) string) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(column string, value *string) {
		if value != nil {
			args = append(args, *value)
			clauses = append(clauses, column+" = "+placeholder(len(args)))
		}
	}

	add("source_branch", q.SourceBranch)
	add("source_commit", q.SourceCommit)
	add("installer_branch", q.InstallerBranch)
	add("installer_commit", q.InstallerCommit)
	add("artifact_name", q.ArtifactName)
	if q.Status != nil {
		add("build_status", Eq(string(*q.Status)))
	}
	add("notes", q.Notes)

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBuildRecord(s scanner) (*BuildRecord, error) {
	var record BuildRecord
	var status string

	err := s.Scan(
		&record.SourceBranch,
		&record.SourceCommit,
		&record.InstallerBranch,
		&record.InstallerCommit,
		&record.ArtifactName,
		&status,
		&record.Notes,
	)
	if err != nil {
		return nil, err
	}

	record.Status = Status(status)
	return &record, nil
}
