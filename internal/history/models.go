package history

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the outcome of a build attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is one of the two recorded outcomes.
func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Header is the fixed column header of the history log, in column order.
var Header = []string{
	"source_branch",
	"source_commit",
	"installer_branch",
	"installer_commit",
	"artifact_name",
	"build_status",
	"notes",
}

// ErrInvalidRecord is returned when a record fails validation on write.
var ErrInvalidRecord = errors.New("invalid build record")

// BuildRecord is one logged build attempt. Records are never mutated once
// written.
type BuildRecord struct {
	SourceBranch    string `json:"source_branch"`
	SourceCommit    string `json:"source_commit"`
	InstallerBranch string `json:"installer_branch"`
	InstallerCommit string `json:"installer_commit"`
	ArtifactName    string `json:"artifact_name"`
	Status          Status `json:"build_status"`
	Notes           string `json:"notes"`
}

// Validate checks the record can be written. Notes may be empty, and a failed
// attempt may have no artifact. No field may hold a carriage return.
func (r *BuildRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}

	required := []struct {
		name  string
		value string
	}{
		{"source_branch", r.SourceBranch},
		{"source_commit", r.SourceCommit},
		{"installer_branch", r.InstallerBranch},
		{"installer_commit", r.InstallerCommit},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidRecord, f.name)
		}
	}

	if !r.Status.Valid() {
		return fmt.Errorf("%w: build_status must be %q or %q, got %q",
			ErrInvalidRecord, StatusSuccess, StatusFailed, r.Status)
	}

	if r.Status == StatusSuccess && r.ArtifactName == "" {
		return fmt.Errorf("%w: successful build has no artifact_name", ErrInvalidRecord)
	}

	// CSV readers fold a quoted "\r\n" into "\n", so such a value would
	// never match itself on the way back.
	for i, v := range r.row() {
		if strings.ContainsRune(v, '\r') {
			return fmt.Errorf("%w: %s contains a carriage return", ErrInvalidRecord, Header[i])
		}
	}

	return nil
}

// row returns the record's fields in Header order.
func (r *BuildRecord) row() []string {
	return []string{
		r.SourceBranch,
		r.SourceCommit,
		r.InstallerBranch,
		r.InstallerCommit,
		r.ArtifactName,
		string(r.Status),
		r.Notes,
	}
}

func recordFromRow(fields []string) BuildRecord {
	return BuildRecord{
		SourceBranch:    fields[0],
		SourceCommit:    fields[1],
		InstallerBranch: fields[2],
		InstallerCommit: fields[3],
		ArtifactName:    fields[4],
		Status:          Status(fields[5]),
		Notes:           fields[6],
	}
}

// Query selects records by exact field equality. Nil fields are not compared.
type Query struct {
	SourceBranch    *string
	SourceCommit    *string
	InstallerBranch *string
	InstallerCommit *string
	ArtifactName    *string
	Status          *Status
	Notes           *string
}

// Eq returns a pointer to v, for filling Query fields.
func Eq[T any](v T) *T {
	return &v
}

// Matches reports whether every specified field of q equals the record's.
// Comparison is exact: no case folding, no trimming.
func (q Query) Matches(r BuildRecord) bool {
	return eqString(q.SourceBranch, r.SourceBranch) &&
		eqString(q.SourceCommit, r.SourceCommit) &&
		eqString(q.InstallerBranch, r.InstallerBranch) &&
		eqString(q.InstallerCommit, r.InstallerCommit) &&
		eqString(q.ArtifactName, r.ArtifactName) &&
		(q.Status == nil || *q.Status == r.Status) &&
		eqString(q.Notes, r.Notes)
}

func eqString(want *string, got string) bool {
	return want == nil || *want == got
}

// StorageError reports a failure of the backing store. It is always fatal to
// the operation that hit it and is never retried.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

// ErrStorage matches any *StorageError via errors.Is.
var ErrStorage = errors.New("history storage failure")

func (e *StorageError) Error() string {
	return fmt.Sprintf("history %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }
