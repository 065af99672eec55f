package history

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"ovabuilder/internal/security"

	"golang.org/x/sys/unix"
)

// ErrCorruptLog is returned when a data row does not have one field per column.
var ErrCorruptLog = errors.New("corrupt history log")

// CSVStore keeps the history as a CSV file with a header row.
//
// Appends are serialized by an in-process mutex and an exclusive flock on the
// file, so overlapping processes cannot interleave rows. Reads take a shared
// flock and therefore never observe a half-written row.
type CSVStore struct {
	path string
	mu   sync.RWMutex
}

// NewCSVStore returns a store backed by the file at path. Nothing is touched on
// disk until InitializeIfAbsent or Append is called.
func NewCSVStore(path string) *CSVStore {
	return &CSVStore{path: path}
}

// Path returns the location of the CSV file.
func (s *CSVStore) Path() string {
	return s.path
}

// InitializeIfAbsent ensures the parent directory and the log exist. A missing
// or zero-length file gets the header row; a file with content is not read,
// validated or rewritten.
func (s *CSVStore) InitializeIfAbsent(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := security.CreateSecureDir(filepath.Dir(s.path), security.PermDirectory); err != nil {
		return &StorageError{Op: "initialize", Path: s.path, Err: err}
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, security.PermHistoryFile)
	if err != nil {
		return &StorageError{Op: "initialize", Path: s.path, Err: err}
	}
	defer f.Close()

	if err := lockFile(f, unix.LOCK_EX); err != nil {
		return &StorageError{Op: "initialize", Path: s.path, Err: err}
	}
	defer unlockFile(f)

	info, err := f.Stat()
	if err != nil {
		return &StorageError{Op: "initialize", Path: s.path, Err: err}
	}
	if info.Size() > 0 {
		return nil
	}

	if err := writeRow(f, Header); err != nil {
		return &StorageError{Op: "initialize", Path: s.path, Err: err}
	}
	return nil
}

// Append writes record as a new last row. The log must already exist.
func (s *CSVStore) Append(ctx context.Context, record *BuildRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, security.PermHistoryFile)
	if err != nil {
		return &StorageError{Op: "append", Path: s.path, Err: err}
	}
	defer f.Close()

	if err := lockFile(f, unix.LOCK_EX); err != nil {
		return &StorageError{Op: "append", Path: s.path, Err: err}
	}
	defer unlockFile(f)

	if err := writeRow(f, record.row()); err != nil {
		return &StorageError{Op: "append", Path: s.path, Err: err}
	}
	return nil
}

// FindMatching scans the data rows in file order and returns the first one
// matching q. A miss returns (nil, nil).
func (s *CSVStore) FindMatching(ctx context.Context, q Query) (*BuildRecord, error) {
	var found *BuildRecord
	err := s.scan(ctx, "find", func(r BuildRecord) bool {
		if q.Matches(r) {
			found = &r
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// List returns all data rows in file order.
func (s *CSVStore) List(ctx context.Context) ([]BuildRecord, error) {
	var records []BuildRecord
	err := s.scan(ctx, "list", func(r BuildRecord) bool {
		records = append(records, r)
		return true
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Reset removes the log file. A missing file is not an error.
func (s *CSVStore) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "reset", Path: s.path, Err: err}
	}
	return nil
}

// Close is a no-op; files are opened per operation.
func (s *CSVStore) Close() error {
	return nil
}

// scan feeds every data row to fn until fn returns false. The first row is the
// header and is skipped without inspection.
func (s *CSVStore) scan(ctx context.Context, op string, fn func(BuildRecord) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path)
	if err != nil {
		return &StorageError{Op: op, Path: s.path, Err: err}
	}
	defer f.Close()

	if err := lockFile(f, unix.LOCK_SH); err != nil {
		return &StorageError{Op: op, Path: s.path, Err: err}
	}
	defer unlockFile(f)

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	for line := 0; ; line++ {
		fields, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &StorageError{Op: op, Path: s.path, Err: err}
		}
		if line == 0 {
			continue
		}
		if len(fields) != len(Header) {
			return &StorageError{
				Op:   op,
				Path: s.path,
				Err:  fmt.Errorf("%w: row %d has %d fields, want %d", ErrCorruptLog, line+1, len(fields), len(Header)),
			}
		}
		if !fn(recordFromRow(fields)) {
			return nil
		}
	}
}

func writeRow(f *os.File, fields []string) error {
	w := csv.NewWriter(f)
	if err := w.Write(fields); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

func lockFile(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			if err != nil {
				return fmt.Errorf("flock: %w", err)
			}
			return nil
		}
	}
}

func unlockFile(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
