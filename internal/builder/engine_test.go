package builder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"ovabuilder/internal/commits"
	"ovabuilder/internal/history"
)

const (
	sourceAPI    = "https://api.github.com/repos/avalonmediasystem/avalon/"
	installerAPI = "https://api.github.com/repos/avalonmediasystem/avalon-installer/"
)

// fakeResolver answers from a map keyed by "repo@branch".
type fakeResolver struct {
	mu    sync.Mutex
	shas  map[string]string
	errs  map[string]error
	calls []string
}

func newFakeResolver(source, installer string) *fakeResolver {
	return &fakeResolver{
		shas: map[string]string{
			sourceAPI + "@master":    source,
			installerAPI + "@master": installer,
		},
		errs: map[string]error{},
	}
}

func (f *fakeResolver) GetLatestCommit(ctx context.Context, repository, branch string) (string, error) {
	key := repository + "@" + branch

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)

	if err := f.errs[key]; err != nil {
		return "", err
	}
	sha, ok := f.shas[key]
	if !ok {
		return "", commits.ErrMalformedResponse
	}
	return sha, nil
}

func testRepos() Repos {
	return Repos{Source: sourceAPI, SourceBranch: "master", Installer: installerAPI}
}

func newTestStore(t *testing.T) *history.CSVStore {
	t.Helper()
	return history.NewCSVStore(filepath.Join(t.TempDir(), "data", "build_history.csv"))
}

func seed(t *testing.T, s history.Store, records ...history.BuildRecord) {
	t.Helper()
	ctx := context.Background()
	if err := s.InitializeIfAbsent(ctx); err != nil {
		t.Fatal(err)
	}
	for i := range records {
		if err := s.Append(ctx, &records[i]); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

func imageRecord(status history.Status) history.BuildRecord {
	return history.BuildRecord{
		SourceBranch:    "master",
		SourceCommit:    "abc123",
		InstallerBranch: "master",
		InstallerCommit: "def456",
		ArtifactName:    "image.ova",
		Status:          status,
	}
}

func TestIsBuildPresent_Scenarios(t *testing.T) {
	tests := []struct {
		name         string
		seed         []history.BuildRecord
		sourceSHA    string
		wantArtifact string
		wantPresent  bool
	}{
		{
			name:      "empty history",
			sourceSHA: "abc123",
		},
		{
			name:         "matching success",
			seed:         []history.BuildRecord{imageRecord(history.StatusSuccess)},
			sourceSHA:    "abc123",
			wantArtifact: "image.ova",
			wantPresent:  true,
		},
		{
			name:      "source branch advanced",
			seed:      []history.BuildRecord{imageRecord(history.StatusSuccess)},
			sourceSHA: "zzz999",
		},
		{
			name:      "only failed attempts",
			seed:      []history.BuildRecord{imageRecord(history.StatusFailed), imageRecord(history.StatusFailed)},
			sourceSHA: "abc123",
		},
		{
			name: "success after failures",
			seed: []history.BuildRecord{
				imageRecord(history.StatusFailed),
				imageRecord(history.StatusSuccess),
			},
			sourceSHA:    "abc123",
			wantArtifact: "image.ova",
			wantPresent:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			if tt.seed != nil {
				seed(t, store, tt.seed...)
			}

			e := NewEngine(newFakeResolver(tt.sourceSHA, "def456"), store, testRepos())
			artifact, present, err := e.IsBuildPresent(context.Background(), "master")
			if err != nil {
				t.Fatalf("IsBuildPresent() error = %v", err)
			}
			if present != tt.wantPresent || artifact != tt.wantArtifact {
				t.Errorf("IsBuildPresent() = (%q, %v), want (%q, %v)", artifact, present, tt.wantArtifact, tt.wantPresent)
			}
		})
	}
}

func TestIsBuildPresent_InitializesLog(t *testing.T) {
	store := newTestStore(t)
	e := NewEngine(newFakeResolver("abc123", "def456"), store, testRepos())

	if _, _, err := e.IsBuildPresent(context.Background(), "master"); err != nil {
		t.Fatalf("IsBuildPresent() error = %v", err)
	}

	records, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("log not created: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("new log has %d records, want 0", len(records))
	}
}

func TestIsBuildPresent_ResolvesBothRepos(t *testing.T) {
	store := newTestStore(t)
	resolver := newFakeResolver("abc123", "")
	resolver.shas[installerAPI+"@develop"] = "fff000"
	e := NewEngine(resolver, store, testRepos())

	d, err := e.Decide(context.Background(), "develop")
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	want := Decision{
		SourceBranch:    "master",
		SourceCommit:    "abc123",
		InstallerBranch: "develop",
		InstallerCommit: "fff000",
	}
	if *d != want {
		t.Errorf("Decide() = %+v, want %+v", *d, want)
	}
	if len(resolver.calls) != 2 {
		t.Errorf("resolver called %d times, want 2", len(resolver.calls))
	}
}

func TestIsBuildPresent_ResolutionErrors(t *testing.T) {
	transient := &commits.TransientError{URL: "x", Attempts: 3, Err: errors.New("503")}

	tests := []struct {
		name    string
		key     string
		err     error
		wantErr error
	}{
		{"source unavailable", sourceAPI + "@master", transient, commits.ErrTransient},
		{"installer unavailable", installerAPI + "@master", transient, commits.ErrTransient},
		{"installer malformed", installerAPI + "@master", commits.ErrMalformedResponse, commits.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			seed(t, store, imageRecord(history.StatusSuccess))

			resolver := newFakeResolver("abc123", "def456")
			resolver.errs[tt.key] = tt.err
			e := NewEngine(resolver, store, testRepos())

			artifact, present, err := e.IsBuildPresent(context.Background(), "master")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if present || artifact != "" {
				t.Errorf("IsBuildPresent() = (%q, %v) alongside an error", artifact, present)
			}
		})
	}
}

func TestIsBuildPresent_StorageError(t *testing.T) {
	dir := t.TempDir()
	// A directory where the log file should be.
	store := history.NewCSVStore(dir)
	e := NewEngine(newFakeResolver("abc123", "def456"), store, testRepos())

	_, _, err := e.IsBuildPresent(context.Background(), "master")
	if !errors.Is(err, history.ErrStorage) {
		t.Fatalf("error = %v, want ErrStorage", err)
	}
}

func TestRecordBuild(t *testing.T) {
	store := newTestStore(t)
	resolver := newFakeResolver("abc123", "def456")
	e := NewEngine(resolver, store, testRepos())
	ctx := context.Background()

	// Log does not exist yet.
	rec := imageRecord(history.StatusSuccess)
	if err := e.RecordBuild(ctx, &rec); err != nil {
		t.Fatalf("RecordBuild() error = %v", err)
	}

	artifact, present, err := e.IsBuildPresent(ctx, "master")
	if err != nil {
		t.Fatalf("IsBuildPresent() error = %v", err)
	}
	if !present || artifact != "image.ova" {
		t.Errorf("IsBuildPresent() = (%q, %v), want (image.ova, true)", artifact, present)
	}

	bad := history.BuildRecord{SourceBranch: "master", Status: history.StatusSuccess}
	if err := e.RecordBuild(ctx, &bad); !errors.Is(err, history.ErrInvalidRecord) {
		t.Errorf("RecordBuild(invalid) error = %v, want ErrInvalidRecord", err)
	}
}
