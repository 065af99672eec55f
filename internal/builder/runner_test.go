package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"ovabuilder/internal/commits"
	"ovabuilder/internal/history"
)

type fakeCloner struct {
	root     string
	cloneErr error
	heads    map[string]string

	mu       sync.Mutex
	clones   []string
	cleanups []int
}

func newFakeCloner(t *testing.T) *fakeCloner {
	return &fakeCloner{root: t.TempDir(), heads: map[string]string{}}
}

func (f *fakeCloner) NewWorkspace(runID string) (string, error) {
	dir := filepath.Join(f.root, runID)
	return dir, os.MkdirAll(dir, 0755)
}

func (f *fakeCloner) Clone(ctx context.Context, workspace, uri, branch string) (string, error) {
	f.mu.Lock()
	f.clones = append(f.clones, uri+"@"+branch)
	f.mu.Unlock()

	if f.cloneErr != nil {
		return "", f.cloneErr
	}
	dir := filepath.Join(workspace, filepath.Base(uri))
	return dir, os.MkdirAll(dir, 0755)
}

func (f *fakeCloner) Head(ctx context.Context, repoDir string) (string, error) {
	return f.heads[filepath.Base(repoDir)], nil
}

func (f *fakeCloner) Cleanup(keep int) error {
	f.mu.Lock()
	f.cleanups = append(f.cleanups, keep)
	f.mu.Unlock()
	return nil
}

type fakePackager struct {
	artifact string
	err      error
	block    chan struct{}

	mu    sync.Mutex
	calls []BuildInput
}

func (f *fakePackager) Package(ctx context.Context, in BuildInput) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	return f.artifact, f.err
}

func (f *fakePackager) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type runnerFixture struct {
	runner   *Runner
	store    *history.CSVStore
	resolver *fakeResolver
	cloner   *fakeCloner
	packager *fakePackager
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()

	f := &runnerFixture{
		store:    newTestStore(t),
		resolver: newFakeResolver("abc123", "def456"),
		cloner:   newFakeCloner(t),
		packager: &fakePackager{artifact: "avalon-def456.ova"},
	}
	engine := NewEngine(f.resolver, f.store, testRepos())
	f.runner = NewRunner(engine, RunnerOptions{
		Cloner:   f.cloner,
		Packager: f.packager,
		CloneURLs: CloneURLs{
			Source:    "https://github.com/avalonmediasystem/avalon",
			Installer: "https://github.com/avalonmediasystem/avalon-installer",
		},
		KeepWorkspaces: 3,
	})
	return f
}

func TestEnsure_NoPackager(t *testing.T) {
	engine := NewEngine(newFakeResolver("abc123", "def456"), newTestStore(t), testRepos())
	r := NewRunner(engine, RunnerOptions{Cloner: newFakeCloner(t)})

	if _, err := r.Ensure(context.Background(), "master"); !errors.Is(err, ErrNoPackager) {
		t.Errorf("Ensure() error = %v, want ErrNoPackager", err)
	}
	if err := r.Start(context.Background(), "master", nil); !errors.Is(err, ErrNoPackager) {
		t.Errorf("Start() error = %v, want ErrNoPackager", err)
	}
}

func TestEnsure_AlreadyPresent(t *testing.T) {
	f := newRunnerFixture(t)
	seed(t, f.store, imageRecord(history.StatusSuccess))

	result, err := f.runner.Ensure(context.Background(), "master")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if result.Built || result.Artifact != "image.ova" {
		t.Errorf("Ensure() = %+v, want existing image.ova", result)
	}
	if f.packager.callCount() != 0 {
		t.Error("packager should not run when a build is present")
	}
	if len(f.cloner.clones) != 0 {
		t.Error("nothing should be cloned when a build is present")
	}
}

func TestEnsure_BuildsAndRecords(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	result, err := f.runner.Ensure(ctx, "master")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !result.Built || result.Artifact != "avalon-def456.ova" {
		t.Errorf("Ensure() = %+v, want built avalon-def456.ova", result)
	}
	if result.RunID == "" {
		t.Error("RunID should be set")
	}

	wantClones := []string{
		"https://github.com/avalonmediasystem/avalon@master",
		"https://github.com/avalonmediasystem/avalon-installer@master",
	}
	if strings.Join(f.cloner.clones, ",") != strings.Join(wantClones, ",") {
		t.Errorf("clones = %v, want %v", f.cloner.clones, wantClones)
	}

	in := f.packager.calls[0]
	if filepath.Base(in.InstallerPath) != "avalon-installer" || filepath.Base(in.SourcePath) != "avalon" {
		t.Errorf("packager input = %+v", in)
	}
	if in.Decision.SourceCommit != "abc123" || in.Decision.InstallerCommit != "def456" {
		t.Errorf("packager decision = %+v", in.Decision)
	}

	records, err := f.store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.Status != history.StatusSuccess || rec.ArtifactName != "avalon-def456.ova" ||
		rec.SourceCommit != "abc123" || rec.InstallerCommit != "def456" {
		t.Errorf("record = %+v", rec)
	}

	if len(f.cloner.cleanups) != 1 || f.cloner.cleanups[0] != 3 {
		t.Errorf("cleanups = %v, want [3]", f.cloner.cleanups)
	}

	// A second run finds the recorded build.
	again, err := f.runner.Ensure(ctx, "master")
	if err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if again.Built || again.Artifact != "avalon-def456.ova" {
		t.Errorf("second Ensure() = %+v, want existing artifact", again)
	}
	if f.packager.callCount() != 1 {
		t.Errorf("packager ran %d times, want 1", f.packager.callCount())
	}
}

func TestEnsure_FailuresAreRecorded(t *testing.T) {
	tests := []struct {
		name     string
		cloneErr error
		buildErr error
	}{
		{"packager fails", nil, errors.New("vagrant exited 1\nsee log")},
		{"clone fails", errors.New("repository not found"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRunnerFixture(t)
			f.cloner.cloneErr = tt.cloneErr
			f.packager.err = tt.buildErr
			ctx := context.Background()

			_, err := f.runner.Ensure(ctx, "master")
			if !errors.Is(err, ErrBuildFailed) {
				t.Fatalf("Ensure() error = %v, want ErrBuildFailed", err)
			}

			records, _ := f.store.List(ctx)
			if len(records) != 1 || records[0].Status != history.StatusFailed {
				t.Fatalf("records = %+v, want one failed record", records)
			}
			if records[0].Notes == "" || strings.Contains(records[0].Notes, "\n") {
				t.Errorf("notes = %q, want single-line error text", records[0].Notes)
			}

			// Failed attempts never satisfy the check; a retry builds again.
			_, present, err := f.runner.Engine().IsBuildPresent(ctx, "master")
			if err != nil || present {
				t.Errorf("IsBuildPresent() = %v, %v after failure", present, err)
			}
		})
	}
}

func TestEnsure_ResolutionFailureRecordsNothing(t *testing.T) {
	f := newRunnerFixture(t)
	f.resolver.errs[sourceAPI+"@master"] = &commits.TransientError{URL: sourceAPI, Attempts: 3, Err: errors.New("timeout")}
	ctx := context.Background()

	if _, err := f.runner.Ensure(ctx, "master"); !errors.Is(err, commits.ErrTransient) {
		t.Fatalf("Ensure() error = %v, want ErrTransient", err)
	}
	if f.packager.callCount() != 0 {
		t.Error("packager should not run without resolved commits")
	}
	records, _ := f.store.List(ctx)
	if len(records) != 0 {
		t.Errorf("records = %+v, want none", records)
	}
}

func TestStart_InProgress(t *testing.T) {
	f := newRunnerFixture(t)
	f.packager.block = make(chan struct{})
	ctx := context.Background()

	var (
		mu     sync.Mutex
		got    *Result
		gotErr error
	)

	if err := f.runner.Start(ctx, "master", func(r *Result, err error) {
		mu.Lock()
		got, gotErr = r, err
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !f.runner.InProgress("master") {
		t.Error("InProgress should be true while building")
	}
	if err := f.runner.Start(ctx, "master", nil); !errors.Is(err, ErrBuildInProgress) {
		t.Errorf("second Start() error = %v, want ErrBuildInProgress", err)
	}
	if _, err := f.runner.Ensure(ctx, "master"); !errors.Is(err, ErrBuildInProgress) {
		t.Errorf("Ensure() during build error = %v, want ErrBuildInProgress", err)
	}

	close(f.packager.block)
	f.runner.Wait()

	mu.Lock()
	defer mu.Unlock()
	if gotErr != nil || got == nil || !got.Built {
		t.Errorf("background result = %+v, %v", got, gotErr)
	}
	if f.runner.InProgress("master") {
		t.Error("lock should be released after the build")
	}
}
