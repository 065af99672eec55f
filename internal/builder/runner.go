package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"ovabuilder/internal/history"
)

var (
	// ErrBuildInProgress is returned when the installer branch is already
	// being built.
	ErrBuildInProgress = errors.New("build already in progress")

	// ErrNoPackager is returned by Ensure when no build command is configured.
	ErrNoPackager = errors.New("no build command configured")

	// ErrBuildFailed wraps clone and packaging failures. A failed record has
	// been written when it is returned.
	ErrBuildFailed = errors.New("build failed")
)

const maxNotesLength = 500

// Cloner prepares checkouts for a build run.
type Cloner interface {
	NewWorkspace(runID string) (string, error)
	Clone(ctx context.Context, workspace, uri, branch string) (string, error)
	Head(ctx context.Context, repoDir string) (string, error)
	Cleanup(keep int) error
}

// CloneURLs are the git remotes of the tracked repositories.
type CloneURLs struct {
	Source    string
	Installer string
}

// Result describes one Ensure call.
type Result struct {
	RunID    string
	Decision *Decision

	// Built is false when an existing artifact satisfied the request.
	Built    bool
	Artifact string
	Duration time.Duration
}

// Runner builds an OVA when the engine finds none for the current commits.
type Runner struct {
	engine         *Engine
	cloner         Cloner
	packager       Packager
	locks          *LockManager
	urls           CloneURLs
	keepWorkspaces int
	logger         *slog.Logger

	wg sync.WaitGroup
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Cloner         Cloner
	Packager       Packager
	CloneURLs      CloneURLs
	KeepWorkspaces int
	Logger         *slog.Logger
}

// NewRunner creates a runner around engine.
func NewRunner(engine *Engine, opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		engine:         engine,
		cloner:         opts.Cloner,
		packager:       opts.Packager,
		locks:          NewLockManager(),
		urls:           opts.CloneURLs,
		keepWorkspaces: opts.KeepWorkspaces,
		logger:         logger,
	}
}

// Engine returns the decision engine.
func (r *Runner) Engine() *Engine {
	return r.engine
}

// InProgress reports whether installerBranch is being built.
func (r *Runner) InProgress(installerBranch string) bool {
	return r.locks.Locked(installerBranch)
}

// Ensure makes sure an artifact exists for the current commits of the source
// default branch and installerBranch, building one if needed.
func (r *Runner) Ensure(ctx context.Context, installerBranch string) (*Result, error) {
	if r.packager == nil {
		return nil, ErrNoPackager
	}
	if !r.locks.TryLock(installerBranch) {
		return nil, ErrBuildInProgress
	}
	defer r.locks.Unlock(installerBranch)

	return r.ensure(ctx, installerBranch)
}

// Start is Ensure in the background. The lock is taken before Start returns,
// so a second Start for the same branch fails with ErrBuildInProgress. done
// may be nil.
func (r *Runner) Start(ctx context.Context, installerBranch string, done func(*Result, error)) error {
	if r.packager == nil {
		return ErrNoPackager
	}
	if !r.locks.TryLock(installerBranch) {
		return ErrBuildInProgress
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.locks.Unlock(installerBranch)

		result, err := r.ensure(ctx, installerBranch)
		if done != nil {
			done(result, err)
		}
	}()

	return nil
}

// Wait blocks until all builds started with Start have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) ensure(ctx context.Context, installerBranch string) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := r.logger.With("run_id", runID, "installer_branch", installerBranch)

	decision, err := r.engine.Decide(ctx, installerBranch)
	if err != nil {
		logger.Error("build check failed", "error", err)
		return nil, err
	}

	result := &Result{RunID: runID, Decision: decision}

	if decision.Present {
		logger.Info("build already present",
			"artifact", decision.Artifact,
			"source_commit", decision.SourceCommit,
			"installer_commit", decision.InstallerCommit,
		)
		result.Artifact = decision.Artifact
		result.Duration = time.Since(start)
		return result, nil
	}

	logger.Info("starting build",
		"source_commit", decision.SourceCommit,
		"installer_commit", decision.InstallerCommit,
	)

	artifact, buildErr := r.build(ctx, runID, decision, logger)

	record := decision.Key()
	if buildErr != nil {
		record.Status = history.StatusFailed
		record.Notes = notes(buildErr)
	} else {
		record.Status = history.StatusSuccess
		record.ArtifactName = artifact
		record.Notes = "run " + runID
	}

	// The build outcome is recorded even when the caller has gone away.
	recordCtx := context.WithoutCancel(ctx)
	if err := r.engine.RecordBuild(recordCtx, &record); err != nil {
		logger.Error("failed to record build", "error", err)
		if buildErr != nil {
			return nil, errors.Join(fmt.Errorf("%w: %w", ErrBuildFailed, buildErr), err)
		}
		return nil, err
	}

	if r.keepWorkspaces > 0 {
		if err := r.cloner.Cleanup(r.keepWorkspaces); err != nil {
			logger.Warn("workspace cleanup failed", "error", err)
		}
	}

	result.Duration = time.Since(start)

	if buildErr != nil {
		logger.Error("build failed", "error", buildErr, "duration", result.Duration)
		return result, fmt.Errorf("%w: %w", ErrBuildFailed, buildErr)
	}

	logger.Info("build succeeded", "artifact", artifact, "duration", result.Duration)
	result.Built = true
	result.Artifact = artifact
	return result, nil
}

func (r *Runner) build(ctx context.Context, runID string, d *Decision, logger *slog.Logger) (string, error) {
	workspace, err := r.cloner.NewWorkspace(runID[:8])
	if err != nil {
		return "", err
	}

	sourcePath, err := r.cloner.Clone(ctx, workspace, r.urls.Source, d.SourceBranch)
	if err != nil {
		return "", fmt.Errorf("clone source: %w", err)
	}
	installerPath, err := r.cloner.Clone(ctx, workspace, r.urls.Installer, d.InstallerBranch)
	if err != nil {
		return "", fmt.Errorf("clone installer: %w", err)
	}

	// A push between resolving and cloning leaves the checkout ahead of the
	// recorded commit; the record still names the resolved one.
	for path, want := range map[string]string{sourcePath: d.SourceCommit, installerPath: d.InstallerCommit} {
		if head, err := r.cloner.Head(ctx, path); err == nil && !strings.EqualFold(head, want) {
			logger.Warn("checkout moved past resolved commit", "path", path, "resolved", want, "head", head)
		}
	}

	return r.packager.Package(ctx, BuildInput{
		RunID:         runID,
		Workspace:     workspace,
		SourcePath:    sourcePath,
		InstallerPath: installerPath,
		Decision:      d,
	})
}

// notes flattens err onto one line of valid UTF-8 no longer than
// maxNotesLength bytes.
func notes(err error) string {
	s := strings.ToValidUTF8(err.Error(), "\uFFFD")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxNotesLength {
		n := maxNotesLength
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return s
}
