// Package builder decides whether an OVA for the current source and installer
// commits already exists, and drives a new build when it does not.
package builder

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"ovabuilder/internal/history"
)

// CommitResolver returns the newest commit sha of a repository branch.
type CommitResolver interface {
	GetLatestCommit(ctx context.Context, repository, branch string) (string, error)
}

// Repos names the two tracked repositories by their commit API base URLs.
// The source repository is always built from SourceBranch.
type Repos struct {
	Source       string
	SourceBranch string
	Installer    string
}

// Decision is the outcome of a build check.
type Decision struct {
	SourceBranch    string
	SourceCommit    string
	InstallerBranch string
	InstallerCommit string

	// Artifact is set when Present.
	Artifact string
	Present  bool
}

// Key returns the record a successful build of this decision would write.
func (d *Decision) Key() history.BuildRecord {
	return history.BuildRecord{
		SourceBranch:    d.SourceBranch,
		SourceCommit:    d.SourceCommit,
		InstallerBranch: d.InstallerBranch,
		InstallerCommit: d.InstallerCommit,
	}
}

// Engine answers "is a build already present?" from the history log. It does
// no logging of its own; callers report outcomes.
type Engine struct {
	resolver CommitResolver
	store    history.Store
	repos    Repos
}

// NewEngine creates an engine.
func NewEngine(resolver CommitResolver, store history.Store, repos Repos) *Engine {
	return &Engine{
		resolver: resolver,
		store:    store,
		repos:    repos,
	}
}

// Store returns the history store the engine reads and writes.
func (e *Engine) Store() history.Store {
	return e.store
}

// Repos returns the tracked repositories.
func (e *Engine) Repos() Repos {
	return e.repos
}

// Decide resolves both commits and looks for a successful build of them.
// Resolution errors are returned as is; there is no fallback commit.
func (e *Engine) Decide(ctx context.Context, installerBranch string) (*Decision, error) {
	if err := e.store.InitializeIfAbsent(ctx); err != nil {
		return nil, err
	}

	d := &Decision{
		SourceBranch:    e.repos.SourceBranch,
		InstallerBranch: installerBranch,
	}

	// Both lookups must finish before deciding.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sha, err := e.resolver.GetLatestCommit(gctx, e.repos.Source, e.repos.SourceBranch)
		if err != nil {
			return fmt.Errorf("resolve source %s: %w", e.repos.SourceBranch, err)
		}
		d.SourceCommit = sha
		return nil
	})
	g.Go(func() error {
		sha, err := e.resolver.GetLatestCommit(gctx, e.repos.Installer, installerBranch)
		if err != nil {
			return fmt.Errorf("resolve installer %s: %w", installerBranch, err)
		}
		d.InstallerCommit = sha
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	match, err := e.store.FindMatching(ctx, history.Query{
		SourceBranch:    history.Eq(d.SourceBranch),
		SourceCommit:    history.Eq(d.SourceCommit),
		InstallerBranch: history.Eq(d.InstallerBranch),
		InstallerCommit: history.Eq(d.InstallerCommit),
		Status:          history.Eq(history.StatusSuccess),
	})
	if err != nil {
		return nil, err
	}

	if match != nil {
		d.Present = true
		d.Artifact = match.ArtifactName
	}

	return d, nil
}

// IsBuildPresent returns the artifact of a successful build for the current
// commits, or ("", false, nil) when a new build is needed.
func (e *Engine) IsBuildPresent(ctx context.Context, installerBranch string) (string, bool, error) {
	d, err := e.Decide(ctx, installerBranch)
	if err != nil {
		return "", false, err
	}
	return d.Artifact, d.Present, nil
}

// RecordBuild appends the outcome of a build attempt.
func (e *Engine) RecordBuild(ctx context.Context, record *history.BuildRecord) error {
	if err := e.store.InitializeIfAbsent(ctx); err != nil {
		return err
	}
	return e.store.Append(ctx, record)
}
