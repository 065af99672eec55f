// Package checkout clones the repositories a build needs into per-run
// workspaces under the data directory.
package checkout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"ovabuilder/internal/security"
	"ovabuilder/pkg/fileutil"
)

const (
	// LatestLink names the symlink that tracks the newest workspace.
	LatestLink = "latest"

	workspaceTimeFormat = "20060102-150405"
)

// Cloner manages workspaces and runs git inside them.
type Cloner struct {
	// Root holds one directory per build run.
	Root string

	// Timeout bounds each git invocation.
	Timeout time.Duration

	// ValidateURL vets clone URLs before git sees them.
	ValidateURL func(string) error

	logger *slog.Logger
	now    func() time.Time
}

// NewCloner creates a cloner rooted at root.
func NewCloner(root string, timeout time.Duration, logger *slog.Logger) *Cloner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cloner{
		Root:        root,
		Timeout:     timeout,
		ValidateURL: security.ValidateGitURL,
		logger:      logger,
		now:         time.Now,
	}
}

// NewWorkspace creates an empty workspace for runID and points the latest
// link at it. Names start with a timestamp so they sort by age.
func (c *Cloner) NewWorkspace(runID string) (string, error) {
	if err := security.CreateSecureDir(c.Root, security.PermDirectory); err != nil {
		return "", err
	}

	name := c.now().UTC().Format(workspaceTimeFormat) + "-" + runID
	dir := filepath.Join(c.Root, name)
	if err := os.Mkdir(dir, security.PermDirectory); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	if err := fileutil.UpdateSymlinkAtomic(filepath.Join(c.Root, LatestLink), name); err != nil {
		return "", err
	}

	return dir, nil
}

// Clone clones uri into workspace and checks out branch. It returns the path
// of the checkout, named after the repository.
func (c *Cloner) Clone(ctx context.Context, workspace, uri, branch string) (string, error) {
	if err := c.ValidateURL(uri); err != nil {
		return "", fmt.Errorf("invalid clone URL: %w", err)
	}
	if err := security.ValidateBranchName(branch); err != nil {
		return "", fmt.Errorf("invalid branch name: %w", err)
	}
	if _, err := security.SanitizePathForSymlink(c.Root, workspace); err != nil {
		return "", fmt.Errorf("workspace outside workspace root: %w", err)
	}

	name := RepoName(uri)
	if name == "" {
		return "", fmt.Errorf("cannot derive repository name from %q", uri)
	}
	repoDir := filepath.Join(workspace, name)

	c.logger.Info("cloning repository", "url", uri, "branch", branch, "dir", repoDir)
	// The remote's default HEAD is never trusted, even for master.
	if err := c.git(ctx, workspace, "clone", "--quiet", "--branch", branch, uri, name); err != nil {
		return "", err
	}

	return repoDir, nil
}

// Latest returns the workspace the latest link points at, or "" when no
// workspace has been created yet.
func (c *Cloner) Latest() (string, error) {
	link := filepath.Join(c.Root, LatestLink)
	if !fileutil.SymlinkExists(link) {
		return "", nil
	}
	return fileutil.ResolveSymlink(link)
}

// Head returns the commit checked out in repoDir.
func (c *Cloner) Head(ctx context.Context, repoDir string) (string, error) {
	out, err := c.run(ctx, repoDir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Cleanup removes all but the newest keep workspaces.
func (c *Cloner) Cleanup(keep int) error {
	if !fileutil.DirExists(c.Root) {
		return nil
	}

	entries, err := os.ReadDir(c.Root)
	if err != nil {
		return fmt.Errorf("failed to read workspace root: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}

	// Newest first.
	slices.Sort(names)
	slices.Reverse(names)

	for _, name := range names[keep:] {
		dir := filepath.Join(c.Root, name)
		if _, err := security.SanitizePathForSymlink(c.Root, dir); err != nil {
			c.logger.Warn("skipping workspace outside root", "workspace", name, "error", err)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("failed to remove workspace", "workspace", name, "error", err)
			continue
		}
		c.logger.Debug("removed workspace", "workspace", name)
	}

	return nil
}

func (c *Cloner) git(ctx context.Context, dir string, args ...string) error {
	_, err := c.run(ctx, dir, args...)
	return err
}

func (c *Cloner) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	parts := append([]string{"git"}, args...)
	out, err := security.NewSandboxedExecutor(dir).Execute(ctx, parts)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("git %s timed out after %s", args[0], c.Timeout)
		}
		return out, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// RepoName derives the checkout directory from a clone URI: the last path
// element up to its first dot.
func RepoName(uri string) string {
	base := path.Base(strings.TrimRight(uri, "/"))
	name, _, _ := strings.Cut(base, ".")
	return name
}
