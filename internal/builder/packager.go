package builder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"ovabuilder/pkg/cmdutil"
)

// BuildInput describes the checkouts a packager works on.
type BuildInput struct {
	RunID         string
	Workspace     string
	SourcePath    string
	InstallerPath string
	Decision      *Decision
}

// Packager turns prepared checkouts into an OVA and returns its file name.
type Packager interface {
	Package(ctx context.Context, in BuildInput) (string, error)
}

// CommandPackager runs an external build command inside the installer
// checkout and picks up the artifact it leaves behind.
type CommandPackager struct {
	Command         []string
	Timeout         time.Duration
	ArtifactPattern string
	Logger          *slog.Logger
}

// NewCommandPackager parses command (a string or a list) into a packager.
// It returns nil, nil when no command is configured.
func NewCommandPackager(command interface{}, timeout time.Duration, pattern string, logger *slog.Logger) (*CommandPackager, error) {
	if command == nil {
		return nil, nil
	}
	if s, ok := command.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}

	parts, err := cmdutil.ParseCommandList(command)
	if err != nil {
		return nil, fmt.Errorf("invalid build command: %w", err)
	}
	if len(parts) == 0 {
		return nil, nil
	}

	if pattern == "" {
		pattern = "*.ova"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid artifact pattern %q: %w", pattern, err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &CommandPackager{
		Command:         parts,
		Timeout:         timeout,
		ArtifactPattern: pattern,
		Logger:          logger,
	}, nil
}

// Package runs the command and returns the base name of the newest file
// matching ArtifactPattern in the installer checkout.
func (p *CommandPackager) Package(ctx context.Context, in BuildInput) (string, error) {
	env := []string{
		"OVA_SOURCE_PATH=" + in.SourcePath,
		"OVA_INSTALLER_PATH=" + in.InstallerPath,
	}
	if in.Decision != nil {
		env = append(env,
			"OVA_SOURCE_COMMIT="+in.Decision.SourceCommit,
			"OVA_INSTALLER_COMMIT="+in.Decision.InstallerCommit,
			"OVA_INSTALLER_BRANCH="+in.Decision.InstallerBranch,
		)
	}

	p.Logger.Info("running build command",
		"run_id", in.RunID,
		"command", cmdutil.FormatCommand(p.Command),
		"dir", in.InstallerPath,
	)

	result, err := cmdutil.Run(ctx, cmdutil.ExecOptions{
		Dir:     in.InstallerPath,
		Timeout: p.Timeout,
		Env:     env,
	}, p.Command)
	if err != nil {
		if result != nil && len(result.Output) > 0 {
			p.Logger.Debug("build command output", "run_id", in.RunID, "exit_code", result.ExitCode,
				"truncated", result.Truncated, "output", string(result.Output))
			return "", fmt.Errorf("build command failed: %w: %s", err, tail(string(result.Output), 400))
		}
		return "", fmt.Errorf("build command failed: %w", err)
	}

	p.Logger.Info("build command finished", "run_id", in.RunID, "duration", result.Duration)

	return newestMatch(in.InstallerPath, p.ArtifactPattern)
}

func newestMatch(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("invalid artifact pattern: %w", err)
	}

	var newest string
	var newestMod time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = m
			newestMod = info.ModTime()
		}
	}

	if newest == "" {
		return "", fmt.Errorf("no artifact matching %q in %s", pattern, dir)
	}
	return filepath.Base(newest), nil
}

// tail returns at most the last n bytes of s, trimmed, never starting inside
// a multi-byte character.
func tail(s string, n int) string {
	s = strings.TrimSpace(strings.ToValidUTF8(s, "\uFFFD"))
	if len(s) > n {
		start := len(s) - n
		for start < len(s) && !utf8.RuneStart(s[start]) {
			start++
		}
		s = "..." + s[start:]
	}
	return s
}
