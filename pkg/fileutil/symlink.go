package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// UpdateSymlinkAtomic points linkPath at targetPath without a window in which
// the link is missing: a temporary link is created next to it and renamed
// over the old one.
func UpdateSymlinkAtomic(linkPath, targetPath string) error {
	tmpLink := linkPath + ".tmp"

	// Leftover from a previous failed attempt.
	_ = os.Remove(tmpLink)

	if err := os.Symlink(targetPath, tmpLink); err != nil {
		return fmt.Errorf("failed to create temporary symlink: %w", err)
	}

	if err := os.Rename(tmpLink, linkPath); err != nil {
		_ = os.Remove(tmpLink)
		return fmt.Errorf("failed to rename symlink atomically: %w", err)
	}

	return nil
}

// SymlinkExists checks if a symlink exists at the given path.
// Returns true only if the path is a symlink (not a regular file).
func SymlinkExists(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

// ResolveSymlink resolves a symlink chain to its final target.
func ResolveSymlink(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlink: %w", err)
	}
	return resolved, nil
}
