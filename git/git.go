// Package git reads version-control status to find files that differ locally
// from what the remote index was built against.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const commandTimeout = 5 * time.Second

// IsGitRepo returns true if the given path is within a git repository.
// Returns false on any error (git not installed, not a repo, etc.).
func IsGitRepo(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "--git-dir")
	return cmd.Run() == nil
}

// DiffSet returns the repository-relative, slash-separated paths of files
// that are modified, added, renamed, or untracked per `git status`. These are
// the files the remote index cannot yet know about.
func DiffSet(ctx context.Context, root string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", root, "status", "--porcelain", "-z")
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git status failed: %w (stderr: %s)", err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("failed to execute git (is git installed?): %w", err)
	}

	return ParseStatus(output), nil
}

// ParseStatus extracts changed paths from NUL-separated porcelain output.
// Deleted files are skipped: there is nothing local to search in them. For
// renames the new name is kept (the record following the entry).
func ParseStatus(output []byte) []string {
	entries := strings.Split(string(output), "\x00")
	seen := make(map[string]bool)
	var paths []string

	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}
		status := entry[:2]
		path := entry[3:]

		// Renames carry the old name in the next record; skip it.
		if strings.ContainsAny(status, "R") {
			i++
		}
		if strings.ContainsAny(status, "D") {
			continue
		}

		normalized := filepath.ToSlash(path)
		if !seen[normalized] {
			seen[normalized] = true
			paths = append(paths, normalized)
		}
	}
	return paths
}
