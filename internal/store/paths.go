package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pysugar/codex-nexus/internal/errs"
)

// FileName is the storage file name used both project-locally and globally.
const FileName = "openai-codex-accounts.json"

// project markers, checked in order, nearest ancestor wins.
var projectMarkers = []string{".git", "package.json", "Cargo.toml", "go.mod", "pyproject.toml", ".opencode"}

// ResolveStoragePath picks the storage location. With a project context the
// pool lives under `<project-root>/.opencode/`; otherwise under the home
// directory.
func ResolveStoragePath(projectDir string) (string, error) {
	if projectDir != "" {
		if root := findProjectRoot(projectDir); root != "" {
			return filepath.Join(root, ".opencode", FileName), nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errs.NewStorageError("cannot resolve home directory", "", err)
	}
	return filepath.Join(home, ".opencode", FileName), nil
}

// findProjectRoot walks up from dir looking for a marker file.
func findProjectRoot(dir string) string {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		for _, marker := range projectMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ExpandPath resolves a leading ~ against the home directory.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return filepath.Abs(path)
}

// CheckPathAllowed rejects paths outside home, cwd and tempdir.
func CheckPathAllowed(path string) error {
	roots := make([]string, 0, 3)
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, home)
	}
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}
	roots = append(roots, os.TempDir())

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	for _, root := range roots {
		if rel, err := filepath.Rel(root, abs); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return &errs.StorageError{
		Message: fmt.Sprintf("path %s is outside the allowed directories", abs),
		Code:    errs.CodeAccessDenied,
		Path:    abs,
		Hint:    "Storage paths must live under your home directory, the working directory or the temp directory.",
	}
}

// ensureGitignored appends `.opencode/` to the checkout's .gitignore when the
// storage directory sits inside a git repository, so credentials never get
// committed.
func ensureGitignored(storageDir string) {
	parent := filepath.Dir(storageDir)
	if _, err := os.Stat(filepath.Join(parent, ".git")); err != nil {
		return
	}
	gitignore := filepath.Join(parent, ".gitignore")
	data, err := os.ReadFile(gitignore)
	if err != nil && !os.IsNotExist(err) {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == ".opencode/" || strings.TrimSpace(line) == ".opencode" {
			return
		}
	}
	entry := ".opencode/\n"
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		entry = "\n" + entry
	}
	f, err := os.OpenFile(gitignore, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString(entry)
}
