// Package workspace provides the working-directory side of a task run:
// validating the directory the agent operates in, git bookkeeping, and
// detecting whether an agent invocation changed anything.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidWorkingDir is returned when a task's working directory cannot be used.
var ErrInvalidWorkingDir = errors.New("workspace: invalid working directory")

// StateDir is the per-project directory holding potter's own records.
const StateDir = ".potter"

// ResolveDir converts dir to a clean absolute path with symlinks evaluated
// and checks that it is an existing, writable directory.
func ResolveDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("%w: directory cannot be empty", ErrInvalidWorkingDir)
	}

	expanded := dir
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: failed to expand ~: %v", ErrInvalidWorkingDir, err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(dir[1:], "/"))
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWorkingDir, err)
	}
	evalPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidWorkingDir, dir, err)
	}

	info, err := os.Stat(evalPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidWorkingDir, dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidWorkingDir, dir)
	}
	if err := checkWritable(evalPath); err != nil {
		return "", fmt.Errorf("%w: %s is not writable: %v", ErrInvalidWorkingDir, dir, err)
	}
	return evalPath, nil
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".potter-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Within reports whether path is root itself or lies below it. Both are
// expected to be absolute and clean.
func Within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path+string(filepath.Separator), root+string(filepath.Separator))
}

// FindRepoRoot walks up from dir to the nearest directory containing .git.
// It returns "" if dir is not inside a repository.
func FindRepoRoot(dir string) string {
	current := filepath.Clean(dir)
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}
