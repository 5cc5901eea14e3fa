package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GitConfig controls the git side effects of a task run.
type GitConfig struct {
	AutoCommit    bool   `yaml:"auto_commit" json:"auto_commit"`
	AuthorName    string `yaml:"author_name,omitempty" json:"author_name,omitempty"`
	AuthorEmail   string `yaml:"author_email,omitempty" json:"author_email,omitempty"`
	CommitMessage string `yaml:"commit_message,omitempty" json:"commit_message,omitempty"`
}

// GitManager runs git commands in a working directory.
type GitManager struct {
	workspaceDir string
	config       GitConfig
}

// NewGitManager creates a new git manager
func NewGitManager(workspaceDir string, config GitConfig) *GitManager {
	return &GitManager{
		workspaceDir: workspaceDir,
		config:       config,
	}
}

// IsRepo reports whether the working directory is inside a git work tree.
func (g *GitManager) IsRepo(ctx context.Context) bool {
	out, err := g.execGit(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// HeadCommit returns the full hash of HEAD, or "" for a repository
// without commits.
func (g *GitManager) HeadCommit(ctx context.Context) (string, error) {
	out, err := g.execGit(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		if !g.IsRepo(ctx) {
			return "", fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		return "", nil
	}
	return strings.TrimSpace(out), nil
}

// TopLevel returns the absolute root of the work tree.
func (g *GitManager) TopLevel(ctx context.Context) (string, error) {
	out, err := g.execGit(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("failed to resolve repository root: %w", err)
	}
	top := strings.TrimSpace(out)
	if resolved, err := filepath.EvalSymlinks(top); err == nil {
		top = resolved
	}
	return filepath.FromSlash(top), nil
}

// CheckWorkspaceClean checks if the git workspace is clean
func (g *GitManager) CheckWorkspaceClean(ctx context.Context) error {
	files, err := g.GetChangedFiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to check git status: %w", err)
	}
	if len(files) > 0 {
		return fmt.Errorf("workspace has uncommitted changes: %s", strings.Join(files, ", "))
	}
	return nil
}

// GetCurrentBranch returns the current git branch
func (g *GitManager) GetCurrentBranch(ctx context.Context) (string, error) {
	output, err := g.execGit(ctx, "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}

	return strings.TrimSpace(output), nil
}

// Commit stages everything under the workspace except potter's own state
// and creates a commit with the configured author. It is a no-op when there
// is nothing to commit.
func (g *GitManager) Commit(ctx context.Context, message string) error {
	if _, err := g.execGit(ctx, "add", "-A", "--", ".", ":(exclude)"+StateDir); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}

	staged, err := g.execGit(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return fmt.Errorf("failed to inspect staged changes: %w", err)
	}
	if strings.TrimSpace(staged) == "" {
		return nil
	}

	args := []string{"commit", "-m", message}
	if g.config.AuthorName != "" && g.config.AuthorEmail != "" {
		args = append(args,
			"--author", fmt.Sprintf("%s <%s>", g.config.AuthorName, g.config.AuthorEmail),
		)
	}

	if _, err := g.execGit(ctx, args...); err != nil {
		return fmt.Errorf("failed to create commit: %w", err)
	}
	return nil
}

// StatusEntry is one line of `git status --porcelain`.
type StatusEntry struct {
	Code string
	Path string
}

// Status returns the porcelain status of the work tree, untracked files
// listed individually.
func (g *GitManager) Status(ctx context.Context) ([]StatusEntry, error) {
	output, err := g.execGit(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return parsePorcelain(output), nil
}

func parsePorcelain(output string) []StatusEntry {
	var entries []StatusEntry
	for _, line := range strings.Split(output, "\n") {
		// Format: "XY path" or "XY orig -> path" for renames.
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+len(" -> "):]
		}
		entries = append(entries, StatusEntry{Code: line[:2], Path: unquotePath(path)})
	}
	return entries
}

// unquotePath undoes git's C-style quoting of unusual file names.
func unquotePath(p string) string {
	if strings.HasPrefix(p, `"`) {
		if s, err := strconv.Unquote(p); err == nil {
			return s
		}
	}
	return p
}

// GetChangedFiles returns a list of files that have been modified or are untracked
func (g *GitManager) GetChangedFiles(ctx context.Context) ([]string, error) {
	entries, err := g.Status(ctx)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		files = append(files, e.Path)
	}
	return files, nil
}

// FilesBetween lists the paths that differ between two commits. An empty
// from lists every file of to.
func (g *GitManager) FilesBetween(ctx context.Context, from, to string) ([]string, error) {
	if to == "" || from == to {
		return nil, nil
	}
	args := []string{"diff", "--name-only", from, to}
	if from == "" {
		args = []string{"ls-tree", "-r", "--name-only", to}
	}
	output, err := g.execGit(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", ShortSHA(from), ShortSHA(to), err)
	}
	var files []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, unquotePath(line))
		}
	}
	return files, nil
}

// GetDiffStat returns git diff statistics
func (g *GitManager) GetDiffStat(ctx context.Context) (string, error) {
	output, err := g.execGit(ctx, "diff", "--stat", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get diff stat: %w", err)
	}

	return output, nil
}

// GenerateCommitMessage generates a commit message for a converged task.
func (g *GitManager) GenerateCommitMessage(taskPrompt string) string {
	if g.config.CommitMessage != "" {
		return g.config.CommitMessage
	}
	subject := strings.TrimSpace(strings.SplitN(taskPrompt, "\n", 2)[0])
	if len(subject) > 72 {
		subject = subject[:69] + "..."
	}
	return fmt.Sprintf("chore: %s\n\nAutomated changes via potter", subject)
}

// execGit executes a git command and returns its output
func (g *GitManager) execGit(ctx context.Context, args ...string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "git", args...)
	cmd.Dir = g.workspaceDir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git command failed: %w\nOutput: %s", err, string(output))
	}

	return string(output), nil
}

// ShortSHA abbreviates a commit hash to seven characters.
func ShortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
