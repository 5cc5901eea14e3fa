package convergence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/entrhq/potter/pkg/workspace"
)

// CleanTree requires every change to be committed. Potter's own state is
// not considered. Outside a git repository it passes.
type CleanTree struct {
	Ignore *workspace.IgnoreMatcher
}

// Name returns the name of the check
func (CleanTree) Name() string { return "clean working tree" }

// Required returns true
func (CleanTree) Required() bool { return true }

// Evaluate checks git status in the working directory.
func (c CleanTree) Evaluate(ctx context.Context, in Input) error {
	snap, err := workspace.NewFingerprinter(in.WorkingDir, c.Ignore).Snapshot(ctx)
	if err != nil {
		return err
	}
	if !snap.Git || len(snap.Files) == 0 {
		return nil
	}
	files := make([]string, 0, len(snap.Files))
	for path := range snap.Files {
		files = append(files, path)
	}
	sort.Strings(files)
	return fmt.Errorf("uncommitted changes: %s", strings.Join(files, ", "))
}
