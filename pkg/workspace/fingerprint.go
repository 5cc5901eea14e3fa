package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Fingerprint captures the observable state of a working directory so two
// snapshots can be compared after an agent invocation.
type Fingerprint struct {
	Git  bool
	Head string
	// Files maps a slash-separated relative path to a stamp. In a git
	// repository only dirty paths are recorded, stamped by content hash;
	// otherwise every file is recorded, stamped by size and mtime.
	Files map[string]string
}

// Fingerprinter takes workspace snapshots.
type Fingerprinter struct {
	dir    string
	git    *GitManager
	ignore *IgnoreMatcher
}

// NewFingerprinter creates a fingerprinter for dir. A nil ignore matcher
// ignores only DefaultIgnore.
func NewFingerprinter(dir string, ignore *IgnoreMatcher) *Fingerprinter {
	if ignore == nil {
		ignore, _ = NewIgnoreMatcher(nil)
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	return &Fingerprinter{
		dir:    dir,
		git:    NewGitManager(dir, GitConfig{}),
		ignore: ignore,
	}
}

// Snapshot records the current state of the working directory.
func (f *Fingerprinter) Snapshot(ctx context.Context) (*Fingerprint, error) {
	if f.git.IsRepo(ctx) {
		return f.snapshotGit(ctx)
	}
	return f.snapshotWalk(ctx)
}

func (f *Fingerprinter) snapshotGit(ctx context.Context) (*Fingerprint, error) {
	head, err := f.git.HeadCommit(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := f.git.Status(ctx)
	if err != nil {
		return nil, err
	}
	top, err := f.git.TopLevel(ctx)
	if err != nil {
		return nil, err
	}
	fp := &Fingerprint{Git: true, Head: head, Files: make(map[string]string, len(entries))}
	for _, e := range entries {
		rel := f.relative(top, e.Path)
		if f.ignore.Match(rel) {
			continue
		}
		fp.Files[rel] = e.Code + ":" + hashFile(filepath.Join(top, filepath.FromSlash(e.Path)))
	}
	return fp, nil
}

// relative converts a repository-root-relative git path to one relative to
// the working directory.
func (f *Fingerprinter) relative(top, gitPath string) string {
	rel, err := filepath.Rel(f.dir, filepath.Join(top, filepath.FromSlash(gitPath)))
	if err != nil {
		return gitPath
	}
	return filepath.ToSlash(rel)
}

func (f *Fingerprinter) snapshotWalk(ctx context.Context) (*Fingerprint, error) {
	fp := &Fingerprint{Files: make(map[string]string)}
	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files vanishing mid-walk are not an error.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(f.dir, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if f.ignore.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		fp.Files[filepath.ToSlash(rel)] = fmt.Sprintf("%d:%d:%o", info.Size(), info.ModTime().UnixNano(), info.Mode().Perm())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", f.dir, err)
	}
	return fp, nil
}

// Changes returns the sorted paths that differ between two snapshots,
// including files touched by commits made in between.
func (f *Fingerprinter) Changes(ctx context.Context, before, after *Fingerprint) ([]string, error) {
	if before == nil || after == nil {
		return nil, nil
	}
	set := make(map[string]struct{})
	for path, stamp := range before.Files {
		if after.Files[path] != stamp {
			set[path] = struct{}{}
		}
	}
	for path, stamp := range after.Files {
		if before.Files[path] != stamp {
			set[path] = struct{}{}
		}
	}
	if before.Git && after.Git && before.Head != after.Head {
		committed, err := f.git.FilesBetween(ctx, before.Head, after.Head)
		if err != nil {
			return nil, err
		}
		top, err := f.git.TopLevel(ctx)
		if err != nil {
			return nil, err
		}
		for _, path := range committed {
			path = f.relative(top, path)
			if !f.ignore.Match(path) {
				set[path] = struct{}{}
			}
		}
	}

	files := make([]string, 0, len(set))
	for path := range set {
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

func hashFile(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return "missing"
	}
	defer file.Close()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "unreadable"
	}
	return hex.EncodeToString(h.Sum(nil))
}
