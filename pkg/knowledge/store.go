package knowledge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/entrhq/potter/pkg/logging"
)

// Dir is the knowledge directory name under the project's .potter/ tree.
const Dir = "knowledge"

// Store is the read/write interface of the knowledge base.
type Store interface {
	Get(key string) (*Entry, error)
	List(prefix string) ([]*Entry, error)
	Filter(patterns []string) ([]*Entry, error)
	Upsert(key, content string, src Source) (*Entry, error)
	Delete(key string) error
}

// FileStore is a local file-system implementation of Store.
type FileStore struct {
	dir string
	log *logging.Logger
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the logger used to report skipped files.
func WithLogger(l *logging.Logger) Option {
	return func(s *FileStore) {
		s.log = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) {
		s.now = now
	}
}

// NewFileStore opens (creating if needed) a knowledge base stored in dir.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("knowledge: init directory %s: %w", dir, err)
	}
	s := &FileStore{
		dir:   dir,
		log:   logging.NewNop("knowledge"),
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *FileStore) pathForKey(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	dir, err := filepath.Abs(s.dir)
	if err != nil {
		return "", fmt.Errorf("knowledge: abs dir: %w", err)
	}
	resolved := filepath.Join(dir, key+".md")
	if !strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("knowledge: path traversal detected for key %q", key)
	}
	return resolved, nil
}

// Get returns the entry for key or ErrNotFound.
func (s *FileStore) Get(key string) (*Entry, error) {
	path, err := s.pathForKey(key)
	if err != nil {
		return nil, err
	}
	return readEntry(path)
}

func readEntry(path string) (*Entry, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: read %s: %w", path, err)
	}
	return Parse(b)
}

// List returns the entries whose key starts with prefix, sorted by key.
// Corrupt or unreadable files are skipped.
func (s *FileStore) List(prefix string) ([]*Entry, error) {
	return s.collect(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// Filter returns the entries whose key matches any of the glob patterns,
// sorted by key. No patterns selects every entry.
func (s *FileStore) Filter(patterns []string) ([]*Entry, error) {
	if len(patterns) == 0 {
		return s.List("")
	}
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("knowledge: invalid pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return s.collect(func(key string) bool {
		for _, g := range globs {
			if g.Match(key) {
				return true
			}
		}
		return false
	})
}

func (s *FileStore) collect(keep func(key string) bool) ([]*Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list %s: %w", s.dir, err)
	}
	var out []*Entry
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".md")
		if ValidateKey(key) != nil || !keep(key) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		entry, err := readEntry(path)
		if err != nil {
			s.log.Debugf("skipping unreadable knowledge file %s: %v", path, err)
			continue
		}
		if entry.Key != key {
			s.log.Debugf("skipping knowledge file %s: front matter names key %q", path, entry.Key)
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Upsert writes content under key stamped with the current time.
func (s *FileStore) Upsert(key, content string, src Source) (*Entry, error) {
	return s.UpsertAt(key, content, src, s.now())
}

// UpsertAt writes content under key with an explicit write timestamp.
// Writes are last-write-wins: if the entry on disk was updated after at, it
// is left untouched and returned. Re-asserting identical content counts as a
// confirmation.
func (s *FileStore) UpsertAt(key, content string, src Source, at time.Time) (*Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("knowledge: empty content for key %q", key)
	}
	path, err := s.pathForKey(key)
	if err != nil {
		return nil, err
	}
	at = at.UTC()

	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	current, err := readEntry(path)
	switch {
	case errors.Is(err, ErrNotFound):
		current = nil
	case err != nil:
		// A corrupt file is replaced rather than blocking the key forever.
		s.log.Warnf("replacing unreadable knowledge entry %s: %v", key, err)
		current = nil
	}

	var next *Entry
	switch {
	case current == nil:
		next = &Entry{Meta: Meta{Key: key, Source: src, CreatedAt: at, UpdatedAt: at}, Content: content}
	case current.UpdatedAt.After(at):
		s.log.Debugf("knowledge entry %s updated at %s, keeping it over write from %s",
			key, current.UpdatedAt.Format(time.RFC3339), at.Format(time.RFC3339))
		return current, nil
	case current.Content == content:
		next = current
		next.Confirmations++
		next.UpdatedAt = at
		next.Source = src
	default:
		next = current
		next.Content = content
		next.Confirmations = 0
		next.UpdatedAt = at
		next.Source = src
	}

	b, err := Serialize(next)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, b); err != nil {
		return nil, err
	}
	return next, nil
}

// Delete removes the entry for key. It is a maintenance operation; the
// reconciliation loop never deletes knowledge.
func (s *FileStore) Delete(key string) error {
	path, err := s.pathForKey(key)
	if err != nil {
		return err
	}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("knowledge: delete %s: %w", key, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	// Unique temp names keep concurrent writers from other processes apart.
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("knowledge: create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("knowledge: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("knowledge: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("knowledge: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("knowledge: atomic rename %s: %w", path, err)
	}
	return nil
}
