package task

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/entrhq/potter/pkg/logging"
)

const (
	// TasksDir holds the records of tasks that have not finished.
	TasksDir = "tasks"
	// ArchiveDir holds finished task records. They are never deleted.
	ArchiveDir = "archive"
	// RecordFile is the task metadata file inside a task directory.
	RecordFile = "task.yaml"
	// IterationLogFile is the append-only iteration log, one JSON object per line.
	IterationLogFile = "iterations.jsonl"
	// ContextDir holds the context snapshot fed to the agent per iteration.
	ContextDir = "context"

	cancelFile = "cancel"
	ownerFile  = "owner.lock"
)

// Store defines the persistence interface for task records.
type Store interface {
	Create(prompt, workingDir string, yolo bool) (*Task, error)
	Get(id string) (*Task, error)
	List() ([]*Task, error)
	AppendIteration(id string, it Iteration) error
	SetStatus(id string, status Status, reason *Reason) error
	SetGit(id, start, end string) error
	WriteContext(id string, seq int, text string) (string, error)
	WriteArtifact(id, name string, data []byte) error
	Claim(id string) (func(), error)
	RequestCancel(id string) error
	CancelRequested(id string) bool
	WatchCancel(ctx context.Context, id string) (<-chan struct{}, error)
}

// FileStore implements Store on the local filesystem. Every mutation is
// durable on disk before the cached view is updated, and writes to one task
// are serialized by a per-task mutex.
type FileStore struct {
	root string
	log  *logging.Logger
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]*Task
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the logger used for recoverable storage anomalies.
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

// NewFileStore opens (creating if needed) a task store rooted at root,
// normally <workdir>/.potter. Terminal tasks left in the active tree by a
// crash between the status write and the archive move are archived here.
func NewFileStore(root string, opts ...Option) (*FileStore, error) {
	s := &FileStore{
		root:  root,
		log:   logging.NewNop("task"),
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
		cache: make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{TasksDir, ArchiveDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("task: init directory %s: %w", dir, err)
		}
	}
	s.sweep()
	return s, nil
}

// Root returns the store's root directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *FileStore) cached(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.cache[id]
	return t, ok
}

func (s *FileStore) setCached(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[t.ID] = t
}

func (s *FileStore) dropCached(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, id)
}

func validID(id string) error {
	if len(id) != 36 {
		return fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	return nil
}

func (s *FileStore) dir(id string, archived bool) string {
	if archived {
		return filepath.Join(s.root, ArchiveDir, id)
	}
	return filepath.Join(s.root, TasksDir, id)
}

// Create persists a new pending task and returns it.
func (s *FileStore) Create(prompt, workingDir string, yolo bool) (*Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("task: prompt is required")
	}
	now := s.now().UTC()
	t := &Task{
		ID:         uuid.NewString(),
		Prompt:     prompt,
		Status:     StatusPending,
		WorkingDir: workingDir,
		Yolo:       yolo,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	l := s.lockFor(t.ID)
	l.Lock()
	defer l.Unlock()

	dir := s.dir(t.ID, false)
	if err := os.MkdirAll(filepath.Join(dir, ContextDir), 0o750); err != nil {
		return nil, fmt.Errorf("task: create directory: %w", err)
	}
	if err := writeRecord(dir, t); err != nil {
		return nil, err
	}
	if err := syncDir(filepath.Join(s.root, TasksDir)); err != nil {
		return nil, fmt.Errorf("task: %w", err)
	}
	s.setCached(t.Clone())
	return t, nil
}

// Get returns a copy of the task including its iteration history.
func (s *FileStore) Get(id string) (*Task, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// List returns every task, active and archived, newest first.
func (s *FileStore) List() ([]*Task, error) {
	seen := make(map[string]bool)
	var out []*Task
	for _, sub := range []string{TasksDir, ArchiveDir} {
		entries, err := os.ReadDir(filepath.Join(s.root, sub))
		if err != nil {
			return nil, fmt.Errorf("task: list %s: %w", sub, err)
		}
		for _, e := range entries {
			if !e.IsDir() || seen[e.Name()] || validID(e.Name()) != nil {
				continue
			}
			seen[e.Name()] = true
			t, err := s.Get(e.Name())
			if err != nil {
				s.log.Warnf("skipping unreadable task %s: %v", e.Name(), err)
				continue
			}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// AppendIteration durably appends it to the task's iteration log. The task
// must be running and it.Seq must be exactly one past the last sequence.
func (s *FileStore) AppendIteration(id string, it Iteration) error {
	if err := validID(id); err != nil {
		return err
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.load(id)
	if err != nil {
		return err
	}
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: cannot record iterations on a %s task", ErrInvalidTransition, t.Status)
	}
	if want := t.LastSeq() + 1; it.Seq != want {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidSequence, it.Seq, want)
	}

	line, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("task: encode iteration: %w", err)
	}
	dir := s.dir(id, t.Archived)
	if err := appendLine(filepath.Join(dir, IterationLogFile), line); err != nil {
		return fmt.Errorf("task: %w", err)
	}

	next := t.Clone()
	next.Iterations = append(next.Iterations, it)
	next.IterationCount = len(next.Iterations)
	next.UpdatedAt = s.now().UTC()
	if err := writeRecord(dir, next); err != nil {
		// The log line is durable; force the next read to rebuild from disk.
		s.dropCached(id)
		return err
	}
	s.setCached(next)
	return nil
}

// SetStatus moves the task along the state machine. Terminal statuses
// carry a reason and archive the record.
func (s *FileStore) SetStatus(id string, status Status, reason *Reason) error {
	if err := validID(id); err != nil {
		return err
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.load(id)
	if err != nil {
		return err
	}
	if !CanTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}

	next := t.Clone()
	next.Status = status
	next.UpdatedAt = s.now().UTC()
	next.Reason = nil
	if status.IsTerminal() {
		r, err := terminalReason(status, reason)
		if err != nil {
			return err
		}
		next.Reason = r
	}
	if err := writeRecord(s.dir(id, t.Archived), next); err != nil {
		return err
	}
	if status.IsTerminal() && !t.Archived {
		if err := s.archive(id); err != nil {
			// The terminal status is already durable; the next open retries the move.
			s.log.Warnf("archiving task %s: %v", id, err)
		} else {
			next.Archived = true
		}
	}
	s.setCached(next)
	return nil
}

func terminalReason(status Status, reason *Reason) (*Reason, error) {
	if reason != nil {
		r := *reason
		return &r, nil
	}
	switch status {
	case StatusConverged:
		return &Reason{Code: ReasonGoalSatisfied}, nil
	case StatusCancelled:
		return &Reason{Code: ReasonCancelledByUser}, nil
	}
	return nil, fmt.Errorf("task: status %s requires a reason", status)
}

// SetGit records the repository HEAD at the start and end of the task.
// Empty values leave the stored value unchanged.
func (s *FileStore) SetGit(id, start, end string) error {
	if err := validID(id); err != nil {
		return err
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.load(id)
	if err != nil {
		return err
	}
	next := t.Clone()
	if start != "" {
		next.GitStart = start
	}
	if end != "" {
		next.GitEnd = end
	}
	if err := writeRecord(s.dir(id, t.Archived), next); err != nil {
		return err
	}
	s.setCached(next)
	return nil
}

// WriteContext stores the context snapshot for iteration seq and returns
// its reference relative to the task directory.
func (s *FileStore) WriteContext(id string, seq int, text string) (string, error) {
	ref := filepath.ToSlash(filepath.Join(ContextDir, fmt.Sprintf("%04d.md", seq)))
	if err := s.writeFile(id, ref, []byte(text)); err != nil {
		return "", err
	}
	return ref, nil
}

// ReadContext returns the context snapshot stored under ref.
func (s *FileStore) ReadContext(id, ref string) (string, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("task: invalid context reference %q", ref)
	}
	b, err := os.ReadFile(filepath.Join(dir, clean))
	if err != nil {
		return "", fmt.Errorf("task: read context: %w", err)
	}
	return string(b), nil
}

// WriteArtifact stores a named file such as summary.md in the task directory.
func (s *FileStore) WriteArtifact(id, name string, data []byte) error {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("task: invalid artifact name %q", name)
	}
	return s.writeFile(id, name, data)
}

func (s *FileStore) writeFile(id, rel string, data []byte) error {
	if err := validID(id); err != nil {
		return err
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.load(id)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir(id, t.Archived), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("task: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("task: %w", err)
	}
	return nil
}

// Dir returns the current directory of the task record.
func (s *FileStore) Dir(id string) (string, error) {
	t, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return s.dir(id, t.Archived), nil
}

// load returns the cached task or reads it from disk. Callers hold the task lock.
func (s *FileStore) load(id string) (*Task, error) {
	if t, ok := s.cached(id); ok {
		return t, nil
	}
	for _, archived := range []bool{false, true} {
		dir := s.dir(id, archived)
		t, err := readRecord(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		its, err := s.readIterations(filepath.Join(dir, IterationLogFile))
		if err != nil {
			return nil, err
		}
		t.Iterations = its
		t.IterationCount = len(its)
		t.Archived = archived
		s.setCached(t)
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// readIterations parses the iteration log. A trailing partial line left by a
// crash mid-append is truncated away; any other damage is an error.
func (s *FileStore) readIterations(path string) ([]Iteration, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task: read iteration log: %w", err)
	}

	var out []Iteration
	offset := 0
	for offset < len(data) {
		nl := bytes.IndexByte(data[offset:], '\n')
		if nl < 0 {
			s.log.Warnf("truncating torn iteration record in %s at byte %d", path, offset)
			if err := os.Truncate(path, int64(offset)); err != nil {
				return nil, fmt.Errorf("task: truncate torn iteration log: %w", err)
			}
			break
		}
		line := bytes.TrimSpace(data[offset : offset+nl])
		offset += nl + 1
		if len(line) == 0 {
			continue
		}
		var it Iteration
		if err := json.Unmarshal(line, &it); err != nil {
			return nil, fmt.Errorf("task: corrupt iteration log %s: %w", path, err)
		}
		if want := len(out) + 1; it.Seq != want {
			return nil, fmt.Errorf("%w: log %s has seq %d at position %d", ErrInvalidSequence, path, it.Seq, want)
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *FileStore) archive(id string) error {
	from := s.dir(id, false)
	to := s.dir(id, true)
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("move to archive: %w", err)
	}
	if err := syncDir(filepath.Join(s.root, TasksDir)); err != nil {
		return err
	}
	return syncDir(filepath.Join(s.root, ArchiveDir))
}

// sweep archives terminal tasks still sitting in the active tree.
func (s *FileStore) sweep() {
	entries, err := os.ReadDir(filepath.Join(s.root, TasksDir))
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || validID(e.Name()) != nil {
			continue
		}
		t, err := readRecord(s.dir(e.Name(), false))
		if err != nil || !t.Status.IsTerminal() {
			continue
		}
		if err := s.archive(e.Name()); err != nil {
			s.log.Warnf("archiving finished task %s: %v", e.Name(), err)
		}
	}
}

func readRecord(dir string) (*Task, error) {
	data, err := os.ReadFile(filepath.Join(dir, RecordFile))
	if err != nil {
		return nil, err
	}
	var t Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("task: parse %s: %w", filepath.Join(dir, RecordFile), err)
	}
	return &t, nil
}

func writeRecord(dir string, t *Task) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("task: encode record: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, RecordFile), data, 0o600); err != nil {
		return fmt.Errorf("task: write record: %w", err)
	}
	return nil
}
