package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Claim takes exclusive ownership of a task for one controller by creating
// an owner lock file in the task directory. A lock left behind by a dead
// process is taken over. The returned release func removes the lock only if
// it still belongs to this claim.
func (s *FileStore) Claim(id string) (func(), error) {
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
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task %s is already %s", ErrInvalidTransition, id, t.Status)
	}

	path := filepath.Join(s.dir(id, t.Archived), ownerFile)
	token := fmt.Sprintf("%d %s\n", os.Getpid(), uuid.NewString())
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(token)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("task: write owner lock: %w", werr)
			}
			return func() { s.release(id, token) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("task: create owner lock: %w", err)
		}
		if !staleOwner(path) {
			return nil, fmt.Errorf("%w: %s", ErrOwned, id)
		}
		s.log.Warnf("taking over stale owner lock of task %s", id)
		_ = os.Remove(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrOwned, id)
}

func (s *FileStore) release(id, token string) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.load(id)
	if err != nil {
		return
	}
	path := filepath.Join(s.dir(id, t.Archived), ownerFile)
	data, err := os.ReadFile(path)
	if err != nil || string(data) != token {
		return
	}
	_ = os.Remove(path)
}

// staleOwner reports whether the process named in the lock file is gone.
func staleOwner(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return true
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return true
	}
	if pid == os.Getpid() {
		return false
	}
	return !pidAlive(pid)
}

func pidAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess only succeeds for live processes on Windows.
	if runtime.GOOS == "windows" {
		return true
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// RequestCancel asks whichever controller owns the task to stop. It works
// across processes: the owner watches for the marker file.
func (s *FileStore) RequestCancel(id string) error {
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
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s is already %s", ErrInvalidTransition, id, t.Status)
	}
	stamp := s.now().UTC().Format("2006-01-02T15:04:05Z07:00")
	if err := writeFileAtomic(filepath.Join(s.dir(id, t.Archived), cancelFile), []byte(stamp+"\n"), 0o600); err != nil {
		return fmt.Errorf("task: write cancel marker: %w", err)
	}
	return nil
}

// CancelRequested reports whether a cancel marker exists for the task.
func (s *FileStore) CancelRequested(id string) bool {
	dir, err := s.Dir(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, cancelFile))
	return err == nil
}

// WatchCancel returns a channel that is closed once a cancel marker appears
// for the task. The watch stops when ctx is done.
func (s *FileStore) WatchCancel(ctx context.Context, id string) (<-chan struct{}, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("task: create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("task: watch %s: %w", dir, err)
	}

	fired := make(chan struct{})
	go func() {
		defer w.Close()
		// The marker may predate the watch.
		if _, err := os.Stat(filepath.Join(dir, cancelFile)); err == nil {
			close(fired)
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == cancelFile && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
					close(fired)
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warnf("cancel watch for task %s: %v", id, err)
			}
		}
	}()
	return fired, nil
}
