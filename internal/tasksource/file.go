package tasksource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/neboloop/warden/internal/logging"
)

// taskFile is the on-disk shape of a task list.
type taskFile struct {
	Tasks []Task `yaml:"tasks"`
}

// FileSource reads tasks from a yaml file and watches it for edits, so
// work appended while the supervisor runs is picked up at the next
// iteration. Completed task IDs are remembered; a reload never re-issues
// finished work.
type FileSource struct {
	mu      sync.Mutex
	path    string
	pending []Task
	done    map[string]bool
	watcher *fsnotify.Watcher
}

// NewFileSource loads the task file and starts watching it. The file
// must exist at construction time; an empty task list is valid.
func NewFileSource(path string) (*FileSource, error) {
	s := &FileSource{
		path: path,
		done: make(map[string]bool),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch task file: %w", err)
	}
	// Watch the directory: editors replace files on save, which would
	// drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch task directory: %w", err)
	}
	s.watcher = watcher
	go s.watch()

	return s, nil
}

// Next returns the next undone task, or nil when the list is exhausted.
func (s *FileSource) Next(ctx context.Context) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) > 0 {
		t := s.pending[0]
		s.pending = s.pending[1:]
		if s.done[t.ID] {
			continue
		}
		s.done[t.ID] = true
		return &t, nil
	}
	return nil, nil
}

// Close stops the file watcher.
func (s *FileSource) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *FileSource) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				logging.Warnf("tasksource: reload %s: %v", s.path, err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Warnf("tasksource: watcher: %v", err)
		}
	}
}

// reload re-reads the file and replaces the pending queue. Tasks already
// handed out stay filtered through the done set.
func (s *FileSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("parse task file: %w", err)
	}

	for i := range tf.Tasks {
		if tf.Tasks[i].ID == "" {
			tf.Tasks[i].ID = deriveID(tf.Tasks[i].Prompt)
		}
	}

	s.mu.Lock()
	s.pending = tf.Tasks
	s.mu.Unlock()
	return nil
}
