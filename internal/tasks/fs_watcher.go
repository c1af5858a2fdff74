package tasks

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"focusstack/internal/fsutil"

	"github.com/fsnotify/fsnotify"
)

// FileSystemEvent represents a file system change
type FileSystemEvent struct {
	Path      string    `json:"path"`
	Group     string    `json:"group"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
}

// FileSystemWatcher monitors a root of group directories and reports a
// group once its files have been quiet for the debounce interval.
type FileSystemWatcher struct {
	watcher  *fsnotify.Watcher
	root     string
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	Events  chan FileSystemEvent
	Ready   chan string // group directories ready to stack
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewFileSystemWatcher creates a watcher over root and its group subdirectories.
func NewFileSystemWatcher(root string, debounce time.Duration, log *slog.Logger) (*FileSystemWatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FileSystemWatcher{
		watcher:  watcher,
		root:     filepath.Clean(root),
		debounce: debounce,
		log:      log,
		pending:  make(map[string]*time.Timer),
		Events:   make(chan FileSystemEvent, 100),
		Ready:    make(chan string, 16),
		stop:     make(chan struct{}),
	}, nil
}

// Run watches until ctx is done. Events and Ready are closed when it returns.
func (fsw *FileSystemWatcher) Run(ctx context.Context) error {
	defer func() {
		fsw.watcher.Close()
		close(fsw.stop)
		fsw.mu.Lock()
		for group, t := range fsw.pending {
			if t.Stop() {
				fsw.wg.Done()
			}
			delete(fsw.pending, group)
		}
		fsw.mu.Unlock()
		fsw.wg.Wait()
		close(fsw.Events)
		close(fsw.Ready)
	}()

	if err := fsw.watcher.Add(fsw.root); err != nil {
		return err
	}
	dirs, err := fsutil.Subdirs(fsw.root)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := fsw.watcher.Add(d); err != nil {
			return err
		}
	}
	fsw.log.Info("watching directory", "root", fsw.root, "groups", len(dirs), "debounce", fsw.debounce.String())

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.watcher.Events:
			if !ok {
				return nil
			}
			fsw.handle(event)
		case err, ok := <-fsw.watcher.Errors:
			if !ok {
				return nil
			}
			fsw.log.Error("filesystem watcher error", "error", err)
		}
	}
}

// handle converts an fsnotify event and schedules its group.
func (fsw *FileSystemWatcher) handle(event fsnotify.Event) {
	var operation string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		operation = "created"
	case event.Op&fsnotify.Write == fsnotify.Write:
		operation = "modified"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		operation = "deleted"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		operation = "renamed"
	default:
		return // chmod
	}

	dir := filepath.Dir(event.Name)
	if dir == fsw.root {
		// a new group directory
		if operation == "created" {
			if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
				if err := fsw.watcher.Add(event.Name); err != nil {
					fsw.log.Warn("cannot watch group", "group", event.Name, "error", err)
				}
			}
		}
		return
	}
	if filepath.Dir(dir) != fsw.root || !fsutil.IsImageFile(event.Name) {
		return
	}

	select {
	case fsw.Events <- FileSystemEvent{Path: event.Name, Group: dir, Operation: operation, Time: time.Now()}:
	default:
		fsw.log.Warn("event buffer full, dropping event", "path", event.Name)
	}
	fsw.schedule(dir)
}

// schedule (re)arms the debounce timer of a group.
func (fsw *FileSystemWatcher) schedule(group string) {
	fsw.mu.Lock()
	defer fsw.mu.Unlock()
	if t, ok := fsw.pending[group]; ok && t.Stop() {
		t.Reset(fsw.debounce)
		return
	}
	fsw.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(fsw.debounce, func() {
		defer fsw.wg.Done()
		fsw.mu.Lock()
		if fsw.pending[group] == t {
			delete(fsw.pending, group)
		}
		fsw.mu.Unlock()
		select {
		case fsw.Ready <- group:
		case <-fsw.stop:
		}
	})
	fsw.pending[group] = t
}
