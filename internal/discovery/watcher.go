package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/logging"
)

const DefaultDebounce = 300 * time.Millisecond

// Change is a debounced batch of source edits under one project root.
type Change struct {
	Root  string
	Paths []string
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Debounce time.Duration
	// PollInterval switches to polling when non-zero.
	PollInterval time.Duration
}

// Watcher reports Python source changes under project roots so cached
// tool sets can be dropped.
type Watcher struct {
	mu        sync.Mutex
	roots     map[string]bool
	pending   map[string]map[string]bool
	timers    map[string]*time.Timer
	callbacks []func(Change)
	debounce  time.Duration
	logger    *zap.Logger

	fs   *fsnotify.Watcher
	poll *PollingWatcher
	done chan struct{}
	once sync.Once
}

// NewWatcher creates a watcher backed by fsnotify, or by polling when
// PollInterval is set or fsnotify is unavailable.
func NewWatcher(opts WatcherOptions, logger *zap.Logger) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	w := &Watcher{
		roots:    make(map[string]bool),
		pending:  make(map[string]map[string]bool),
		timers:   make(map[string]*time.Timer),
		debounce: opts.Debounce,
		logger:   logging.OrNop(logger).Named("watcher"),
		done:     make(chan struct{}),
	}

	if opts.PollInterval == 0 {
		fw, err := fsnotify.NewWatcher()
		if err == nil {
			w.fs = fw
			return w, nil
		}
		w.logger.Warn("fsnotify unavailable, polling instead", zap.Error(err))
		opts.PollInterval = time.Second
	}
	w.poll = NewPollingWatcher(opts.PollInterval)
	return w, nil
}

// OnChange registers a callback for debounced changes
func (w *Watcher) OnChange(callback func(Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Add watches root and every non-excluded directory below it.
func (w *Watcher) Add(root string) error {
	root = filepath.Clean(root)
	w.mu.Lock()
	w.roots[root] = true
	w.mu.Unlock()

	if w.poll != nil {
		return w.poll.Add(root)
	}
	return w.addTree(root)
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && IsExcludedDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// Remove stops watching root.
func (w *Watcher) Remove(root string) error {
	root = filepath.Clean(root)
	w.mu.Lock()
	delete(w.roots, root)
	if t := w.timers[root]; t != nil {
		t.Stop()
		delete(w.timers, root)
	}
	delete(w.pending, root)
	w.mu.Unlock()

	if w.poll != nil {
		return w.poll.Remove(root)
	}
	prefix := root + string(filepath.Separator)
	for _, path := range w.fs.WatchList() {
		if path == root || strings.HasPrefix(path, prefix) {
			_ = w.fs.Remove(path)
		}
	}
	return nil
}

// Start begins delivering changes
func (w *Watcher) Start() {
	if w.poll != nil {
		w.poll.Start()
		go w.watchPolling()
		return
	}
	go w.watch()
}

// Stop stops the watcher; pending changes are dropped.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		for root, t := range w.timers {
			t.Stop()
			delete(w.timers, root)
		}
		w.mu.Unlock()
		if w.poll != nil {
			err = w.poll.Stop()
			return
		}
		err = w.fs.Close()
	})
	return err
}

func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !IsExcludedDir(info.Name()) {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Debug("Watching new directory", zap.Error(err))
					}
					continue
				}
			}
			if !strings.HasSuffix(event.Name, ".py") || event.Op == fsnotify.Chmod {
				continue
			}
			w.record(event.Name)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) watchPolling() {
	events := w.poll.Events()
	errs := w.poll.Errors()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.record(ev.Path)
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

// record queues path under its root and restarts the root's debounce timer.
func (w *Watcher) record(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	root := w.rootOf(path)
	if root == "" || w.excluded(root, path) {
		return
	}
	if w.pending[root] == nil {
		w.pending[root] = make(map[string]bool)
	}
	w.pending[root][path] = true

	if t := w.timers[root]; t != nil {
		t.Stop()
	}
	w.timers[root] = time.AfterFunc(w.debounce, func() { w.flush(root) })
}

func (w *Watcher) rootOf(path string) string {
	best := ""
	for root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			if len(root) > len(best) {
				best = root
			}
		}
	}
	return best
}

func (w *Watcher) excluded(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
		if IsExcludedDir(part) {
			return true
		}
	}
	return false
}

func (w *Watcher) flush(root string) {
	select {
	case <-w.done:
		return
	default:
	}

	w.mu.Lock()
	paths := make([]string, 0, len(w.pending[root]))
	for p := range w.pending[root] {
		paths = append(paths, p)
	}
	delete(w.pending, root)
	delete(w.timers, root)
	callbacks := w.callbacks
	w.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)
	change := Change{Root: root, Paths: paths}
	w.logger.Debug("Source changed", zap.String("root", root), zap.Int("files", len(paths)))
	for _, cb := range callbacks {
		cb(change)
	}
}
