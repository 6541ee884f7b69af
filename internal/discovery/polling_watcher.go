package discovery

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// PollingWatcher detects Python source changes by periodic scanning.
// It works on filesystems where fsnotify does not deliver events.
type PollingWatcher struct {
	mu         sync.Mutex
	interval   time.Duration
	roots      map[string]bool
	fileStates map[string]fileState
	events     chan FileEvent
	errors     chan error
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

type fileState struct {
	modTime time.Time
	size    int64
	hash    string
}

// FileEvent is a change to one source file.
type FileEvent struct {
	Path string
	Op   FileOp
}

type FileOp int

const (
	Create FileOp = iota
	Write
	Remove
)

func (op FileOp) String() string {
	switch op {
	case Create:
		return "CREATE"
	case Write:
		return "WRITE"
	case Remove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

func NewPollingWatcher(interval time.Duration) *PollingWatcher {
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	return &PollingWatcher{
		interval:   interval,
		roots:      make(map[string]bool),
		fileStates: make(map[string]fileState),
		events:     make(chan FileEvent, 100),
		errors:     make(chan error, 10),
		stop:       make(chan struct{}),
	}
}

// Add starts tracking the .py files under root.
func (pw *PollingWatcher) Add(root string) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	pw.roots[root] = true
	files, _ := PythonFiles(root, 0)
	for _, path := range files {
		if state, err := pw.getFileState(path); err == nil {
			pw.fileStates[path] = state
		}
	}
	return nil
}

// Remove stops tracking root.
func (pw *PollingWatcher) Remove(root string) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	delete(pw.roots, root)
	prefix := root + string(filepath.Separator)
	for path := range pw.fileStates {
		if strings.HasPrefix(path, prefix) {
			delete(pw.fileStates, path)
		}
	}
	return nil
}

func (pw *PollingWatcher) Start() {
	pw.wg.Add(1)
	go pw.pollLoop()
}

// Stop stops polling and closes the channels.
func (pw *PollingWatcher) Stop() error {
	pw.stopOnce.Do(func() {
		close(pw.stop)
		pw.wg.Wait()
		close(pw.events)
		close(pw.errors)
	})
	return nil
}

func (pw *PollingWatcher) Events() <-chan FileEvent {
	return pw.events
}

func (pw *PollingWatcher) Errors() <-chan error {
	return pw.errors
}

func (pw *PollingWatcher) pollLoop() {
	defer pw.wg.Done()

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pw.stop:
			return
		case <-ticker.C:
			pw.poll()
		}
	}
}

func (pw *PollingWatcher) poll() {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	seen := make(map[string]bool)
	for root := range pw.roots {
		if _, err := os.Stat(root); err != nil {
			pw.emitError(fmt.Errorf("stat %s: %w", root, err))
			continue
		}
		files, _ := PythonFiles(root, 0)
		for _, path := range files {
			seen[path] = true
			pw.checkFile(path)
		}
	}

	for path := range pw.fileStates {
		if !seen[path] {
			delete(pw.fileStates, path)
			pw.emit(FileEvent{Path: path, Op: Remove})
		}
	}
}

func (pw *PollingWatcher) checkFile(path string) {
	newState, err := pw.getFileState(path)
	if err != nil {
		return
	}

	oldState, exists := pw.fileStates[path]
	pw.fileStates[path] = newState
	switch {
	case !exists:
		pw.emit(FileEvent{Path: path, Op: Create})
	case oldState != newState:
		pw.emit(FileEvent{Path: path, Op: Write})
	}
}

func (pw *PollingWatcher) emit(ev FileEvent) {
	select {
	case pw.events <- ev:
	default:
	}
}

func (pw *PollingWatcher) emitError(err error) {
	select {
	case pw.errors <- err:
	default:
	}
}

func (pw *PollingWatcher) getFileState(path string) (fileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}, err
	}

	state := fileState{
		modTime: info.ModTime(),
		size:    info.Size(),
	}
	if info.Size() <= MaxFileSize {
		if hash, err := hashFile(path); err == nil {
			state.hash = hash
		}
	}
	return state, nil
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
