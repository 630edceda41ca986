package reload

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher keeps track of configuration files and detects modifications.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher builds a watcher over the given file paths.
func NewWatcher(paths []string) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(paths); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update rebuilds the tracked file list and snapshots their current state.
func (w *Watcher) Update(paths []string) error {
	if w == nil {
		return nil
	}
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		info, err := os.Stat(abs)
		if err != nil {
			continue
		}
		if info.IsDir() {
			continue
		}
		states[abs] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
	return nil
}

// Check reports the files that changed since the last snapshot and refreshes
// the snapshot for the changed entries.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.IsDir() {
			continue
		}
		if info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
			w.files[path] = fileState{modTime: info.ModTime(), size: info.Size()}
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
