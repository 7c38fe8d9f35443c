// Package reload detects changes to the files a running configuration was
// built from.
package reload

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timzifer/steerlink/internal/config"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher keeps track of configuration source files and detects modifications.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// SourceFiles returns the configuration file and every file it references.
func SourceFiles(path string, cfg *config.Config) []string {
	paths := []string{path}
	if cfg == nil {
		return paths
	}
	if cfg.CAN.Enabled {
		paths = append(paths, cfg.ResolvePath(cfg.CAN.DBC))
	}
	if tls := cfg.Uplink.TLS; cfg.Uplink.Enabled && tls != nil && tls.Enabled {
		paths = append(paths, cfg.ResolvePath(tls.CAFile), cfg.ResolvePath(tls.CertFile), cfg.ResolvePath(tls.KeyFile))
	}
	return paths
}

// NewWatcher snapshots the given files.
func NewWatcher(paths ...string) *Watcher {
	watcher := &Watcher{}
	watcher.Update(paths...)
	return watcher
}

// Update replaces the tracked file list. Missing files and directories are
// skipped.
func (w *Watcher) Update(paths ...string) {
	if w == nil {
		return
	}
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		states[abs] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
}

// Check reports the files that changed or vanished since the last snapshot.
func (w *Watcher) Check() []string {
	if w == nil {
		return nil
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
		if info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
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
