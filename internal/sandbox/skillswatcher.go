package sandbox

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SkillsWatcher keeps an in-memory cache of the host skills directory's
// .md files current via a debounced fsnotify watch, so the per-turn
// snapshot refresh copies from memory instead of re-reading the
// directory from disk on every single message.
type SkillsWatcher struct {
	dir string

	mu    sync.RWMutex
	cache map[string][]byte

	watcher *fsnotify.Watcher
	done    chan struct{}

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer
}

// NewSkillsWatcher loads every .md file under dir into memory and starts
// watching dir for changes. Returns a watcher with an empty cache (and
// no active watch) if dir does not yet exist; the first skill proposal
// creates it.
func NewSkillsWatcher(dir string) (*SkillsWatcher, error) {
	sw := &SkillsWatcher{
		dir:      dir,
		cache:    make(map[string][]byte),
		done:     make(chan struct{}),
		debounce: make(map[string]*time.Timer),
	}
	sw.loadAll()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	sw.watcher = w

	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	go sw.loop()
	return sw, nil
}

func (sw *SkillsWatcher) loadAll() {
	entries, err := os.ReadDir(sw.dir)
	if err != nil {
		return
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sw.dir, e.Name()))
		if err != nil {
			continue
		}
		sw.cache[e.Name()] = data
	}
}

func (sw *SkillsWatcher) loop() {
	defer close(sw.done)
	for {
		select {
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".md") {
				continue
			}
			sw.debounceReload(ev.Name)
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("sandbox.skills_watch_error", "error", err)
		}
	}
}

func (sw *SkillsWatcher) debounceReload(path string) {
	sw.debounceMu.Lock()
	defer sw.debounceMu.Unlock()
	if t, ok := sw.debounce[path]; ok {
		t.Stop()
	}
	sw.debounce[path] = time.AfterFunc(300*time.Millisecond, func() {
		sw.reload(path)
		sw.debounceMu.Lock()
		delete(sw.debounce, path)
		sw.debounceMu.Unlock()
	})
}

func (sw *SkillsWatcher) reload(path string) {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if err != nil {
		delete(sw.cache, name)
		return
	}
	sw.cache[name] = data
}

// Snapshot returns a copy of every cached skill file's current content.
func (sw *SkillsWatcher) Snapshot() map[string][]byte {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	out := make(map[string][]byte, len(sw.cache))
	for k, v := range sw.cache {
		out[k] = v
	}
	return out
}

// Close stops the watcher.
func (sw *SkillsWatcher) Close() error {
	if sw.watcher == nil {
		return nil
	}
	err := sw.watcher.Close()
	<-sw.done
	return err
}
