package directory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Registry scans an on-disk applbase for named appls and serves the
// resulting list view to clients. Reads take a shared lock; the only
// writer is the controller's own Scan/watch goroutine, matching the
// "read by many sessions, written by the controller main thread" model.
type Registry struct {
	mu       sync.RWMutex
	baseDir  string
	appls    map[string]*AppletMeta
	running  map[string]bool
	log      *slog.Logger
	watcher  *fsnotify.Watcher
	watchErr chan error
}

// NewRegistry scans baseDir once and returns a populated Registry. Each
// immediate subdirectory of baseDir containing a controller entry point
// (main.lua, by the scripting VM's convention) becomes one appl.
func NewRegistry(baseDir string, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		baseDir: baseDir,
		appls:   make(map[string]*AppletMeta),
		running: make(map[string]bool),
		log:     log.With("component", "registry"),
	}
	if err := r.Scan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Scan re-reads baseDir and replaces the in-memory appl set. Appls that
// disappeared from disk are dropped; their RunnerState (if any) is left
// for the controller to reap separately.
func (r *Registry) Scan() error {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return fmt.Errorf("registry: scan %s: %w", r.baseDir, err)
	}

	next := make(map[string]*AppletMeta)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		root := filepath.Join(r.baseDir, e.Name())
		if _, err := os.Stat(filepath.Join(root, "main.lua")); err != nil {
			continue // not a valid appl directory
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		next[e.Name()] = &AppletMeta{
			ID:        e.Name(),
			Name:      e.Name(),
			UpdatedAt: info.ModTime(),
			RootPath:  root,
		}
	}

	r.mu.Lock()
	for id, prev := range r.appls {
		if cur, ok := next[id]; ok {
			cur.AutoStart = prev.AutoStart
			cur.Description = prev.Description
		}
	}
	r.appls = next
	r.mu.Unlock()

	r.log.Info("appl registry scanned", "count", len(next))
	return nil
}

// BaseDir returns the applbase directory this registry scans.
func (r *Registry) BaseDir() string { return r.baseDir }

// Get returns the metadata for id.
func (r *Registry) Get(id string) (*AppletMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appls[id]
	return a, ok
}

// List returns the (id, name, timestamp, is-running) view for every known
// appl.
func (r *Registry) List() []AppletView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AppletView, 0, len(r.appls))
	for _, a := range r.appls {
		out = append(out, AppletView{
			ID:        a.ID,
			Name:      a.Name,
			Timestamp: a.UpdatedAt,
			Running:   r.running[a.ID],
		})
	}
	return out
}

// AutoStartIDs returns the ids flagged for boot-time autostart.
func (r *Registry) AutoStartIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, a := range r.appls {
		if a.AutoStart {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetRunning records whether id currently has an active RunnerState. The
// controller calls this from runner start/stop, not from arbitrary
// sessions, preserving the single-writer invariant.
func (r *Registry) SetRunning(id string, running bool) {
	r.mu.Lock()
	r.running[id] = running
	r.mu.Unlock()
}

// Watch starts an fsnotify watch on baseDir and calls onChange (with a
// debounce appropriate for editor save-then-rewrite bursts) whenever the
// tree changes, so a trusted source's bundle upload is picked up for
// reseed without requiring an explicit rescan call. Stops when stop is
// closed.
func (r *Registry) Watch(stop <-chan struct{}, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: watch: %w", err)
	}
	if err := w.Add(r.baseDir); err != nil {
		w.Close()
		return fmt.Errorf("registry: watch %s: %w", r.baseDir, err)
	}
	r.watcher = w

	go func() {
		defer w.Close()
		var debounce *time.Timer
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					if err := r.Scan(); err != nil {
						r.log.Warn("registry rescan failed", "error", err)
						return
					}
					onChange()
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Warn("registry watch error", "error", err)
			}
		}
	}()
	return nil
}
