// Package monitor keeps persistent file-system watches and routes their
// events to the handlers that registered them. Watches survive restarts
// through the store; one process-wide fsnotify watcher backs them all, with
// directories refcounted so overlapping watches can share them.
package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/engine"
	"github.com/geostack/permsync/internal/store"
)

// FSEventHandler consumes file events for the paths it watches. Handlers
// surface their own failures; the registry only logs them.
type FSEventHandler interface {
	PathCreated(ctx context.Context, path string) error
	PathModified(ctx context.Context, path string) error
	PathDeleted(ctx context.Context, path string) error
}

// HandlerResolver maps a registered callback name to its event handler, or
// nil when no active handler carries that name.
type HandlerResolver func(callback string) FSEventHandler

// Store persists watch registrations across restarts. A nil Store keeps
// watches in memory only.
type Store interface {
	UpsertMonitor(ctx context.Context, path string, recursive bool, callback string) (*store.Monitor, error)
	ListMonitors(ctx context.Context) ([]*store.Monitor, error)
	DeleteMonitor(ctx context.Context, path, callback string) error
}

// pathWatcher is the slice of the fsnotify watcher the registry drives.
type pathWatcher interface {
	Add(name string) error
	Remove(name string) error
}

// WatchInfo describes one active watch.
type WatchInfo struct {
	Path      string
	Recursive bool
	Callback  string
}

type watch struct {
	path      string
	recursive bool
	callback  string
	handler   FSEventHandler
	dirs      map[string]struct{}
}

// covers reports whether an event on path belongs to this watch.
func (w *watch) covers(path string) bool {
	if path == w.path {
		return true
	}
	if w.recursive {
		return strings.HasPrefix(path, w.path+"/")
	}
	return filepath.Dir(path) == w.path
}

// Registry owns the active watches. It implements the watch registration
// contract the handlers depend on and runs the event loop feeding them.
type Registry struct {
	store    Store
	resolver HandlerResolver
	logger   *zap.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	adder   pathWatcher
	watches map[string]*watch
	dirRefs map[string]int
}

func NewRegistry(st Store, resolver HandlerResolver, logger *zap.Logger) (*Registry, error) {
	if resolver == nil {
		return nil, errors.New("NewRegistry: nil handler resolver")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("NewRegistry: %w", err)
	}
	r := newRegistry(st, resolver, fsw, logger)
	r.fsw = fsw
	return r, nil
}

func newRegistry(st Store, resolver HandlerResolver, adder pathWatcher, logger *zap.Logger) *Registry {
	return &Registry{
		store:    st,
		resolver: resolver,
		logger:   logger.Named("monitor"),
		adder:    adder,
		watches:  make(map[string]*watch),
		dirRefs:  make(map[string]int),
	}
}

func watchKey(path, callback string) string {
	return path + "\x00" + callback
}

// Start reloads the persisted watches. Registrations whose callback no
// longer resolves or whose path cannot be armed are dropped from the store
// rather than carried as dead rows.
func (r *Registry) Start(ctx context.Context) error {
	if r.store == nil {
		r.logger.Info("no database configured, watches will not survive restarts")
		return nil
	}
	rows, err := r.store.ListMonitors(ctx)
	if err != nil {
		return fmt.Errorf("Start: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range rows {
		handler := r.resolver(m.Callback)
		if handler == nil {
			r.logger.Warn("dropping stored watch with unknown callback",
				zap.String("path", m.Path), zap.String("callback", m.Callback))
			r.dropStored(ctx, m.Path, m.Callback)
			continue
		}
		w := &watch{
			path:      m.Path,
			recursive: m.Recursive,
			callback:  m.Callback,
			handler:   handler,
			dirs:      make(map[string]struct{}),
		}
		if err := r.arm(w); err != nil {
			r.logger.Warn("dropping stored watch whose path cannot be armed",
				zap.String("path", m.Path), zap.String("callback", m.Callback), zap.Error(err))
			r.dropStored(ctx, m.Path, m.Callback)
			continue
		}
		r.watches[watchKey(m.Path, m.Callback)] = w
		r.logger.Info("restored watch",
			zap.String("path", m.Path), zap.Bool("recursive", m.Recursive), zap.String("callback", m.Callback))
	}
	return nil
}

func (r *Registry) dropStored(ctx context.Context, path, callback string) {
	if err := r.store.DeleteMonitor(ctx, path, callback); err != nil && !errors.Is(err, sql.ErrNoRows) {
		r.logger.Error("failed to drop stored watch", zap.String("path", path), zap.Error(err))
	}
}

// Register arms a watch and persists it. Registering an existing watch is a
// no-op, except that a recursive registration upgrades a non-recursive one.
func (r *Registry) Register(ctx context.Context, path string, recursive bool, callback string) error {
	handler := r.resolver(callback)
	if handler == nil {
		return &engine.HandlerConfigError{Service: callback, Reason: "no handler for monitor callback"}
	}
	path = filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	key := watchKey(path, callback)
	if existing, ok := r.watches[key]; ok {
		if existing.recursive || !recursive {
			r.logger.Debug("watch already registered",
				zap.String("path", path), zap.String("callback", callback))
			return nil
		}
		existing.recursive = true
		if err := r.armSubdirs(existing); err != nil {
			return fmt.Errorf("Register: %w", err)
		}
		return r.persist(ctx, existing)
	}

	w := &watch{
		path:      path,
		recursive: recursive,
		callback:  callback,
		handler:   handler,
		dirs:      make(map[string]struct{}),
	}
	if err := r.arm(w); err != nil {
		return fmt.Errorf("Register: %w", err)
	}
	r.watches[key] = w
	r.logger.Info("registered watch",
		zap.String("path", path), zap.Bool("recursive", recursive), zap.String("callback", callback))
	return r.persist(ctx, w)
}

func (r *Registry) persist(ctx context.Context, w *watch) error {
	if r.store == nil {
		return nil
	}
	if _, err := r.store.UpsertMonitor(ctx, w.path, w.recursive, w.callback); err != nil {
		return fmt.Errorf("persist watch: %w", err)
	}
	return nil
}

// Unregister disarms a watch and removes its stored registration. Unknown
// watches are tolerated so handlers can clean up unconditionally.
func (r *Registry) Unregister(ctx context.Context, path string, callback string) error {
	path = filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	key := watchKey(path, callback)
	if w, ok := r.watches[key]; ok {
		for dir := range w.dirs {
			r.disarmDir(w, dir)
		}
		delete(r.watches, key)
		r.logger.Info("unregistered watch", zap.String("path", path), zap.String("callback", callback))
	} else {
		r.logger.Debug("watch not registered", zap.String("path", path), zap.String("callback", callback))
	}
	if r.store != nil {
		if err := r.store.DeleteMonitor(ctx, path, callback); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("Unregister: %w", err)
		}
	}
	return nil
}

// List reports the active watches ordered by path and callback.
func (r *Registry) List() []WatchInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]WatchInfo, 0, len(r.watches))
	for _, w := range r.watches {
		infos = append(infos, WatchInfo{Path: w.path, Recursive: w.recursive, Callback: w.callback})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Path != infos[j].Path {
			return infos[i].Path < infos[j].Path
		}
		return infos[i].Callback < infos[j].Callback
	})
	return infos
}

// arm attaches the watch root, and for recursive watches every directory
// below it. Callers hold the lock.
func (r *Registry) arm(w *watch) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	if err := r.armDir(w, w.path); err != nil {
		return err
	}
	if w.recursive && info.IsDir() {
		return r.armSubdirs(w)
	}
	return nil
}

func (r *Registry) armSubdirs(w *watch) error {
	return filepath.WalkDir(w.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			r.logger.Warn("skipping unreadable path while arming watch",
				zap.String("path", path), zap.Error(err))
			return nil
		}
		if !d.IsDir() || path == w.path {
			return nil
		}
		return r.armDir(w, path)
	})
}

func (r *Registry) armDir(w *watch, dir string) error {
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if r.dirRefs[dir] == 0 {
		if err := r.adder.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	r.dirRefs[dir]++
	w.dirs[dir] = struct{}{}
	return nil
}

func (r *Registry) disarmDir(w *watch, dir string) {
	if _, ok := w.dirs[dir]; !ok {
		return
	}
	delete(w.dirs, dir)
	r.dirRefs[dir]--
	if r.dirRefs[dir] <= 0 {
		delete(r.dirRefs, dir)
		// The directory may already be gone; fsnotify then errors.
		if err := r.adder.Remove(dir); err != nil {
			r.logger.Debug("watch removal", zap.String("path", dir), zap.Error(err))
		}
	}
}

// Run is the event loop. It blocks until the context is canceled, feeding
// every raw event to the watches covering its path.
func (r *Registry) Run(ctx context.Context) error {
	if r.fsw == nil {
		return errors.New("Run: registry has no file-system watcher")
	}
	for {
		select {
		case <-ctx.Done():
			if err := r.fsw.Close(); err != nil {
				r.logger.Warn("closing file watcher", zap.Error(err))
			}
			return nil
		case ev, ok := <-r.fsw.Events:
			if !ok {
				return nil
			}
			r.handleEvent(ctx, ev)
		case err, ok := <-r.fsw.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("file watcher error", zap.Error(err))
		}
	}
}

type eventKind int

const (
	eventCreated eventKind = iota
	eventModified
	eventDeleted
)

func (r *Registry) handleEvent(ctx context.Context, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			r.armCreatedDir(path)
		}
		r.dispatch(ctx, path, eventCreated)
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		r.dropArmedDir(path)
		r.dispatch(ctx, path, eventDeleted)
	case ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Chmod):
		r.dispatch(ctx, path, eventModified)
	}
}

// armCreatedDir attaches a directory that appeared under recursive watches,
// including anything already nested inside it by the time the event lands.
func (r *Registry) armCreatedDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.watches {
		if !w.recursive || !w.covers(dir) {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if err := r.armDir(w, path); err != nil {
				r.logger.Warn("failed to arm created directory",
					zap.String("path", path), zap.Error(err))
			}
			return nil
		})
		if err != nil {
			r.logger.Warn("failed to walk created directory", zap.String("path", dir), zap.Error(err))
		}
	}
}

// dropArmedDir releases a removed directory from every watch tracking it.
func (r *Registry) dropArmedDir(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.watches {
		if _, ok := w.dirs[path]; ok {
			r.disarmDir(w, path)
		}
	}
}

// dispatch routes one event to the covering watches in a stable order.
// Handler failures are logged, never propagated; one failing callback must
// not starve the others.
func (r *Registry) dispatch(ctx context.Context, path string, kind eventKind) {
	r.mu.Lock()
	var targets []*watch
	for _, w := range r.watches {
		if w.covers(path) {
			targets = append(targets, w)
		}
	}
	r.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].path != targets[j].path {
			return targets[i].path < targets[j].path
		}
		return targets[i].callback < targets[j].callback
	})

	for _, w := range targets {
		var err error
		switch kind {
		case eventCreated:
			err = w.handler.PathCreated(ctx, path)
		case eventModified:
			err = w.handler.PathModified(ctx, path)
		case eventDeleted:
			err = w.handler.PathDeleted(ctx, path)
		}
		if err != nil {
			r.logger.Error("watch callback failed",
				zap.String("callback", w.callback), zap.String("path", path), zap.Error(err))
		}
	}
}

// Close releases the underlying watcher without waiting for Run to return.
func (r *Registry) Close() error {
	if r.fsw != nil {
		return r.fsw.Close()
	}
	return nil
}
