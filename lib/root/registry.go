// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package root

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wardenfs/warden/lib/config"
	"github.com/wardenfs/warden/lib/events"
	"github.com/wardenfs/warden/lib/sync"
	"github.com/wardenfs/warden/lib/watcher"
)

var ErrNotWatched = errors.New("directory is not watched")

// NotHybridError is returned when recrawl injection is requested for a
// root whose backend is not the hybrid watcher.
type NotHybridError struct {
	Root string
}

func (e *NotHybridError) Error() string {
	return fmt.Sprintf("root %s is not using the hybrid watcher", e.Root)
}

// Registry is the process wide table of watched roots. It is constructed
// once at daemon start and owns resolution, introspection and the shutdown
// sequence. Roots remove themselves from it when they are cancelled.
type Registry struct {
	cfg      config.Configuration
	evLogger *events.Logger
	saveHook SaveHook

	// Factories for the parts a root is assembled from. Tests replace
	// these before the first Watch call.
	newBackend func(path string, cfg config.Configuration) watcher.Backend
	newView    func(r *Root) View

	mut   sync.RWMutex
	roots map[string]*Root
	live  atomic.Int64 // constructed roots not yet wound down
}

// NewRegistry returns an empty registry. The save hook, which may be nil,
// is handed to every root and runs when watches are removed.
func NewRegistry(cfg config.Configuration, evLogger *events.Logger, saveHook SaveHook) *Registry {
	return &Registry{
		cfg:        cfg,
		evLogger:   evLogger,
		saveHook:   saveHook,
		newBackend: defaultBackend,
		newView:    func(*Root) View { return nopView{} },
		mut:        sync.NewRWMutex(),
		roots:      make(map[string]*Root),
	}
}

func defaultBackend(path string, cfg config.Configuration) watcher.Backend {
	if cfg.SplitWatcher() {
		return watcher.NewHybridWatcher()
	}
	return watcher.NewRecursiveWatcher(path)
}

// canonicalRootPath turns a requested watch path into the canonical form
// roots are keyed by: absolute, cleaned, symlinks resolved, and pointing
// at a directory.
func canonicalRootPath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path %q must be absolute", path)
	}
	canonical, err := filepath.EvalSymlinks(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	fi, err := os.Stat(canonical)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("path %s is not a directory", canonical)
	}
	return canonical, nil
}

// Watch returns the root watching exactly path, creating and starting one
// the first time around.
func (reg *Registry) Watch(path string) (*Root, error) {
	canonical, err := canonicalRootPath(path)
	if err != nil {
		return nil, err
	}

	reg.mut.Lock()
	defer reg.mut.Unlock()

	if r, ok := reg.roots[canonical]; ok {
		r.MarkUsed()
		return r, nil
	}

	r, err := newRoot(canonical, reg)
	if err != nil {
		return nil, err
	}
	reg.roots[canonical] = r
	metricWatchedRoots.Set(float64(len(reg.roots)))

	l.Infof("watching %s using the %s watcher", canonical, r.backend.Name())
	reg.evLogger.Log(events.WatchAdded, map[string]interface{}{
		"root":    canonical,
		"watcher": r.backend.Name(),
	})
	return r, nil
}

// Resolve returns the root watching exactly path, without creating one.
func (reg *Registry) Resolve(path string) (*Root, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("path %q must be absolute", path)
	}
	clean := filepath.Clean(path)

	reg.mut.RLock()
	r, ok := reg.roots[clean]
	reg.mut.RUnlock()

	if !ok {
		// The root may have been registered under its symlink-resolved
		// form.
		if canonical, err := filepath.EvalSymlinks(clean); err == nil && canonical != clean {
			reg.mut.RLock()
			r, ok = reg.roots[canonical]
			reg.mut.RUnlock()
		}
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", clean, ErrNotWatched)
	}

	r.MarkUsed()
	return r, nil
}

// FindEnclosingRoot walks the current watches for one containing path and
// returns it together with the path relative to the root, empty when path
// is the root itself. When nested watches both contain the path the
// outermost one wins.
func (reg *Registry) FindEnclosingRoot(path string) (*Root, string, error) {
	if !filepath.IsAbs(path) {
		return nil, "", fmt.Errorf("path %q must be absolute", path)
	}
	name := filepath.Clean(path)

	reg.mut.RLock()
	paths := make([]string, 0, len(reg.roots))
	for p := range reg.roots {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	var found *Root
	var rel string
	for _, rootPath := range paths {
		if name == rootPath {
			found, rel = reg.roots[rootPath], ""
			break
		}
		if strings.HasPrefix(name, rootPath+"/") {
			found, rel = reg.roots[rootPath], name[len(rootPath)+1:]
			break
		}
	}
	reg.mut.RUnlock()

	if found == nil {
		return nil, "", fmt.Errorf("%s: %w", name, ErrNotWatched)
	}
	found.MarkUsed()
	return found, rel, nil
}

// removeFromWatched drops r from the table. It returns false when the path
// is no longer registered or the entry has been replaced by a different
// root object in the meantime.
func (reg *Registry) removeFromWatched(r *Root) bool {
	reg.mut.Lock()
	cur, ok := reg.roots[r.path]
	if !ok || cur != r {
		reg.mut.Unlock()
		return false
	}
	delete(reg.roots, r.path)
	metricWatchedRoots.Set(float64(len(reg.roots)))
	reg.mut.Unlock()

	l.Debugln("removed", r.path, "from the watched roots")
	reg.evLogger.Log(events.WatchRemoved, map[string]interface{}{"root": r.path})
	return true
}

// Unwatch cancels the root watching path, saving global state when this
// call was the one that stopped it. The bool mirrors that.
func (reg *Registry) Unwatch(path string) (bool, error) {
	r, err := reg.Resolve(path)
	if err != nil {
		return false, err
	}
	return r.stopWatch(), nil
}

// WatchList returns the paths of all watched roots, sorted.
func (reg *Registry) WatchList() []string {
	reg.mut.RLock()
	paths := make([]string, 0, len(reg.roots))
	for p := range reg.roots {
		paths = append(paths, p)
	}
	reg.mut.RUnlock()

	slices.Sort(paths)
	return paths
}

// StatusAll returns status snapshots for all watched roots, sorted by
// path.
func (reg *Registry) StatusAll() []Status {
	reg.mut.RLock()
	roots := make([]*Root, 0, len(reg.roots))
	for _, r := range reg.roots {
		roots = append(roots, r)
	}
	reg.mut.RUnlock()

	slices.SortFunc(roots, func(a, b *Root) int {
		return strings.Compare(a.path, b.path)
	})
	statuses := make([]Status, len(roots))
	for i, r := range roots {
		statuses[i] = r.Status()
	}
	return statuses
}

// Recrawl schedules a full recrawl of the root watching rootPath.
func (reg *Registry) Recrawl(rootPath, reason string) error {
	r, err := reg.Resolve(rootPath)
	if err != nil {
		return err
	}
	r.ScheduleRecrawl(reason)
	return nil
}

// InjectRecrawl plants a synthetic recrawl record for path into the change
// stream of the root watching rootPath. Only roots on the hybrid watcher
// accept injections; others report a NotHybridError.
func (reg *Registry) InjectRecrawl(rootPath, path string) error {
	r, err := reg.Resolve(rootPath)
	if err != nil {
		return err
	}
	return r.InjectRecrawl(path)
}

// StopAll cancels every watched root and returns their paths. Cancelling
// mutates the table, so the loop takes the first entry fresh each time
// until the table is empty. The save hook is taken from the roots, must be
// the same for all of them, and runs exactly once at the end.
func (reg *Registry) StopAll() []string {
	var stopped []string
	var hook SaveHook

	for {
		var r *Root
		reg.mut.Lock()
		for _, rr := range reg.roots {
			r = rr
			break
		}
		reg.mut.Unlock()
		if r == nil {
			break
		}

		if !r.Cancel() {
			// Already cancelled elsewhere but possibly not yet out of
			// the table; make sure we do not spin on it.
			reg.removeFromWatched(r)
		}
		if hook == nil {
			hook = r.saveHook
		} else if !sameHook(hook, r.saveHook) {
			panic("bug: all roots must carry the same save hook")
		}
		stopped = append(stopped, r.path)
	}

	if hook != nil {
		hook()
	}
	return stopped
}

func sameHook(a, b SaveHook) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// Free cancels all roots and waits for their services to wind down, at
// most three seconds with exponentially growing poll intervals. Roots
// whose teardown is already in flight get a StopThreads nudge. Meant for
// daemon exit.
func (reg *Registry) Free() {
	reg.mut.RLock()
	roots := make([]*Root, 0, len(reg.roots))
	for _, r := range reg.roots {
		roots = append(roots, r)
	}
	reg.mut.RUnlock()

	for _, r := range roots {
		if !r.Cancel() {
			r.StopThreads()
		}
	}

	interval := 100 * time.Microsecond
	deadline := time.Now().Add(3 * time.Second)
	last := reg.live.Load()
	for reg.live.Load() > 0 && time.Now().Before(deadline) {
		if current := reg.live.Load(); current != last {
			l.Debugln(current, "roots still winding down")
			last = current
		}
		time.Sleep(interval)
		interval = min(interval*2, time.Second)
	}

	if n := reg.live.Load(); n > 0 {
		l.Warnf("%d roots were still live at exit", n)
	}
}

// LiveRoots returns the number of root objects whose services have not yet
// wound down, registered or not.
func (reg *Registry) LiveRoots() int {
	return int(reg.live.Load())
}
