// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/wardenfs/warden/lib/pending"
	"github.com/wardenfs/warden/lib/sync"
)

// Backend threads wait this long between liveness checks when nothing
// happens. It is a heartbeat, not a deadline; shutdown does not wait for it.
const notifyHeartbeat = 24 * time.Hour

var errWatcherStopped = errors.New("watcher is shutting down")

// A HybridWatcher watches the root directory and its direct file children
// with the entry queue backend, and every top level directory with its own
// recursive backend, created lazily when the directory is first declared.
// All backends post to one shared cond so the root has a single thing to
// wait on.
type HybridWatcher struct {
	rootPath string

	entry       Backend
	entryHandle *watcherHandle

	mut      sync.RWMutex // protects subtrees
	subtrees map[string]*subtreeWatcher

	injectMut sync.Mutex
	injected  *string // path to synthesize a recrawl for, consumed once

	cond    *PendingEventsCond
	threads sync.WaitGroup

	// Factories, replaced in tests.
	newEntryBackend   func() Backend
	newSubtreeBackend func(dir string) Backend
}

type subtreeWatcher struct {
	backend Backend
	handle  *watcherHandle
}

// A watcherHandle is the non-owning reference a notify thread holds to its
// backend. Clearing the handle lets the thread observe that the backend was
// torn down and exit, without the thread keeping the backend alive.
type watcherHandle struct {
	mut     sync.Mutex
	backend Backend
}

func newWatcherHandle(b Backend) *watcherHandle {
	return &watcherHandle{mut: sync.NewMutex(), backend: b}
}

func (h *watcherHandle) get() Backend {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.backend
}

func (h *watcherHandle) clear() {
	h.mut.Lock()
	h.backend = nil
	h.mut.Unlock()
}

func NewHybridWatcher() *HybridWatcher {
	return &HybridWatcher{
		mut:               sync.NewRWMutex(),
		subtrees:          make(map[string]*subtreeWatcher),
		injectMut:         sync.NewMutex(),
		cond:              NewPendingEventsCond(),
		threads:           sync.NewWaitGroup(),
		newEntryBackend:   func() Backend { return NewEntryQueueWatcher() },
		newSubtreeBackend: func(dir string) Backend { return NewRecursiveWatcher(dir) },
	}
}

func (*HybridWatcher) Name() string { return "hybrid" }

func (w *HybridWatcher) Start(root Root) error {
	w.rootPath = root.Path()
	root.AddCookieDir(root.Path())

	entry := w.newEntryBackend()
	if err := entry.Start(root); err != nil {
		return err
	}
	w.entry = entry
	w.entryHandle = newWatcherHandle(entry)
	w.startThread("the entry queue", w.entryHandle)
	return nil
}

// startThread spawns the notify thread for one backend. The thread resolves
// its handle on every iteration so it notices when the backend is torn down
// behind its back.
func (w *HybridWatcher) startThread(name string, handle *watcherHandle) {
	w.threads.Add(1)
	go func() {
		defer w.threads.Done()
		for {
			backend := handle.get()
			if backend == nil {
				l.Debugf("notify thread for %s exiting, backend is gone", name)
				return
			}
			if backend.WaitNotify(notifyHeartbeat) {
				if w.cond.NotifyOrStop() {
					return
				}
			} else if w.cond.ShouldStop() {
				return
			}
		}
	}()
}

func (w *HybridWatcher) StartWatchDir(root Root, path string) (DirHandle, error) {
	switch {
	case path == root.Path():
		l.Debugln("hybrid: watching the root directory with the entry queue")
		return w.entry.StartWatchDir(root, path)

	case filepath.Dir(path) == root.Path():
		if err := w.startSubtree(root, path); err != nil {
			return nil, err
		}
	}

	// Deeper directories are already covered by the recursive watcher of
	// their top level ancestor.
	return OpenDir(path)
}

func (w *HybridWatcher) startSubtree(root Root, path string) error {
	w.mut.Lock()
	defer w.mut.Unlock()

	if _, ok := w.subtrees[path]; ok {
		return nil
	}
	if w.cond.ShouldStop() {
		return errWatcherStopped
	}

	l.Debugf("hybrid: creating a recursive watcher for top level directory %s", path)
	root.AddCookieDir(path)
	backend := w.newSubtreeBackend(path)
	if err := backend.Start(root); err != nil {
		root.RemoveCookieDir(path)
		return fmt.Errorf("starting recursive watcher for %s: %w", path, err)
	}

	handle := newWatcherHandle(backend)
	w.subtrees[path] = &subtreeWatcher{backend: backend, handle: handle}
	w.startThread(path, handle)
	metricSubtreeWatchers.Inc()
	return nil
}

func (w *HybridWatcher) StartWatchFile(path string) error {
	if filepath.Dir(path) == w.rootPath {
		// Files directly at the root are the entry queue's job.
		return w.entry.StartWatchFile(path)
	}
	// Deeper files are covered by a recursive watcher already.
	return nil
}

func (w *HybridWatcher) ConsumeNotify(root Root, coll *pending.Collection) (added, cancelSelf bool) {
	w.injectMut.Lock()
	if w.injected != nil {
		path := *w.injected
		w.injected = nil
		l.Infof("Injecting recrawl of %s into the change stream", path)
		coll.Add(path, time.Now(), pending.FlagViaNotify|pending.FlagRecursive|pending.FlagDesynced)
		added = true
	}
	w.injectMut.Unlock()

	w.mut.Lock()
	for dir, sub := range w.subtrees {
		subAdded, subCancel := sub.backend.ConsumeNotify(root, coll)
		if subCancel {
			l.Infof("Dropping the recursive watcher for %s", dir)
			sub.backend.SignalThreads()
			sub.handle.clear()
			root.RemoveCookieDir(dir)
			delete(w.subtrees, dir)
			metricSubtreeWatchers.Dec()
			continue
		}
		added = added || subAdded
	}
	w.mut.Unlock()

	entryAdded, entryCancel := w.entry.ConsumeNotify(root, coll)
	return added || entryAdded, entryCancel
}

func (w *HybridWatcher) WaitNotify(timeout time.Duration) bool {
	return w.cond.Wait(timeout)
}

func (w *HybridWatcher) SignalThreads() {
	// Stopping the cond first means no backend thread can block trying to
	// post to a consumer that is no longer listening.
	w.cond.StopAll()

	w.mut.RLock()
	for _, sub := range w.subtrees {
		sub.backend.SignalThreads()
	}
	w.mut.RUnlock()

	if w.entry != nil {
		w.entry.SignalThreads()
	}
}

// InjectRecrawl arranges for the next consume cycle to report path as
// changed, recursive and desynchronized, without any filesystem event
// having happened. The injection is consumed by exactly one cycle.
func (w *HybridWatcher) InjectRecrawl(path string) {
	w.injectMut.Lock()
	w.injected = &path
	w.injectMut.Unlock()
	w.cond.NotifyOrStop()
	metricInjectedRecrawlsTotal.Inc()
}
