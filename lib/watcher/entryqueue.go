// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wardenfs/warden/lib/pending"
	"github.com/wardenfs/warden/lib/sync"
)

var errNotRunning = errors.New("entry queue watcher is not running")

// An EntryQueueWatcher watches a fixed set of explicitly registered
// directories and files. Registration is cheap and precise, but every entry
// of interest must be added by hand, so it does not scale to deep trees.
type EntryQueueWatcher struct {
	mut      sync.Mutex
	cond     *sync.TimeoutCond
	fsw      *fsnotify.Watcher
	queue    []pending.Change
	overflow bool // the kernel dropped notifications, the queue is incomplete
	broken   bool // the event stream ended without us asking for it
	stopped  bool
}

func NewEntryQueueWatcher() *EntryQueueWatcher {
	w := &EntryQueueWatcher{
		mut: sync.NewMutex(),
	}
	w.cond = sync.NewTimeoutCond(w.mut)
	return w
}

func (*EntryQueueWatcher) Name() string { return "entryqueue" }

func (w *EntryQueueWatcher) Start(_ Root) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting entry queue watcher: %w", err)
	}

	w.mut.Lock()
	w.fsw = fsw
	w.mut.Unlock()

	go w.pump(fsw)
	return nil
}

// pump moves events from the OS watcher into the queue. It exits when the
// watcher is closed, deliberately or not.
func (w *EntryQueueWatcher) pump(fsw *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				w.streamEnded()
				return
			}
			l.Debugln("entryqueue: event", ev.Op, ev.Name)
			w.mut.Lock()
			w.queue = append(w.queue, pending.Change{
				Path:  ev.Name,
				When:  time.Now(),
				Flags: pending.FlagViaNotify,
			})
			w.cond.Broadcast()
			w.mut.Unlock()
			metricBackendEventsTotal.WithLabelValues("entryqueue").Inc()

		case err, ok := <-fsw.Errors:
			if !ok {
				w.streamEnded()
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				l.Infoln("entryqueue: queue overflowed, changes were lost")
				w.mut.Lock()
				w.overflow = true
				w.cond.Broadcast()
				w.mut.Unlock()
				metricBackendOverflowsTotal.WithLabelValues("entryqueue").Inc()
				continue
			}
			l.Warnln("Entry queue watcher:", err)
		}
	}
}

func (w *EntryQueueWatcher) streamEnded() {
	w.mut.Lock()
	if !w.stopped {
		w.broken = true
	}
	w.cond.Broadcast()
	w.mut.Unlock()
}

func (w *EntryQueueWatcher) StartWatchDir(_ Root, path string) (DirHandle, error) {
	if err := w.add(path); err != nil {
		return nil, err
	}
	return OpenDir(path)
}

func (w *EntryQueueWatcher) StartWatchFile(path string) error {
	return w.add(path)
}

func (w *EntryQueueWatcher) add(path string) error {
	w.mut.Lock()
	fsw, stopped := w.fsw, w.stopped
	w.mut.Unlock()
	if fsw == nil || stopped {
		return errNotRunning
	}

	if err := fsw.Add(path); err != nil {
		if reachedMaxUserWatches(err) {
			err = errors.New("failed to set up change notifications, increase the inotify limits")
		}
		return fmt.Errorf("watching %s: %w", path, err)
	}
	l.Debugln("entryqueue: watching", path)
	return nil
}

func (w *EntryQueueWatcher) ConsumeNotify(root Root, coll *pending.Collection) (added, cancelSelf bool) {
	w.mut.Lock()
	queue := w.queue
	w.queue = nil
	overflow := w.overflow
	w.overflow = false
	cancelSelf = w.broken
	w.mut.Unlock()

	if overflow {
		// Whatever we have queued is incomplete; the whole root needs a
		// rescan and paths seen until then cannot be trusted.
		coll.Add(root.Path(), time.Now(), pending.FlagViaNotify|pending.FlagRecursive|pending.FlagDesynced)
		added = true
	}

	for _, ch := range queue {
		coll.Add(ch.Path, ch.When, ch.Flags)
		added = true
	}
	return added, cancelSelf
}

func (w *EntryQueueWatcher) WaitNotify(timeout time.Duration) bool {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.stopped {
		return len(w.queue) > 0 || w.overflow || w.broken
	}

	waiter := w.cond.SetupWait(timeout)
	defer waiter.Stop()

	for len(w.queue) == 0 && !w.overflow && !w.broken && !w.stopped {
		if !waiter.Wait() {
			break
		}
	}
	return len(w.queue) > 0 || w.overflow || w.broken
}

func (w *EntryQueueWatcher) SignalThreads() {
	w.mut.Lock()
	if w.stopped {
		w.mut.Unlock()
		return
	}
	w.stopped = true
	fsw := w.fsw
	w.cond.Broadcast()
	w.mut.Unlock()

	if fsw != nil {
		fsw.Close()
	}
}
