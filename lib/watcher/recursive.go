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

	"github.com/syncthing/notify"

	"github.com/wardenfs/warden/lib/pending"
	"github.com/wardenfs/warden/lib/sync"
)

// notify does not block on sending to the channel, so the channel must be
// buffered. Overflow is detected by the channel being at capacity.
const backendBuffer = 512

const (
	watchEventMask = notify.All
	rmEventMask    = notify.Remove | notify.Rename
)

// A RecursiveWatcher watches one directory and everything below it. Entries
// created after the watch started are covered without further registration,
// which is what makes deep trees affordable.
type RecursiveWatcher struct {
	dir         string
	backendChan chan notify.EventInfo

	mut      sync.Mutex
	stash    []notify.EventInfo // events pulled out of the channel by WaitNotify
	stopChan chan struct{}
	stopped  bool
}

func NewRecursiveWatcher(dir string) *RecursiveWatcher {
	return &RecursiveWatcher{
		dir:         dir,
		backendChan: make(chan notify.EventInfo, backendBuffer),
		mut:         sync.NewMutex(),
		stopChan:    make(chan struct{}),
	}
}

func (*RecursiveWatcher) Name() string { return "recursive" }

func (w *RecursiveWatcher) Start(_ Root) error {
	if err := notify.Watch(filepath.Join(w.dir, "..."), w.backendChan, watchEventMask); err != nil {
		notify.Stop(w.backendChan)
		if reachedMaxUserWatches(err) {
			err = errors.New("failed to set up change notifications, increase the inotify limits")
		}
		return fmt.Errorf("watching %s recursively: %w", w.dir, err)
	}
	l.Debugln("recursive: watching", w.dir)
	return nil
}

// StartWatchDir only provides the directory handle. Directories below the
// watched one are covered implicitly.
func (w *RecursiveWatcher) StartWatchDir(_ Root, path string) (DirHandle, error) {
	return OpenDir(path)
}

// StartWatchFile is a no-op, files below the watched directory are covered
// implicitly.
func (*RecursiveWatcher) StartWatchFile(string) error {
	return nil
}

func (w *RecursiveWatcher) ConsumeNotify(root Root, coll *pending.Collection) (added, cancelSelf bool) {
	// At capacity means the backend dropped whatever did not fit.
	overflowed := len(w.backendChan) == backendBuffer

	w.mut.Lock()
	events := w.stash
	w.stash = nil
	w.mut.Unlock()

drain:
	for {
		select {
		case ev := <-w.backendChan:
			events = append(events, ev)
		default:
			break drain
		}
	}

	now := time.Now()
	metricBackendEventsTotal.WithLabelValues("recursive").Add(float64(len(events)))

	if overflowed {
		metricBackendOverflowsTotal.WithLabelValues("recursive").Inc()
		if w.dir == root.Path() {
			root.ScheduleRecrawl("notification buffer overflow")
		} else {
			root.RecrawlTriggered(w.dir + ": notification buffer overflow")
			coll.Add(w.dir, now, pending.FlagViaNotify|pending.FlagRecursive|pending.FlagDesynced)
			added = true
		}
	}

	for _, ev := range events {
		path := ev.Path()
		l.Debugln("recursive: event", ev.Event(), path)

		if path == w.dir && ev.Event()&rmEventMask != 0 {
			// The watched directory itself is gone. Nothing we report
			// from here on can be trusted, the watcher must be torn down.
			l.Warnf("Watched directory %s was removed, cancelling its watcher", w.dir)
			cancelSelf = true
			break
		}

		flags := pending.FlagViaNotify
		if ev.Event()&notify.Rename != 0 {
			// A rename moves a whole subtree in one event; the
			// destination must be rescanned recursively.
			flags |= pending.FlagRecursive
		}
		coll.Add(path, now, flags)
		added = true
	}

	return added, cancelSelf
}

func (w *RecursiveWatcher) WaitNotify(timeout time.Duration) bool {
	w.mut.Lock()
	if len(w.stash) > 0 || len(w.backendChan) > 0 {
		w.mut.Unlock()
		return true
	}
	if w.stopped {
		w.mut.Unlock()
		return false
	}
	stop := w.stopChan
	w.mut.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.backendChan:
		w.mut.Lock()
		w.stash = append(w.stash, ev)
		w.mut.Unlock()
		return true
	case <-timer.C:
		return false
	case <-stop:
		return false
	}
}

func (w *RecursiveWatcher) SignalThreads() {
	w.mut.Lock()
	if w.stopped {
		w.mut.Unlock()
		return
	}
	w.stopped = true
	close(w.stopChan)
	w.mut.Unlock()

	notify.Stop(w.backendChan)
	l.Debugln("recursive: stopped watching", w.dir)
}
