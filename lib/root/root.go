// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package root ties a watched directory tree to its notification backend
// and keeps the process wide registry of such roots. Each root runs two
// services: a notify pump that drains the backend as fast as it produces,
// and an io loop that settles, dispatches change batches to the view and
// handles recrawls.
package root

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/wardenfs/warden/lib/config"
	"github.com/wardenfs/warden/lib/cookies"
	"github.com/wardenfs/warden/lib/events"
	"github.com/wardenfs/warden/lib/fsdetect"
	"github.com/wardenfs/warden/lib/pending"
	"github.com/wardenfs/warden/lib/svcutil"
	"github.com/wardenfs/warden/lib/sync"
	"github.com/wardenfs/warden/lib/trigger"
	"github.com/wardenfs/warden/lib/watcher"
)

// SaveHook persists global daemon state. Every root carries the same hook;
// it runs once when a root is explicitly unwatched and once after a
// stop-all pass.
type SaveHook func()

// Root is a watched directory tree. It owns the notification backend, the
// shared change collection fed by the notify pump, the cookie jar used for
// synchronisation and the trigger table. A root is immutable in identity:
// once cancelled it never comes back, a new watch on the same path is a
// new Root.
type Root struct {
	path          string
	fstype        string
	caseSensitive bool
	cfg           config.Configuration
	ignores       map[string]struct{}

	reg      *Registry
	evLogger *events.Logger
	view     View
	saveHook SaveHook

	backend  watcher.Backend
	coll     *pending.Collection
	cookies  *cookies.Jar
	triggers *trigger.Table

	recrawlMut     sync.Mutex
	recrawlCount   int
	shouldRecrawl  bool
	recrawlWarning string
	crawlStart     time.Time
	crawlFinish    time.Time

	doneInitial atomic.Bool
	cancelled   atomic.Bool
	lastCmd     atomic.Int64
	lastReap    atomic.Int64

	queriesMut sync.Mutex
	queries    map[*QueryContext]struct{}

	sup       *suture.Supervisor
	supCancel context.CancelFunc
	stopped   chan struct{} // closed when the services have wound down
}

var _ watcher.Root = (*Root)(nil)

// newRoot builds and starts a root for the given canonical path. The
// registry lock is held by the caller; nothing here may call back into the
// registry synchronously.
func newRoot(path string, reg *Registry) (*Root, error) {
	rcfg, err := config.LoadRoot(path, reg.cfg)
	if err != nil {
		return nil, fmt.Errorf("loading root config for %s: %w", path, err)
	}

	fstype := fsdetect.FSType(path)
	if err := rcfg.FSTypeAllowed(fstype); err != nil {
		return nil, err
	}

	r := &Root{
		path:          path,
		fstype:        fstype,
		caseSensitive: fsdetect.CaseSensitive(path),
		cfg:           rcfg,
		ignores:       make(map[string]struct{}),
		reg:           reg,
		evLogger:      reg.evLogger,
		saveHook:      reg.saveHook,
		backend:       reg.newBackend(path, rcfg),
		coll:          pending.NewCollection(),
		cookies:       cookies.NewJar(path),
		triggers:      trigger.NewTable(),
		recrawlMut:    sync.NewMutex(),
		shouldRecrawl: true,
		queriesMut:    sync.NewMutex(),
		queries:       make(map[*QueryContext]struct{}),
		stopped:       make(chan struct{}),
	}
	for _, dir := range rcfg.EffectiveIgnoreDirs() {
		r.ignores[dir] = struct{}{}
	}
	r.view = reg.newView(r)
	r.MarkUsed()

	reg.live.Add(1)
	metricLiveRoots.Inc()

	if err := r.backend.Start(r); err != nil {
		reg.live.Add(-1)
		metricLiveRoots.Dec()
		return nil, fmt.Errorf("starting %s watcher for %s: %w", r.backend.Name(), path, err)
	}

	r.start()
	return r, nil
}

func (r *Root) start() {
	r.sup = suture.New(r.String(), svcutil.SpecWithDebugLogger(l))
	r.sup.Add(svcutil.AsService(r.notifyLoop, fmt.Sprintf("%s/notify", r)))
	r.sup.Add(svcutil.AsService(r.ioLoop, fmt.Sprintf("%s/io", r)))

	ctx, cancel := context.WithCancel(context.Background())
	r.supCancel = cancel
	done := r.sup.ServeBackground(ctx)

	go func() {
		<-done
		r.reg.live.Add(-1)
		metricLiveRoots.Dec()
		close(r.stopped)
	}()
}

func (r *Root) String() string {
	return fmt.Sprintf("root@%s", r.path)
}

// Path returns the canonical root path.
func (r *Root) Path() string { return r.path }

// FSType returns the detected filesystem type of the root.
func (r *Root) FSType() string { return r.fstype }

// CaseSensitive reports whether the filesystem under the root
// distinguishes names by case.
func (r *Root) CaseSensitive() bool { return r.caseSensitive }

// Watcher returns the name of the notification backend in use.
func (r *Root) Watcher() string { return r.backend.Name() }

// Config returns the effective configuration for this root, daemon
// defaults overlaid with the root's own config file.
func (r *Root) Config() config.Configuration { return r.cfg }

// Triggers returns the root's trigger table.
func (r *Root) Triggers() *trigger.Table { return r.triggers }

// Cookies returns the root's cookie jar.
func (r *Root) Cookies() *cookies.Jar { return r.cookies }

// MarkUsed records client activity on the root, deferring the idle reaper.
func (r *Root) MarkUsed() {
	r.lastCmd.Store(time.Now().Unix())
}

// AddCookieDir tells the jar to place future cookies in dir too.
func (r *Root) AddCookieDir(dir string) {
	r.cookies.AddCookieDir(dir)
}

// RemoveCookieDir stops placing cookies in dir.
func (r *Root) RemoveCookieDir(dir string) {
	r.cookies.RemoveCookieDir(dir)
}

// ScheduleRecrawl requests that the io loop rebuilds its picture of the
// tree. The first request of a round keeps its reason as the warning shown
// in status.
func (r *Root) ScheduleRecrawl(reason string) {
	r.recrawlMut.Lock()
	if !r.shouldRecrawl {
		r.recrawlWarning = r.path + ": " + reason
		l.Warnf("%s: %s: scheduling a tree recrawl", r.path, reason)
		r.evLogger.Log(events.RecrawlScheduled, map[string]interface{}{
			"root":   r.path,
			"reason": reason,
		})
	}
	r.shouldRecrawl = true
	r.recrawlMut.Unlock()

	r.coll.Ping()
}

// RecrawlTriggered records that a subtree backend recovered on its own. It
// only updates the warning; no full recrawl is forced.
func (r *Root) RecrawlTriggered(reason string) {
	r.recrawlMut.Lock()
	r.recrawlWarning = r.path + ": " + reason
	r.recrawlMut.Unlock()
	l.Warnf("%s: %s", r.path, reason)
}

// handleShouldRecrawl consumes a pending recrawl request. When one was
// pending the recrawl counter is bumped and the initial-crawl flag drops so
// the io loop runs a fresh full crawl.
func (r *Root) handleShouldRecrawl() bool {
	r.recrawlMut.Lock()
	should := r.shouldRecrawl
	r.recrawlMut.Unlock()
	if !should {
		return false
	}

	if !r.cancelled.Load() {
		r.recrawlMut.Lock()
		r.recrawlCount++
		r.recrawlMut.Unlock()
		r.doneInitial.Store(false)
		metricRecrawlsTotal.WithLabelValues(r.path).Inc()
	}
	return true
}

// InjectRecrawl plants a synthetic recrawl record for path in the change
// stream, as if the kernel had reported it. Only the hybrid watcher
// supports injection.
func (r *Root) InjectRecrawl(path string) error {
	hw, ok := r.backend.(*watcher.HybridWatcher)
	if !ok {
		return &NotHybridError{Root: r.path}
	}
	hw.InjectRecrawl(path)
	r.evLogger.Log(events.RecrawlInjected, map[string]interface{}{
		"root": r.path,
		"path": path,
	})
	return nil
}

// Cancel marks the root cancelled, stops its services and removes it from
// the registry. It returns true if this call caused the cancellation,
// false if the root was already being torn down.
func (r *Root) Cancel() bool {
	if !r.cancelled.CompareAndSwap(false, true) {
		return false
	}

	l.Debugln("marked", r.path, "cancelled")
	r.evLogger.Log(events.RootCancelled, map[string]interface{}{"root": r.path})
	r.StopThreads()
	r.reg.removeFromWatched(r)
	return true
}

// Cancelled reports whether the root has been cancelled.
func (r *Root) Cancelled() bool {
	return r.cancelled.Load()
}

// StopThreads asks the root's services and its backend to exit. It does
// not wait for them and may be called any number of times.
func (r *Root) StopThreads() {
	r.supCancel()
	r.backend.SignalThreads()
	r.coll.Ping()
}

// stopWatch removes the root from the registry and tears it down. Global
// state is saved when this call was the one that removed it.
func (r *Root) stopWatch() bool {
	stopped := r.reg.removeFromWatched(r)
	if stopped {
		r.Cancel()
		if r.saveHook != nil {
			r.saveHook()
		}
	}
	r.StopThreads()
	return stopped
}

// considerReap decides whether an idle root should be unwatched. A root is
// reaped when it has seen no client activity for the configured age and
// carries no triggers.
func (r *Root) considerReap() bool {
	age := r.cfg.IdleReapAge()
	if age == 0 {
		return false
	}

	now := time.Now()
	if now.Sub(time.Unix(r.lastCmd.Load(), 0)) > age &&
		r.triggers.Len() == 0 &&
		now.Unix() > r.lastReap.Load() {
		l.Warnf("root %s has had no activity in %v and has no triggers, cancelling watch. "+
			"Set idle_reap_age_seconds in your %s to control this behavior",
			r.path, age, config.RootConfigName)
		return true
	}

	r.lastReap.Store(now.Unix())
	return false
}
