// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package root

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wardenfs/warden/lib/events"
	"github.com/wardenfs/warden/lib/pending"
)

// ioLoop is the slow half of the pipeline. It sleeps until the notify pump
// pings or the settle period expires, folds the shared collection into a
// local one and dispatches it. When nothing arrives for a while the settle
// timeout grows exponentially so an idle root costs next to nothing.
func (r *Root) ioLoop(ctx context.Context) error {
	local := pending.NewCollection()
	settle := r.cfg.Settle()
	timeout := settle
	biggest := r.ioMaxTimeout()

	for ctx.Err() == nil && !r.cancelled.Load() {
		if !r.doneInitial.Load() {
			r.fullCrawl(local)
			timeout = settle
		}

		l.Debugln(r, "waiting for changes, timeout", timeout)
		pinged := r.coll.LockAndWait(timeout)
		local.Append(r.coll)

		if r.handleShouldRecrawl() {
			r.fullCrawl(local)
			timeout = settle
			continue
		}

		if !pinged && local.Size() == 0 {
			if r.settleThings() {
				break
			}
			timeout = min(biggest, 2*timeout)
			continue
		}

		// Unsettled again, so back to the short sleep.
		timeout = settle

		if !r.doneInitial.Load() {
			// A recrawl is on its way; the crawl rediscovers whatever
			// these records would have told us.
			local.StealItems()
			continue
		}

		r.processBatch(local)
	}
	return ctx.Err()
}

// ioMaxTimeout bounds the settle backoff. With reaping enabled the loop
// must wake at least often enough to notice idleness.
func (r *Root) ioMaxTimeout() time.Duration {
	if age := r.cfg.IdleReapAge(); age > 0 {
		return age
	}
	return 24 * time.Hour
}

// fullCrawl rebuilds the view's picture of the tree, seeded with a
// recursive record for the root itself. Changes arriving while the crawl
// runs are folded in before it is declared done, or anything that happened
// during the crawl would be missed.
func (r *Root) fullCrawl(local *pending.Collection) {
	r.recrawlMut.Lock()
	r.crawlStart = time.Now()
	recrawl := r.recrawlCount > 0
	r.recrawlMut.Unlock()

	r.registerWatches()

	local.Add(r.path, time.Now(), pending.FlagRecursive)
	for {
		local.Append(r.coll)
		if local.Size() == 0 {
			break
		}
		for local.Size() > 0 {
			r.dispatch(local.StealItems())
		}
	}

	r.recrawlMut.Lock()
	r.shouldRecrawl = false
	r.crawlFinish = time.Now()
	r.recrawlMut.Unlock()
	r.doneInitial.Store(true)

	// Cookies from before or during the crawl cannot be trusted to have
	// been observed; their writers get an error and sync again.
	r.cookies.AbortAllCookies()

	if recrawl {
		l.Infof("recrawl of %s complete", r.path)
	} else {
		l.Infof("crawl of %s complete", r.path)
	}
}

// registerWatches points the backend at the root and its direct children.
// That is all the registration the hybrid layout needs: the root and its
// files go on the entry queue, each top level directory gets a recursive
// backend covering everything below it. Repeat calls are cheap, the
// backends treat known paths as no-ops.
func (r *Root) registerWatches() {
	dh, err := r.backend.StartWatchDir(r, r.path)
	if err != nil {
		l.Warnf("%s: unable to watch root directory: %v", r.path, err)
		return
	}
	names, err := dh.ReadNames()
	dh.Close()
	if err != nil {
		l.Warnf("%s: unable to enumerate root directory: %v", r.path, err)
		return
	}

	for _, name := range names {
		if _, ign := r.ignores[name]; ign {
			continue
		}
		full := filepath.Join(r.path, name)
		fi, err := os.Lstat(full)
		if err != nil {
			continue // went away already
		}
		if fi.IsDir() {
			if sub, err := r.backend.StartWatchDir(r, full); err != nil {
				l.Warnf("%s: unable to watch %s: %v", r.path, full, err)
			} else {
				sub.Close()
			}
		} else if fi.Mode().IsRegular() {
			if err := r.backend.StartWatchFile(full); err != nil {
				l.Debugf("%s: unable to watch file %s: %v", r.path, full, err)
			}
		}
	}
}

// watchNewTopLevel covers directories that appear at the top level after
// the crawl; anything deeper is already covered by a subtree backend.
func (r *Root) watchNewTopLevel(path string) {
	if filepath.Dir(path) != r.path {
		return
	}
	fi, err := os.Lstat(path)
	if err != nil || !fi.IsDir() {
		return
	}
	if dh, err := r.backend.StartWatchDir(r, path); err != nil {
		l.Warnf("%s: unable to watch %s: %v", r.path, path, err)
	} else {
		dh.Close()
	}
}

// processBatch hands a settled batch to the view. A batch carrying
// desynced records ends with all outstanding cookies aborted: the watcher
// may have dropped the cookie notifications along with everything else.
func (r *Root) processBatch(local *pending.Collection) {
	changes := local.StealItems()
	if len(changes) == 0 {
		return
	}

	l.Debugf("%s: processing %d events", r.path, len(changes))
	metricChangesTotal.WithLabelValues(r.path).Add(float64(len(changes)))

	desynced := r.dispatch(changes)
	r.evLogger.Log(events.ChangesDetected, map[string]interface{}{
		"root":    r.path,
		"changes": len(changes),
	})

	if desynced {
		l.Infof("%s: recrawl complete, aborting all pending cookies", r.path)
		r.cookies.AbortAllCookies()
	}
}

// dispatch routes one batch. Cookie paths go to the jar, except desynced
// ones: a desynced record only proves the watcher lost track, not that the
// cookie round-tripped. Ignored directories are dropped. Everything else
// reaches the view. Reports whether the batch contained desynced records.
func (r *Root) dispatch(changes []*pending.Change) (desynced bool) {
	kept := changes[:0]
	for _, c := range changes {
		if c.Flags&pending.FlagDesynced != 0 {
			desynced = true
		}
		if r.cookies.IsCookiePrefix(c.Path) {
			if c.Flags&pending.FlagDesynced == 0 {
				r.cookies.NotifyCookie(c.Path)
			}
			// Cookie files never show up in the view.
			continue
		}
		if r.ignored(c.Path) {
			continue
		}
		r.watchNewTopLevel(c.Path)
		kept = append(kept, c)
	}
	if len(kept) > 0 {
		r.view.ProcessChanges(r, kept)
	}
	return desynced
}

// ignored reports whether path lies within one of the configured ignore
// directories.
func (r *Root) ignored(path string) bool {
	if len(r.ignores) == 0 || len(path) <= len(r.path) {
		return false
	}
	rel := strings.TrimPrefix(path, r.path+"/")
	if rel == path {
		return false
	}
	first, _, _ := strings.Cut(rel, "/")
	_, ok := r.ignores[first]
	return ok
}

// settleThings runs when a settle period passed without new pending items.
// It reports true when the root was reaped and the loop should end.
func (r *Root) settleThings() bool {
	if !r.doneInitial.Load() {
		// a recrawl is on its way, nothing to settle
		return false
	}

	r.evLogger.Log(events.Settled, map[string]interface{}{"root": r.path})

	if r.considerReap() {
		r.stopWatch()
		return true
	}
	return false
}
