// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pending collects file change notifications on their way from the
// watcher backends to the consumer of a root. Changes are consolidated as
// they are added: duplicate paths are merged and entries that are covered
// by a recursive entry higher up the tree are dropped.
package pending

import (
	"os"
	"strings"
	"time"

	"github.com/wardenfs/warden/lib/cookies"
	"github.com/wardenfs/warden/lib/sync"
)

// Flags describe what is known about a pending change.
type Flags uint8

const (
	// FlagRecursive requests that the path and everything below it is
	// rescanned.
	FlagRecursive Flags = 1 << iota
	// FlagViaNotify marks changes that were observed by a watcher backend,
	// as opposed to being generated by crawling.
	FlagViaNotify
	// FlagCrawlOnly marks bookkeeping entries generated by the crawler
	// itself.
	FlagCrawlOnly
	// FlagDesynced marks changes recorded while the watcher may have
	// dropped notifications, so their paths cannot be trusted to be
	// complete.
	FlagDesynced
)

func (f Flags) String() string {
	var parts []string
	if f&FlagRecursive != 0 {
		parts = append(parts, "recursive")
	}
	if f&FlagViaNotify != 0 {
		parts = append(parts, "via-notify")
	}
	if f&FlagCrawlOnly != 0 {
		parts = append(parts, "crawl-only")
	}
	if f&FlagDesynced != 0 {
		parts = append(parts, "desynced")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// A Change is one pending filesystem change.
type Change struct {
	Path  string
	When  time.Time
	Flags Flags
}

// A Collection accumulates pending changes. Producers Add (or Append) and
// then Ping; a single consumer blocks in LockAndWait and drains with
// StealItems.
type Collection struct {
	mut    sync.Mutex
	cond   *sync.TimeoutCond
	pinged bool
	byPath map[string]*Change
	items  []*Change
}

func NewCollection() *Collection {
	c := &Collection{
		mut:    sync.NewMutex(),
		byPath: make(map[string]*Change),
	}
	c.cond = sync.NewTimeoutCond(c.mut)
	return c
}

// Add records a change for path. If an entry for the path already exists
// the two are consolidated. Entries covered by a recursive entry for an
// enclosing directory are dropped, except that cookie files are always kept
// so that cookie sync rounds complete. Add does not wake a waiting
// consumer; call Ping after a batch of adds.
func (c *Collection) Add(path string, when time.Time, flags Flags) {
	c.mut.Lock()
	c.addLocked(path, when, flags)
	c.mut.Unlock()
}

func (c *Collection) addLocked(path string, when time.Time, flags Flags) {
	if existing, ok := c.byPath[path]; ok {
		c.consolidateLocked(existing, flags)
		return
	}

	if c.obsoletedByContainingDirLocked(path) {
		l.Debugf("%s is obsoleted by a pending recursive entry", path)
		return
	}

	c.maybePruneObsoletedChildrenLocked(path, flags)

	ch := &Change{Path: path, When: when, Flags: flags}
	c.byPath[path] = ch
	c.items = append(c.items, ch)
	l.Debugf("add pending %s %s", path, flags)
}

// consolidateLocked merges flags into an existing entry. Only the flags
// that increase the strength of the entry are carried over; the observation
// time of the original entry is kept.
func (c *Collection) consolidateLocked(existing *Change, flags Flags) {
	existing.Flags |= flags & (FlagCrawlOnly | FlagRecursive | FlagDesynced)
	c.maybePruneObsoletedChildrenLocked(existing.Path, existing.Flags)
}

// obsoletedByContainingDirLocked reports whether a recursive entry for an
// enclosing directory already covers path. Cookie files are never
// considered covered.
func (c *Collection) obsoletedByContainingDirLocked(path string) bool {
	if cookies.IsPossiblyACookie(path) {
		return false
	}
	for parent := parentDir(path); parent != ""; parent = parentDir(parent) {
		if p, ok := c.byPath[parent]; ok && p.Flags&FlagRecursive != 0 {
			return true
		}
	}
	return false
}

// maybePruneObsoletedChildrenLocked drops entries below path when the new
// entry announces a recursive rescan of it.
func (c *Collection) maybePruneObsoletedChildrenLocked(path string, flags Flags) {
	if flags&(FlagRecursive|FlagCrawlOnly) != FlagRecursive {
		return
	}

	pruned := 0
	kept := c.items[:0]
	for _, item := range c.items {
		if isPathPrefix(path, item.Path) && !cookies.IsPossiblyACookie(item.Path) {
			delete(c.byPath, item.Path)
			pruned++
			continue
		}
		kept = append(kept, item)
	}
	c.items = kept
	if pruned > 0 {
		l.Debugf("pruned %d obsoleted children of %s", pruned, path)
	}
}

// Append drains other and merges its changes into c, applying the same
// consolidation rules as Add.
func (c *Collection) Append(other *Collection) {
	stolen := other.StealItems()

	c.mut.Lock()
	for _, item := range stolen {
		c.addLocked(item.Path, item.When, item.Flags)
	}
	c.mut.Unlock()
}

// StealItems removes and returns all pending changes, in the order they
// were first added.
func (c *Collection) StealItems() []*Change {
	c.mut.Lock()
	items := c.items
	c.items = nil
	c.byPath = make(map[string]*Change)
	c.mut.Unlock()
	return items
}

// Size returns the number of pending changes.
func (c *Collection) Size() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.items)
}

// Ping wakes the consumer without adding a change.
func (c *Collection) Ping() {
	c.mut.Lock()
	c.pinged = true
	c.cond.Broadcast()
	c.mut.Unlock()
}

// LockAndWait blocks until the collection has items, Ping is called, or the
// timeout expires. It returns whether the collection was pinged; the ping
// indication is consumed. The caller inspects the result of StealItems to
// distinguish timeout from arrival of changes.
func (c *Collection) LockAndWait(timeout time.Duration) bool {
	c.mut.Lock()
	defer c.mut.Unlock()

	if len(c.items) > 0 || c.pinged {
		pinged := c.pinged
		c.pinged = false
		return pinged
	}

	w := c.cond.SetupWait(timeout)
	defer w.Stop()

	for len(c.items) == 0 && !c.pinged {
		if !w.Wait() {
			break
		}
	}

	pinged := c.pinged
	c.pinged = false
	return pinged
}

func parentDir(path string) string {
	i := strings.LastIndexByte(path, os.PathSeparator)
	if i <= 0 {
		return ""
	}
	return path[:i]
}

// isPathPrefix returns whether child is strictly below parent in the
// filesystem tree. Both paths must be clean and absolute.
func isPathPrefix(parent, child string) bool {
	if len(child) <= len(parent) || !strings.HasPrefix(child, parent) {
		return false
	}
	return child[len(parent)] == os.PathSeparator
}
