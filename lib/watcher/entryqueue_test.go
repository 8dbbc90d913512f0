// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wardenfs/warden/lib/pending"
)

// consumeUntil polls the backend until a change for the wanted path shows
// up or the deadline passes.
func consumeUntil(t *testing.T, w Backend, fr *fakeRoot, want string) *pending.Change {
	t.Helper()

	coll := pending.NewCollection()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		w.WaitNotify(100 * time.Millisecond)
		w.ConsumeNotify(fr, coll)
		for _, item := range coll.StealItems() {
			if item.Path == want || isPathPrefixForTest(want, item.Path) || isPathPrefixForTest(item.Path, want) {
				return item
			}
		}
	}
	t.Fatalf("no change observed for %s", want)
	return nil
}

// isPathPrefixForTest mirrors the pending package's notion of one path
// containing another.
func isPathPrefixForTest(parent, child string) bool {
	if len(child) <= len(parent) {
		return false
	}
	return child[:len(parent)] == parent && child[len(parent)] == os.PathSeparator
}

func TestEntryQueueWatchDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fr := newFakeRoot(dir)

	w := NewEntryQueueWatcher()
	if err := w.Start(fr); err != nil {
		t.Fatal(err)
	}
	defer w.SignalThreads()

	h, err := w.StartWatchDir(fr, dir)
	if err != nil {
		t.Fatal(err)
	}
	h.Close()

	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	item := consumeUntil(t, w, fr, file)
	if item.Flags&pending.FlagViaNotify == 0 {
		t.Errorf("change for %s has flags %v, expected via-notify", item.Path, item.Flags)
	}
}

func TestEntryQueueWatchFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fr := newFakeRoot(dir)
	file := filepath.Join(dir, "watched.txt")
	if err := os.WriteFile(file, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := NewEntryQueueWatcher()
	if err := w.Start(fr); err != nil {
		t.Fatal(err)
	}
	defer w.SignalThreads()

	if err := w.StartWatchFile(file); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file, []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}

	consumeUntil(t, w, fr, file)
}

func TestEntryQueueWatchMissingPathFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fr := newFakeRoot(dir)

	w := NewEntryQueueWatcher()
	if err := w.Start(fr); err != nil {
		t.Fatal(err)
	}
	defer w.SignalThreads()

	if _, err := w.StartWatchDir(fr, filepath.Join(dir, "missing")); err == nil {
		t.Error("watching a missing directory did not fail")
	}
}

func TestEntryQueueOverflowMarksRootDesynced(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fr := newFakeRoot(dir)

	w := NewEntryQueueWatcher()
	if err := w.Start(fr); err != nil {
		t.Fatal(err)
	}
	defer w.SignalThreads()

	// Feed the overflow error the kernel would produce when its event
	// queue fills up.
	w.fsw.Errors <- fsnotify.ErrEventOverflow

	item := consumeUntil(t, w, fr, dir)
	want := pending.FlagViaNotify | pending.FlagRecursive | pending.FlagDesynced
	if item.Path != dir || item.Flags != want {
		t.Errorf("overflow produced %s with flags %v, expected the root with %v", item.Path, item.Flags, want)
	}
}

func TestEntryQueueCancelsSelfWhenStreamEnds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fr := newFakeRoot(dir)

	w := NewEntryQueueWatcher()
	if err := w.Start(fr); err != nil {
		t.Fatal(err)
	}

	// The OS watcher dying without SignalThreads means the backend can no
	// longer do its job.
	w.fsw.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		coll := pending.NewCollection()
		if _, cancelSelf := w.ConsumeNotify(fr, coll); cancelSelf {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("backend did not report cancelSelf after its stream ended")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !w.WaitNotify(10 * time.Millisecond) {
		t.Error("WaitNotify did not report the broken stream as pending work")
	}
}

func TestEntryQueueSignalThreads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fr := newFakeRoot(dir)

	w := NewEntryQueueWatcher()
	if err := w.Start(fr); err != nil {
		t.Fatal(err)
	}

	w.SignalThreads()
	w.SignalThreads() // idempotent

	// A deliberate stop is not a self-cancellation.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		coll := pending.NewCollection()
		if _, cancelSelf := w.ConsumeNotify(fr, coll); cancelSelf {
			t.Fatal("a deliberate stop reported cancelSelf")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if w.WaitNotify(10 * time.Millisecond) {
		t.Error("WaitNotify reported pending work on a stopped, empty backend")
	}
	if err := w.StartWatchFile(filepath.Join(dir, "x")); err == nil {
		t.Error("adding a watch after stop did not fail")
	}
}
