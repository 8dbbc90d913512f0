// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package watcher provides the notification backends that observe a watched
// root. Two of them talk to the OS: the entry queue backend watches a fixed
// set of explicitly registered entries, the recursive backend watches a
// directory and everything below it. The hybrid backend composes the two,
// using the entry queue for the root itself and one recursive watcher per
// top level directory.
package watcher

import (
	"os"
	"time"

	"github.com/wardenfs/warden/lib/pending"
)

// Root is the backend-facing view of a watched root. The real thing lives
// in lib/root; backends only get to place cookie directories and to report
// that they have lost track of reality.
type Root interface {
	Path() string
	AddCookieDir(dir string)
	RemoveCookieDir(dir string)

	// ScheduleRecrawl requests a full recrawl of the root.
	ScheduleRecrawl(reason string)
	// RecrawlTriggered records that a subtree recovery happened, for
	// accounting, without forcing a full recrawl.
	RecrawlTriggered(reason string)
}

// A Backend observes filesystem changes and hands them over in batches.
//
// ConsumeNotify drains everything the backend has seen into coll. It
// returns whether anything was added and whether the backend has become
// unable to observe further changes and must be torn down. WaitNotify
// blocks until the backend has something to consume or the timeout expires.
// SignalThreads asks the backend to shut down; it is idempotent and safe to
// call from any goroutine.
type Backend interface {
	Start(root Root) error
	StartWatchDir(root Root, path string) (DirHandle, error)
	StartWatchFile(path string) error
	ConsumeNotify(root Root, coll *pending.Collection) (added, cancelSelf bool)
	WaitNotify(timeout time.Duration) bool
	SignalThreads()
	Name() string
}

// A DirHandle enumerates the entries of a directory that has been declared
// for watching, regardless of which backend ends up covering it.
type DirHandle interface {
	ReadNames() ([]string, error)
	Close() error
}

// OpenDir returns a DirHandle for the given directory.
func OpenDir(path string) (DirHandle, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &osDirHandle{fd: fd}, nil
}

type osDirHandle struct {
	fd *os.File
}

func (h *osDirHandle) ReadNames() ([]string, error) {
	return h.fd.Readdirnames(-1)
}

func (h *osDirHandle) Close() error {
	return h.fd.Close()
}
