// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package cookies implements watcher synchronization through cookie files.
//
// A cookie is an empty sentinel file created in a watched directory. When
// the notification pipeline reports the cookie back to us we know that
// every change that happened before the cookie was created has been
// observed as well. With split watchers a root has several cookie
// directories, one per backend, and a sync round completes only when the
// cookie has round-tripped through every one of them.
package cookies

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wardenfs/warden/lib/sync"
)

// Marker appears in every cookie file name, regardless of which directory
// the cookie lives in.
const Marker = ".warden-cookie-"

var (
	ErrAborted     = errors.New("cookie sync aborted")
	ErrDirRemoved  = errors.New("cookie directory removed during sync")
	ErrNoCookieDir = errors.New("no usable cookie directory")
)

// IsPossiblyACookie returns whether the path looks like a cookie file,
// without reference to any particular jar.
func IsPossiblyACookie(path string) bool {
	return strings.Contains(path, Marker)
}

// A Token tracks one sync round. It is fulfilled when all cookies of the
// round have been observed, or failed when the round is aborted.
type Token struct {
	done    chan struct{}
	err     error // written before done is closed, read after
	pending int   // guarded by the jar mutex
}

// Done returns a channel that is closed when the round completes or fails.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err reports the outcome of the round. Valid only after Done is closed.
func (t *Token) Err() error {
	return t.err
}

// A Jar issues and resolves cookies for a single root.
type Jar struct {
	mut         sync.Mutex
	prefix      string // the per-process file name prefix, including Marker
	dirs        map[string]struct{}
	serial      uint64
	outstanding map[string]*Token // cookie file path => round token
}

// NewJar returns a jar whose cookies are created in dir, typically the root
// path of a watch. More directories can be added for split watchers.
func NewJar(dir string) *Jar {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &Jar{
		mut:         sync.NewMutex(),
		prefix:      fmt.Sprintf("%s%s-%d-", Marker, host, os.Getpid()),
		dirs:        map[string]struct{}{dir: {}},
		outstanding: make(map[string]*Token),
	}
}

// AddCookieDir registers another directory to receive cookies on future
// sync rounds.
func (j *Jar) AddCookieDir(dir string) {
	j.mut.Lock()
	j.dirs[dir] = struct{}{}
	j.mut.Unlock()
	l.Debugln("jar: added cookie dir", dir)
}

// RemoveCookieDir unregisters a directory. Cookies from in-flight rounds
// that live under dir can no longer be observed, so their rounds fail.
func (j *Jar) RemoveCookieDir(dir string) {
	j.mut.Lock()
	delete(j.dirs, dir)
	var stale []string
	for path := range j.outstanding {
		if filepath.Dir(path) == dir {
			stale = append(stale, path)
		}
	}
	for _, path := range stale {
		j.failLocked(path, ErrDirRemoved)
	}
	j.mut.Unlock()
	l.Debugln("jar: removed cookie dir", dir)
}

// Sync creates a cookie file in every registered directory and returns a
// token for the round. Directories where the cookie cannot be created are
// skipped; the round fails immediately only if no cookie could be created
// at all.
func (j *Jar) Sync() (*Token, error) {
	j.mut.Lock()
	defer j.mut.Unlock()

	serial := j.serial
	j.serial++

	token := &Token{done: make(chan struct{})}
	for dir := range j.dirs {
		path := filepath.Join(dir, fmt.Sprintf("%s%d", j.prefix, serial))
		fd, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			l.Warnf("Creating cookie file %s: %v", path, err)
			continue
		}
		fd.Close()
		token.pending++
		j.outstanding[path] = token
		l.Debugln("jar: created cookie", path)
	}

	if token.pending == 0 {
		return nil, ErrNoCookieDir
	}
	return token, nil
}

// SyncToNow issues a sync round and waits for it to complete.
func (j *Jar) SyncToNow(timeout time.Duration) error {
	token, err := j.Sync()
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Err()
	case <-timer.C:
		return fmt.Errorf("timed out waiting for cookie to be observed within %v (%d outstanding)", timeout, len(j.OutstandingCookies()))
	}
}

// NotifyCookie resolves the cookie at path, if it is one of ours. The
// cookie file is removed; the round completes when its last cookie has been
// observed.
func (j *Jar) NotifyCookie(path string) {
	j.mut.Lock()
	token, ok := j.outstanding[path]
	if ok {
		delete(j.outstanding, path)
		token.pending--
		if token.pending == 0 {
			close(token.done)
		}
	}
	j.mut.Unlock()

	if !ok {
		// Not one of our outstanding cookies. It may be a leftover from a
		// previous process with our recycled pid, or an already aborted
		// round.
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.Debugln("jar: removing cookie", path, err)
	}
	l.Debugln("jar: observed cookie", path)
}

// AbortAllCookies fails every outstanding round. Used when the watcher has
// desynchronized and pending notifications can no longer be trusted to
// arrive.
func (j *Jar) AbortAllCookies() {
	j.mut.Lock()
	paths := make([]string, 0, len(j.outstanding))
	for path := range j.outstanding {
		paths = append(paths, path)
	}
	for _, path := range paths {
		l.Infof("Aborting outstanding cookie %s", path)
		j.failLocked(path, ErrAborted)
	}
	j.mut.Unlock()
}

// failLocked fails the round owning the cookie at path and forgets the
// cookie. The jar mutex must be held.
func (j *Jar) failLocked(path string, reason error) {
	token, ok := j.outstanding[path]
	if !ok {
		return
	}
	delete(j.outstanding, path)
	token.pending--
	if token.err == nil {
		token.err = reason
	}
	if token.pending == 0 {
		close(token.done)
	}
	os.Remove(path)
}

// IsCookiePrefix returns whether path is a cookie belonging to this jar, in
// any of its cookie directories.
func (j *Jar) IsCookiePrefix(path string) bool {
	j.mut.Lock()
	defer j.mut.Unlock()
	for dir := range j.dirs {
		if strings.HasPrefix(path, filepath.Join(dir, j.prefix)) {
			return true
		}
	}
	return false
}

// Prefixes returns the full cookie path prefix for each cookie directory.
func (j *Jar) Prefixes() []string {
	j.mut.Lock()
	defer j.mut.Unlock()
	res := make([]string, 0, len(j.dirs))
	for dir := range j.dirs {
		res = append(res, filepath.Join(dir, j.prefix))
	}
	sort.Strings(res)
	return res
}

// Dirs returns the registered cookie directories.
func (j *Jar) Dirs() []string {
	j.mut.Lock()
	defer j.mut.Unlock()
	res := make([]string, 0, len(j.dirs))
	for dir := range j.dirs {
		res = append(res, dir)
	}
	sort.Strings(res)
	return res
}

// OutstandingCookies returns the paths of cookies that have been created
// but not yet observed.
func (j *Jar) OutstandingCookies() []string {
	j.mut.Lock()
	defer j.mut.Unlock()
	res := make([]string, 0, len(j.outstanding))
	for path := range j.outstanding {
		res = append(res, path)
	}
	sort.Strings(res)
	return res
}
