// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import (
	"time"

	"github.com/wardenfs/warden/lib/sync"
)

// A PendingEventsCond lets any number of backend threads wake the single
// consumer of a root, and carries the stop request that shuts those threads
// down. Once stopped it stays stopped: notifications report stop and waits
// return immediately.
type PendingEventsCond struct {
	mut     sync.Mutex
	cond    *sync.TimeoutCond
	pending bool
	stopped bool
}

func NewPendingEventsCond() *PendingEventsCond {
	c := &PendingEventsCond{
		mut: sync.NewMutex(),
	}
	c.cond = sync.NewTimeoutCond(c.mut)
	return c
}

// NotifyOrStop marks events as pending and wakes the consumer. It returns
// true when stop has been requested, in which case the caller must shut
// down instead of producing more work.
func (c *PendingEventsCond) NotifyOrStop() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.stopped {
		return true
	}
	c.pending = true
	c.cond.Broadcast()
	return false
}

// ShouldStop returns whether StopAll has been called.
func (c *PendingEventsCond) ShouldStop() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.stopped
}

// Wait blocks until the consumer is woken or the timeout expires, and
// returns whether events are pending. The pending indication is not
// consumed; it is the backends' queues that empty when the consumer drains
// them. When stop has been requested Wait returns false without blocking.
func (c *PendingEventsCond) Wait(timeout time.Duration) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.stopped {
		return false
	}

	w := c.cond.SetupWait(timeout)
	defer w.Stop()
	w.Wait()

	return c.pending
}

// StopAll makes every current and future waiter return immediately. It
// cannot be undone.
func (c *PendingEventsCond) StopAll() {
	c.mut.Lock()
	c.stopped = true
	c.cond.Broadcast()
	c.mut.Unlock()
}
