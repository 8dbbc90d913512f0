// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package root

import (
	"context"
	"time"

	"github.com/wardenfs/warden/lib/events"
	"github.com/wardenfs/warden/lib/pending"
)

// Not all backends cope with an infinite wait, so the pump sleeps in long
// but bounded stretches.
const notifyTimeout = 24 * time.Hour

// notifyLoop moves notifications from the backend into the root's shared
// collection as quickly as possible, to keep the window in which the
// kernel can overflow its buffers small. The heavier filesystem work
// happens in the io loop, behind the settle delay.
func (r *Root) notifyLoop(ctx context.Context) error {
	// Wake the io loop now that the backend is pumping.
	r.coll.Ping()

	local := pending.NewCollection()
	for ctx.Err() == nil && !r.cancelled.Load() {
		if !r.backend.WaitNotify(notifyTimeout) {
			continue
		}
		if r.pump(local) {
			l.Warnf("%s: watcher can no longer observe changes, cancelling watch", r.path)
			r.evLogger.Log(events.BackendInvalidated, map[string]interface{}{
				"root":    r.path,
				"watcher": r.backend.Name(),
			})
			r.Cancel()
			break
		}
	}
	return ctx.Err()
}

// pump drains one batch from the backend into the shared collection and
// wakes the io loop. The batch size is capped so a busy backend cannot
// starve consumers indefinitely. It returns true when the backend reports
// that it cannot observe further changes; the partial batch of a dying
// backend is discarded.
func (r *Root) pump(local *pending.Collection) (cancelSelf bool) {
	for {
		added, cancel := r.backend.ConsumeNotify(r, local)
		if cancel {
			return true
		}
		if !added {
			break
		}
		if local.Size() >= r.cfg.IOBatchSize {
			break
		}
		if !r.backend.WaitNotify(0) {
			break
		}
	}

	if local.Size() > 0 {
		r.coll.Append(local)
		r.coll.Ping()
	}
	return false
}
