// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package root

import (
	"github.com/wardenfs/warden/lib/pending"
)

// View consumes the settled change batches of one root. The directory tree
// bookkeeping behind it lives outside this package; the io loop guarantees
// that cookie files never reach the view and that batches observed while a
// recrawl is pending are discarded rather than delivered.
type View interface {
	ProcessChanges(r *Root, changes []*pending.Change)
}

// nopView is the default view. It merely traces what went by.
type nopView struct{}

func (nopView) ProcessChanges(r *Root, changes []*pending.Change) {
	l.Debugf("%s: %d changes dropped on the floor (no view attached)", r.Path(), len(changes))
}
