// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fsdetect

import (
	"bytes"

	"golang.org/x/sys/unix"
)

func fstype(path string) string {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		l.Debugln("statfs", path, err)
		return "unknown"
	}
	// Darwin hands us the name directly.
	name := st.Fstypename[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if len(name) == 0 {
		return "unknown"
	}
	return string(name)
}
