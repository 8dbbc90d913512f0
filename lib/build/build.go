// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package build carries the version and build time information injected by
// the build script.
package build

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

var (
	// Injected by build script
	Version = "unknown-dev"
	Host    = "unknown"
	User    = "unknown"
	Stamp   = "0"

	// Set by init()
	Date        time.Time
	IsRelease   bool
	LongVersion string
)

func init() {
	stamp, _ := strconv.ParseInt(Stamp, 10, 64)
	Date = time.Unix(stamp, 0)
	IsRelease = !strings.Contains(Version, "-")

	date := Date.UTC().Format("2006-01-02 15:04:05 MST")
	LongVersion = fmt.Sprintf("warden %s (%s %s-%s) %s@%s %s", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH, User, Host, date)
}
