// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package fsdetect answers questions about the filesystem a path lives on:
// its type and whether it treats names case sensitively.
package fsdetect

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const cacheItems = 128

var fstypeCache *lru.TwoQueueCache[string, string]

func init() {
	fstypeCache, _ = lru.New2Q[string, string](cacheItems)
}

// FSType returns the name of the filesystem type that path lives on, for
// example "ext4" or "nfs", or a description of the unknown type when we
// cannot tell. Results are cached per path; filesystems do not usually
// change type under a running process.
func FSType(path string) string {
	if cached, ok := fstypeCache.Get(path); ok {
		return cached
	}
	t := fstype(path)
	fstypeCache.Add(path, t)
	return t
}

// CaseSensitive returns whether the filesystem at path distinguishes names
// by case. This is decided per platform, the way it overwhelmingly holds in
// practice, rather than probed per filesystem.
func CaseSensitive(_ string) bool {
	return caseSensitiveDefault
}
