// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package pending

import (
	"fmt"
	"testing"
	"time"
)

func TestAddAndSteal(t *testing.T) {
	c := NewCollection()
	now := time.Now()

	c.Add("/root/a", now, FlagViaNotify)
	c.Add("/root/b", now, FlagViaNotify)
	c.Add("/root/c", now, FlagViaNotify)

	if c.Size() != 3 {
		t.Fatalf("size = %d, want 3", c.Size())
	}

	items := c.StealItems()
	if len(items) != 3 {
		t.Fatalf("stole %d items, want 3", len(items))
	}
	for i, path := range []string{"/root/a", "/root/b", "/root/c"} {
		if items[i].Path != path {
			t.Errorf("items[%d].Path = %s, want %s (insertion order)", i, items[i].Path, path)
		}
	}

	if c.Size() != 0 {
		t.Error("collection should be empty after StealItems")
	}
}

func TestConsolidateSamePath(t *testing.T) {
	c := NewCollection()
	t0 := time.Now()
	t1 := t0.Add(time.Second)

	c.Add("/root/a", t0, FlagViaNotify)
	c.Add("/root/a", t1, FlagRecursive|FlagDesynced)

	items := c.StealItems()
	if len(items) != 1 {
		t.Fatalf("stole %d items, want 1", len(items))
	}
	it := items[0]
	if it.Flags&FlagRecursive == 0 || it.Flags&FlagDesynced == 0 || it.Flags&FlagViaNotify == 0 {
		t.Errorf("flags = %s, want recursive|via-notify|desynced", it.Flags)
	}
	if !it.When.Equal(t0) {
		t.Error("consolidation should keep the original observation time")
	}
}

func TestRecursiveObsoletesChildren(t *testing.T) {
	c := NewCollection()
	now := time.Now()

	c.Add("/root/dir/a", now, FlagViaNotify)
	c.Add("/root/dir/b/c", now, FlagViaNotify)
	c.Add("/root/other", now, FlagViaNotify)
	c.Add("/root/dir", now, FlagViaNotify|FlagRecursive)

	items := c.StealItems()
	if len(items) != 2 {
		t.Fatalf("stole %d items, want 2", len(items))
	}
	if items[0].Path != "/root/other" || items[1].Path != "/root/dir" {
		t.Errorf("unexpected surviving items: %v, %v", items[0].Path, items[1].Path)
	}
}

func TestChildOfRecursiveEntryNotAdded(t *testing.T) {
	c := NewCollection()
	now := time.Now()

	c.Add("/root/dir", now, FlagViaNotify|FlagRecursive)
	c.Add("/root/dir/sub/file", now, FlagViaNotify)

	items := c.StealItems()
	if len(items) != 1 {
		t.Fatalf("stole %d items, want 1", len(items))
	}
	if items[0].Path != "/root/dir" {
		t.Errorf("surviving item = %s, want /root/dir", items[0].Path)
	}
}

func TestSiblingPrefixNotObsoleted(t *testing.T) {
	c := NewCollection()
	now := time.Now()

	// "/root/dir" covers "/root/dir/x" but not "/root/dirx".
	c.Add("/root/dir", now, FlagRecursive)
	c.Add("/root/dirx", now, FlagViaNotify)

	if c.Size() != 2 {
		t.Fatalf("size = %d, want 2", c.Size())
	}
}

func TestCookiesSurviveRecursiveEntries(t *testing.T) {
	c := NewCollection()
	now := time.Now()
	cookie := "/root/dir/.warden-cookie-host-123-0"

	c.Add(cookie, now, FlagViaNotify)
	c.Add("/root/dir", now, FlagRecursive)

	if c.Size() != 2 {
		t.Fatal("cookie must not be pruned by a recursive parent entry")
	}

	c.StealItems()

	c.Add("/root/dir", now, FlagRecursive)
	c.Add(cookie, now, FlagViaNotify)

	if c.Size() != 2 {
		t.Fatal("cookie must not be obsoleted by a recursive parent entry")
	}
}

func TestCrawlOnlyDoesNotPrune(t *testing.T) {
	c := NewCollection()
	now := time.Now()

	c.Add("/root/dir/a", now, FlagViaNotify)
	c.Add("/root/dir", now, FlagRecursive|FlagCrawlOnly)

	if c.Size() != 2 {
		t.Fatalf("size = %d, want 2; crawl-only entries must not prune", c.Size())
	}
}

func TestAppendMerges(t *testing.T) {
	now := time.Now()

	local := NewCollection()
	local.Add("/root/a", now, FlagViaNotify)
	local.Add("/root/dir/b", now, FlagViaNotify)

	c := NewCollection()
	c.Add("/root/dir", now, FlagRecursive)

	c.Append(local)

	if local.Size() != 0 {
		t.Error("Append should drain the source collection")
	}

	items := c.StealItems()
	if len(items) != 2 {
		t.Fatalf("stole %d items, want 2", len(items))
	}
	if items[0].Path != "/root/dir" || items[1].Path != "/root/a" {
		t.Errorf("unexpected items: %s, %s", items[0].Path, items[1].Path)
	}
}

func TestLockAndWaitTimeout(t *testing.T) {
	c := NewCollection()

	t0 := time.Now()
	pinged := c.LockAndWait(50 * time.Millisecond)
	if pinged {
		t.Error("should not report pinged on timeout")
	}
	if time.Since(t0) < 50*time.Millisecond {
		t.Error("returned before the timeout")
	}
	if len(c.StealItems()) != 0 {
		t.Error("no items expected")
	}
}

func TestLockAndWaitPing(t *testing.T) {
	c := NewCollection()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Ping()
	}()

	pinged := c.LockAndWait(5 * time.Second)
	if !pinged {
		t.Error("should report pinged")
	}

	// The ping indication is consumed.
	if c.LockAndWait(10 * time.Millisecond) {
		t.Error("ping should have been consumed")
	}
}

func TestLockAndWaitItems(t *testing.T) {
	c := NewCollection()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Add("/root/a", time.Now(), FlagViaNotify)
		c.Ping()
	}()

	c.LockAndWait(5 * time.Second)
	items := c.StealItems()
	if len(items) != 1 || items[0].Path != "/root/a" {
		t.Errorf("unexpected items %v", items)
	}
}

func TestLockAndWaitImmediateWhenPending(t *testing.T) {
	c := NewCollection()
	c.Add("/root/a", time.Now(), FlagViaNotify)

	t0 := time.Now()
	c.LockAndWait(5 * time.Second)
	if time.Since(t0) > time.Second {
		t.Error("should return immediately when items are pending")
	}
}

func TestFlagsString(t *testing.T) {
	cases := []struct {
		f    Flags
		want string
	}{
		{0, "none"},
		{FlagRecursive, "recursive"},
		{FlagViaNotify | FlagDesynced, "via-notify|desynced"},
		{FlagRecursive | FlagViaNotify | FlagCrawlOnly | FlagDesynced, "recursive|via-notify|crawl-only|desynced"},
	}
	for _, tc := range cases {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("Flags(%d).String() = %q, want %q", tc.f, got, tc.want)
		}
	}
}

func BenchmarkAddConsolidate(b *testing.B) {
	c := NewCollection()
	now := time.Now()
	for i := 0; i < b.N; i++ {
		c.Add(fmt.Sprintf("/root/dir/file-%d", i%100), now, FlagViaNotify)
		if i%1000 == 0 {
			c.StealItems()
		}
	}
}
