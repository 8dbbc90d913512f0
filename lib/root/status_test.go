// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package root

import (
	"regexp"
	"testing"
	"time"

	"github.com/wardenfs/warden/lib/cookies"
	"github.com/wardenfs/warden/lib/sync"
)

// bareRoot returns a root that is good enough for Status but runs no
// services.
func bareRoot() *Root {
	return &Root{
		path:       "/some/root",
		fstype:     "tmpfs",
		backend:    newFakeBackend(),
		cookies:    cookies.NewJar("/some/root"),
		recrawlMut: sync.NewMutex(),
		queriesMut: sync.NewMutex(),
		queries:    make(map[*QueryContext]struct{}),
	}
}

func TestCrawlStatusStrings(t *testing.T) {
	t.Parallel()

	r := bareRoot()

	// Initial crawl in progress.
	r.crawlStart = time.Now().Add(-100 * time.Millisecond)
	r.shouldRecrawl = true
	if st := r.Status(); !regexp.MustCompile(`^crawling for \d+ms$`).MatchString(st.CrawlStatus) {
		t.Errorf("initial crawl: %q", st.CrawlStatus)
	}

	// Recrawl in progress.
	r.recrawlCount = 2
	if st := r.Status(); !regexp.MustCompile(`^re-crawling for \d+ms$`).MatchString(st.CrawlStatus) {
		t.Errorf("recrawl: %q", st.CrawlStatus)
	}

	// Recrawl requested but not yet started.
	r.doneInitial.Store(true)
	r.recrawlWarning = "/some/root: inotify overflowed"
	r.crawlFinish = time.Now().Add(-50 * time.Millisecond)
	want := regexp.MustCompile(`^needs recrawl: /some/root: inotify overflowed\. Last crawl was \d+ms ago$`)
	if st := r.Status(); !want.MatchString(st.CrawlStatus) {
		t.Errorf("needs recrawl: %q", st.CrawlStatus)
	}

	// Settled.
	r.shouldRecrawl = false
	want = regexp.MustCompile(`^crawl completed \d+ms ago, and took \d+ms$`)
	if st := r.Status(); !want.MatchString(st.CrawlStatus) {
		t.Errorf("completed: %q", st.CrawlStatus)
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()

	r := bareRoot()
	r.doneInitial.Store(true)

	st := r.Status()
	if st.Path != "/some/root" {
		t.Error("path:", st.Path)
	}
	if st.FSType != "tmpfs" {
		t.Error("fstype:", st.FSType)
	}
	if st.Watcher != "fake" {
		t.Error("watcher:", st.Watcher)
	}
	if len(st.CookieDir) != 1 || st.CookieDir[0] != "/some/root" {
		t.Error("cookie dirs:", st.CookieDir)
	}
	if len(st.CookieList) != 0 {
		t.Error("no cookies are outstanding:", st.CookieList)
	}
	if !st.DoneInitial || st.Cancelled {
		t.Error("flags:", st.DoneInitial, st.Cancelled)
	}
}

func TestQueryStateStrings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state QueryState
		want  string
	}{
		{QueryNotStarted, "NotStarted"},
		{QueryWaitingForCookieSync, "WaitingForCookieSync"},
		{QueryWaitingForViewLock, "WaitingForViewLock"},
		{QueryGenerating, "Generating"},
		{QueryRendering, "Rendering"},
		{QueryCompleted, "Completed"},
		{QueryState(99), "?"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("%d: got %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestQueryBookkeeping(t *testing.T) {
	t.Parallel()

	r := bareRoot()

	q := NewQueryContext("since c1234", "req-1", "mysub", 4321)
	q.SetState(QueryGenerating)
	if got := q.State(); got != QueryGenerating {
		t.Error("state:", got)
	}

	q.RecordPhase(QueryWaitingForCookieSync, 50*time.Millisecond)
	q.RecordPhase(QueryWaitingForViewLock, 10*time.Millisecond)
	q.RecordPhase(QueryGenerating, 100*time.Millisecond)
	q.RecordPhase(QueryGenerating, 100*time.Millisecond)
	q.RecordPhase(QueryRendering, 25*time.Millisecond)
	q.RecordPhase(QueryNotStarted, time.Hour) // no counter for this one

	r.RegisterQuery(q)

	st := r.Status()
	if len(st.Queries) != 1 {
		t.Fatal("expected 1 query, got", len(st.Queries))
	}
	qs := st.Queries[0]
	if qs.CookieSyncMS != 50 {
		t.Error("cookie sync ms:", qs.CookieSyncMS)
	}
	if qs.ViewLockWaitMS != 10 {
		t.Error("view lock wait ms:", qs.ViewLockWaitMS)
	}
	if qs.GenerationMS != 200 {
		t.Error("generation ms:", qs.GenerationMS)
	}
	if qs.RenderMS != 25 {
		t.Error("render ms:", qs.RenderMS)
	}
	if qs.State != "Generating" {
		t.Error("state:", qs.State)
	}
	if qs.ClientPID != 4321 {
		t.Error("client pid:", qs.ClientPID)
	}
	if qs.RequestID != "req-1" {
		t.Error("request id:", qs.RequestID)
	}
	if qs.Query != "since c1234" {
		t.Error("query:", qs.Query)
	}
	if qs.SubscriptionName != "mysub" {
		t.Error("subscription:", qs.SubscriptionName)
	}

	// Queries are reported sorted by request ID.
	q0 := NewQueryContext("", "req-0", "", 0)
	r.RegisterQuery(q0)
	st = r.Status()
	if len(st.Queries) != 2 || st.Queries[0].RequestID != "req-0" || st.Queries[1].RequestID != "req-1" {
		t.Error("queries out of order:", st.Queries)
	}

	r.UnregisterQuery(q)
	r.UnregisterQuery(q0)
	if st := r.Status(); len(st.Queries) != 0 {
		t.Error("queries remain after unregister:", st.Queries)
	}
}
