// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package root

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// QueryState tracks where in its lifecycle a query currently is.
type QueryState int32

const (
	QueryNotStarted QueryState = iota
	QueryWaitingForCookieSync
	QueryWaitingForViewLock
	QueryGenerating
	QueryRendering
	QueryCompleted
)

func (s QueryState) String() string {
	switch s {
	case QueryNotStarted:
		return "NotStarted"
	case QueryWaitingForCookieSync:
		return "WaitingForCookieSync"
	case QueryWaitingForViewLock:
		return "WaitingForViewLock"
	case QueryGenerating:
		return "Generating"
	case QueryRendering:
		return "Rendering"
	case QueryCompleted:
		return "Completed"
	default:
		return "?"
	}
}

// QueryContext is the diagnostic record of one in-flight query against a
// root. The query engine itself lives elsewhere; the root keeps just
// enough to answer "what is running against this watch right now".
type QueryContext struct {
	created          time.Time
	query            string
	requestID        string
	subscriptionName string
	clientPID        int

	state        atomic.Int32
	cookieSync   atomic.Int64 // phase durations, nanoseconds
	viewLockWait atomic.Int64
	generation   atomic.Int64
	render       atomic.Int64
}

// NewQueryContext starts the clock on a query. The subscription name may
// be empty for one-shot queries.
func NewQueryContext(query, requestID, subscriptionName string, clientPID int) *QueryContext {
	return &QueryContext{
		created:          time.Now(),
		query:            query,
		requestID:        requestID,
		subscriptionName: subscriptionName,
		clientPID:        clientPID,
	}
}

// SetState moves the query to the given lifecycle state.
func (q *QueryContext) SetState(s QueryState) {
	q.state.Store(int32(s))
}

// State returns the current lifecycle state.
func (q *QueryContext) State() QueryState {
	return QueryState(q.state.Load())
}

// RecordPhase accumulates time spent in the given state. States without a
// duration counter are ignored.
func (q *QueryContext) RecordPhase(s QueryState, d time.Duration) {
	switch s {
	case QueryWaitingForCookieSync:
		q.cookieSync.Add(int64(d))
	case QueryWaitingForViewLock:
		q.viewLockWait.Add(int64(d))
	case QueryGenerating:
		q.generation.Add(int64(d))
	case QueryRendering:
		q.render.Add(int64(d))
	}
}

func (q *QueryContext) status(now time.Time) QueryStatus {
	return QueryStatus{
		ElapsedMS:        now.Sub(q.created).Milliseconds(),
		CookieSyncMS:     time.Duration(q.cookieSync.Load()).Milliseconds(),
		GenerationMS:     time.Duration(q.generation.Load()).Milliseconds(),
		RenderMS:         time.Duration(q.render.Load()).Milliseconds(),
		ViewLockWaitMS:   time.Duration(q.viewLockWait.Load()).Milliseconds(),
		State:            q.State().String(),
		ClientPID:        q.clientPID,
		RequestID:        q.requestID,
		Query:            q.query,
		SubscriptionName: q.subscriptionName,
	}
}

// RegisterQuery adds q to the set reported by Status.
func (r *Root) RegisterQuery(q *QueryContext) {
	r.queriesMut.Lock()
	r.queries[q] = struct{}{}
	r.queriesMut.Unlock()
}

// UnregisterQuery removes q from the status set again.
func (r *Root) UnregisterQuery(q *QueryContext) {
	r.queriesMut.Lock()
	delete(r.queries, q)
	r.queriesMut.Unlock()
}

// RecrawlInfo mirrors the recrawl bookkeeping of a root.
type RecrawlInfo struct {
	Count         int    `json:"count"`
	ShouldRecrawl bool   `json:"should-recrawl"`
	Warning       string `json:"warning"`
}

// QueryStatus is the snapshot of one in-flight query.
type QueryStatus struct {
	ElapsedMS        int64  `json:"elapsed-milliseconds"`
	CookieSyncMS     int64  `json:"cookie-sync-duration-milliseconds"`
	GenerationMS     int64  `json:"generation-duration-milliseconds"`
	RenderMS         int64  `json:"render-duration-milliseconds"`
	ViewLockWaitMS   int64  `json:"view-lock-wait-duration-milliseconds"`
	State            string `json:"state"`
	ClientPID        int    `json:"client-pid"`
	RequestID        string `json:"request-id"`
	Query            string `json:"query,omitempty"`
	SubscriptionName string `json:"subscription-name,omitempty"`
}

// Status is the introspection snapshot of a root.
type Status struct {
	Path          string        `json:"path"`
	FSType        string        `json:"fstype"`
	Watcher       string        `json:"watcher"`
	CaseSensitive bool          `json:"case_sensitive"`
	CookiePrefix  []string      `json:"cookie_prefix"`
	CookieDir     []string      `json:"cookie_dir"`
	CookieList    []string      `json:"cookie_list"`
	Recrawl       RecrawlInfo   `json:"recrawl_info"`
	Queries       []QueryStatus `json:"queries"`
	DoneInitial   bool          `json:"done_initial"`
	Cancelled     bool          `json:"cancelled"`
	CrawlStatus   string        `json:"crawl-status"`
}

// Status returns a point in time snapshot of the root.
func (r *Root) Status() Status {
	now := time.Now()

	r.recrawlMut.Lock()
	ri := RecrawlInfo{
		Count:         r.recrawlCount,
		ShouldRecrawl: r.shouldRecrawl,
		Warning:       r.recrawlWarning,
	}
	crawlStart, crawlFinish := r.crawlStart, r.crawlFinish
	r.recrawlMut.Unlock()

	doneInitial := r.doneInitial.Load()

	var crawlStatus string
	switch {
	case !doneInitial:
		prefix := ""
		if ri.Count > 0 {
			prefix = "re-"
		}
		crawlStatus = fmt.Sprintf("%scrawling for %dms", prefix, now.Sub(crawlStart).Milliseconds())
	case ri.ShouldRecrawl:
		crawlStatus = fmt.Sprintf("needs recrawl: %s. Last crawl was %dms ago", ri.Warning, now.Sub(crawlFinish).Milliseconds())
	default:
		crawlStatus = fmt.Sprintf("crawl completed %dms ago, and took %dms", now.Sub(crawlFinish).Milliseconds(), crawlFinish.Sub(crawlStart).Milliseconds())
	}

	r.queriesMut.Lock()
	queries := make([]QueryStatus, 0, len(r.queries))
	for q := range r.queries {
		queries = append(queries, q.status(now))
	}
	r.queriesMut.Unlock()
	slices.SortFunc(queries, func(a, b QueryStatus) int {
		return strings.Compare(a.RequestID, b.RequestID)
	})

	return Status{
		Path:          r.path,
		FSType:        r.fstype,
		Watcher:       r.backend.Name(),
		CaseSensitive: r.caseSensitive,
		CookiePrefix:  r.cookies.Prefixes(),
		CookieDir:     r.cookies.Dirs(),
		CookieList:    r.cookies.OutstandingCookies(),
		Recrawl:       ri,
		Queries:       queries,
		DoneInitial:   doneInitial,
		Cancelled:     r.cancelled.Load(),
		CrawlStatus:   crawlStatus,
	}
}
