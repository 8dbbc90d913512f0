// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api implements the REST control surface of the daemon, served
// over a unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/calmh/incontainer"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/wardenfs/warden/lib/build"
	"github.com/wardenfs/warden/lib/config"
	"github.com/wardenfs/warden/lib/events"
	"github.com/wardenfs/warden/lib/logger"
	"github.com/wardenfs/warden/lib/root"
	"github.com/wardenfs/warden/lib/svcutil"
	"github.com/wardenfs/warden/lib/sync"
)

const (
	// The default subscription mask excludes the settle heartbeat, which
	// fires constantly on busy roots and would fill the pipe.
	DefaultEventMask    = events.AllEvents &^ events.Settled
	EventSubBufferSize  = 1000
	defaultEventTimeout = time.Minute
)

type service struct {
	cfg      config.Configuration
	registry *root.Registry
	evLogger *events.Logger

	eventSubs    map[events.EventType]events.BufferedSubscription
	eventSubsMut sync.Mutex
	systemLog    logger.Recorder

	started      chan string   // signals startup complete by sending the listener address, for testing only
	startedOnce  chan struct{} // the service has started successfully at least once
	startupErr   error
	listenerAddr net.Addr
	startTime    time.Time
	exitChan     chan *svcutil.FatalErr
}

type Service interface {
	suture.Service
	WaitForStart() error
}

func New(cfg config.Configuration, registry *root.Registry, evLogger *events.Logger, systemLog logger.Recorder) Service {
	return &service{
		cfg:          cfg,
		registry:     registry,
		evLogger:     evLogger,
		eventSubs:    make(map[events.EventType]events.BufferedSubscription),
		eventSubsMut: sync.NewMutex(),
		systemLog:    systemLog,
		startedOnce:  make(chan struct{}),
		startTime:    time.Now(),
		exitChan:     make(chan *svcutil.FatalErr, 1),
	}
}

func (s *service) WaitForStart() error {
	<-s.startedOnce
	return s.startupErr
}

// getListener binds the unix control socket, replacing a stale socket left
// behind by a previous daemon that did not exit cleanly.
func (s *service) getListener() (net.Listener, error) {
	path := s.cfg.Socket
	listener, err := net.Listen("unix", path)
	if err == nil {
		_ = os.Chmod(path, 0o600)
		return listener, nil
	}

	if fi, serr := os.Stat(path); serr == nil && fi.Mode()&os.ModeSocket != 0 {
		if conn, derr := net.DialTimeout("unix", path, time.Second); derr == nil {
			conn.Close()
			return nil, fmt.Errorf("another daemon is already listening on %s", path)
		}
		l.Infoln("Removing stale socket", path)
		if rerr := os.Remove(path); rerr != nil {
			return nil, rerr
		}
		listener, err = net.Listen("unix", path)
		if err == nil {
			_ = os.Chmod(path, 0o600)
		}
	}
	return listener, err
}

func (s *service) Serve(ctx context.Context) error {
	listener, err := s.getListener()
	if err != nil {
		select {
		case <-s.startedOnce:
			l.Warnln("Starting API:", err)
		default:
			// This is during initialization. A failure here is fatal as
			// there will be no way to talk to the daemon otherwise.
			s.startupErr = err
			close(s.startedOnce)
		}
		return svcutil.NoRestartErr(err)
	}

	s.listenerAddr = listener.Addr()
	defer func() {
		listener.Close()
		os.Remove(s.cfg.Socket)
	}()

	restMux := httprouter.New()

	// The GET handlers
	restMux.HandlerFunc(http.MethodGet, "/rest/watch/list", s.getWatchList)       // -
	restMux.HandlerFunc(http.MethodGet, "/rest/root/status", s.getRootStatus)     // -
	restMux.HandlerFunc(http.MethodGet, "/rest/root/find", s.getRootFind)         // path
	restMux.HandlerFunc(http.MethodGet, "/rest/events", s.getEvents)              // [since] [limit] [timeout] [events]
	restMux.HandlerFunc(http.MethodGet, "/rest/system/ping", s.restPing)          // -
	restMux.HandlerFunc(http.MethodGet, "/rest/system/status", s.getSystemStatus) // -
	restMux.HandlerFunc(http.MethodGet, "/rest/system/version", s.getSystemVersion)
	restMux.HandlerFunc(http.MethodGet, "/rest/system/log", s.getSystemLog) // [since]

	// The POST handlers
	restMux.HandlerFunc(http.MethodPost, "/rest/watch", s.postWatch)                       // <body>
	restMux.HandlerFunc(http.MethodPost, "/rest/watch/del-all", s.postWatchDelAll)         // -
	restMux.HandlerFunc(http.MethodPost, "/rest/debug/recrawl", s.postRecrawl)             // <body>
	restMux.HandlerFunc(http.MethodPost, "/rest/debug/inject-recrawl", s.postInjectRecrawl) // <body>
	restMux.HandlerFunc(http.MethodPost, "/rest/system/ping", s.restPing)                  // -
	restMux.HandlerFunc(http.MethodPost, "/rest/system/shutdown", s.postSystemShutdown)    // -

	// The DELETE handlers
	restMux.HandlerFunc(http.MethodDelete, "/rest/watch", s.deleteWatch) // path

	mux := http.NewServeMux()
	mux.Handle("/rest/", metricsMiddleware(restMux))
	mux.Handle("/metrics", promhttp.Handler())

	srv := http.Server{
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// Prevent the HTTP server from logging stuff on its own. The things
		// we care about we log ourselves from the handlers.
		ErrorLog: log.New(io.Discard, "", 0),
	}

	l.Infoln("API listening on", listener.Addr())
	if s.started != nil {
		// only set when run by the tests
		select {
		case <-ctx.Done(): // Shouldn't return directly due to cleanup below
		case s.started <- listener.Addr().String():
		}
	}

	select {
	case <-s.startedOnce:
	default:
		close(s.startedOnce)
	}

	serveError := make(chan error, 1)
	go func() {
		serveError <- srv.Serve(listener)
	}()

	var fatal *svcutil.FatalErr
	select {
	case err = <-serveError:
	case <-ctx.Done():
		err = ctx.Err()
	case fatal = <-s.exitChan:
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)

	if fatal != nil {
		return fatal
	}
	return err
}

func (s *service) fatal(err *svcutil.FatalErr) {
	// s.exitChan is 1-buffered and whoever is first gets handled.
	select {
	case s.exitChan <- err:
	default:
	}
}

func (s *service) String() string {
	return fmt.Sprintf("api.service@%p", s)
}

func sendJSON(w http.ResponseWriter, jsonObject interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	// Marshalling might fail, in which case we should return a 500 with the
	// actual error.
	bs, err := json.MarshalIndent(jsonObject, "", "  ")
	if err != nil {
		bs, _ = json.Marshal(map[string]string{"error": err.Error()})
		http.Error(w, string(bs), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s\n", bs)
}

// sendError reports a request failure as a structured error response,
// mapping the error kind to a status code.
func sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var notHybrid *root.NotHybridError
	switch {
	case errors.Is(err, root.ErrNotWatched):
		status = http.StatusNotFound
	case errors.As(err, &notHybrid):
		status = http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	bs, _ := json.Marshal(map[string]string{"error": err.Error()})
	fmt.Fprintf(w, "%s\n", bs)
}

func sendBadRequest(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	bs, _ := json.Marshal(map[string]string{"error": err.Error()})
	fmt.Fprintf(w, "%s\n", bs)
}

func (*service) restPing(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]string{"ping": "pong"})
}

func (*service) getSystemVersion(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]interface{}{
		"version":     build.Version,
		"longVersion": build.LongVersion,
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"isRelease":   build.IsRelease,
		"date":        build.Date,
		"stamp":       build.Stamp,
	})
}

func (s *service) getSystemStatus(w http.ResponseWriter, _ *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	sendJSON(w, map[string]interface{}{
		"alloc":        m.Alloc,
		"sys":          m.Sys - m.HeapReleased,
		"goroutines":   runtime.NumGoroutine(),
		"uptime":       int(time.Since(s.startTime).Seconds()),
		"container":    incontainer.Detect(),
		"watchedRoots": len(s.registry.WatchList()),
		"liveRoots":    s.registry.LiveRoots(),
		"startTime":    s.startTime,
	})
}

func (s *service) getSystemLog(w http.ResponseWriter, r *http.Request) {
	since, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
	if err != nil {
		l.Debugln(err)
	}
	sendJSON(w, map[string]interface{}{
		"messages": s.systemLog.Since(since),
	})
}

func (s *service) postSystemShutdown(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]string{"ok": "shutting down"})
	s.fatal(&svcutil.FatalErr{
		Err:    errors.New("shutdown initiated by rest API"),
		Status: svcutil.ExitSuccess,
	})
}

func (s *service) getWatchList(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]interface{}{"roots": s.registry.WatchList()})
}

func (s *service) postWatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendBadRequest(w, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.Path == "" {
		sendBadRequest(w, errors.New("missing required field: path"))
		return
	}
	if !filepath.IsAbs(req.Path) {
		sendBadRequest(w, fmt.Errorf("path %q must be absolute", req.Path))
		return
	}

	wr, err := s.registry.Watch(req.Path)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, wr.Status())
}

func (s *service) deleteWatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		sendBadRequest(w, errors.New("missing required parameter: path"))
		return
	}

	stopped, err := s.registry.Unwatch(path)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, map[string]interface{}{"root": path, "stopped": stopped})
}

func (s *service) postWatchDelAll(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]interface{}{"stopped": s.registry.StopAll()})
}

func (s *service) getRootStatus(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]interface{}{"roots": s.registry.StatusAll()})
}

func (s *service) getRootFind(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		sendBadRequest(w, errors.New("missing required parameter: path"))
		return
	}

	wr, rel, err := s.registry.FindEnclosingRoot(path)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, map[string]interface{}{
		"root":         wr.Path(),
		"relativePath": rel,
		"watcher":      wr.Watcher(),
	})
}

// recrawlRequest is the body of both recrawl endpoints: the root whose
// change stream is targeted and a path within it.
type recrawlRequest struct {
	Root string `json:"root"`
	Path string `json:"path"`
}

func (s *service) postRecrawl(w http.ResponseWriter, r *http.Request) {
	var req recrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendBadRequest(w, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.Root == "" {
		sendBadRequest(w, errors.New("missing required field: root"))
		return
	}

	if err := s.registry.Recrawl(req.Root, "recrawl requested via rest API"); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, map[string]string{"ok": "recrawl scheduled"})
}

func (s *service) postInjectRecrawl(w http.ResponseWriter, r *http.Request) {
	var req recrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendBadRequest(w, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.Root == "" || req.Path == "" {
		sendBadRequest(w, errors.New("missing required field: root, path"))
		return
	}

	if err := s.registry.InjectRecrawl(req.Root, req.Path); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, map[string]string{"ok": "recrawl injected"})
}

func (s *service) getEvents(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	mask := s.getEventMask(qs.Get("events"))
	sub := s.getEventSub(mask)

	since, _ := strconv.Atoi(qs.Get("since"))
	limit, _ := strconv.Atoi(qs.Get("limit"))

	timeout := defaultEventTimeout
	if timeoutSec, timeoutErr := strconv.Atoi(qs.Get("timeout")); timeoutErr == nil && timeoutSec >= 0 { // 0 is a valid timeout
		timeout = time.Duration(timeoutSec) * time.Second
	}

	// Flush before blocking, to indicate that we've received the request
	// and that it should not be retried. Must set Content-Type header
	// before flushing.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	// If there are no events available return an empty slice, as this gets
	// serialized as `[]`
	evs := sub.Since(since, []events.Event{}, timeout)
	if 0 < limit && limit < len(evs) {
		evs = evs[len(evs)-limit:]
	}

	sendJSON(w, evs)
}

func (*service) getEventMask(evs string) events.EventType {
	eventMask := DefaultEventMask
	if evs != "" {
		eventMask = 0
		for _, ev := range strings.Split(evs, ",") {
			eventMask |= events.UnmarshalEventType(strings.TrimSpace(ev))
		}
	}
	return eventMask
}

func (s *service) getEventSub(mask events.EventType) events.BufferedSubscription {
	s.eventSubsMut.Lock()
	bufsub, ok := s.eventSubs[mask]
	if !ok {
		evsub := s.evLogger.Subscribe(mask)
		bufsub = events.NewBufferedSubscription(evsub, EventSubBufferSize)
		s.eventSubs[mask] = bufsub
	}
	s.eventSubsMut.Unlock()
	return bufsub
}
