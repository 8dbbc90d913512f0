// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/wardenfs/warden/lib/config"
	"github.com/wardenfs/warden/lib/events"
	"github.com/wardenfs/warden/lib/logger"
	"github.com/wardenfs/warden/lib/root"
	"github.com/wardenfs/warden/lib/svcutil"
)

const testTimeout = 10 * time.Second

type testEnv struct {
	cfg      config.Configuration
	registry *root.Registry
	client   *http.Client
	cancel   context.CancelFunc
	done     <-chan error
}

func startTestService(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Socket = filepath.Join(t.TempDir(), "warden.sock")

	evLogger := events.NewLogger()
	registry := root.NewRegistry(cfg, evLogger, nil)
	recorder := logger.NewRecorder(logger.DefaultLogger, logger.LevelDebug, 100, 10)

	svc := New(cfg, registry, evLogger, recorder).(*service)
	svc.started = make(chan string)

	sup := suture.New(t.Name(), svcutil.SpecWithDebugLogger(l))
	sup.Add(svc)
	ctx, cancel := context.WithCancel(context.Background())
	done := sup.ServeBackground(ctx)

	select {
	case <-svc.started:
	case err := <-done:
		t.Fatal("service did not start:", err)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for service to start")
	}

	env := &testEnv{
		cfg:      cfg,
		registry: registry,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", cfg.Socket)
				},
			},
		},
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(func() {
		registry.StopAll()
		cancel()
		<-done
	})
	return env
}

func (env *testEnv) get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := env.client.Get("http://unix" + url)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (env *testEnv) post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := env.client.Post("http://unix"+url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatal(err)
	}
}

func TestPing(t *testing.T) {
	env := startTestService(t)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req, _ := http.NewRequest(method, "http://unix/rest/system/ping", nil)
		resp, err := env.client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]string
		decodeBody(t, resp, &body)
		if body["ping"] != "pong" {
			t.Errorf("%s ping: got %v", method, body)
		}
	}
}

func TestVersion(t *testing.T) {
	env := startTestService(t)

	var body map[string]interface{}
	decodeBody(t, env.get(t, "/rest/system/version"), &body)
	if body["version"] != "unknown-dev" {
		t.Errorf("unexpected version %v", body["version"])
	}
	if _, ok := body["longVersion"].(string); !ok {
		t.Error("missing longVersion")
	}
}

func TestSystemStatus(t *testing.T) {
	env := startTestService(t)

	var body map[string]interface{}
	decodeBody(t, env.get(t, "/rest/system/status"), &body)
	for _, key := range []string{"alloc", "goroutines", "uptime", "watchedRoots", "liveRoots"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %s in system status", key)
		}
	}
}

func TestWatchListEmpty(t *testing.T) {
	env := startTestService(t)

	var body struct {
		Roots []string `json:"roots"`
	}
	decodeBody(t, env.get(t, "/rest/watch/list"), &body)
	if len(body.Roots) != 0 {
		t.Errorf("expected no roots, got %v", body.Roots)
	}
}

func TestWatchLifecycle(t *testing.T) {
	env := startTestService(t)

	dir := t.TempDir()
	// The registry resolves symlinks; do the same to know the key.
	canonical, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}

	resp := env.post(t, "/rest/watch", fmt.Sprintf(`{"path": %q}`, dir))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("watch: status %d", resp.StatusCode)
	}
	var status root.Status
	decodeBody(t, resp, &status)
	if status.Path != canonical {
		t.Errorf("watched %q, wanted %q", status.Path, canonical)
	}

	var list struct {
		Roots []string `json:"roots"`
	}
	decodeBody(t, env.get(t, "/rest/watch/list"), &list)
	if len(list.Roots) != 1 || list.Roots[0] != canonical {
		t.Errorf("unexpected watch list %v", list.Roots)
	}

	var statuses struct {
		Roots []root.Status `json:"roots"`
	}
	decodeBody(t, env.get(t, "/rest/root/status"), &statuses)
	if len(statuses.Roots) != 1 {
		t.Fatalf("expected one status, got %d", len(statuses.Roots))
	}

	var found map[string]interface{}
	decodeBody(t, env.get(t, "/rest/root/find?path="+canonical+"/sub/file.txt"), &found)
	if found["root"] != canonical || found["relativePath"] != "sub/file.txt" {
		t.Errorf("unexpected find result %v", found)
	}

	req, _ := http.NewRequest(http.MethodDelete, "http://unix/rest/watch?path="+canonical, nil)
	dresp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var del map[string]interface{}
	decodeBody(t, dresp, &del)
	if del["stopped"] != true {
		t.Errorf("unexpected delete result %v", del)
	}
}

func TestWatchDelAll(t *testing.T) {
	env := startTestService(t)

	dir := t.TempDir()
	env.post(t, "/rest/watch", fmt.Sprintf(`{"path": %q}`, dir)).Body.Close()

	var body struct {
		Stopped []string `json:"stopped"`
	}
	decodeBody(t, env.post(t, "/rest/watch/del-all", ""), &body)
	if len(body.Stopped) != 1 {
		t.Errorf("expected one stopped root, got %v", body.Stopped)
	}
}

func TestErrorResponses(t *testing.T) {
	env := startTestService(t)

	cases := []struct {
		name   string
		method string
		url    string
		body   string
		status int
	}{
		{"watch missing path", http.MethodPost, "/rest/watch", `{}`, http.StatusBadRequest},
		{"watch bad body", http.MethodPost, "/rest/watch", `nonsense`, http.StatusBadRequest},
		{"watch relative path", http.MethodPost, "/rest/watch", `{"path": "relative"}`, http.StatusBadRequest},
		{"find missing param", http.MethodGet, "/rest/root/find", "", http.StatusBadRequest},
		{"find unwatched", http.MethodGet, "/rest/root/find?path=/nowhere/at/all", "", http.StatusNotFound},
		{"delete missing param", http.MethodDelete, "/rest/watch", "", http.StatusBadRequest},
		{"delete unwatched", http.MethodDelete, "/rest/watch?path=/nowhere", "", http.StatusNotFound},
		{"recrawl unknown root", http.MethodPost, "/rest/debug/recrawl", `{"root": "/nowhere"}`, http.StatusNotFound},
		{"inject missing fields", http.MethodPost, "/rest/debug/inject-recrawl", `{"root": "/nowhere"}`, http.StatusBadRequest},
		{"inject unknown root", http.MethodPost, "/rest/debug/inject-recrawl", `{"root": "/nowhere", "path": "/nowhere/sub"}`, http.StatusNotFound},
	}

	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, "http://unix"+tc.url, strings.NewReader(tc.body))
		resp, err := env.client.Do(req)
		if err != nil {
			t.Fatal(tc.name, err)
		}
		if resp.StatusCode != tc.status {
			t.Errorf("%s: status %d, expected %d", tc.name, resp.StatusCode, tc.status)
		}
		var body map[string]string
		decodeBody(t, resp, &body)
		if body["error"] == "" {
			t.Errorf("%s: missing error message", tc.name)
		}
	}
}

func TestInjectRecrawl(t *testing.T) {
	env := startTestService(t)

	dir := t.TempDir()
	canonical, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	env.post(t, "/rest/watch", fmt.Sprintf(`{"path": %q}`, dir)).Body.Close()

	resp := env.post(t, "/rest/debug/inject-recrawl",
		fmt.Sprintf(`{"root": %q, "path": %q}`, canonical, canonical+"/sub"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("inject: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEventsPolling(t *testing.T) {
	env := startTestService(t)

	// No events yet; a zero timeout poll returns the empty slice.
	var evs []events.Event
	decodeBody(t, env.get(t, "/rest/events?timeout=0"), &evs)
	if len(evs) != 0 {
		t.Errorf("expected no events, got %d", len(evs))
	}

	dir := t.TempDir()
	env.post(t, "/rest/watch", fmt.Sprintf(`{"path": %q}`, dir)).Body.Close()

	deadline := time.Now().Add(testTimeout)
	for {
		evs = nil
		decodeBody(t, env.get(t, "/rest/events?timeout=1"), &evs)
		if len(evs) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no events arrived")
		}
	}
	found := false
	for _, ev := range evs {
		if ev.Type == events.WatchAdded {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a WatchAdded event in %v", evs)
	}
}

func TestShutdownEndpoint(t *testing.T) {
	env := startTestService(t)

	resp := env.post(t, "/rest/system/shutdown", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("shutdown: status %d", resp.StatusCode)
	}

	select {
	case err := <-env.done:
		var ferr *svcutil.FatalErr
		if !errors.As(err, &ferr) {
			t.Errorf("expected a FatalErr, got %v", err)
		} else if ferr.Status != svcutil.ExitSuccess {
			t.Errorf("expected success exit status, got %v", ferr.Status)
		}
	case <-time.After(testTimeout):
		t.Fatal("service did not stop after shutdown request")
	}
}

func TestStaleSocketIsReplaced(t *testing.T) {
	cfg := config.Default()
	cfg.Socket = filepath.Join(t.TempDir(), "warden.sock")

	// A socket file nobody listens on.
	listener, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		t.Fatal(err)
	}
	// Closing removes the file on most platforms; recreate the stale state
	// by binding a fresh one and keeping the file.
	listener.Close()
	if _, err := os.Stat(cfg.Socket); os.IsNotExist(err) {
		// Simulate a daemon that died without cleanup.
		stale, err := net.Listen("unix", cfg.Socket)
		if err != nil {
			t.Fatal(err)
		}
		stale.(*net.UnixListener).SetUnlinkOnClose(false)
		stale.Close()
	}

	evLogger := events.NewLogger()
	registry := root.NewRegistry(cfg, evLogger, nil)
	recorder := logger.NewRecorder(logger.DefaultLogger, logger.LevelDebug, 100, 10)
	svc := New(cfg, registry, evLogger, recorder).(*service)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- svc.Serve(ctx) }()

	if err := svc.WaitForStart(); err != nil {
		t.Fatal("expected the stale socket to be replaced:", err)
	}
	cancel()
	<-serveDone
}
