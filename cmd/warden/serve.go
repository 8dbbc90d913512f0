// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/thejerf/suture/v4"

	"github.com/wardenfs/warden/lib/api"
	"github.com/wardenfs/warden/lib/build"
	"github.com/wardenfs/warden/lib/config"
	"github.com/wardenfs/warden/lib/events"
	"github.com/wardenfs/warden/lib/logger"
	"github.com/wardenfs/warden/lib/root"
	"github.com/wardenfs/warden/lib/svcutil"
)

type serveCmd struct {
	Config  string   `name:"config" placeholder:"PATH" env:"WARDEN_CONFIG" help:"Configuration file"`
	Socket  string   `name:"socket" placeholder:"PATH" env:"WARDEN_SOCKET" help:"Control socket path, overriding the configuration"`
	Watch   []string `name:"watch" placeholder:"DIR" help:"Directories to watch from the start"`
	Verbose bool     `name:"verbose" help:"Print verbose log output"`
}

func (c *serveCmd) Run() error {
	if c.Verbose {
		for facility := range logger.DefaultLogger.Facilities() {
			logger.DefaultLogger.SetDebug(facility, true)
		}
	}

	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.Socket != "" {
		cfg.Socket = c.Socket
	}

	l.Infoln(build.LongVersion)

	evLogger := events.NewLogger()
	evLogger.Log(events.Starting, map[string]string{"socket": cfg.Socket})

	systemLog := logger.NewRecorder(logger.DefaultLogger, logger.LevelDebug, 500, 10)
	registry := root.NewRegistry(cfg, evLogger, saveGlobalState(evLogger))

	mainService := suture.New("main", svcutil.SpecWithInfoLogger(l))
	apiService := api.New(cfg, registry, evLogger, systemLog)
	mainService.Add(apiService)

	ctx, cancel := context.WithCancel(context.Background())
	done := mainService.ServeBackground(ctx)

	if err := apiService.WaitForStart(); err != nil {
		cancel()
		<-done
		return err
	}

	for _, dir := range c.Watch {
		if _, err := registry.Watch(dir); err != nil {
			l.Warnf("unable to watch %s: %v", dir, err)
		}
	}

	evLogger.Log(events.StartupComplete, nil)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	var svcErr error
	select {
	case sig := <-sigs:
		l.Infof("received signal %s; shutting down", sig)
	case svcErr = <-done:
	}

	evLogger.Log(events.Shutdown, nil)
	stopped := registry.StopAll()
	if len(stopped) > 0 {
		l.Infof("stopped watching %d roots", len(stopped))
	}
	registry.Free()

	cancel()
	if svcErr == nil {
		svcErr = <-done
	}

	var ferr *svcutil.FatalErr
	if errors.As(svcErr, &ferr) {
		if ferr.Status == svcutil.ExitSuccess {
			return nil
		}
		os.Exit(ferr.Status.AsInt())
	}
	if svcErr != nil && !errors.Is(svcErr, context.Canceled) {
		return svcErr
	}
	return nil
}

// saveGlobalState returns the hook every root carries. Watch state lives in
// memory only, so there is nothing to persist; the hook exists so external
// state consumers can observe that the set of watches changed.
func saveGlobalState(evLogger *events.Logger) root.SaveHook {
	return func() {
		l.Debugln("global state save requested")
		evLogger.Log(events.StateChanged, nil)
	}
}
