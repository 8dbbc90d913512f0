// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package cli talks to a running daemon over its unix control socket.
package cli

import (
	"fmt"
	"net/url"

	"github.com/alecthomas/kong"
)

type CLI struct {
	Socket string `name:"socket" placeholder:"PATH" env:"WARDEN_SOCKET" help:"Control socket of the daemon"`

	Watch         watchCommand         `cmd:"" help:"Start watching a directory tree"`
	WatchList     watchListCommand     `cmd:"" name:"watch-list" help:"List watched roots"`
	WatchDel      watchDelCommand      `cmd:"" name:"watch-del" help:"Stop watching a root"`
	WatchDelAll   watchDelAllCommand   `cmd:"" name:"watch-del-all" help:"Stop watching all roots"`
	Status        statusCommand        `cmd:"" help:"Show status for all watched roots"`
	Find          findCommand          `cmd:"" help:"Find the watched root enclosing a path"`
	Recrawl       recrawlCommand       `cmd:"" help:"Schedule a full recrawl of a watched root"`
	InjectRecrawl injectRecrawlCommand `cmd:"" name:"inject-recrawl" help:"Inject a synthetic recrawl record into a root's change stream"`
	Events        eventsCommand        `cmd:"" help:"Poll the daemon event stream"`
	Ping          pingCommand          `cmd:"" help:"Check that the daemon is alive"`
	Shutdown      shutdownCommand      `cmd:"" help:"Shut the daemon down"`
}

type Context struct {
	clientFactory *apiClientFactory
}

func (cli CLI) AfterApply(kongCtx *kong.Context) error {
	context := Context{
		clientFactory: &apiClientFactory{socket: cli.Socket},
	}
	kongCtx.Bind(context)
	return nil
}

type watchCommand struct {
	Path string `arg:"" help:"Directory to watch"`
}

func (c *watchCommand) Run(ctx Context) error {
	client, err := ctx.clientFactory.getClient()
	if err != nil {
		return err
	}
	response, err := client.Post("watch", fmt.Sprintf(`{"path": %q}`, c.Path))
	if err != nil {
		return err
	}
	return prettyPrintResponse(response)
}

type watchListCommand struct{}

func (*watchListCommand) Run(ctx Context) error {
	return dumpOutput("watch/list", ctx)
}

type watchDelCommand struct {
	Path string `arg:"" help:"Watched root to stop"`
}

func (c *watchDelCommand) Run(ctx Context) error {
	client, err := ctx.clientFactory.getClient()
	if err != nil {
		return err
	}
	response, err := client.Delete("watch?path=" + url.QueryEscape(c.Path))
	if err != nil {
		return err
	}
	return prettyPrintResponse(response)
}

type watchDelAllCommand struct{}

func (*watchDelAllCommand) Run(ctx Context) error {
	client, err := ctx.clientFactory.getClient()
	if err != nil {
		return err
	}
	response, err := client.Post("watch/del-all", "")
	if err != nil {
		return err
	}
	return prettyPrintResponse(response)
}

type statusCommand struct{}

func (*statusCommand) Run(ctx Context) error {
	return dumpOutput("root/status", ctx)
}

type findCommand struct {
	Path string `arg:"" help:"Path to resolve"`
}

func (c *findCommand) Run(ctx Context) error {
	return dumpOutput("root/find?path="+url.QueryEscape(c.Path), ctx)
}

type recrawlCommand struct {
	Root string `arg:"" help:"Watched root to recrawl"`
}

func (c *recrawlCommand) Run(ctx Context) error {
	client, err := ctx.clientFactory.getClient()
	if err != nil {
		return err
	}
	response, err := client.Post("debug/recrawl", fmt.Sprintf(`{"root": %q}`, c.Root))
	if err != nil {
		return err
	}
	return prettyPrintResponse(response)
}

type injectRecrawlCommand struct {
	Root string `arg:"" help:"Watched root to inject into"`
	Path string `arg:"" help:"Path the synthetic record points at"`
}

func (c *injectRecrawlCommand) Run(ctx Context) error {
	client, err := ctx.clientFactory.getClient()
	if err != nil {
		return err
	}
	response, err := client.Post("debug/inject-recrawl", fmt.Sprintf(`{"root": %q, "path": %q}`, c.Root, c.Path))
	if err != nil {
		return err
	}
	return prettyPrintResponse(response)
}

type eventsCommand struct {
	Since   int `name:"since" help:"Return events after this ID"`
	Timeout int `name:"timeout" default:"60" help:"Seconds to wait for new events"`
}

func (c *eventsCommand) Run(ctx Context) error {
	return dumpOutput(fmt.Sprintf("events?since=%d&timeout=%d", c.Since, c.Timeout), ctx)
}

type pingCommand struct{}

func (*pingCommand) Run(ctx Context) error {
	return dumpOutput("system/ping", ctx)
}

type shutdownCommand struct{}

func (*shutdownCommand) Run(ctx Context) error {
	client, err := ctx.clientFactory.getClient()
	if err != nil {
		return err
	}
	response, err := client.Post("system/shutdown", "")
	if err != nil {
		return err
	}
	return prettyPrintResponse(response)
}
