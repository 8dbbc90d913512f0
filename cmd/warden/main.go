// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command warden is the file watching daemon and its command line client.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	_ "go.uber.org/automaxprocs"

	"github.com/wardenfs/warden/cmd/warden/cli"
	"github.com/wardenfs/warden/lib/build"
	"github.com/wardenfs/warden/lib/logger"
)

var l = logger.DefaultLogger.NewFacility("main", "Daemon startup and shutdown")

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Println(build.LongVersion)
	return nil
}

var entrypoint struct {
	Serve   serveCmd   `cmd:"" help:"Run the warden daemon"`
	Cli     cli.CLI    `cmd:"" help:"Command line interface to a running daemon"`
	Version versionCmd `cmd:"" help:"Show version information"`
}

func main() {
	kongCtx := kong.Parse(&entrypoint,
		kong.Name("warden"),
		kong.Description("File watching daemon; reports filesystem changes under watched directory trees."),
	)
	if err := kongCtx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
