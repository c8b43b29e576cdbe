// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/xflops/flame/lib/cli"
	"github.com/xflops/flame/lib/cmd"
)

var (
	handler = cmd.WithLateSubcommand(cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"create": cli.Create,
		"submit": cli.Submit,
		"close":  cli.Close,
		"view":   cli.View,
		"list":   cli.List,
		"wait":   cli.Wait,
	}), cli.LateSubcommandFlags, nil)
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
