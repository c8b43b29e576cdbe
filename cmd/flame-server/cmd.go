// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/xflops/flame/lib/agent"
	"github.com/xflops/flame/lib/cloud/cloudtest"
	"github.com/xflops/flame/lib/cmd"
	"github.com/xflops/flame/lib/config"
	"github.com/xflops/flame/lib/dispatch"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"config-check":          config.CheckCommand,
		"config-defaults":       config.DumpDefaultsCommand,
		"config-dump":           config.DumpCommand,
		"executor":              agent.Command,
		"resource-manager-test": cloudtest.Command,
		"session-manager":       dispatch.Command,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
