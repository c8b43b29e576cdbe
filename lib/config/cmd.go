// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/ghodss/yaml"
	"github.com/xflops/flame/lib/cmd"
	"github.com/xflops/flame/sdk/go/ctxlog"
	"github.com/xflops/flame/sdk/go/flame"
)

var (
	// DumpCommand prints the site config with defaults filled in.
	DumpCommand cmd.Handler = configCommand{dump: true}
	// CheckCommand loads the site config, and fails if it does
	// not load or names an unknown cluster.
	CheckCommand cmd.Handler = configCommand{}
	// DumpDefaultsCommand prints the built-in defaults.
	DumpDefaultsCommand cmd.Handler = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		if _, err := stdout.Write(DefaultYAML); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	})
)

type configCommand struct {
	dump bool
}

func (cc configCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	clusterID := flags.String("cluster", "", "limit to the cluster with this `ID`")
	if ok, code := cmd.ParseFlags(flags, prog, args, cmd.NoArgs, stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *clusterID != "" {
		cluster, err := cfg.GetCluster(*clusterID)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		cfg = &flame.Config{Clusters: map[string]flame.Cluster{*clusterID: *cluster}}
	}
	if !cc.dump {
		return 0
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if _, err = stdout.Write(out); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
