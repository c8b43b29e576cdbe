// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cloudtest checks that a resource manager driver and its
// configuration can create, list, and destroy pods.
package cloudtest

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/xflops/flame/lib/cloud"
	"github.com/xflops/flame/lib/cmd"
	"github.com/xflops/flame/lib/config"
	"github.com/xflops/flame/lib/dispatch"
	"github.com/xflops/flame/sdk/go/ctxlog"
)

var Command command

type command struct{}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	logger := ctxlog.New(stderr, "text", "info")
	loader := config.NewLoader(stdin, logger)
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader.SetupFlags(flags)
	podSetID := flags.String("pod-set-id", "cloudtest", "PodSetID label `value` to use on the test pod")
	image := flags.String("image", "busybox", "container `image` for the test pod")
	cmdline := flags.String("command", "sleep 600", "`command` to run in the test pod")
	destroyExisting := flags.Bool("destroy-existing", false, "Destroy any existing pods labeled with our PodSetID, instead of erroring out")
	pauseBeforeDestroy := flags.Bool("pause-before-destroy", false, "Prompt and wait before destroying the test pod")
	if ok, code := cmd.ParseFlags(flags, prog, args, cmd.NoArgs, stderr); !ok {
		return code
	}
	defer func() {
		if err != nil {
			logger.WithError(err).Error("fatal")
			// suppress output from the other error-printing func
			err = nil
		}
		logger.Info("exiting")
	}()

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return 1
	}
	driver, ok := dispatch.Drivers[cluster.ResourceManager.Driver]
	if !ok {
		err = fmt.Errorf("unsupported resource manager driver %q", cluster.ResourceManager.Driver)
		return 1
	}
	if !(&tester{
		Logger:           logger,
		SetID:            cloud.PodSetID(*podSetID),
		DestroyExisting:  *destroyExisting,
		SyncInterval:     cluster.ResourceManager.SyncInterval.Duration(),
		TimeoutBooting:   cluster.Dispatch.BootTimeout.Duration(),
		Driver:           driver,
		DriverParameters: cluster.ResourceManager.DriverParameters,
		Image:            *image,
		Command:          strings.Fields(*cmdline),
		PauseBeforeDestroy: func() {
			if *pauseBeforeDestroy {
				logger.Info("waiting for operator to press Enter")
				fmt.Fprint(stderr, "Press Enter to continue: ")
				bufio.NewReader(stdin).ReadString('\n')
			}
		},
	}).Run() {
		return 1
	}
	return 0
}
