// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xflops/flame/lib/cmd"
	"github.com/xflops/flame/sdk/go/ctxlog"
	"github.com/xflops/flame/sdk/go/flame"
)

// Command runs an executor agent. Settings default to the environment
// variables the session manager sets when it creates a pod.
var Command cmd.Handler = command{}

type command struct{}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	endpoint := flags.String("endpoint", os.Getenv("FLAME_ENDPOINT"), "session manager `URL`")
	executorID := flags.String("executor-id", os.Getenv("FLAME_EXECUTOR_ID"), "executor `ID` (generated by the session manager if empty)")
	application := flags.String("application", os.Getenv("FLAME_APPLICATION"), "application `name`")
	podID := flags.String("pod-id", os.Getenv("FLAME_POD_ID"), "`ID` of the pod hosting this executor")
	heartbeat := flags.Duration("heartbeat-interval", defaultHeartbeatInterval, "time between heartbeats")
	pullWait := flags.Duration("pull-wait", defaultPullWait, "longest server-side wait for work")
	logLevel := flags.String("log-level", "info", "logging `level` (debug, info, warn, error)")
	logFormat := flags.String("log-format", "json", "logging `format` (json, text)")
	if ok, code := cmd.ParseFlags(flags, prog, args, cmd.NoArgs, stderr); !ok {
		return code
	}
	logger := ctxlog.New(stderr, *logFormat, *logLevel)
	if *endpoint == "" {
		fmt.Fprintln(stderr, "no session manager endpoint given (use -endpoint or FLAME_ENDPOINT)")
		return 2
	}
	if *application == "" {
		fmt.Fprintln(stderr, "no application given (use -application or FLAME_APPLICATION)")
		return 2
	}
	shim, err := NewShellShimFromEnv()
	if err != nil {
		logger.WithError(err).Error("cannot start executor")
		return 1
	}

	client := flame.NewClientFromEnv()
	client.Endpoint = *endpoint
	client.Timeout = time.Minute

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ag := &Agent{
		Client:            client,
		Shim:              shim,
		ExecutorID:        flame.ExecutorID(*executorID),
		PodID:             *podID,
		Application:       *application,
		HeartbeatInterval: *heartbeat,
		PullWait:          *pullWait,
		Logger:            logger,
	}
	if err := ag.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("executor failed")
		return 1
	}
	return 0
}
