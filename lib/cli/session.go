// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xflops/flame/lib/cmd"
	"github.com/xflops/flame/sdk/go/flame"
)

var (
	Create cmd.Handler = cmd.HandlerFunc(create)
	Submit cmd.Handler = cmd.HandlerFunc(submit)
	Close  cmd.Handler = cmd.HandlerFunc(closeSession)
	View   cmd.Handler = cmd.HandlerFunc(view)
	List   cmd.Handler = cmd.HandlerFunc(list)
	Wait   cmd.Handler = cmd.HandlerFunc(wait)
)

// create opens a session.
func create(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags, cf := CommonFlagSet()
	var cfg flame.SessionConfig
	var delay time.Duration
	app := flags.String("application", "", "application `name`")
	flags.Alias("a", "application")
	flags.IntVar(&cfg.MinExecutors, "min", 0, "minimum number of executors (0 means cluster default)")
	flags.IntVar(&cfg.MaxExecutors, "max", 0, "maximum number of executors (0 means cluster default)")
	flags.IntVar(&cfg.Proportion, "proportion", 0, "scheduling weight (0 means cluster default)")
	flags.DurationVar(&delay, "delay-release", 0, "how long idle executors stay bound")
	if ok, code := parse(flags, cf, prog, args, "", 0, 0, stderr); !ok {
		return code
	}
	if *app == "" {
		fmt.Fprintf(stderr, "%s: no application given (use -application)\n", prog)
		return 2
	}
	cfg.DelayRelease = flame.Duration(delay)
	ssn, err := cf.client().OpenSession(context.Background(), flame.OpenSessionOptions{Application: *app, Config: cfg})
	if err != nil {
		return fail(stderr, prog, err)
	}
	if err := output(stdout, cf.Format, ssn, string(ssn.ID)); err != nil {
		return fail(stderr, prog, err)
	}
	return 0
}

// submit adds tasks to a session: one per argument after the session
// id, or one per line of stdin if there are none.
func submit(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags, cf := CommonFlagSet()
	if ok, code := parse(flags, cf, prog, args, "session-id [input ...]", 1, -1, stderr); !ok {
		return code
	}
	id := flame.SessionID(flags.Arg(0))
	var inputs [][]byte
	for _, in := range flags.Args()[1:] {
		inputs = append(inputs, []byte(in))
	}
	if len(inputs) == 0 {
		scanner := bufio.NewScanner(stdin)
		scanner.Buffer(make([]byte, 64*1024), 64<<20)
		for scanner.Scan() {
			inputs = append(inputs, append([]byte(nil), scanner.Bytes()...))
		}
		if err := scanner.Err(); err != nil {
			return fail(stderr, prog, fmt.Errorf("reading stdin: %w", err))
		}
	}
	tasks, err := cf.client().SubmitTasks(context.Background(), id, flame.SubmitTasksOptions{Inputs: inputs})
	if err != nil {
		return fail(stderr, prog, err)
	}
	var ids []string
	for _, t := range tasks {
		ids = append(ids, strconv.FormatInt(int64(t.ID), 10))
	}
	if err := output(stdout, cf.Format, tasks, ids...); err != nil {
		return fail(stderr, prog, err)
	}
	return 0
}

func closeSession(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags, cf := CommonFlagSet()
	if ok, code := parse(flags, cf, prog, args, "session-id", 1, 1, stderr); !ok {
		return code
	}
	ssn, err := cf.client().CloseSession(context.Background(), flame.SessionID(flags.Arg(0)))
	if err != nil {
		return fail(stderr, prog, err)
	}
	if err := output(stdout, cf.Format, ssn, string(ssn.ID)); err != nil {
		return fail(stderr, prog, err)
	}
	return 0
}

// view shows a session, or one of its tasks.
func view(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags, cf := CommonFlagSet()
	if ok, code := parse(flags, cf, prog, args, "session-id [task-id]", 1, 2, stderr); !ok {
		return code
	}
	client := cf.client()
	id := flame.SessionID(flags.Arg(0))
	var v interface{}
	var err error
	if flags.NArg() == 2 {
		var tid flame.TaskID
		tid, err = parseTaskID(flags.Arg(1))
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", prog, err)
			return 2
		}
		v, err = client.GetTask(context.Background(), id, tid)
	} else {
		v, err = client.GetSession(context.Background(), id)
	}
	if err != nil {
		return fail(stderr, prog, err)
	}
	if err := output(stdout, cf.Format, v, idOf(v)); err != nil {
		return fail(stderr, prog, err)
	}
	return 0
}

// list shows all sessions, or the tasks of one session.
func list(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags, cf := CommonFlagSet()
	if ok, code := parse(flags, cf, prog, args, "[session-id]", 0, 1, stderr); !ok {
		return code
	}
	client := cf.client()
	var v interface{}
	var ids []string
	if flags.NArg() == 1 {
		tasks, err := client.ListTasks(context.Background(), flame.SessionID(flags.Arg(0)))
		if err != nil {
			return fail(stderr, prog, err)
		}
		for _, t := range tasks {
			ids = append(ids, idOf(t))
		}
		v = tasks
	} else {
		ssns, err := client.ListSessions(context.Background())
		if err != nil {
			return fail(stderr, prog, err)
		}
		for _, ssn := range ssns {
			ids = append(ids, idOf(ssn))
		}
		v = ssns
	}
	if err := output(stdout, cf.Format, v, ids...); err != nil {
		return fail(stderr, prog, err)
	}
	return 0
}

// wait waits for a task to complete, or for a session to have no
// pending or running tasks, and shows the result.
func wait(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags, cf := CommonFlagSet()
	timeout := flags.Duration("timeout", 0, "give up after this long (0 means wait forever)")
	poll := flags.Duration("poll", 30*time.Second, "longest server-side wait per request")
	if ok, code := parse(flags, cf, prog, args, "session-id [task-id]", 1, 2, stderr); !ok {
		return code
	}
	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	client := cf.client()
	id := flame.SessionID(flags.Arg(0))
	var v interface{}
	var err error
	if flags.NArg() == 2 {
		var tid flame.TaskID
		tid, err = parseTaskID(flags.Arg(1))
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", prog, err)
			return 2
		}
		v, err = waitTask(ctx, client, id, tid, *poll)
	} else {
		v, err = waitSession(ctx, client, id, *poll)
	}
	if err != nil {
		return fail(stderr, prog, err)
	}
	if err := output(stdout, cf.Format, v, idOf(v)); err != nil {
		return fail(stderr, prog, err)
	}
	return 0
}

func waitTask(ctx context.Context, client *flame.Client, id flame.SessionID, tid flame.TaskID, poll time.Duration) (flame.Task, error) {
	for {
		task, err := client.WaitTask(ctx, id, tid, pollFor(ctx, poll))
		if errors.Is(err, flame.ErrTimeout) && ctx.Err() == nil {
			continue
		}
		return task, err
	}
}

// waitSession follows the session's completion log until no tasks
// are pending or running.
func waitSession(ctx context.Context, client *flame.Client, id flame.SessionID, poll time.Duration) (flame.Session, error) {
	for {
		ssn, err := client.GetSession(ctx, id)
		if err != nil {
			return ssn, err
		}
		if ssn.Counters.Pending+ssn.Counters.Running == 0 {
			return ssn, nil
		}
		cursor := ssn.Counters.Succeeded + ssn.Counters.Failed
		_, err = client.WaitAnyCompleted(ctx, id, cursor, pollFor(ctx, poll))
		if err != nil && !(errors.Is(err, flame.ErrTimeout) && ctx.Err() == nil) {
			return ssn, err
		}
	}
}

// pollFor returns the server-side wait for the next request: poll,
// or less if ctx expires sooner.
func pollFor(ctx context.Context, poll time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < poll {
			if left <= 0 {
				return time.Millisecond
			}
			return left
		}
	}
	return poll
}

func parseTaskID(s string) (flame.TaskID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return flame.TaskID(n), nil
}

func idOf(v interface{}) string {
	switch v := v.(type) {
	case flame.Session:
		return string(v.ID)
	case flame.Task:
		return strconv.FormatInt(int64(v.ID), 10)
	}
	return ""
}
