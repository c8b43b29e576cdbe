// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/xflops/flame/sdk/go/flame"
)

// A SessionContext describes the session an executor is bound to.
type SessionContext struct {
	SessionID   flame.SessionID
	Application string
}

// A Shim runs application code on behalf of an executor.
//
// OnSessionEnter is called when the executor is bound to a session,
// before the binding is confirmed. If it fails, the binding is not
// confirmed and the scheduler eventually rolls it back.
//
// OnTaskInvoke is called for each task of the session and returns the
// task output. A non-nil error fails the task.
//
// OnSessionLeave is called when the executor is unbound, before the
// unbind is acknowledged.
type Shim interface {
	OnSessionEnter(ctx context.Context, ssn SessionContext) error
	OnTaskInvoke(ctx context.Context, task flame.Task) ([]byte, error)
	OnSessionLeave(ctx context.Context) error
}

// FuncShim is a Shim that calls the function for each task and has
// nothing to do on session entry and exit.
type FuncShim func(ctx context.Context, task flame.Task) ([]byte, error)

func (f FuncShim) OnSessionEnter(context.Context, SessionContext) error { return nil }
func (f FuncShim) OnSessionLeave(context.Context) error                 { return nil }

func (f FuncShim) OnTaskInvoke(ctx context.Context, task flame.Task) ([]byte, error) {
	return f(ctx, task)
}

// Environment variables set for each command run by ShellShim, in
// addition to the executor's own environment.
const (
	EnvSessionID = "FLAME_SESSION_ID"
	EnvTaskID    = "FLAME_TASK_ID"
)

// Longest stderr excerpt included in a failed task's message.
const maxStderrMessage = 4096

// ShellShim runs Command once per task, with the task input on stdin.
// Whatever the command writes to stdout is the task output. A nonzero
// exit status fails the task.
type ShellShim struct {
	Command []string
	Dir     string

	session SessionContext
}

// NewShellShimFromEnv returns a ShellShim for the command given (as
// a JSON array) in the FLAME_SHIM_COMMAND environment variable.
func NewShellShimFromEnv() (*ShellShim, error) {
	val := os.Getenv("FLAME_SHIM_COMMAND")
	if val == "" {
		return nil, errors.New("FLAME_SHIM_COMMAND is not set")
	}
	var command []string
	if err := json.Unmarshal([]byte(val), &command); err != nil {
		return nil, fmt.Errorf("error decoding FLAME_SHIM_COMMAND: %w", err)
	}
	if len(command) == 0 {
		return nil, errors.New("FLAME_SHIM_COMMAND is empty")
	}
	return &ShellShim{Command: command}, nil
}

func (sh *ShellShim) OnSessionEnter(ctx context.Context, ssn SessionContext) error {
	if len(sh.Command) == 0 {
		return errors.New("no command configured")
	}
	if _, err := exec.LookPath(sh.Command[0]); err != nil {
		return err
	}
	sh.session = ssn
	return nil
}

func (sh *ShellShim) OnSessionLeave(ctx context.Context) error {
	sh.session = SessionContext{}
	return nil
}

func (sh *ShellShim) OnTaskInvoke(ctx context.Context, task flame.Task) ([]byte, error) {
	cmd := exec.CommandContext(ctx, sh.Command[0], sh.Command[1:]...)
	cmd.Dir = sh.Dir
	cmd.Env = append(os.Environ(),
		EnvSessionID+"="+string(task.SessionID),
		EnvTaskID+"="+strconv.FormatInt(int64(task.ID), 10))
	cmd.Stdin = bytes.NewReader(task.Input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderrMessage {
			msg = msg[len(msg)-maxStderrMessage:]
		}
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s", sh.Command[0], err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", sh.Command[0], err)
	}
	return stdout.Bytes(), nil
}
