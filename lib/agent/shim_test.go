// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"os"

	"github.com/xflops/flame/sdk/go/flame"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ShimSuite{})

type ShimSuite struct{}

func (s *ShimSuite) task(input string) flame.Task {
	return flame.Task{ID: 7, SessionID: "ssn-1", Input: []byte(input)}
}

func (s *ShimSuite) TestShellShimOutput(c *check.C) {
	sh := &ShellShim{Command: []string{"tr", "a-z", "A-Z"}}
	c.Assert(sh.OnSessionEnter(context.Background(), SessionContext{SessionID: "ssn-1", Application: "upper"}), check.IsNil)
	out, err := sh.OnTaskInvoke(context.Background(), s.task("hello"))
	c.Check(err, check.IsNil)
	c.Check(string(out), check.Equals, "HELLO")
	c.Check(sh.OnSessionLeave(context.Background()), check.IsNil)
}

func (s *ShimSuite) TestShellShimEnv(c *check.C) {
	sh := &ShellShim{Command: []string{"sh", "-c", `printf %s "$FLAME_SESSION_ID/$FLAME_TASK_ID"`}}
	out, err := sh.OnTaskInvoke(context.Background(), s.task(""))
	c.Check(err, check.IsNil)
	c.Check(string(out), check.Equals, "ssn-1/7")
}

func (s *ShimSuite) TestShellShimFailure(c *check.C) {
	sh := &ShellShim{Command: []string{"sh", "-c", "echo partial; echo oops >&2; exit 3"}}
	out, err := sh.OnTaskInvoke(context.Background(), s.task(""))
	c.Check(err, check.ErrorMatches, `sh: exit status 3: oops`)
	c.Check(string(out), check.Equals, "partial\n")
}

func (s *ShimSuite) TestShellShimMissingCommand(c *check.C) {
	sh := &ShellShim{Command: []string{"/nonexistent/flame-app"}}
	c.Check(sh.OnSessionEnter(context.Background(), SessionContext{}), check.NotNil)
	c.Check((&ShellShim{}).OnSessionEnter(context.Background(), SessionContext{}), check.ErrorMatches, `no command configured`)
}

func (s *ShimSuite) TestShellShimFromEnv(c *check.C) {
	defer os.Unsetenv("FLAME_SHIM_COMMAND")
	os.Unsetenv("FLAME_SHIM_COMMAND")
	_, err := NewShellShimFromEnv()
	c.Check(err, check.ErrorMatches, `FLAME_SHIM_COMMAND is not set`)

	os.Setenv("FLAME_SHIM_COMMAND", `["python3", "pi.py"]`)
	sh, err := NewShellShimFromEnv()
	c.Assert(err, check.IsNil)
	c.Check(sh.Command, check.DeepEquals, []string{"python3", "pi.py"})

	os.Setenv("FLAME_SHIM_COMMAND", `python3 pi.py`)
	_, err = NewShellShimFromEnv()
	c.Check(err, check.ErrorMatches, `error decoding FLAME_SHIM_COMMAND: .*`)

	os.Setenv("FLAME_SHIM_COMMAND", `[]`)
	_, err = NewShellShimFromEnv()
	c.Check(err, check.ErrorMatches, `FLAME_SHIM_COMMAND is empty`)
}

func (s *ShimSuite) TestFuncShim(c *check.C) {
	sh := FuncShim(func(ctx context.Context, task flame.Task) ([]byte, error) {
		return append([]byte("got "), task.Input...), nil
	})
	c.Check(sh.OnSessionEnter(context.Background(), SessionContext{}), check.IsNil)
	out, err := sh.OnTaskInvoke(context.Background(), s.task("x"))
	c.Check(err, check.IsNil)
	c.Check(string(out), check.Equals, "got x")
	c.Check(sh.OnSessionLeave(context.Background()), check.IsNil)
}
