// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/xflops/flame/sdk/go/ctxlog"
	"github.com/xflops/flame/sdk/go/flame"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&AgentSuite{})

// fakeAPI follows the executor protocol for a single executor.
type fakeAPI struct {
	mtx        sync.Mutex
	state      flame.ExecutorState
	session    flame.SessionID
	release    bool
	pending    []flame.Task
	results    []flame.ReportResultOptions
	heartbeats int
	registered int
	notify     chan flame.Notification
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{notify: make(chan flame.Notification, 10)}
}

func (f *fakeAPI) RegisterExecutor(ctx context.Context, opts flame.RegisterExecutorOptions) (flame.Executor, error) {
	if opts.Application == "" {
		return flame.Executor{}, fmt.Errorf("%w: no application", flame.ErrInvalidConfig)
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.state == "" {
		f.state = flame.ExecutorIdle
	}
	f.registered++
	id := opts.ExecutorID
	if id == "" {
		id = "exr-generated"
	}
	return flame.Executor{ID: id, Application: opts.Application, State: f.state}, nil
}

func (f *fakeAPI) Heartbeat(ctx context.Context, id flame.ExecutorID) (flame.Executor, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.state == flame.ExecutorClosed {
		return flame.Executor{}, flame.ErrExecutorNotFound
	}
	f.heartbeats++
	return flame.Executor{ID: id, State: f.state}, nil
}

func (f *fakeAPI) PullTask(ctx context.Context, id flame.ExecutorID, wait time.Duration) (flame.PullResponse, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	switch f.state {
	case flame.ExecutorBinding:
		f.state = flame.ExecutorBound
	case flame.ExecutorBound:
	case flame.ExecutorUnbinding:
		if f.release {
			f.state = flame.ExecutorClosed
		} else {
			f.state = flame.ExecutorIdle
		}
		return flame.PullResponse{}, flame.ErrNotBound
	case flame.ExecutorClosed:
		return flame.PullResponse{}, flame.ErrExecutorNotFound
	default:
		return flame.PullResponse{}, flame.ErrNotBound
	}
	if len(f.pending) == 0 {
		return flame.PullResponse{RetryAfter: flame.Duration(5 * time.Millisecond)}, nil
	}
	t := f.pending[0]
	f.pending = f.pending[1:]
	return flame.PullResponse{Task: &t}, nil
}

func (f *fakeAPI) ReportResult(ctx context.Context, opts flame.ReportResultOptions) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.results = append(f.results, opts)
	return nil
}

func (f *fakeAPI) WaitNotifications(ctx context.Context, id flame.ExecutorID, wait time.Duration) ([]flame.Notification, error) {
	f.mtx.Lock()
	closed := f.state == flame.ExecutorClosed
	f.mtx.Unlock()
	if closed {
		return nil, flame.ErrExecutorNotFound
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case n := <-f.notify:
		return []flame.Notification{n}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeAPI) bind(ssn flame.SessionID, inputs ...string) {
	f.mtx.Lock()
	f.state = flame.ExecutorBinding
	f.session = ssn
	for i, in := range inputs {
		f.pending = append(f.pending, flame.Task{ID: flame.TaskID(i + 1), SessionID: ssn, Input: []byte(in)})
	}
	f.mtx.Unlock()
	f.notify <- flame.Notification{Kind: flame.NotifyBind, SessionID: ssn, Application: "pi"}
}

func (f *fakeAPI) unbind(release bool) {
	f.mtx.Lock()
	f.state = flame.ExecutorUnbinding
	f.release = release
	ssn := f.session
	f.mtx.Unlock()
	f.notify <- flame.Notification{Kind: flame.NotifyUnbind, SessionID: ssn}
}

func (f *fakeAPI) getState() flame.ExecutorState {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.state
}

func (f *fakeAPI) registrations() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.registered
}

func (f *fakeAPI) heartbeatCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.heartbeats
}

func (f *fakeAPI) getResults() []flame.ReportResultOptions {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]flame.ReportResultOptions(nil), f.results...)
}

// recordingShim records session entry/exit and upper-cases task
// input.
type recordingShim struct {
	mtx      sync.Mutex
	entered  []SessionContext
	left     int
	enterErr error
}

func (sh *recordingShim) OnSessionEnter(ctx context.Context, ssn SessionContext) error {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	if sh.enterErr != nil {
		return sh.enterErr
	}
	sh.entered = append(sh.entered, ssn)
	return nil
}

func (sh *recordingShim) OnSessionLeave(ctx context.Context) error {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	sh.left++
	return nil
}

func (sh *recordingShim) OnTaskInvoke(ctx context.Context, task flame.Task) ([]byte, error) {
	if string(task.Input) == "fail" {
		return nil, errors.New("task failed on purpose")
	}
	return bytes.ToUpper(task.Input), nil
}

func (sh *recordingShim) counts() (int, int) {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	return len(sh.entered), sh.left
}

type AgentSuite struct {
	api    *fakeAPI
	shim   *recordingShim
	agent  *Agent
	cancel context.CancelFunc
	done   chan error
}

func (s *AgentSuite) SetUpTest(c *check.C) {
	s.api = newFakeAPI()
	s.shim = &recordingShim{}
	s.agent = &Agent{
		Client:            s.api,
		Shim:              s.shim,
		ExecutorID:        "exr-1",
		Application:       "pi",
		HeartbeatInterval: 10 * time.Millisecond,
		PullWait:          20 * time.Millisecond,
		RetryMax:          20 * time.Millisecond,
		Logger:            ctxlog.TestLogger(c),
	}
}

// start runs the agent and waits for it to register.
func (s *AgentSuite) start(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.agent.Run(ctx) }()
	waitFor(c, "registration", func() bool { return s.api.registrations() > 0 })
}

func (s *AgentSuite) TearDownTest(c *check.C) {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			c.Error("agent did not stop")
		}
		s.cancel = nil
	}
}

func waitFor(c *check.C, what string, cond func() bool) {
	for deadline := time.Now().Add(5 * time.Second); !cond(); time.Sleep(time.Millisecond) {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (s *AgentSuite) TestRunsTasksOfBoundSession(c *check.C) {
	s.start(c)
	s.api.bind("ssn-1", "abc", "fail", "xyz")
	waitFor(c, "3 results", func() bool { return len(s.api.getResults()) == 3 })
	results := s.api.getResults()
	c.Check(results[0], check.DeepEquals, flame.ReportResultOptions{
		ExecutorID: "exr-1",
		SessionID:  "ssn-1",
		TaskID:     1,
		Result:     flame.TaskResult{Succeeded: true, Output: []byte("ABC")},
	})
	c.Check(results[1].Result.Succeeded, check.Equals, false)
	c.Check(results[1].Result.Message, check.Equals, "task failed on purpose")
	c.Check(string(results[2].Result.Output), check.Equals, "XYZ")
	c.Check(s.api.getState(), check.Equals, flame.ExecutorBound)
	entered, left := s.shim.counts()
	c.Check(entered, check.Equals, 1)
	c.Check(left, check.Equals, 0)
	c.Check(s.shim.entered[0], check.Equals, SessionContext{SessionID: "ssn-1", Application: "pi"})
}

func (s *AgentSuite) TestHeartbeats(c *check.C) {
	s.start(c)
	waitFor(c, "heartbeats", func() bool { return s.api.heartbeatCount() >= 3 })
}

func (s *AgentSuite) TestHeartbeatsFollowClock(c *check.C) {
	clk := clock.NewMock()
	s.agent.Clock = clk
	s.agent.HeartbeatInterval = time.Minute
	s.start(c)
	time.Sleep(50 * time.Millisecond)
	c.Check(s.api.heartbeatCount(), check.Equals, 0)
	waitFor(c, "heartbeats", func() bool {
		clk.Add(time.Minute)
		return s.api.heartbeatCount() >= 2
	})
}

func (s *AgentSuite) TestBindQueuedBeforeRegistration(c *check.C) {
	s.api.bind("ssn-1", "abc")
	s.start(c)
	c.Check(s.api.registrations(), check.Equals, 1)
	waitFor(c, "result", func() bool { return len(s.api.getResults()) == 1 })
	c.Check(string(s.api.getResults()[0].Result.Output), check.Equals, "ABC")
	c.Check(s.api.getState(), check.Equals, flame.ExecutorBound)
}

func (s *AgentSuite) TestUnbind(c *check.C) {
	s.start(c)
	s.api.bind("ssn-1", "a")
	waitFor(c, "result", func() bool { return len(s.api.getResults()) == 1 })
	s.api.unbind(false)
	waitFor(c, "idle", func() bool { return s.api.getState() == flame.ExecutorIdle })
	waitFor(c, "session leave", func() bool {
		_, left := s.shim.counts()
		return left == 1
	})

	// The executor can be bound again.
	s.api.bind("ssn-2", "b")
	waitFor(c, "second result", func() bool { return len(s.api.getResults()) == 2 })
	c.Check(s.api.getResults()[1].SessionID, check.Equals, flame.SessionID("ssn-2"))
}

func (s *AgentSuite) TestReleaseStopsAgent(c *check.C) {
	s.start(c)
	s.api.bind("ssn-1")
	waitFor(c, "bound", func() bool { return s.api.getState() == flame.ExecutorBound })
	s.api.unbind(true)
	select {
	case err := <-s.done:
		c.Check(err, check.IsNil)
		s.cancel()
		s.cancel = nil
	case <-time.After(5 * time.Second):
		c.Fatal("agent did not exit after release")
	}
	c.Check(s.api.getState(), check.Equals, flame.ExecutorClosed)
	_, left := s.shim.counts()
	c.Check(left, check.Equals, 1)
}

func (s *AgentSuite) TestSessionEnterFailureLeavesBindingUnconfirmed(c *check.C) {
	s.shim.enterErr = errors.New("cannot load application")
	s.start(c)
	s.api.bind("ssn-1", "a")
	time.Sleep(100 * time.Millisecond)
	c.Check(s.api.getState(), check.Equals, flame.ExecutorBinding)
	c.Check(s.api.getResults(), check.HasLen, 0)
}

func (s *AgentSuite) TestRegisterInvalid(c *check.C) {
	s.agent.Application = ""
	err := s.agent.Run(context.Background())
	c.Check(errors.Is(err, flame.ErrInvalidConfig), check.Equals, true)
}
