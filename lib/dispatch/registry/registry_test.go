// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xflops/flame/sdk/go/ctxlog"
	"github.com/xflops/flame/sdk/go/flame"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RegistrySuite{})

type RegistrySuite struct {
	clock  *clock.Mock
	reg    *Registry
	closed []flame.Executor
}

func (s *RegistrySuite) SetUpTest(c *check.C) {
	s.clock = clock.NewMock()
	s.closed = nil
	s.reg = New(ctxlog.TestLogger(c), prometheus.NewRegistry(), Config{
		HeartbeatInterval:  10 * time.Second,
		HeartbeatMissLimit: 3,
		Clock:              s.clock,
	}, func(exr flame.Executor, reason string) {
		s.closed = append(s.closed, exr)
	})
}

func (s *RegistrySuite) register(c *check.C, id flame.ExecutorID) flame.Executor {
	exr, err := s.reg.Register(flame.RegisterExecutorOptions{ExecutorID: id, PodID: "pod-" + string(id), Application: "pi"})
	c.Assert(err, check.IsNil)
	return exr
}

func (s *RegistrySuite) TestRegister(c *check.C) {
	exr := s.register(c, "exr1")
	c.Check(exr.State, check.Equals, flame.ExecutorIdle)
	c.Check(exr.PodID, check.Equals, "pod-exr1")
	c.Check(exr.RegisteredAt, check.Equals, s.clock.Now())

	anon, err := s.reg.Register(flame.RegisterExecutorOptions{Application: "pi"})
	c.Assert(err, check.IsNil)
	c.Check(anon.ID, check.Not(check.Equals), flame.ExecutorID(""))
	c.Check(s.reg.List(), check.HasLen, 2)
}

func (s *RegistrySuite) TestReconnectKeepsBinding(c *check.C) {
	s.register(c, "exr1")
	_, err := s.reg.Transition("exr1", flame.ExecutorIdle, flame.ExecutorBinding, "ssn1")
	c.Assert(err, check.IsNil)
	s.clock.Add(time.Second)
	exr := s.register(c, "exr1")
	c.Check(exr.State, check.Equals, flame.ExecutorBinding)
	c.Check(exr.SessionID, check.Equals, flame.SessionID("ssn1"))
	c.Check(exr.LastHeartbeat, check.Equals, s.clock.Now())

	s.reg.MarkClosed("exr1", "test")
	exr = s.register(c, "exr1")
	c.Check(exr.State, check.Equals, flame.ExecutorIdle)
	c.Check(exr.SessionID, check.Equals, flame.SessionID(""))
}

func (s *RegistrySuite) TestTransitions(c *check.C) {
	s.register(c, "exr1")
	_, err := s.reg.Transition("exr1", flame.ExecutorIdle, flame.ExecutorBinding, "")
	c.Check(errors.Is(err, flame.ErrInvalidTransition), check.Equals, true)

	exr, err := s.reg.Transition("exr1", flame.ExecutorIdle, flame.ExecutorBinding, "ssn1")
	c.Assert(err, check.IsNil)
	c.Check(exr.State, check.Equals, flame.ExecutorBinding)

	// Stale "from" state is rejected.
	_, err = s.reg.Transition("exr1", flame.ExecutorIdle, flame.ExecutorBinding, "ssn2")
	c.Check(errors.Is(err, flame.ErrInvalidTransition), check.Equals, true)
	// No edge from Binding to Binding.
	_, err = s.reg.Transition("exr1", flame.ExecutorBinding, flame.ExecutorBinding, "ssn2")
	c.Check(errors.Is(err, flame.ErrInvalidTransition), check.Equals, true)

	exr, err = s.reg.Transition("exr1", flame.ExecutorBinding, flame.ExecutorBound, "")
	c.Assert(err, check.IsNil)
	c.Check(exr.SessionID, check.Equals, flame.SessionID("ssn1"))

	_, err = s.reg.Transition("exr1", flame.ExecutorBound, flame.ExecutorIdle, "")
	c.Check(errors.Is(err, flame.ErrInvalidTransition), check.Equals, true)

	exr, err = s.reg.Unbind("exr1", flame.ExecutorBound, true)
	c.Assert(err, check.IsNil)
	c.Check(exr.State, check.Equals, flame.ExecutorUnbinding)
	c.Check(exr.Release, check.Equals, true)

	s.clock.Add(time.Minute)
	exr, err = s.reg.Transition("exr1", flame.ExecutorUnbinding, flame.ExecutorIdle, "")
	c.Assert(err, check.IsNil)
	c.Check(exr.SessionID, check.Equals, flame.SessionID(""))
	c.Check(exr.Release, check.Equals, false)
	c.Check(exr.IdleSince, check.Equals, s.clock.Now())

	_, err = s.reg.Transition("nope", flame.ExecutorIdle, flame.ExecutorBinding, "ssn1")
	c.Check(errors.Is(err, flame.ErrExecutorNotFound), check.Equals, true)
}

func (s *RegistrySuite) TestMarkClosedIdempotent(c *check.C) {
	s.register(c, "exr1")
	s.reg.Transition("exr1", flame.ExecutorIdle, flame.ExecutorBinding, "ssn1")
	for i := 0; i < 2; i++ {
		exr, err := s.reg.MarkClosed("exr1", "test")
		c.Check(err, check.IsNil)
		c.Check(exr.State, check.Equals, flame.ExecutorClosed)
	}
	c.Assert(s.closed, check.HasLen, 1)
	c.Check(s.closed[0].SessionID, check.Equals, flame.SessionID("ssn1"))

	_, err := s.reg.Heartbeat("exr1")
	c.Check(errors.Is(err, flame.ErrExecutorNotFound), check.Equals, true)
	_, err = s.reg.Transition("exr1", flame.ExecutorClosed, flame.ExecutorIdle, "")
	c.Check(errors.Is(err, flame.ErrInvalidTransition), check.Equals, true)

	s.reg.Forget("exr1")
	_, err = s.reg.Get("exr1")
	c.Check(errors.Is(err, flame.ErrExecutorNotFound), check.Equals, true)
}

func (s *RegistrySuite) TestTransitionToClosedChecksFrom(c *check.C) {
	s.register(c, "exr1")
	_, err := s.reg.Transition("exr1", flame.ExecutorUnbinding, flame.ExecutorClosed, "")
	c.Check(errors.Is(err, flame.ErrInvalidTransition), check.Equals, true)
	exr, err := s.reg.Transition("exr1", flame.ExecutorIdle, flame.ExecutorClosed, "")
	c.Check(err, check.IsNil)
	c.Check(exr.State, check.Equals, flame.ExecutorClosed)
	c.Check(s.closed, check.HasLen, 1)
}

func (s *RegistrySuite) TestForgetIgnoresLiveExecutors(c *check.C) {
	s.register(c, "exr1")
	s.reg.Forget("exr1")
	_, err := s.reg.Get("exr1")
	c.Check(err, check.IsNil)
}

func (s *RegistrySuite) TestListIdle(c *check.C) {
	s.register(c, "exr1")
	s.clock.Add(time.Second)
	s.register(c, "exr2")
	s.reg.Register(flame.RegisterExecutorOptions{ExecutorID: "exr3", Application: "other"})

	idle := s.reg.ListIdle("pi")
	c.Assert(idle, check.HasLen, 2)
	c.Check(idle[0].ID, check.Equals, flame.ExecutorID("exr2"))
	c.Check(idle[1].ID, check.Equals, flame.ExecutorID("exr1"))

	// A rolled back binding makes exr1 the most recently idle.
	s.clock.Add(time.Second)
	_, err := s.reg.Transition("exr1", flame.ExecutorIdle, flame.ExecutorBinding, "ssn1")
	c.Assert(err, check.IsNil)
	_, err = s.reg.Transition("exr1", flame.ExecutorBinding, flame.ExecutorIdle, "")
	c.Assert(err, check.IsNil)

	idle = s.reg.ListIdle("pi")
	c.Assert(idle, check.HasLen, 2)
	c.Check(idle[0].ID, check.Equals, flame.ExecutorID("exr1"))
	c.Check(idle[1].ID, check.Equals, flame.ExecutorID("exr2"))
	c.Check(idle[0].IdleSince.After(idle[1].IdleSince), check.Equals, true)
	c.Check(s.reg.ListIdle(""), check.HasLen, 3)
	c.Check(s.reg.ListIdle("other"), check.HasLen, 1)
}

func (s *RegistrySuite) TestHeartbeatSweep(c *check.C) {
	s.register(c, "exr1")
	s.register(c, "exr2")
	for i := 0; i < 4; i++ {
		s.clock.Add(10 * time.Second)
		_, err := s.reg.Heartbeat("exr1")
		c.Check(err, check.IsNil)
		lost := s.reg.Sweep(s.clock.Now())
		if i < 3 {
			c.Check(lost, check.HasLen, 0)
		} else {
			c.Check(lost, check.HasLen, 1)
		}
	}
	exr, _ := s.reg.Get("exr2")
	c.Check(exr.State, check.Equals, flame.ExecutorClosed)
	exr, _ = s.reg.Get("exr1")
	c.Check(exr.State, check.Equals, flame.ExecutorIdle)
	c.Check(s.closed, check.HasLen, 1)
}

func (s *RegistrySuite) TestNotifications(c *check.C) {
	s.register(c, "exr1")
	ns, err := s.reg.WaitNotifications(context.Background(), "exr1", 0)
	c.Check(err, check.IsNil)
	c.Check(ns, check.HasLen, 0)

	c.Check(s.reg.Notify("exr1", flame.Notification{Kind: flame.NotifyBind, SessionID: "ssn1"}), check.IsNil)
	c.Check(s.reg.Notify("exr1", flame.Notification{Kind: flame.NotifyUnbind, SessionID: "ssn1"}), check.IsNil)
	ns, err = s.reg.WaitNotifications(context.Background(), "exr1", time.Second)
	c.Check(err, check.IsNil)
	c.Assert(ns, check.HasLen, 2)
	c.Check(ns[0].Kind, check.Equals, flame.NotifyBind)
	c.Check(ns[1].Kind, check.Equals, flame.NotifyUnbind)

	done := make(chan []flame.Notification)
	go func() {
		ns, err := s.reg.WaitNotifications(context.Background(), "exr1", time.Hour)
		c.Check(err, check.IsNil)
		done <- ns
	}()
	time.Sleep(10 * time.Millisecond)
	s.reg.Notify("exr1", flame.Notification{Kind: flame.NotifyBind, SessionID: "ssn2"})
	select {
	case ns := <-done:
		c.Check(ns, check.HasLen, 1)
	case <-time.After(5 * time.Second):
		c.Fatal("timed out")
	}

	c.Check(errors.Is(s.reg.Notify("nope", flame.Notification{}), flame.ErrExecutorNotFound), check.Equals, true)
}

func (s *RegistrySuite) TestSubscribeAndMetrics(c *check.C) {
	ch := s.reg.Subscribe()
	defer s.reg.Unsubscribe(ch)
	s.register(c, "exr1")
	select {
	case <-ch:
	default:
		c.Error("no notification after register")
	}
	s.register(c, "exr2")
	s.reg.Transition("exr2", flame.ExecutorIdle, flame.ExecutorBinding, "ssn1")
	s.reg.updateMetrics()
	c.Check(testutil.ToFloat64(s.reg.mExecutors.WithLabelValues("Idle")), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(s.reg.mExecutors.WithLabelValues("Binding")), check.Equals, 1.0)
}
