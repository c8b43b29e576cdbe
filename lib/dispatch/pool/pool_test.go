// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xflops/flame/lib/cloud"
	"github.com/xflops/flame/lib/dispatch/test"
	"github.com/xflops/flame/sdk/go/ctxlog"
	"github.com/xflops/flame/sdk/go/flame"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PoolSuite{})

type quotaError struct{ error }

func (quotaError) IsQuotaError() bool { return true }

type lostExecutor struct {
	id     flame.ExecutorID
	reason string
}

type PoolSuite struct {
	clk    *clock.Mock
	podSet *test.StubPodSet
	pool   *Pool

	mtx  sync.Mutex
	lost []lostExecutor
}

func (s *PoolSuite) SetUpTest(c *check.C) {
	s.clk = clock.NewMock()
	s.podSet = &test.StubPodSet{}
	s.lost = nil
	s.pool = New(ctxlog.TestLogger(c), prometheus.NewRegistry(), s.podSet, Config{
		PodSetID:     "test",
		AgentCommand: []string{"flame-server", "executor"},
		Endpoint:     "http://flame.example:8080/",
		AuthToken:    "secret",
		Applications: map[string]flame.Application{
			"pi": {Image: "flame/pi:latest", Command: []string{"python3", "pi.py"}, Env: map[string]string{"DIGITS": "10"}},
		},
		SyncInterval: time.Second,
		BootTimeout:  time.Minute,
		Clock:        s.clk,
	}, func(id flame.ExecutorID, reason string) {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		s.lost = append(s.lost, lostExecutor{id, reason})
	})
}

func (s *PoolSuite) lostExecutors() []lostExecutor {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]lostExecutor(nil), s.lost...)
}

func waitFor(c *check.C, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *PoolSuite) create(c *check.C, app string) flame.ExecutorID {
	done := make(chan error, 1)
	id, ok := s.pool.Create(app, func(err error) { done <- err })
	c.Assert(ok, check.Equals, true)
	select {
	case err := <-done:
		c.Assert(err, check.IsNil)
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for create")
	}
	return id
}

func (s *PoolSuite) TestCreateAndRegister(c *check.C) {
	id := s.create(c, "pi")
	c.Check(s.pool.Unallocated("pi"), check.Equals, 1)
	c.Check(s.pool.Unallocated("other"), check.Equals, 0)
	c.Check(s.pool.Size(), check.Equals, 1)

	specs := s.podSet.Created()
	c.Assert(specs, check.HasLen, 1)
	spec := specs[0]
	c.Check(spec.Image, check.Equals, "flame/pi:latest")
	c.Check(spec.Command, check.DeepEquals, []string{"flame-server", "executor"})
	c.Check(spec.Labels, check.DeepEquals, cloud.Labels{
		cloud.LabelPodSet:      "test",
		cloud.LabelExecutor:    string(id),
		cloud.LabelApplication: "pi",
	})
	c.Check(spec.Env, check.DeepEquals, map[string]string{
		"DIGITS":       "10",
		EnvEndpoint:    "http://flame.example:8080/",
		EnvExecutorID:  string(id),
		EnvApplication: "pi",
		EnvToken:       "secret",
		EnvShimCommand: `["python3","pi.py"]`,
	})

	s.pool.Registered(id)
	c.Check(s.pool.Unallocated("pi"), check.Equals, 0)
	c.Check(s.pool.Size(), check.Equals, 1)
	pods := s.pool.Pods()
	c.Assert(pods, check.HasLen, 1)
	c.Check(pods[0].ExecutorID, check.Equals, id)
	c.Check(pods[0].State, check.Equals, StateRunning)
	c.Check(pods[0].Phase, check.Equals, cloud.PodRunning)
	c.Check(testutil.ToFloat64(s.pool.mPods.WithLabelValues("running")), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(s.pool.mPods.WithLabelValues("booting")), check.Equals, 0.0)
}

func (s *PoolSuite) TestUnknownApplicationUsesNameAsImage(c *check.C) {
	s.create(c, "example.com/app:v1")
	spec := s.podSet.Created()[0]
	c.Check(spec.Image, check.Equals, "example.com/app:v1")
	_, ok := spec.Env[EnvShimCommand]
	c.Check(ok, check.Equals, false)
}

func (s *PoolSuite) TestUnallocatedWhileCreating(c *check.C) {
	s.podSet.Hold = make(chan bool)
	done := make(chan error, 1)
	id, ok := s.pool.Create("pi", func(err error) { done <- err })
	c.Assert(ok, check.Equals, true)
	c.Check(s.pool.Unallocated("pi"), check.Equals, 1)
	c.Check(s.pool.Size(), check.Equals, 1)
	c.Check(testutil.ToFloat64(s.pool.mCreating), check.Equals, 1.0)

	// Executor registers before Create returns.
	s.pool.Registered(id)
	s.podSet.Hold <- true
	c.Check(<-done, check.IsNil)
	c.Check(s.pool.Unallocated("pi"), check.Equals, 0)
	c.Check(s.pool.Pods()[0].State, check.Equals, StateRunning)
	c.Check(testutil.ToFloat64(s.pool.mCreating), check.Equals, 0.0)
}

func (s *PoolSuite) TestQuotaError(c *check.C) {
	s.podSet.CreateError = func(cloud.PodSpec) error {
		return quotaError{errors.New("quota exceeded")}
	}
	done := make(chan error, 1)
	_, ok := s.pool.Create("pi", func(err error) { done <- err })
	c.Assert(ok, check.Equals, true)
	c.Check(<-done, check.ErrorMatches, `quota exceeded`)
	c.Check(s.pool.AtQuota(), check.Equals, true)
	c.Check(s.pool.Unallocated("pi"), check.Equals, 0)
	c.Check(testutil.ToFloat64(s.pool.mCreateErrors), check.Equals, 1.0)

	_, ok = s.pool.Create("pi", nil)
	c.Check(ok, check.Equals, false)

	s.clk.Add(quotaErrorTTL + time.Second)
	c.Check(s.pool.AtQuota(), check.Equals, false)
	s.podSet.CreateError = nil
	s.create(c, "pi")
}

func (s *PoolSuite) TestCreateError(c *check.C) {
	s.podSet.CreateError = func(cloud.PodSpec) error {
		return errors.New("image not found")
	}
	done := make(chan error, 1)
	_, ok := s.pool.Create("pi", func(err error) { done <- err })
	c.Assert(ok, check.Equals, true)
	c.Check(<-done, check.ErrorMatches, `image not found`)
	c.Check(s.pool.AtQuota(), check.Equals, false)
	_, ok = s.pool.Create("pi", nil)
	c.Check(ok, check.Equals, true)
}

func (s *PoolSuite) TestSyncAdoptsUnknownPods(c *check.C) {
	_, err := s.podSet.Create(cloud.PodSpec{Labels: cloud.Labels{
		cloud.LabelPodSet:      "test",
		cloud.LabelExecutor:    "left-over",
		cloud.LabelApplication: "pi",
	}})
	c.Assert(err, check.IsNil)
	// Not ours.
	_, err = s.podSet.Create(cloud.PodSpec{Labels: cloud.Labels{
		cloud.LabelPodSet:   "other",
		cloud.LabelExecutor: "someone-else",
	}})
	c.Assert(err, check.IsNil)

	c.Assert(s.pool.Sync(), check.IsNil)
	pods := s.pool.Pods()
	c.Assert(pods, check.HasLen, 1)
	c.Check(pods[0].ExecutorID, check.Equals, flame.ExecutorID("left-over"))
	c.Check(pods[0].State, check.Equals, StateBooting)
	c.Check(s.pool.Unallocated("pi"), check.Equals, 1)
	c.Check(s.lostExecutors(), check.HasLen, 0)
}

func (s *PoolSuite) TestSyncNotifies(c *check.C) {
	ch := s.pool.Subscribe()
	defer s.pool.Unsubscribe(ch)
	_, err := s.podSet.Create(cloud.PodSpec{Labels: cloud.Labels{
		cloud.LabelPodSet:   "test",
		cloud.LabelExecutor: "x1",
	}})
	c.Assert(err, check.IsNil)
	c.Assert(s.pool.Sync(), check.IsNil)
	select {
	case <-ch:
	default:
		c.Error("no notification after new pod appeared")
	}
}

func (s *PoolSuite) TestSyncDisappeared(c *check.C) {
	id := s.create(c, "pi")
	s.pool.Registered(id)
	c.Assert(s.pool.Sync(), check.IsNil)
	c.Check(s.lostExecutors(), check.HasLen, 0)

	c.Assert(s.podSet.Remove(string(id)), check.Equals, true)
	s.clk.Add(time.Second)
	c.Assert(s.pool.Sync(), check.IsNil)
	c.Check(s.pool.Pods(), check.HasLen, 0)
	c.Check(s.lostExecutors(), check.DeepEquals, []lostExecutor{{id, "pod disappeared"}})
}

func (s *PoolSuite) TestSyncWithoutClockAdvance(c *check.C) {
	id := s.create(c, "pi")
	s.pool.Registered(id)
	for i := 0; i < 3; i++ {
		c.Assert(s.pool.Sync(), check.IsNil)
	}
	c.Check(s.pool.Pods(), check.HasLen, 1)
	c.Check(s.lostExecutors(), check.HasLen, 0)

	// A pod created while a sync's list is in flight is kept.
	s.pool.mtx.Lock()
	s.pool.generation++
	threshold := s.pool.generation
	s.pool.mtx.Unlock()
	pods, err := s.podSet.Pods(cloud.Labels{cloud.LabelPodSet: "test"})
	c.Assert(err, check.IsNil)
	late := s.create(c, "pi")
	s.pool.sync(threshold, pods)
	c.Check(s.pool.Pods(), check.HasLen, 2)
	c.Check(s.lostExecutors(), check.HasLen, 0)

	c.Assert(s.podSet.Remove(string(late)), check.Equals, true)
	c.Assert(s.pool.Sync(), check.IsNil)
	c.Check(s.lostExecutors(), check.DeepEquals, []lostExecutor{{late, "pod disappeared"}})
}

func (s *PoolSuite) TestSyncTerminated(c *check.C) {
	id := s.create(c, "pi")
	s.pool.Registered(id)
	c.Assert(s.podSet.Terminate(string(id)), check.Equals, true)
	c.Assert(s.pool.Sync(), check.IsNil)
	c.Check(s.lostExecutors(), check.DeepEquals, []lostExecutor{{id, "pod terminated"}})
	waitFor(c, "pod destroyed", func() bool { return s.podSet.Destroyed() == 1 })

	// Destroyed pods are dropped without reporting them again.
	s.clk.Add(time.Second)
	c.Assert(s.pool.Sync(), check.IsNil)
	c.Check(s.pool.Pods(), check.HasLen, 0)
	c.Check(s.lostExecutors(), check.HasLen, 1)
}

func (s *PoolSuite) TestBootTimeout(c *check.C) {
	id := s.create(c, "pi")
	s.clk.Add(30 * time.Second)
	c.Assert(s.pool.Sync(), check.IsNil)
	c.Check(s.podSet.Destroyed(), check.Equals, 0)

	s.clk.Add(31 * time.Second)
	c.Assert(s.pool.Sync(), check.IsNil)
	c.Check(s.lostExecutors(), check.DeepEquals, []lostExecutor{{id, "boot timeout"}})
	c.Check(s.pool.Unallocated("pi"), check.Equals, 0)
	waitFor(c, "pod destroyed", func() bool { return s.podSet.Destroyed() == 1 })
}

func (s *PoolSuite) TestRegisteredPodsDoNotTimeOut(c *check.C) {
	id := s.create(c, "pi")
	s.pool.Registered(id)
	s.clk.Add(time.Hour)
	c.Assert(s.pool.Sync(), check.IsNil)
	c.Check(s.lostExecutors(), check.HasLen, 0)
	c.Check(s.podSet.Destroyed(), check.Equals, 0)
}

func (s *PoolSuite) TestDestroy(c *check.C) {
	id := s.create(c, "pi")
	s.pool.Registered(id)
	c.Check(s.pool.Destroy("nonexistent", "test"), check.Equals, false)
	c.Check(s.pool.Destroy(id, "test"), check.Equals, true)
	c.Check(s.pool.Size(), check.Equals, 0)
	c.Check(s.pool.Pods()[0].State, check.Equals, StateShutdown)
	waitFor(c, "pod destroyed", func() bool { return s.podSet.Destroyed() == 1 })

	// A second call does not destroy the pod again.
	c.Check(s.pool.Destroy(id, "test"), check.Equals, true)

	s.clk.Add(time.Second)
	c.Assert(s.pool.Sync(), check.IsNil)
	c.Check(s.pool.Pods(), check.HasLen, 0)
	c.Check(s.lostExecutors(), check.HasLen, 0)
	c.Check(s.podSet.Destroyed(), check.Equals, 1)
}

func (s *PoolSuite) TestCheckHealth(c *check.C) {
	c.Check(s.pool.CheckHealth(), check.IsNil)
	s.podSet.PodsError = errors.New("connection refused")
	c.Check(s.pool.Sync(), check.NotNil)
	err := s.pool.CheckHealth()
	c.Check(errors.Is(err, flame.ErrResourceManager), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*connection refused`)

	s.podSet.PodsError = nil
	c.Check(s.pool.Sync(), check.IsNil)
	c.Check(s.pool.CheckHealth(), check.IsNil)
}
