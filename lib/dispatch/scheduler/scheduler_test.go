// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xflops/flame/lib/dispatch/queue"
	"github.com/xflops/flame/lib/dispatch/registry"
	"github.com/xflops/flame/lib/dispatch/session"
	"github.com/xflops/flame/sdk/go/ctxlog"
	"github.com/xflops/flame/sdk/go/flame"
	check "gopkg.in/check.v1"
)

var (
	_ SessionManager   = (*session.Manager)(nil)
	_ ExecutorRegistry = (*registry.Registry)(nil)
)

var _ = check.Suite(&SchedulerSuite{})

// stubPool implements PodPool. Create finishes synchronously.
type stubPool struct {
	mtx       sync.Mutex
	unalloc   map[string]int
	size      int
	refuse    bool
	createErr error
	created   []string
	destroyed []flame.ExecutorID
}

func (p *stubPool) Unallocated(app string) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.unalloc[app]
}

func (p *stubPool) Size() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.size
}

func (p *stubPool) AtQuota() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.refuse
}

func (p *stubPool) Create(app string, onDone func(error)) (flame.ExecutorID, bool) {
	p.mtx.Lock()
	if p.refuse {
		p.mtx.Unlock()
		return "", false
	}
	p.created = append(p.created, app)
	id := flame.ExecutorID(fmt.Sprintf("pod-%d", len(p.created)))
	err := p.createErr
	if err == nil {
		p.unalloc[app]++
		p.size++
	}
	p.mtx.Unlock()
	onDone(err)
	return id, true
}

func (p *stubPool) Destroy(id flame.ExecutorID, reason string) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.destroyed = append(p.destroyed, id)
	if p.size > 0 {
		p.size--
	}
	return true
}

func (p *stubPool) Subscribe() <-chan struct{} { return make(chan struct{}) }
func (p *stubPool) Unsubscribe(<-chan struct{}) {}

// registered moves a pod from unallocated to registered, as the pool
// does when its executor registers.
func (p *stubPool) registered(app string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.unalloc[app]--
}

type SchedulerSuite struct {
	clk      *clock.Mock
	sessions *session.Manager
	registry *registry.Registry
	pool     *stubPool
	sch      *Scheduler
	cfg      Config
}

func (s *SchedulerSuite) SetUpTest(c *check.C) {
	s.clk = clock.NewMock()
	logger := ctxlog.TestLogger(c)
	var err error
	s.sessions, err = session.NewManager(logger, queue.Config{
		LeaseDuration: time.Minute,
		RetryLimit:    3,
		Clock:         s.clk,
	}, flame.SessionConfig{MaxExecutors: 1, Proportion: 1}, 10)
	c.Assert(err, check.IsNil)
	s.registry = registry.New(logger, prometheus.NewRegistry(), registry.Config{
		HeartbeatInterval:  10 * time.Second,
		HeartbeatMissLimit: 3,
		Clock:              s.clk,
	}, func(exr flame.Executor, reason string) {
		s.sessions.Release(exr.ID, reason)
	})
	s.pool = &stubPool{unalloc: map[string]int{}}
	s.cfg = Config{
		BindTimeout:             30 * time.Second,
		IdleTimeout:             5 * time.Minute,
		PollInterval:            time.Second,
		ProvisionRetryLimit:     2,
		ProvisionBackoffInitial: time.Second,
		ProvisionBackoffMax:     time.Minute,
		Clock:                   s.clk,
	}
	s.sch = New(logger, s.sessions, s.registry, s.pool, prometheus.NewRegistry(), s.cfg)
}

func (s *SchedulerSuite) setBudget(budget int) {
	s.cfg.GlobalExecutorBudget = budget
	s.sch.cfg.GlobalExecutorBudget = budget
}

func (s *SchedulerSuite) openSession(c *check.C, app string, cfg flame.SessionConfig, ntasks int) flame.SessionID {
	ssn, err := s.sessions.OpenSession(flame.OpenSessionOptions{Application: app, Config: cfg})
	c.Assert(err, check.IsNil)
	if ntasks > 0 {
		_, err = s.sessions.SubmitTasks(ssn.ID, make([][]byte, ntasks)...)
		c.Assert(err, check.IsNil)
	}
	// Keep creation order deterministic.
	s.clk.Add(time.Millisecond)
	return ssn.ID
}

func (s *SchedulerSuite) register(c *check.C, id flame.ExecutorID, app string) {
	_, err := s.registry.Register(flame.RegisterExecutorOptions{ExecutorID: id, Application: app})
	c.Assert(err, check.IsNil)
	s.clk.Add(time.Millisecond)
}

func (s *SchedulerSuite) executor(c *check.C, id flame.ExecutorID) flame.Executor {
	exr, err := s.registry.Get(id)
	c.Assert(err, check.IsNil)
	return exr
}

// confirm does what the dispatcher does when a Binding executor
// pulls: the binding becomes Bound.
func (s *SchedulerSuite) confirm(c *check.C, id flame.ExecutorID) {
	_, err := s.registry.Transition(id, flame.ExecutorBinding, flame.ExecutorBound, "")
	c.Assert(err, check.IsNil)
}

func (s *SchedulerSuite) countState(ssn flame.SessionID, state flame.ExecutorState) int {
	n := 0
	for _, exr := range s.registry.List() {
		if exr.State == state && exr.SessionID == ssn {
			n++
		}
	}
	return n
}

func (s *SchedulerSuite) notifications(c *check.C, id flame.ExecutorID) []flame.Notification {
	ns, err := s.registry.WaitNotifications(context.Background(), id, 0)
	c.Assert(err, check.IsNil)
	return ns
}

func (s *SchedulerSuite) TestScaleUpCreatesPods(c *check.C) {
	ssn := s.openSession(c, "pi", flame.SessionConfig{MinExecutors: 1, MaxExecutors: 3}, 10)
	s.sch.runOnce()
	c.Check(s.pool.created, check.DeepEquals, []string{"pi", "pi", "pi"})

	// Pods being created cover the demand; no more are requested.
	s.sch.runOnce()
	c.Check(s.pool.created, check.HasLen, 3)

	for i := 1; i <= 3; i++ {
		s.register(c, flame.ExecutorID(fmt.Sprintf("pod-%d", i)), "pi")
		s.pool.registered("pi")
	}
	s.sch.runOnce()
	c.Check(s.countState(ssn, flame.ExecutorBinding), check.Equals, 3)
	c.Check(s.pool.created, check.HasLen, 3)
	c.Check(s.notifications(c, "pod-1"), check.DeepEquals, []flame.Notification{
		{Kind: flame.NotifyBind, SessionID: ssn, Application: "pi"},
	})
	c.Check(testutil.ToFloat64(s.sch.mExecutorsDesired), check.Equals, 3.0)
	c.Check(testutil.ToFloat64(s.sch.mExecutorsAssigned), check.Equals, 0.0)

	s.sch.runOnce()
	c.Check(testutil.ToFloat64(s.sch.mExecutorsAssigned), check.Equals, 3.0)
	c.Check(testutil.ToFloat64(s.sch.mSessions.WithLabelValues("Open")), check.Equals, 1.0)
}

func (s *SchedulerSuite) TestBindMostRecentlyIdleFirst(c *check.C) {
	s.register(c, "old", "pi")
	s.register(c, "new", "pi")
	s.register(c, "other-app", "other")
	ssn := s.openSession(c, "pi", flame.SessionConfig{MaxExecutors: 1}, 5)
	s.sch.runOnce()
	c.Check(s.executor(c, "new").State, check.Equals, flame.ExecutorBinding)
	c.Check(s.executor(c, "new").SessionID, check.Equals, ssn)
	c.Check(s.executor(c, "old").State, check.Equals, flame.ExecutorIdle)
	c.Check(s.executor(c, "other-app").State, check.Equals, flame.ExecutorIdle)
	c.Check(s.pool.created, check.HasLen, 0)
}

func (s *SchedulerSuite) TestSkipSessionWithoutTasks(c *check.C) {
	s.register(c, "exr1", "pi")
	s.openSession(c, "pi", flame.SessionConfig{MinExecutors: 2, MaxExecutors: 3}, 0)
	s.sch.runOnce()
	c.Check(s.executor(c, "exr1").State, check.Equals, flame.ExecutorIdle)
	c.Check(s.pool.created, check.HasLen, 0)
}

func (s *SchedulerSuite) TestMinExecutors(c *check.C) {
	ssn := s.openSession(c, "pi", flame.SessionConfig{MinExecutors: 2, MaxExecutors: 3}, 1)
	s.register(c, "exr1", "pi")
	s.register(c, "exr2", "pi")
	s.register(c, "exr3", "pi")
	s.sch.runOnce()
	c.Check(s.countState(ssn, flame.ExecutorBinding), check.Equals, 2)
}

func (s *SchedulerSuite) TestBudgetSplit(c *check.C) {
	s.setBudget(4)
	ssn1 := s.openSession(c, "pi", flame.SessionConfig{MaxExecutors: 3}, 10)
	ssn2 := s.openSession(c, "pi", flame.SessionConfig{MaxExecutors: 3}, 10)
	for i := 0; i < 6; i++ {
		s.register(c, flame.ExecutorID(fmt.Sprintf("exr%d", i)), "pi")
	}
	s.sch.runOnce()
	c.Check(s.countState(ssn1, flame.ExecutorBinding), check.Equals, 2)
	c.Check(s.countState(ssn2, flame.ExecutorBinding), check.Equals, 2)
	c.Check(testutil.ToFloat64(s.sch.mOverBudget), check.Equals, 2.0)
}

func (s *SchedulerSuite) TestBudgetLimitsPodCreation(c *check.C) {
	s.setBudget(2)
	s.openSession(c, "pi", flame.SessionConfig{MaxExecutors: 5}, 10)
	s.sch.runOnce()
	c.Check(s.pool.created, check.HasLen, 2)
	s.sch.runOnce()
	c.Check(s.pool.created, check.HasLen, 2)
}

func (s *SchedulerSuite) TestReclaimIdleExecutorOfOtherApplication(c *check.C) {
	s.setBudget(1)
	s.pool.size = 1
	s.register(c, "lazy", "other")
	ssn := s.openSession(c, "pi", flame.SessionConfig{MaxExecutors: 1}, 1)
	s.sch.runOnce()
	c.Check(s.pool.created, check.HasLen, 0)
	c.Check(s.pool.destroyed, check.DeepEquals, []flame.ExecutorID{"lazy"})
	_, err := s.registry.Get("lazy")
	c.Check(errors.Is(err, flame.ErrExecutorNotFound), check.Equals, true)

	s.sch.runOnce()
	c.Check(s.pool.created, check.DeepEquals, []string{"pi"})
	c.Check(s.countState(ssn, flame.ExecutorBinding), check.Equals, 0)
}

func (s *SchedulerSuite) TestDelayRelease(c *check.C) {
	ssn := s.openSession(c, "pi", flame.SessionConfig{MaxExecutors: 3, DelayRelease: flame.Duration(10 * time.Second)}, 3)
	for _, id := range []flame.ExecutorID{"exr1", "exr2", "exr3"} {
		s.register(c, id, "pi")
	}
	s.sch.runOnce()
	for _, id := range []flame.ExecutorID{"exr1", "exr2", "exr3"} {
		c.Assert(s.executor(c, id).State, check.Equals, flame.ExecutorBinding)
		s.confirm(c, id)
		s.clk.Add(time.Millisecond)
	}
	// exr3 runs the tasks; the others are never used.
	for i := 0; i < 2; i++ {
		task, ok, err := s.sessions.Lease(ssn, "exr3")
		c.Assert(err, check.IsNil)
		c.Assert(ok, check.Equals, true)
		_, err = s.sessions.Complete(ssn, "exr3", task.ID, flame.TaskResult{Succeeded: true})
		c.Assert(err, check.IsNil)
	}
	_, _, err := s.sessions.Lease(ssn, "exr3")
	c.Assert(err, check.IsNil)

	s.sch.runOnce()
	c.Check(s.countState(ssn, flame.ExecutorBound), check.Equals, 3)

	s.clk.Add(5 * time.Second)
	s.sch.runOnce()
	c.Check(s.countState(ssn, flame.ExecutorBound), check.Equals, 3)

	// Executors bound in the same pass are unbound in ID order.
	s.clk.Add(6 * time.Second)
	s.sch.runOnce()
	c.Check(s.countState(ssn, flame.ExecutorBound), check.Equals, 1)
	c.Check(s.countState(ssn, flame.ExecutorUnbinding), check.Equals, 2)
	c.Check(s.executor(c, "exr3").State, check.Equals, flame.ExecutorBound)
	unbinding := s.executor(c, "exr1")
	c.Check(unbinding.State, check.Equals, flame.ExecutorUnbinding)
	c.Check(unbinding.Release, check.Equals, false)
	c.Check(s.notifications(c, "exr1"), check.DeepEquals, []flame.Notification{
		{Kind: flame.NotifyBind, SessionID: ssn, Application: "pi"},
		{Kind: flame.NotifyUnbind, SessionID: ssn},
	})
}

func (s *SchedulerSuite) TestDemandRiseCancelsRelease(c *check.C) {
	ssn := s.openSession(c, "pi", flame.SessionConfig{MaxExecutors: 2, DelayRelease: flame.Duration(10 * time.Second)}, 2)
	s.register(c, "exr1", "pi")
	s.register(c, "exr2", "pi")
	s.sch.runOnce()
	s.confirm(c, "exr1")
	s.confirm(c, "exr2")
	task, _, err := s.sessions.Lease(ssn, "exr1")
	c.Assert(err, check.IsNil)
	_, err = s.sessions.Complete(ssn, "exr1", task.ID, flame.TaskResult{Succeeded: true})
	c.Assert(err, check.IsNil)

	s.sch.runOnce() // starts the release timer
	s.clk.Add(8 * time.Second)
	_, err = s.sessions.SubmitTasks(ssn, nil)
	c.Assert(err, check.IsNil)
	s.sch.runOnce() // demand is back to 2: timer cancelled

	task, _, err = s.sessions.Lease(ssn, "exr1")
	c.Assert(err, check.IsNil)
	_, err = s.sessions.Complete(ssn, "exr1", task.ID, flame.TaskResult{Succeeded: true})
	c.Assert(err, check.IsNil)
	s.sch.runOnce() // timer restarts
	s.clk.Add(8 * time.Second)
	s.sch.runOnce()
	c.Check(s.countState(ssn, flame.ExecutorBound), check.Equals, 2)
	s.clk.Add(3 * time.Second)
	s.sch.runOnce()
	c.Check(s.countState(ssn, flame.ExecutorBound), check.Equals, 1)
}

func (s *SchedulerSuite) TestClosedSessionReleasesExecutors(c *check.C) {
	ssn := s.openSession(c, "pi", flame.SessionConfig{MaxExecutors: 2}, 1)
	s.register(c, "exr1", "pi")
	s.sch.runOnce()
	s.confirm(c, "exr1")
	task, _, err := s.sessions.Lease(ssn, "exr1")
	c.Assert(err, check.IsNil)
	_, err = s.sessions.CloseSession(ssn)
	c.Assert(err, check.IsNil)
	s.sch.runOnce()
	c.Check(s.executor(c, "exr1").State, check.Equals, flame.ExecutorBound)

	_, err = s.sessions.Complete(ssn, "exr1", task.ID, flame.TaskResult{Succeeded: true})
	c.Assert(err, check.IsNil)
	s.sch.runOnce()
	exr := s.executor(c, "exr1")
	c.Check(exr.State, check.Equals, flame.ExecutorUnbinding)
	c.Check(exr.Release, check.Equals, true)

	// Session is kept while an executor still refers to it.
	c.Check(s.sessions.Snapshot(), check.HasLen, 1)

	// The executor acknowledges; the dispatcher closes it because
	// of the release flag.
	_, err = s.registry.Transition("exr1", flame.ExecutorUnbinding, flame.ExecutorClosed, "")
	c.Assert(err, check.IsNil)
	s.sch.runOnce()
	c.Check(s.pool.destroyed, check.DeepEquals, []flame.ExecutorID{"exr1"})
	c.Check(s.registry.List(), check.HasLen, 0)
	c.Check(s.sessions.Snapshot(), check.HasLen, 0)
	st, err := s.sessions.GetSessionStatus(ssn)
	c.Assert(err, check.IsNil)
	c.Check(st.State, check.Equals, flame.SessionClosed)
}

func (s *SchedulerSuite) TestBindTimeoutRollsBack(c *check.C) {
	ssn := s.openSession(c, "pi", flame.SessionConfig{MaxExecutors: 1}, 1)
	s.register(c, "exr1", "pi")
	s.sch.runOnce()
	c.Assert(s.executor(c, "exr1").State, check.Equals, flame.ExecutorBinding)
	s.register(c, "exr2", "pi")
	s.registry.Heartbeat("exr1")

	s.clk.Add(31 * time.Second)
	s.registry.Heartbeat("exr1")
	s.registry.Heartbeat("exr2")
	s.sch.runOnce()
	// exr1 is the most recently idle, but it just failed to confirm
	// a binding to this session.
	c.Check(s.executor(c, "exr1").State, check.Equals, flame.ExecutorIdle)
	c.Check(s.executor(c, "exr2").State, check.Equals, flame.ExecutorBinding)
	c.Check(s.executor(c, "exr2").SessionID, check.Equals, ssn)
}

func (s *SchedulerSuite) TestUnbindTimeoutCloses(c *check.C) {
	s.register(c, "exr1", "pi")
	_, err := s.registry.Transition("exr1", flame.ExecutorIdle, flame.ExecutorBinding, "gone")
	c.Assert(err, check.IsNil)
	_, err = s.registry.Unbind("exr1", flame.ExecutorBinding, false)
	c.Assert(err, check.IsNil)
	s.clk.Add(20 * time.Second)
	s.sch.runOnce()
	c.Check(s.executor(c, "exr1").State, check.Equals, flame.ExecutorUnbinding)
	s.clk.Add(11 * time.Second)
	s.sch.runOnce()
	c.Check(s.pool.destroyed, check.DeepEquals, []flame.ExecutorID{"exr1"})
	c.Check(s.registry.List(), check.HasLen, 0)
}

func (s *SchedulerSuite) TestIdleTimeout(c *check.C) {
	s.register(c, "exr1", "pi")
	s.clk.Add(4 * time.Minute)
	s.sch.runOnce()
	c.Check(s.pool.destroyed, check.HasLen, 0)
	s.clk.Add(2 * time.Minute)
	s.sch.runOnce()
	c.Check(s.pool.destroyed, check.DeepEquals, []flame.ExecutorID{"exr1"})
	_, err := s.registry.Get("exr1")
	c.Check(errors.Is(err, flame.ErrExecutorNotFound), check.Equals, true)
}

func (s *SchedulerSuite) TestClosedExecutorsAreDestroyed(c *check.C) {
	s.register(c, "exr1", "pi")
	_, err := s.registry.MarkClosed("exr1", "no heartbeat")
	c.Assert(err, check.IsNil)
	s.sch.runOnce()
	c.Check(s.pool.destroyed, check.DeepEquals, []flame.ExecutorID{"exr1"})
	c.Check(s.registry.List(), check.HasLen, 0)
}

func (s *SchedulerSuite) TestProvisionBackoffAndDegraded(c *check.C) {
	s.pool.createErr = errors.New("image pull failed")
	ssn := s.openSession(c, "pi", flame.SessionConfig{MaxExecutors: 3}, 3)

	s.sch.runOnce()
	c.Check(s.pool.created, check.HasLen, 1)
	s.sch.runOnce()
	c.Check(s.pool.created, check.HasLen, 1)
	st, _ := s.sessions.GetSessionStatus(ssn)
	c.Check(st.Degraded, check.Equals, false)

	s.clk.Add(time.Second)
	s.sch.runOnce()
	c.Check(s.pool.created, check.HasLen, 2)
	st, _ = s.sessions.GetSessionStatus(ssn)
	c.Check(st.Degraded, check.Equals, true)
	c.Check(st.DegradedReason, check.Equals, "cannot create executor pods: image pull failed")
	c.Check(st.Counters.Pending, check.Equals, 3)

	// Second backoff interval is longer.
	s.clk.Add(time.Second)
	s.sch.runOnce()
	c.Check(s.pool.created, check.HasLen, 2)

	s.pool.createErr = nil
	s.clk.Add(time.Second)
	s.sch.runOnce()
	c.Check(s.pool.created, check.HasLen, 5)
	st, _ = s.sessions.GetSessionStatus(ssn)
	c.Check(st.Degraded, check.Equals, false)
	c.Check(st.DegradedReason, check.Equals, "")
}

func (s *SchedulerSuite) TestPoolRefusesCreate(c *check.C) {
	s.pool.refuse = true
	s.openSession(c, "pi", flame.SessionConfig{MaxExecutors: 2}, 2)
	s.sch.runOnce()
	c.Check(s.pool.created, check.HasLen, 0)
	s.pool.refuse = false
	s.sch.runOnce()
	c.Check(s.pool.created, check.HasLen, 2)
}

func (s *SchedulerSuite) TestRun(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.sch.Run(ctx)
		close(done)
	}()
	s.register(c, "exr1", "pi")
	ssn, err := s.sessions.OpenSession(flame.OpenSessionOptions{Application: "pi"})
	c.Assert(err, check.IsNil)
	_, err = s.sessions.SubmitTasks(ssn.ID, []byte("x"))
	c.Assert(err, check.IsNil)

	deadline := time.Now().Add(5 * time.Second)
	for s.executor(c, "exr1").State != flame.ExecutorBinding {
		if time.Now().After(deadline) {
			c.Fatal("timed out waiting for scheduler to bind executor")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}
