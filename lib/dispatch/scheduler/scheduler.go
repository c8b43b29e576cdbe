// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package scheduler sizes each session's share of executors to its
// outstanding work, binding idle executors to sessions and asking the
// pod pool for more when needed.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/sdk/go/flame"
)

// Config holds the scheduler's settings.
type Config struct {
	BindTimeout  time.Duration
	IdleTimeout  time.Duration
	PollInterval time.Duration

	// Maximum number of pods across all sessions; 0 means
	// unlimited.
	GlobalExecutorBudget int

	ProvisionRetryLimit     int
	ProvisionBackoffInitial time.Duration
	ProvisionBackoffMax     time.Duration

	Clock clock.Clock
}

// A Scheduler matches executors to sessions. Each pass compares every
// session's demand with the executors bound to it, then binds Idle
// executors, requests new pods, or unbinds executors to close the
// gap.
//
// If the pool cannot create pods because of quota or the global
// budget, a Scheduler closes idle executors that no session wants, in
// case they are consuming capacity.
type Scheduler struct {
	logger    logrus.FieldLogger
	sessions  SessionManager
	executors ExecutorRegistry
	pool      PodPool
	cfg       Config
	clock     clock.Clock

	// Accessed only by the scheduling pass.
	releaseAt map[flame.SessionID]time.Time
	avoid     map[avoidKey]time.Time

	mtx      sync.Mutex
	backoffs map[flame.SessionID]*provisionBackoff
	wakeup   chan struct{}

	mSessions          *prometheus.GaugeVec
	mExecutorsDesired  prometheus.Gauge
	mExecutorsAssigned prometheus.Gauge
	mOverBudget        prometheus.Gauge
	mDegraded          prometheus.Gauge
}

// An executor that failed to confirm a binding is not offered to the
// same session again until the entry expires.
type avoidKey struct {
	executor flame.ExecutorID
	session  flame.SessionID
}

// New returns a new Scheduler. Call Run to start it.
func New(logger logrus.FieldLogger, sessions SessionManager, executors ExecutorRegistry, pool PodPool, reg *prometheus.Registry, cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ProvisionRetryLimit <= 0 {
		cfg.ProvisionRetryLimit = 1
	}
	sch := &Scheduler{
		logger:    logger,
		sessions:  sessions,
		executors: executors,
		pool:      pool,
		cfg:       cfg,
		clock:     cfg.Clock,
		releaseAt: map[flame.SessionID]time.Time{},
		avoid:     map[avoidKey]time.Time{},
		backoffs:  map[flame.SessionID]*provisionBackoff{},
		wakeup:    make(chan struct{}, 1),
	}
	sch.registerMetrics(reg)
	return sch
}

func (sch *Scheduler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sch.mSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flame",
		Subsystem: "dispatch",
		Name:      "sessions",
		Help:      "Number of sessions, by state.",
	}, []string{"state"})
	reg.MustRegister(sch.mSessions)
	sch.mExecutorsDesired = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flame",
		Subsystem: "dispatch",
		Name:      "executors_desired",
		Help:      "Number of executors the scheduler wants bound to sessions.",
	})
	reg.MustRegister(sch.mExecutorsDesired)
	sch.mExecutorsAssigned = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flame",
		Subsystem: "dispatch",
		Name:      "executors_assigned",
		Help:      "Number of executors binding or bound to sessions.",
	})
	reg.MustRegister(sch.mExecutorsAssigned)
	sch.mOverBudget = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flame",
		Subsystem: "dispatch",
		Name:      "sessions_over_budget",
		Help:      "Number of sessions getting fewer executors than they could use because of the global executor budget.",
	})
	reg.MustRegister(sch.mOverBudget)
	sch.mDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flame",
		Subsystem: "dispatch",
		Name:      "sessions_degraded",
		Help:      "Number of sessions whose executors cannot be provisioned.",
	})
	reg.MustRegister(sch.mDegraded)
}

// Run schedules until ctx is done. A pass runs every PollInterval and
// whenever sessions, executors or pods change.
func (sch *Scheduler) Run(ctx context.Context) {
	sessNotify := sch.sessions.Subscribe()
	defer sch.sessions.Unsubscribe(sessNotify)
	exrNotify := sch.executors.Subscribe()
	defer sch.executors.Unsubscribe(exrNotify)
	poolNotify := sch.pool.Subscribe()
	defer sch.pool.Unsubscribe(poolNotify)

	ticker := sch.clock.Ticker(sch.cfg.PollInterval)
	defer ticker.Stop()
	for {
		sch.runOnce()
		select {
		case <-ctx.Done():
			sch.logger.Debug("scheduler stopped")
			return
		case <-sessNotify:
		case <-exrNotify:
		case <-poolNotify:
		case <-sch.wakeup:
		case <-ticker.C:
		}
	}
}

func (sch *Scheduler) wake() {
	select {
	case sch.wakeup <- struct{}{}:
	default:
	}
}

func (sch *Scheduler) runOnce() {
	now := sch.clock.Now()
	ssns := sch.sessions.Snapshot()
	sch.sync(now, ssns, sch.executors.List())
	sch.runSessions(now, ssns, sch.executors.List())
}

// A plan is the scheduling decision for one session in one pass.
type plan struct {
	ssn      flame.Session
	assigned []flame.Executor // Binding or Bound, most recently bound first
	want     int
	desired  int
}

func (sch *Scheduler) runSessions(now time.Time, ssns []flame.Session, exrs []flame.Executor) {
	assigned := map[flame.SessionID][]flame.Executor{}
	for _, exr := range exrs {
		if exr.State == flame.ExecutorBinding || exr.State == flame.ExecutorBound {
			assigned[exr.SessionID] = append(assigned[exr.SessionID], exr)
		}
	}

	var plans []*plan
	var ds []demand
	states := map[flame.SessionState]int{}
	degraded := 0
	for _, ssn := range ssns {
		states[ssn.State]++
		if ssn.Degraded {
			degraded++
		}
		p := &plan{ssn: ssn, assigned: assigned[ssn.ID]}
		sortAssigned(p.assigned)
		if ssn.State == flame.SessionClosed {
			// Drained: release everything now.
			for _, exr := range p.assigned {
				sch.unbind(exr, true)
			}
			delete(sch.releaseAt, ssn.ID)
			continue
		}
		if ssn.Counters.Pending > 0 || len(p.assigned) > 0 {
			lo := ssn.Config.MinExecutors
			if ssn.State == flame.SessionClosing {
				lo = 0
			}
			p.want = clamp(ssn.Counters.Pending+ssn.Counters.Running, lo, ssn.Config.MaxExecutors)
			ds = append(ds, demand{
				min:    lo,
				want:   p.want,
				weight: ssn.Config.Proportion,
			})
		} else {
			ds = append(ds, demand{})
		}
		plans = append(plans, p)
	}

	alloc := allocate(ds, sch.cfg.GlobalExecutorBudget)
	unalloc := map[string]int{}
	idle := map[string][]flame.Executor{}
	blocked := ""
	desiredTotal, assignedTotal, overBudget := 0, 0, 0
	for i, p := range plans {
		p.desired = alloc[i]
		desiredTotal += p.desired
		assignedTotal += len(p.assigned)
		if p.desired < p.want {
			overBudget++
		}
		delta := p.desired - len(p.assigned)
		if delta >= 0 {
			delete(sch.releaseAt, p.ssn.ID)
		}
		if delta > 0 {
			app := p.ssn.Application
			if _, ok := idle[app]; !ok {
				idle[app] = sch.executors.ListIdle(app)
			}
			if _, ok := unalloc[app]; !ok {
				unalloc[app] = sch.pool.Unallocated(app)
			}
			var n int
			n, idle[app] = sch.bindIdle(now, p.ssn, idle[app], delta)
			delta -= n
			n = minInt(delta, unalloc[app])
			unalloc[app] -= n
			delta -= n
			if !sch.createPods(p.ssn, delta) && blocked == "" {
				blocked = app
			}
		} else if delta < 0 {
			sch.scaleDown(now, p, -delta)
		}
	}
	if blocked != "" {
		sch.reclaimIdle(plans, blocked)
	}

	for _, st := range []flame.SessionState{flame.SessionOpen, flame.SessionClosing, flame.SessionClosed} {
		sch.mSessions.WithLabelValues(string(st)).Set(float64(states[st]))
	}
	sch.mExecutorsDesired.Set(float64(desiredTotal))
	sch.mExecutorsAssigned.Set(float64(assignedTotal))
	sch.mOverBudget.Set(float64(overBudget))
	sch.mDegraded.Set(float64(degraded))
}

// Binding executors first, then most recently bound first.
func sortAssigned(exrs []flame.Executor) {
	sortExecutors(exrs, func(a, b flame.Executor) bool {
		if a.State != b.State {
			return a.State == flame.ExecutorBinding
		}
		if !a.BoundAt.Equal(b.BoundAt) {
			return a.BoundAt.After(b.BoundAt)
		}
		return a.ID < b.ID
	})
}

// bindIdle binds up to n of the given idle executors to ssn, and
// returns the number bound and the executors left over.
func (sch *Scheduler) bindIdle(now time.Time, ssn flame.Session, idle []flame.Executor, n int) (int, []flame.Executor) {
	bound := 0
	var left []flame.Executor
	for _, exr := range idle {
		if bound >= n {
			left = append(left, exr)
			continue
		}
		if until, ok := sch.avoid[avoidKey{exr.ID, ssn.ID}]; ok && now.Before(until) {
			left = append(left, exr)
			continue
		}
		_, err := sch.executors.Transition(exr.ID, flame.ExecutorIdle, flame.ExecutorBinding, ssn.ID)
		if err != nil {
			// Changed state since List(), e.g., closed.
			sch.logger.WithError(err).WithField("ExecutorID", exr.ID).Debug("cannot bind executor")
			continue
		}
		sch.logger.WithFields(logrus.Fields{
			"ExecutorID":  exr.ID,
			"SessionID":   ssn.ID,
			"Application": ssn.Application,
		}).Info("binding executor")
		sch.executors.Notify(exr.ID, flame.Notification{
			Kind:        flame.NotifyBind,
			SessionID:   ssn.ID,
			Application: ssn.Application,
		})
		bound++
	}
	return bound, left
}

// createPods asks the pool for up to n new pods for ssn. It returns
// false if it was stopped by the budget or the pool's quota state
// rather than the session's own backoff. The pool's size includes
// pods still being created.
func (sch *Scheduler) createPods(ssn flame.Session, n int) bool {
	for ; n > 0; n-- {
		if budget := sch.cfg.GlobalExecutorBudget; budget > 0 && sch.pool.Size() >= budget {
			return false
		}
		if !sch.allowCreate(ssn.ID) {
			return true
		}
		id, ok := sch.pool.Create(ssn.Application, func(err error) {
			sch.provisioned(ssn.ID, ssn.Application, err)
		})
		if !ok {
			return false
		}
		sch.logger.WithFields(logrus.Fields{
			"ExecutorID":  id,
			"SessionID":   ssn.ID,
			"Application": ssn.Application,
		}).Info("requested new executor pod")
	}
	return true
}

func (sch *Scheduler) allowCreate(id flame.SessionID) bool {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	b, ok := sch.backoffs[id]
	return !ok || b.Allow()
}

// provisioned is called by the pool when a pod creation requested for
// the given session finishes.
func (sch *Scheduler) provisioned(id flame.SessionID, app string, err error) {
	sch.mtx.Lock()
	b, ok := sch.backoffs[id]
	if !ok {
		b = newProvisionBackoff(sch.clock, sch.cfg.ProvisionBackoffInitial, sch.cfg.ProvisionBackoffMax)
		sch.backoffs[id] = b
	}
	reason := ""
	if err != nil {
		b.Fail(err)
		sch.logger.WithError(err).WithFields(logrus.Fields{
			"SessionID":   id,
			"Application": app,
			"Failures":    b.failures,
			"RetryAfter":  b.interval,
		}).Warn("pod creation failed")
		if b.failures >= sch.cfg.ProvisionRetryLimit {
			reason = "cannot create executor pods: " + err.Error()
		}
	} else {
		b.Success()
	}
	sch.mtx.Unlock()
	if err == nil || reason != "" {
		sch.sessions.SetDegraded(id, reason)
	}
	sch.wake()
}

// scaleDown unbinds n executors from the session once its release
// delay has passed.
func (sch *Scheduler) scaleDown(now time.Time, p *plan, n int) {
	at, ok := sch.releaseAt[p.ssn.ID]
	if !ok {
		at = now.Add(p.ssn.Config.DelayRelease.Duration())
		sch.releaseAt[p.ssn.ID] = at
	}
	if now.Before(at) {
		return
	}
	for _, exr := range p.assigned {
		if n == 0 {
			break
		}
		if sch.unbind(exr, false) {
			n--
		}
	}
	delete(sch.releaseAt, p.ssn.ID)
}

func (sch *Scheduler) unbind(exr flame.Executor, release bool) bool {
	_, err := sch.executors.Unbind(exr.ID, exr.State, release)
	if err != nil {
		sch.logger.WithError(err).WithField("ExecutorID", exr.ID).Debug("cannot unbind executor")
		return false
	}
	sch.logger.WithFields(logrus.Fields{
		"ExecutorID": exr.ID,
		"SessionID":  exr.SessionID,
		"Release":    release,
	}).Info("unbinding executor")
	sch.executors.Notify(exr.ID, flame.Notification{
		Kind:      flame.NotifyUnbind,
		SessionID: exr.SessionID,
	})
	return true
}

// reclaimIdle closes the longest-idle executor whose application no
// session is waiting for, so its pod's capacity can be used for app.
func (sch *Scheduler) reclaimIdle(plans []*plan, app string) {
	wanted := map[string]bool{}
	for _, p := range plans {
		if p.want > 0 {
			wanted[p.ssn.Application] = true
		}
	}
	var victim *flame.Executor
	for _, exr := range sch.executors.ListIdle("") {
		exr := exr
		if wanted[exr.Application] {
			continue
		}
		if victim == nil || exr.IdleSince.Before(victim.IdleSince) {
			victim = &exr
		}
	}
	if victim == nil {
		return
	}
	sch.logger.WithFields(logrus.Fields{
		"ExecutorID":  victim.ID,
		"Application": victim.Application,
		"WantedApp":   app,
		"AtQuota":     sch.pool.AtQuota(),
	}).Info("closing unneeded idle executor to make room")
	sch.closeExecutor(victim.ID, flame.ExecutorIdle, "reclaimed for "+app)
}

// closeExecutor closes an executor that is still in the given state,
// then deletes its pod.
func (sch *Scheduler) closeExecutor(id flame.ExecutorID, from flame.ExecutorState, reason string) {
	_, err := sch.executors.Transition(id, from, flame.ExecutorClosed, "")
	if err != nil {
		sch.logger.WithError(err).WithField("ExecutorID", id).Debug("cannot close executor")
		return
	}
	sch.pool.Destroy(id, reason)
	sch.executors.Forget(id)
}
