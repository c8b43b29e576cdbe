// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package dispatch is the session manager service: it wires the
// session manager, executor registry, scheduler, and pod pool
// together and serves the client and executor APIs.
package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/lib/cloud"
	"github.com/xflops/flame/lib/dispatch/pool"
	"github.com/xflops/flame/lib/dispatch/queue"
	"github.com/xflops/flame/lib/dispatch/registry"
	"github.com/xflops/flame/lib/dispatch/scheduler"
	"github.com/xflops/flame/lib/dispatch/session"
	"github.com/xflops/flame/sdk/go/ctxlog"
	"github.com/xflops/flame/sdk/go/flame"
	"golang.org/x/sync/errgroup"
)

const defaultMaxPullWait = 10 * time.Second

type dispatcher struct {
	Cluster  *flame.Cluster
	Context  context.Context
	Registry *prometheus.Registry
	PodSet   cloud.PodSet
	PodSetID cloud.PodSetID
	Clock    clock.Clock

	logger      logrus.FieldLogger
	pool        *pool.Pool
	executors   *registry.Registry
	sessions    *session.Manager
	sched       *scheduler.Scheduler
	httpHandler http.Handler
	maxPullWait time.Duration
	retryAfter  time.Duration

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

var (
	_ flame.SessionAPI  = (*dispatcher)(nil)
	_ flame.ExecutorAPI = (*dispatcher)(nil)
)

// Start starts the dispatcher. Start can be called multiple times
// with no ill effect.
func (disp *dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	disp.Start()
	return disp.pool.CheckHealth()
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops the background loops and waits for them to exit.
// Typically used in tests.
func (disp *dispatcher) Close() {
	disp.Start()
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

func (disp *dispatcher) setup() {
	disp.initialize()
	go disp.run()
}

func (disp *dispatcher) initialize() {
	disp.logger = ctxlog.FromContext(disp.Context)
	if disp.Clock == nil {
		disp.Clock = clock.New()
	}
	if disp.Registry == nil {
		disp.Registry = prometheus.NewRegistry()
	}
	if disp.PodSetID == "" {
		disp.PodSetID = cloud.PodSetID(disp.Cluster.ClusterID)
	}
	disp.stop = make(chan struct{}, 1)
	disp.stopped = make(chan struct{})

	dc := disp.Cluster.Dispatch
	disp.maxPullWait = time.Duration(dc.MaxPullWait)
	if disp.maxPullWait <= 0 {
		disp.maxPullWait = defaultMaxPullWait
	}
	disp.retryAfter = time.Duration(dc.PollInterval)

	if disp.PodSet == nil {
		ps, err := newPodSet(disp.Cluster, disp.PodSetID, disp.logger)
		if err != nil {
			disp.logger.Fatalf("error initializing driver: %s", err)
		}
		disp.PodSet = ps
	}

	sessions, err := session.NewManager(disp.logger, queue.Config{
		LeaseDuration: time.Duration(dc.LeaseDuration),
		RetryLimit:    dc.RetryLimit,
		Clock:         disp.Clock,
	}, disp.Cluster.DefaultSession, dc.ClosedSessionRetention)
	if err != nil {
		disp.logger.Fatalf("error initializing session manager: %s", err)
	}
	disp.sessions = sessions

	disp.executors = registry.New(disp.logger, disp.Registry, registry.Config{
		HeartbeatInterval:  time.Duration(dc.HeartbeatInterval),
		HeartbeatMissLimit: dc.HeartbeatMissLimit,
		Clock:              disp.Clock,
	}, func(exr flame.Executor, reason string) {
		disp.sessions.Release(exr.ID, "executor closed: "+reason)
	})

	disp.pool = pool.New(disp.logger, disp.Registry, disp.PodSet, pool.Config{
		PodSetID:     disp.PodSetID,
		AgentCommand: disp.Cluster.ResourceManager.AgentCommand,
		Endpoint:     disp.Cluster.Services.SessionManager.ExternalURL.String(),
		AuthToken:    disp.Cluster.ManagementToken,
		Applications: disp.Cluster.Applications,
		SyncInterval: time.Duration(disp.Cluster.ResourceManager.SyncInterval),
		BootTimeout:  time.Duration(dc.BootTimeout),
		Clock:        disp.Clock,
	}, func(id flame.ExecutorID, reason string) {
		// Executors that never registered are not in the
		// registry; nothing to do for those.
		disp.executors.MarkClosed(id, reason)
	})

	disp.sched = scheduler.New(disp.logger, disp.sessions, disp.executors, disp.pool, disp.Registry, scheduler.Config{
		BindTimeout:             time.Duration(dc.BindTimeout),
		IdleTimeout:             time.Duration(dc.IdleTimeout),
		PollInterval:            time.Duration(dc.PollInterval),
		GlobalExecutorBudget:    dc.GlobalExecutorBudget,
		ProvisionRetryLimit:     dc.ProvisionRetryLimit,
		ProvisionBackoffInitial: time.Duration(dc.ProvisionBackoffInitial),
		ProvisionBackoffMax:     time.Duration(dc.ProvisionBackoffMax),
		Clock:                   disp.Clock,
	})

	disp.httpHandler = disp.newRouter()
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	defer disp.PodSet.Stop()

	ctx, cancel := context.WithCancel(disp.Context)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		disp.pool.Run(ctx)
		return nil
	})
	g.Go(func() error {
		disp.executors.Run(ctx)
		return nil
	})
	g.Go(func() error {
		disp.sessions.RunLeaseSweep(ctx, time.Duration(disp.Cluster.Dispatch.LeaseSweepInterval))
		return nil
	})
	g.Go(func() error {
		disp.sched.Run(ctx)
		return nil
	})

	select {
	case <-disp.stop:
	case <-ctx.Done():
	}
	cancel()
	g.Wait()
	disp.logger.Info("dispatcher stopped")
}
