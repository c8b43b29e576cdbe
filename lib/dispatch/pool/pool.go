// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package pool tracks the pods that host executors: pods being
// created, pods booting an executor, and pods whose executor has
// registered. It creates and destroys pods through a cloud.PodSet and
// periodically reconciles its view with the resource manager's.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/lib/cloud"
	"github.com/xflops/flame/sdk/go/flame"
)

const (
	defaultSyncInterval = time.Minute
	defaultBootTimeout  = 10 * time.Minute

	// Time to wait for a destroyed pod to disappear from the pod
	// list before calling Destroy again.
	timeoutShutdown = 30 * time.Second

	// Time after a quota error to try again anyway, even if no
	// pods have been destroyed.
	quotaErrorTTL = time.Minute
)

// Environment variables passed to the executor agent in each pod.
const (
	EnvEndpoint    = "FLAME_ENDPOINT"
	EnvExecutorID  = "FLAME_EXECUTOR_ID"
	EnvApplication = "FLAME_APPLICATION"
	EnvShimCommand = "FLAME_SHIM_COMMAND"
	EnvToken       = "FLAME_TOKEN"
)

// State of a pod.
type State string

const (
	// Pod exists, executor has not registered yet.
	StateBooting = State("booting")
	// Executor has registered.
	StateRunning = State("running")
	// Destroy has been called.
	StateShutdown = State("shutdown")
)

// Config holds the pool's settings. Zero durations use defaults.
type Config struct {
	PodSetID cloud.PodSetID

	// Command that starts the executor agent in a new pod.
	AgentCommand []string
	// Session manager URL given to executors.
	Endpoint string
	// Token given to executors.
	AuthToken    string
	Applications map[string]flame.Application

	SyncInterval time.Duration
	BootTimeout  time.Duration
	Clock        clock.Clock
}

// A PodView shows a pod's current state.
type PodView struct {
	ExecutorID  flame.ExecutorID `json:"executor_id"`
	PodID       cloud.PodID      `json:"pod_id"`
	Name        string           `json:"name"`
	Application string           `json:"application"`
	State       State            `json:"state"`
	Phase       cloud.PodPhase   `json:"phase"`
	Appeared    time.Time        `json:"appeared"`
	Destroyed   time.Time        `json:"destroyed,omitempty"`
}

type pod struct {
	executor  flame.ExecutorID
	app       string
	inst      cloud.Pod
	state     State
	appeared  time.Time
	updated   uint64 // sync generation of the last update
	destroyed time.Time
}

type creation struct {
	executor flame.ExecutorID
	started  time.Time
}

// Pool is a set of executor pods backed by a cloud.PodSet. Call New
// to create a new Pool.
type Pool struct {
	logger     logrus.FieldLogger
	podSet     cloud.PodSet
	cfg        Config
	clock      clock.Clock
	onVanished func(flame.ExecutorID, string)

	subscribers  map[<-chan struct{}]chan<- struct{}
	creating     map[string][]creation // unfinished PodSet.Create calls, by application
	pods         map[flame.ExecutorID]*pod
	registered   map[flame.ExecutorID]bool
	loaded       bool
	generation   uint64
	atQuotaUntil time.Time
	atQuotaErr   error
	syncErr      error
	mtx          sync.RWMutex

	throttleCreate throttle
	throttlePods   throttle

	mPods         *prometheus.GaugeVec
	mCreating     prometheus.Gauge
	mCreateErrors prometheus.Counter
}

// New returns a Pool that creates pods in podSet.
//
// onVanished is called (without locks held) when a pod that was not
// destroyed by the pool terminates or disappears, so the executor it
// hosted can be declared lost.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, podSet cloud.PodSet, cfg Config, onVanished func(flame.ExecutorID, string)) *Pool {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = defaultBootTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	wp := &Pool{
		logger:         logger,
		podSet:         podSet,
		cfg:            cfg,
		clock:          cfg.Clock,
		onVanished:     onVanished,
		subscribers:    map[<-chan struct{}]chan<- struct{}{},
		creating:       map[string][]creation{},
		pods:           map[flame.ExecutorID]*pod{},
		registered:     map[flame.ExecutorID]bool{},
		throttleCreate: throttle{clock: cfg.Clock},
		throttlePods:   throttle{clock: cfg.Clock},
	}
	wp.registerMetrics(reg)
	return wp
}

// Subscribe returns a buffered channel that becomes ready after any
// change to the pool's state that could have scheduling implications:
// a pod appears or disappears, a create call finishes, the resource
// manager's rate limiting period ends, etc.
func (wp *Pool) Subscribe() <-chan struct{} {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	ch := make(chan struct{}, 1)
	wp.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (wp *Pool) Unsubscribe(ch <-chan struct{}) {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	delete(wp.subscribers, ch)
}

func (wp *Pool) notify() {
	wp.mtx.RLock()
	defer wp.mtx.RUnlock()
	for _, send := range wp.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}

// Unallocated returns the number of pods of the given application
// that are expected to produce an Idle executor soon: pods being
// created plus pods whose executor has not registered yet.
func (wp *Pool) Unallocated(app string) int {
	wp.mtx.RLock()
	defer wp.mtx.RUnlock()
	return wp.unallocatedLocked(app)
}

func (wp *Pool) unallocatedLocked(app string) int {
	n := len(wp.creating[app])
	inflight := map[flame.ExecutorID]bool{}
	for _, cr := range wp.creating[app] {
		inflight[cr.executor] = true
	}
	for id, p := range wp.pods {
		// A pod listed by sync before its Create call returns
		// is already counted above.
		if p.app == app && p.state == StateBooting && !inflight[id] {
			n++
		}
	}
	return n
}

// Size returns the number of pods that are being created or exist
// and have not been destroyed.
func (wp *Pool) Size() int {
	wp.mtx.RLock()
	defer wp.mtx.RUnlock()
	n := 0
	for _, crs := range wp.creating {
		n += len(crs)
	}
	for _, p := range wp.pods {
		if p.state != StateShutdown {
			n++
		}
	}
	return n
}

// Create starts creating a pod for the given application and returns
// the ID its executor will register with. Pod creation runs in the
// background; onDone, if not nil, is called with the result.
//
// Create returns false if a pre-existing error state (quota or rate
// limit) prevents it from even attempting to create a pod. Those
// errors are logged by the Pool, so the caller does not need to log
// anything in such cases.
func (wp *Pool) Create(app string, onDone func(error)) (flame.ExecutorID, bool) {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	now := wp.clock.Now()
	if now.Before(wp.atQuotaUntil) || wp.throttleCreate.Error() != nil {
		return "", false
	}
	id := flame.ExecutorID(uuid.NewString())
	logger := wp.logger.WithFields(logrus.Fields{
		"Application": app,
		"ExecutorID":  id,
	})
	spec := wp.podSpec(app, id)
	wp.creating[app] = append(wp.creating[app], creation{executor: id, started: now})
	go func() {
		defer wp.notify()
		inst, err := wp.podSet.Create(spec)
		wp.mtx.Lock()
		// Remove our marker from wp.creating
		for i, cr := range wp.creating[app] {
			if cr.executor == id {
				wp.creating[app] = append(wp.creating[app][:i], wp.creating[app][i+1:]...)
				break
			}
		}
		if err != nil {
			var qe cloud.QuotaError
			if errors.As(err, &qe) && qe.IsQuotaError() {
				wp.atQuotaErr = err
				wp.atQuotaUntil = wp.clock.Now().Add(quotaErrorTTL)
				wp.clock.AfterFunc(quotaErrorTTL, wp.notify)
			}
			wp.mCreateErrors.Inc()
			logger.WithError(err).Error("create pod failed")
			wp.throttleCreate.CheckRateLimitError(err, wp.logger, "create pod", wp.notify)
		} else {
			p := wp.updatePod(inst)
			logger.WithFields(logrus.Fields{
				"PodID": inst.ID(),
				"Pod":   inst.String(),
				"State": p.state,
			}).Info("pod created")
		}
		wp.updateMetricsLocked()
		wp.mtx.Unlock()
		if onDone != nil {
			onDone(err)
		}
	}()
	wp.updateMetricsLocked()
	return id, true
}

func (wp *Pool) podSpec(app string, id flame.ExecutorID) cloud.PodSpec {
	appcfg, ok := wp.cfg.Applications[app]
	if !ok || (appcfg.Image == "" && len(appcfg.Command) == 0) {
		appcfg.Image = app
	}
	env := map[string]string{}
	for k, v := range appcfg.Env {
		env[k] = v
	}
	env[EnvEndpoint] = wp.cfg.Endpoint
	env[EnvExecutorID] = string(id)
	env[EnvApplication] = app
	if wp.cfg.AuthToken != "" {
		env[EnvToken] = wp.cfg.AuthToken
	}
	if len(appcfg.Command) > 0 {
		cmd, _ := json.Marshal(appcfg.Command)
		env[EnvShimCommand] = string(cmd)
	}
	return cloud.PodSpec{
		Image:   appcfg.Image,
		Command: append([]string(nil), wp.cfg.AgentCommand...),
		Env:     env,
		Labels: cloud.Labels{
			cloud.LabelPodSet:      string(wp.cfg.PodSetID),
			cloud.LabelExecutor:    string(id),
			cloud.LabelApplication: app,
		},
	}
}

// AtQuota returns true if Create is not expected to work at the
// moment.
func (wp *Pool) AtQuota() bool {
	wp.mtx.RLock()
	defer wp.mtx.RUnlock()
	return wp.clock.Now().Before(wp.atQuotaUntil)
}

// CheckHealth returns an error if the most recent attempt to list
// pods failed.
func (wp *Pool) CheckHealth() error {
	wp.mtx.RLock()
	defer wp.mtx.RUnlock()
	if wp.syncErr != nil {
		return fmt.Errorf("%w: %s", flame.ErrResourceManager, wp.syncErr)
	}
	return nil
}

// Registered records that the executor hosted by a pod has
// registered, so the pod no longer counts as unallocated.
func (wp *Pool) Registered(id flame.ExecutorID) {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	wp.registered[id] = true
	if p, ok := wp.pods[id]; ok && p.state == StateBooting {
		p.state = StateRunning
		wp.updateMetricsLocked()
	}
}

// Destroy deletes the pod hosting the given executor. It returns
// false if the pool does not know such a pod, e.g., because the
// executor was started outside the resource manager.
func (wp *Pool) Destroy(id flame.ExecutorID, reason string) bool {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	delete(wp.registered, id)
	p, ok := wp.pods[id]
	if !ok {
		return false
	}
	if p.state != StateShutdown {
		wp.logger.WithFields(logrus.Fields{
			"ExecutorID": id,
			"PodID":      p.inst.ID(),
			"Reason":     reason,
		}).Info("destroying pod")
		wp.destroyLocked(p)
	}
	return true
}

// caller must have lock.
func (wp *Pool) destroyLocked(p *pod) {
	p.state = StateShutdown
	p.destroyed = wp.clock.Now()
	wp.updateMetricsLocked()
	go func(inst cloud.Pod) {
		err := inst.Destroy()
		if err != nil {
			wp.logger.WithError(err).WithField("PodID", inst.ID()).Warn("destroy pod failed")
			return
		}
		wp.notify()
	}(p.inst)
}

// Add or update the pod record for the given instance.
//
// Caller must have lock.
func (wp *Pool) updatePod(inst cloud.Pod) *pod {
	id := flame.ExecutorID(inst.Labels()[cloud.LabelExecutor])
	now := wp.clock.Now()
	if p := wp.pods[id]; p != nil {
		p.inst = inst
		p.updated = wp.generation
		return p
	}
	state := StateBooting
	if wp.registered[id] {
		state = StateRunning
	}
	p := &pod{
		executor: id,
		app:      inst.Labels()[cloud.LabelApplication],
		inst:     inst,
		state:    state,
		appeared: now,
		updated:  wp.generation,
	}
	wp.pods[id] = p
	return p
}

// Pods returns a PodView for each pod in the pool.
func (wp *Pool) Pods() []PodView {
	wp.mtx.RLock()
	r := make([]PodView, 0, len(wp.pods))
	for _, p := range wp.pods {
		r = append(r, PodView{
			ExecutorID:  p.executor,
			PodID:       p.inst.ID(),
			Name:        p.inst.String(),
			Application: p.app,
			State:       p.state,
			Phase:       p.inst.Phase(),
			Appeared:    p.appeared,
			Destroyed:   p.destroyed,
		})
	}
	wp.mtx.RUnlock()
	sort.Slice(r, func(i, j int) bool {
		return r[i].ExecutorID < r[j].ExecutorID
	})
	return r
}

func (wp *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	wp.mPods = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flame",
		Subsystem: "dispatch",
		Name:      "pods",
		Help:      "Number of executor pods, by state.",
	}, []string{"state"})
	reg.MustRegister(wp.mPods)
	wp.mCreating = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flame",
		Subsystem: "dispatch",
		Name:      "pods_creating",
		Help:      "Number of unfinished pod create calls.",
	})
	reg.MustRegister(wp.mCreating)
	wp.mCreateErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flame",
		Subsystem: "dispatch",
		Name:      "pod_create_errors_total",
		Help:      "Number of failed pod create calls.",
	})
	reg.MustRegister(wp.mCreateErrors)
}

// caller must have lock.
func (wp *Pool) updateMetricsLocked() {
	counts := map[State]int{}
	for _, p := range wp.pods {
		counts[p.state]++
	}
	for _, s := range []State{StateBooting, StateRunning, StateShutdown} {
		wp.mPods.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	n := 0
	for _, crs := range wp.creating {
		n += len(crs)
	}
	wp.mCreating.Set(float64(n))
}

// Run synchronizes with the PodSet once immediately, then every
// SyncInterval, until ctx is done.
func (wp *Pool) Run(ctx context.Context) {
	timer := wp.clock.Timer(time.Nanosecond)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			err := wp.Sync()
			if err != nil {
				wp.logger.WithError(err).Warn("sync failed")
			}
			timer.Reset(wp.cfg.SyncInterval)
		case <-ctx.Done():
			wp.logger.Debug("pool stopped")
			return
		}
	}
}

// Sync lists the PodSet's pods and updates the pool accordingly.
func (wp *Pool) Sync() error {
	if err := wp.throttlePods.Error(); err != nil {
		return err
	}
	wp.logger.Debug("getting pod list")
	wp.mtx.Lock()
	wp.generation++
	threshold := wp.generation
	wp.mtx.Unlock()
	pods, err := wp.podSet.Pods(cloud.Labels{cloud.LabelPodSet: string(wp.cfg.PodSetID)})
	wp.mtx.Lock()
	wp.syncErr = err
	wp.mtx.Unlock()
	if err != nil {
		wp.throttlePods.CheckRateLimitError(err, wp.logger, "list pods", wp.notify)
		return err
	}
	wp.sync(threshold, pods)
	wp.logger.Debug("sync done")
	return nil
}

// Add/remove/update pods based on the given list, which was obtained
// from the PodSet. However, don't clobber any other updates that
// already happened since generation threshold began.
func (wp *Pool) sync(threshold uint64, pods []cloud.Pod) {
	type vanished struct {
		id     flame.ExecutorID
		reason string
	}
	var lost []vanished

	wp.mtx.Lock()
	wp.logger.WithField("Pods", len(pods)).Debug("sync pods")
	notify := false
	now := wp.clock.Now()

	for _, inst := range pods {
		if inst.Labels()[cloud.LabelExecutor] == "" {
			wp.logger.WithField("Pod", inst.String()).Warn("pod has no executor label, ignoring")
			continue
		}
		_, known := wp.pods[flame.ExecutorID(inst.Labels()[cloud.LabelExecutor])]
		p := wp.updatePod(inst)
		logger := wp.logger.WithFields(logrus.Fields{
			"ExecutorID": p.executor,
			"PodID":      inst.ID(),
			"Pod":        inst.String(),
		})
		if !known {
			logger.WithField("State", p.state).Info("pod appeared")
			notify = true
		}
		switch {
		case p.state == StateShutdown:
			if now.Sub(p.destroyed) > timeoutShutdown {
				logger.Info("pod still listed after shutdown; retrying")
				wp.destroyLocked(p)
			}
		case inst.Phase() == cloud.PodTerminated:
			logger.Info("pod terminated")
			lost = append(lost, vanished{p.executor, "pod terminated"})
			wp.destroyLocked(p)
			notify = true
		case p.state == StateBooting && now.Sub(p.appeared) > wp.cfg.BootTimeout:
			logger.WithField("BootTimeout", wp.cfg.BootTimeout).Warn("executor did not register before boot timeout")
			lost = append(lost, vanished{p.executor, "boot timeout"})
			wp.destroyLocked(p)
			notify = true
		}
	}

	for id, p := range wp.pods {
		if p.updated >= threshold {
			continue
		}
		logger := wp.logger.WithFields(logrus.Fields{
			"ExecutorID": id,
			"PodID":      p.inst.ID(),
			"State":      p.state,
		})
		logger.Info("pod disappeared")
		if p.state != StateShutdown {
			lost = append(lost, vanished{id, "pod disappeared"})
		}
		delete(wp.pods, id)
		delete(wp.registered, id)
		notify = true
	}

	if !wp.loaded {
		wp.loaded = true
		wp.logger.WithField("N", len(wp.pods)).Info("loaded initial pod list")
	}
	wp.updateMetricsLocked()
	wp.mtx.Unlock()

	if wp.onVanished != nil {
		for _, v := range lost {
			wp.onVanished(v.id, v.reason)
		}
	}
	if notify {
		wp.notify()
	}
}
