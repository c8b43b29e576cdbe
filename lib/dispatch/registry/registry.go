// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks executor processes: their identity,
// liveness, and binding state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/sdk/go/flame"
)

// Config holds the liveness settings.
type Config struct {
	// Executors are expected to send a heartbeat every
	// HeartbeatInterval.
	HeartbeatInterval time.Duration

	// An executor that misses HeartbeatMissLimit consecutive
	// heartbeats is marked Closed.
	HeartbeatMissLimit int

	// Defaults to the wall clock.
	Clock clock.Clock
}

// Edges of the executor state machine, other than "any live state
// to Closed", which is always allowed.
var validTransitions = map[flame.ExecutorState][]flame.ExecutorState{
	flame.ExecutorIdle:      {flame.ExecutorBinding},
	flame.ExecutorBinding:   {flame.ExecutorBound, flame.ExecutorIdle, flame.ExecutorUnbinding},
	flame.ExecutorBound:     {flame.ExecutorUnbinding},
	flame.ExecutorUnbinding: {flame.ExecutorIdle},
}

func validTransition(from, to flame.ExecutorState) bool {
	if to == flame.ExecutorClosed {
		return from != flame.ExecutorClosed
	}
	for _, ok := range validTransitions[from] {
		if ok == to {
			return true
		}
	}
	return false
}

var errAlive = errors.New("heartbeat received")

type record struct {
	mtx   sync.Mutex
	exr   flame.Executor
	inbox []flame.Notification
	ready chan struct{} // receives when inbox becomes non-empty
}

// Registry is the set of known executors. The registry's lock only
// guards membership; each executor record has its own lock.
type Registry struct {
	logger   logrus.FieldLogger
	cfg      Config
	clock    clock.Clock
	onClosed func(flame.Executor, string)

	mtx       sync.RWMutex
	executors map[flame.ExecutorID]*record

	subMtx      sync.Mutex
	subscribers map[<-chan struct{}]chan struct{}

	mExecutors *prometheus.GaugeVec
}

// New returns an empty registry. onClosed, if not nil, is called
// (without any registry locks held) each time an executor becomes
// Closed, with a copy of the executor record and the reason.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, cfg Config, onClosed func(flame.Executor, string)) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	r := &Registry{
		logger:      logger,
		cfg:         cfg,
		clock:       cfg.Clock,
		onClosed:    onClosed,
		executors:   map[flame.ExecutorID]*record{},
		subscribers: map[<-chan struct{}]chan struct{}{},
	}
	r.registerMetrics(reg)
	return r
}

func (r *Registry) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mExecutors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flame",
		Subsystem: "dispatch",
		Name:      "executors",
		Help:      "Number of registered executors, by state.",
	}, []string{"state"})
	reg.MustRegister(r.mExecutors)
}

func (r *Registry) updateMetrics() {
	counts := map[flame.ExecutorState]int{}
	for _, exr := range r.List() {
		counts[exr.State]++
	}
	for _, state := range []flame.ExecutorState{flame.ExecutorIdle, flame.ExecutorBinding, flame.ExecutorBound, flame.ExecutorUnbinding, flame.ExecutorClosed} {
		r.mExecutors.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// Subscribe returns a channel that becomes ready to receive when an
// executor is registered or changes state.
func (r *Registry) Subscribe() <-chan struct{} {
	r.subMtx.Lock()
	defer r.subMtx.Unlock()
	ch := make(chan struct{}, 1)
	r.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (r *Registry) Unsubscribe(ch <-chan struct{}) {
	r.subMtx.Lock()
	defer r.subMtx.Unlock()
	delete(r.subscribers, ch)
}

func (r *Registry) notify() {
	r.subMtx.Lock()
	defer r.subMtx.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *Registry) get(id flame.ExecutorID) (*record, error) {
	r.mtx.RLock()
	rec, ok := r.executors[id]
	r.mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", flame.ErrExecutorNotFound, id)
	}
	return rec, nil
}

// Register adds an Idle executor. If the executor is already known
// and not Closed, Register is a reconnect: it counts as a heartbeat
// and leaves the binding state alone. An empty ExecutorID is replaced
// by a generated one.
func (r *Registry) Register(opts flame.RegisterExecutorOptions) (flame.Executor, error) {
	if opts.ExecutorID == "" {
		opts.ExecutorID = flame.ExecutorID(uuid.NewString())
	}
	now := r.clock.Now()
	r.mtx.Lock()
	rec, ok := r.executors[opts.ExecutorID]
	if ok {
		rec.mtx.Lock()
		if rec.exr.State != flame.ExecutorClosed {
			rec.exr.LastHeartbeat = now
			exr := rec.exr
			rec.mtx.Unlock()
			r.mtx.Unlock()
			return exr, nil
		}
		rec.mtx.Unlock()
	}
	rec = &record{
		exr: flame.Executor{
			ID:            opts.ExecutorID,
			PodID:         opts.PodID,
			Application:   opts.Application,
			State:         flame.ExecutorIdle,
			StateSince:    now,
			LastHeartbeat: now,
			RegisteredAt:  now,
			IdleSince:     now,
		},
		ready: make(chan struct{}, 1),
	}
	r.executors[opts.ExecutorID] = rec
	exr := rec.exr
	r.mtx.Unlock()
	r.logger.WithFields(logrus.Fields{
		"ExecutorID":  exr.ID,
		"PodID":       exr.PodID,
		"Application": exr.Application,
	}).Info("executor registered")
	r.notify()
	return exr, nil
}

// Heartbeat records that the executor is alive.
func (r *Registry) Heartbeat(id flame.ExecutorID) (flame.Executor, error) {
	rec, err := r.get(id)
	if err != nil {
		return flame.Executor{}, err
	}
	rec.mtx.Lock()
	defer rec.mtx.Unlock()
	if rec.exr.State == flame.ExecutorClosed {
		return rec.exr, fmt.Errorf("%w: %s is closed", flame.ErrExecutorNotFound, id)
	}
	rec.exr.LastHeartbeat = r.clock.Now()
	return rec.exr, nil
}

// Get returns a copy of the executor record.
func (r *Registry) Get(id flame.ExecutorID) (flame.Executor, error) {
	rec, err := r.get(id)
	if err != nil {
		return flame.Executor{}, err
	}
	rec.mtx.Lock()
	defer rec.mtx.Unlock()
	return rec.exr, nil
}

// List returns copies of all executor records, sorted by ID.
func (r *Registry) List() []flame.Executor {
	r.mtx.RLock()
	recs := make([]*record, 0, len(r.executors))
	for _, rec := range r.executors {
		recs = append(recs, rec)
	}
	r.mtx.RUnlock()
	exrs := make([]flame.Executor, 0, len(recs))
	for _, rec := range recs {
		rec.mtx.Lock()
		exrs = append(exrs, rec.exr)
		rec.mtx.Unlock()
	}
	sort.Slice(exrs, func(i, j int) bool { return exrs[i].ID < exrs[j].ID })
	return exrs
}

// ListIdle returns the Idle executors of the given application (or
// of any application, if application is empty), most recently idle
// first.
func (r *Registry) ListIdle(application string) []flame.Executor {
	var idle []flame.Executor
	for _, exr := range r.List() {
		if exr.State == flame.ExecutorIdle && (application == "" || exr.Application == application) {
			idle = append(idle, exr)
		}
	}
	sort.SliceStable(idle, func(i, j int) bool { return idle[i].IdleSince.After(idle[j].IdleSince) })
	return idle
}

// Transition moves the executor from one state to another. It fails
// with ErrInvalidTransition if the executor is not currently in the
// from state, or the state machine has no such edge. session is
// required when moving to Binding.
func (r *Registry) Transition(id flame.ExecutorID, from, to flame.ExecutorState, session flame.SessionID) (flame.Executor, error) {
	if to == flame.ExecutorClosed {
		if from == flame.ExecutorClosed {
			return r.transition(id, from, to, nil)
		}
		return r.closeIf(id, inState(from), "closed by scheduler")
	}
	return r.transition(id, from, to, func(exr *flame.Executor) error {
		if to == flame.ExecutorBinding {
			if session == "" {
				return fmt.Errorf("%w: binding %s requires a session", flame.ErrInvalidTransition, id)
			}
			exr.SessionID = session
		}
		return nil
	})
}

// Unbind moves a Binding or Bound executor to Unbinding. If release
// is true, the executor will be closed (and its pod deleted) when it
// acknowledges the unbind, instead of returning to Idle.
func (r *Registry) Unbind(id flame.ExecutorID, from flame.ExecutorState, release bool) (flame.Executor, error) {
	return r.transition(id, from, flame.ExecutorUnbinding, func(exr *flame.Executor) error {
		exr.Release = release
		return nil
	})
}

func (r *Registry) transition(id flame.ExecutorID, from, to flame.ExecutorState, apply func(*flame.Executor) error) (flame.Executor, error) {
	rec, err := r.get(id)
	if err != nil {
		return flame.Executor{}, err
	}
	rec.mtx.Lock()
	if rec.exr.State != from {
		exr := rec.exr
		rec.mtx.Unlock()
		return exr, fmt.Errorf("%w: executor %s is %s, not %s", flame.ErrInvalidTransition, id, exr.State, from)
	}
	if !validTransition(from, to) {
		exr := rec.exr
		rec.mtx.Unlock()
		return exr, fmt.Errorf("%w: executor %s cannot go from %s to %s", flame.ErrInvalidTransition, id, from, to)
	}
	if err := apply(&rec.exr); err != nil {
		exr := rec.exr
		rec.mtx.Unlock()
		return exr, err
	}
	now := r.clock.Now()
	rec.exr.State = to
	rec.exr.StateSince = now
	switch to {
	case flame.ExecutorIdle:
		rec.exr.SessionID = ""
		rec.exr.Release = false
		rec.exr.BoundAt = time.Time{}
		rec.exr.IdleSince = now
	case flame.ExecutorBinding:
		rec.exr.BoundAt = now
	}
	exr := rec.exr
	rec.mtx.Unlock()
	r.logger.WithFields(logrus.Fields{
		"ExecutorID": id,
		"SessionID":  exr.SessionID,
		"From":       from,
		"To":         to,
	}).Debug("executor state changed")
	r.notify()
	return exr, nil
}

// MarkClosed marks the executor Closed and releases any tasks it
// holds. It is idempotent.
func (r *Registry) MarkClosed(id flame.ExecutorID, reason string) (flame.Executor, error) {
	return r.closeIf(id, nil, reason)
}

// closeIf closes the executor unless check returns an error. A nil
// check accepts any live state.
func (r *Registry) closeIf(id flame.ExecutorID, check func(flame.Executor) error, reason string) (flame.Executor, error) {
	rec, err := r.get(id)
	if err != nil {
		return flame.Executor{}, err
	}
	rec.mtx.Lock()
	if rec.exr.State == flame.ExecutorClosed {
		exr := rec.exr
		rec.mtx.Unlock()
		return exr, nil
	}
	if check != nil {
		if err := check(rec.exr); err != nil {
			exr := rec.exr
			rec.mtx.Unlock()
			return exr, err
		}
	}
	prev := rec.exr.State
	rec.exr.State = flame.ExecutorClosed
	rec.exr.StateSince = r.clock.Now()
	exr := rec.exr
	rec.mtx.Unlock()
	r.logger.WithFields(logrus.Fields{
		"ExecutorID": id,
		"PodID":      exr.PodID,
		"SessionID":  exr.SessionID,
		"State":      prev,
		"Reason":     reason,
	}).Info("executor closed")
	if r.onClosed != nil {
		r.onClosed(exr, reason)
	}
	r.notify()
	return exr, nil
}

func inState(from flame.ExecutorState) func(flame.Executor) error {
	return func(exr flame.Executor) error {
		if exr.State != from {
			return fmt.Errorf("%w: executor %s is %s, not %s", flame.ErrInvalidTransition, exr.ID, exr.State, from)
		}
		return nil
	}
}

// Forget removes a Closed executor from the registry.
func (r *Registry) Forget(id flame.ExecutorID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rec, ok := r.executors[id]
	if !ok {
		return
	}
	rec.mtx.Lock()
	closed := rec.exr.State == flame.ExecutorClosed
	rec.mtx.Unlock()
	if closed {
		delete(r.executors, id)
	}
}

// Notify queues a notification for delivery to the executor.
func (r *Registry) Notify(id flame.ExecutorID, n flame.Notification) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	rec.mtx.Lock()
	rec.inbox = append(rec.inbox, n)
	rec.mtx.Unlock()
	select {
	case rec.ready <- struct{}{}:
	default:
	}
	return nil
}

// WaitNotifications returns the executor's queued notifications in
// the order they were sent, waiting up to wait for one to arrive if
// there are none.
func (r *Registry) WaitNotifications(ctx context.Context, id flame.ExecutorID, wait time.Duration) ([]flame.Notification, error) {
	rec, err := r.get(id)
	if err != nil {
		return nil, err
	}
	var expired <-chan time.Time
	if wait > 0 {
		timer := r.clock.Timer(wait)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		rec.mtx.Lock()
		ns, closed := rec.inbox, rec.exr.State == flame.ExecutorClosed
		rec.inbox = nil
		rec.mtx.Unlock()
		if len(ns) > 0 {
			return ns, nil
		}
		if closed {
			return nil, fmt.Errorf("%w: %s is closed", flame.ErrExecutorNotFound, id)
		}
		if wait <= 0 {
			return nil, nil
		}
		select {
		case <-rec.ready:
		case <-expired:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Sweep marks Closed every live executor whose last heartbeat is more
// than HeartbeatMissLimit intervals before now, and returns them.
func (r *Registry) Sweep(now time.Time) []flame.Executor {
	limit := r.cfg.HeartbeatInterval * time.Duration(r.cfg.HeartbeatMissLimit)
	if limit <= 0 {
		return nil
	}
	var lost []flame.Executor
	for _, exr := range r.List() {
		if exr.State == flame.ExecutorClosed || now.Sub(exr.LastHeartbeat) <= limit {
			continue
		}
		reason := fmt.Sprintf("no heartbeat for %s", now.Sub(exr.LastHeartbeat))
		closed, err := r.closeIf(exr.ID, func(exr flame.Executor) error {
			if now.Sub(exr.LastHeartbeat) <= limit {
				return errAlive
			}
			return nil
		}, reason)
		if err == nil && closed.State == flame.ExecutorClosed {
			lost = append(lost, closed)
		}
	}
	return lost
}

// Run calls Sweep every HeartbeatInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.clock.Now())
			r.updateMetrics()
		}
	}
}
