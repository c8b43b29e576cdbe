// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package session owns session lifecycle: it creates sessions and
// their task queues, validates submissions, and answers status and
// wait requests from clients.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/lib/dispatch/queue"
	"github.com/xflops/flame/sdk/go/flame"
)

// Manager holds the set of known sessions. The manager's lock only
// guards membership; each session's state is guarded by its own
// queue, so the manager lock is never held while a queue lock is
// taken.
type Manager struct {
	logger   logrus.FieldLogger
	qcfg     queue.Config
	defaults flame.SessionConfig
	clock    clock.Clock

	mtx      sync.RWMutex
	sessions map[flame.SessionID]*queue.Queue
	retained *lru.Cache // closed sessions, by ID

	subMtx      sync.Mutex
	subscribers map[<-chan struct{}]chan struct{}
}

// NewManager returns a Manager that creates queues with the given
// lease settings, fills unset session settings from defaults, and
// keeps up to retain closed sessions available for status queries
// after they are forgotten.
func NewManager(logger logrus.FieldLogger, qcfg queue.Config, defaults flame.SessionConfig, retain int) (*Manager, error) {
	if qcfg.Clock == nil {
		qcfg.Clock = clock.New()
	}
	if retain < 1 {
		retain = 1
	}
	retained, err := lru.New(retain)
	if err != nil {
		return nil, err
	}
	return &Manager{
		logger:      logger,
		qcfg:        qcfg,
		defaults:    defaults,
		clock:       qcfg.Clock,
		sessions:    map[flame.SessionID]*queue.Queue{},
		retained:    retained,
		subscribers: map[<-chan struct{}]chan struct{}{},
	}, nil
}

// Subscribe returns a channel that becomes ready to receive when the
// demand of any session changes.
//
//	ch := m.Subscribe()
//	defer m.Unsubscribe(ch)
//	for range ch {
//		// ...
//	}
func (m *Manager) Subscribe() <-chan struct{} {
	m.subMtx.Lock()
	defer m.subMtx.Unlock()
	ch := make(chan struct{}, 1)
	m.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel. See
// Subscribe.
func (m *Manager) Unsubscribe(ch <-chan struct{}) {
	m.subMtx.Lock()
	defer m.subMtx.Unlock()
	delete(m.subscribers, ch)
}

func (m *Manager) notify() {
	m.subMtx.Lock()
	defer m.subMtx.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) lookup(id flame.SessionID) (*queue.Queue, error) {
	m.mtx.RLock()
	q, ok := m.sessions[id]
	m.mtx.RUnlock()
	if ok {
		return q, nil
	}
	if v, ok := m.retained.Get(id); ok {
		return v.(*queue.Queue), nil
	}
	return nil, fmt.Errorf("%w: %s", flame.ErrSessionNotFound, id)
}

// OpenSession creates a new open session with an empty task queue.
// Unset fields of the config are taken from the cluster defaults
// before the config is validated.
func (m *Manager) OpenSession(opts flame.OpenSessionOptions) (flame.Session, error) {
	if opts.Application == "" {
		return flame.Session{}, fmt.Errorf("%w: application must not be empty", flame.ErrInvalidConfig)
	}
	cfg := opts.Config
	if err := mergo.Merge(&cfg, m.defaults); err != nil {
		return flame.Session{}, err
	}
	if err := cfg.Validate(); err != nil {
		return flame.Session{}, err
	}
	id := flame.SessionID(uuid.NewString())
	q := queue.New(id, opts.Application, cfg, m.qcfg)
	m.mtx.Lock()
	m.sessions[id] = q
	m.mtx.Unlock()
	m.logger.WithFields(logrus.Fields{
		"SessionID":    id,
		"Application":  opts.Application,
		"MinExecutors": cfg.MinExecutors,
		"MaxExecutors": cfg.MaxExecutors,
		"Proportion":   cfg.Proportion,
		"DelayRelease": cfg.DelayRelease,
	}).Info("session opened")
	m.notify()
	return q.Status(), nil
}

// SubmitTasks adds pending tasks to an open session. Either all
// inputs are accepted or none are.
func (m *Manager) SubmitTasks(id flame.SessionID, inputs ...[]byte) ([]flame.Task, error) {
	q, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	tasks, err := q.Enqueue(inputs...)
	if err != nil {
		return nil, err
	}
	m.notify()
	return tasks, nil
}

// CloseSession stops the session from accepting tasks. It is
// idempotent.
func (m *Manager) CloseSession(id flame.SessionID) (flame.Session, error) {
	q, err := m.lookup(id)
	if err != nil {
		return flame.Session{}, err
	}
	before := q.Status().State
	ssn := q.Close()
	if before != ssn.State {
		m.logger.WithFields(logrus.Fields{
			"SessionID": id,
			"State":     ssn.State,
		}).Info("session closing")
		m.notify()
	}
	return ssn, nil
}

// GetSessionStatus returns a point-in-time copy of the session.
func (m *Manager) GetSessionStatus(id flame.SessionID) (flame.Session, error) {
	q, err := m.lookup(id)
	if err != nil {
		return flame.Session{}, err
	}
	return q.Status(), nil
}

// GetTask returns a point-in-time copy of the task.
func (m *Manager) GetTask(id flame.SessionID, task flame.TaskID) (flame.Task, error) {
	q, err := m.lookup(id)
	if err != nil {
		return flame.Task{}, err
	}
	return q.Get(task)
}

// ListTasks returns all tasks of the session in submission order.
func (m *Manager) ListTasks(id flame.SessionID) ([]flame.Task, error) {
	q, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return q.List(), nil
}

// WaitTask waits for the task to reach a terminal state. See
// queue.Queue.Wait.
func (m *Manager) WaitTask(ctx context.Context, id flame.SessionID, task flame.TaskID, timeout time.Duration) (flame.Task, error) {
	q, err := m.lookup(id)
	if err != nil {
		return flame.Task{}, err
	}
	return q.Wait(ctx, task, timeout)
}

// WaitAnyCompleted returns the cursor'th task of the session to reach
// a terminal state. See queue.Queue.WaitCompleted.
func (m *Manager) WaitAnyCompleted(ctx context.Context, id flame.SessionID, cursor int, timeout time.Duration) (flame.CompletedTask, error) {
	q, err := m.lookup(id)
	if err != nil {
		return flame.CompletedTask{}, err
	}
	return q.WaitCompleted(ctx, cursor, timeout)
}

func (m *Manager) active() []*queue.Queue {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	qs := make([]*queue.Queue, 0, len(m.sessions))
	for _, q := range m.sessions {
		qs = append(qs, q)
	}
	return qs
}

func sortSessions(ssns []flame.Session) {
	sort.Slice(ssns, func(i, j int) bool {
		if !ssns[i].CreatedAt.Equal(ssns[j].CreatedAt) {
			return ssns[i].CreatedAt.Before(ssns[j].CreatedAt)
		}
		return ssns[i].ID < ssns[j].ID
	})
}

// Snapshot returns the status of every session that has not been
// forgotten, oldest first. Each entry is consistent on its own; the
// list as a whole is not taken atomically.
func (m *Manager) Snapshot() []flame.Session {
	qs := m.active()
	ssns := make([]flame.Session, 0, len(qs))
	for _, q := range qs {
		ssns = append(ssns, q.Status())
	}
	sortSessions(ssns)
	return ssns
}

// List returns the status of all known sessions, including forgotten
// closed sessions that are still retained, oldest first.
func (m *Manager) List() []flame.Session {
	ssns := m.Snapshot()
	for _, k := range m.retained.Keys() {
		if v, ok := m.retained.Peek(k); ok {
			ssns = append(ssns, v.(*queue.Queue).Status())
		}
	}
	sortSessions(ssns)
	return ssns
}

// Forget moves a closed session out of the active set. Its status
// remains available until it is evicted from the retention cache.
// Forget is a no-op for sessions that are not closed.
func (m *Manager) Forget(id flame.SessionID) {
	m.mtx.RLock()
	q, ok := m.sessions[id]
	m.mtx.RUnlock()
	if !ok || q.Status().State != flame.SessionClosed {
		return
	}
	// Closed is terminal, so the check above cannot go stale.
	m.retained.Add(id, q)
	m.mtx.Lock()
	delete(m.sessions, id)
	m.mtx.Unlock()
}

// SetDegraded records (or clears, if reason is empty) a provisioning
// problem on the session.
func (m *Manager) SetDegraded(id flame.SessionID, reason string) {
	if q, err := m.lookup(id); err == nil {
		q.SetDegraded(reason)
	}
}

// Lease hands the oldest pending task of the session to executor.
func (m *Manager) Lease(id flame.SessionID, executor flame.ExecutorID) (flame.Task, bool, error) {
	q, err := m.lookup(id)
	if err != nil {
		return flame.Task{}, false, err
	}
	t, ok := q.Lease(executor)
	if ok {
		m.notify()
	}
	return t, ok, nil
}

// Changed returns a channel that is closed the next time the
// session's queue changes.
func (m *Manager) Changed(id flame.SessionID) (<-chan struct{}, error) {
	q, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return q.Changed(), nil
}

// Complete applies a result reported by executor.
func (m *Manager) Complete(id flame.SessionID, executor flame.ExecutorID, task flame.TaskID, result flame.TaskResult) (flame.Task, error) {
	q, err := m.lookup(id)
	if err != nil {
		return flame.Task{}, err
	}
	t, err := q.Complete(executor, task, result)
	if err != nil {
		return t, err
	}
	m.notify()
	return t, nil
}

// Renew extends the leases held by executor in the given session.
func (m *Manager) Renew(id flame.SessionID, executor flame.ExecutorID) int {
	q, err := m.lookup(id)
	if err != nil {
		return 0
	}
	return q.Renew(executor)
}

// Release returns every task held by executor, in any session, to
// its queue.
func (m *Manager) Release(executor flame.ExecutorID, reason string) {
	for _, q := range m.active() {
		for _, t := range q.Release(executor, reason) {
			m.logReclaimed(t, reason)
		}
	}
	m.notify()
}

// ExpireLeases reclaims running tasks whose leases have expired, in
// all sessions.
func (m *Manager) ExpireLeases(now time.Time) int {
	n := 0
	for _, q := range m.active() {
		for _, t := range q.ExpireLeases(now) {
			m.logReclaimed(t, "lease expired")
			n++
		}
	}
	if n > 0 {
		m.notify()
	}
	return n
}

func (m *Manager) logReclaimed(t flame.Task, reason string) {
	m.logger.WithFields(logrus.Fields{
		"SessionID":  t.SessionID,
		"TaskID":     t.ID,
		"ExecutorID": t.Executor,
		"Retries":    t.Retries,
		"State":      t.State,
	}).Info("reclaimed task: " + reason)
}

// RunLeaseSweep calls ExpireLeases every interval until ctx is done.
func (m *Manager) RunLeaseSweep(ctx context.Context, interval time.Duration) {
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ExpireLeases(m.clock.Now())
		}
	}
}
