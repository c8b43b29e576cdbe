// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package queue holds the tasks of one session: a FIFO of pending
// tasks, the leases of running tasks, and the session's lifecycle
// state and counters.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/xflops/flame/sdk/go/flame"
)

// Config holds the cluster-wide settings that govern leases and
// retries.
type Config struct {
	// A running task is reclaimed if its holder neither reports
	// nor renews it within LeaseDuration.
	LeaseDuration time.Duration

	// A task that has failed or lost its lease more than
	// RetryLimit times becomes Failed.
	RetryLimit int

	// Defaults to the wall clock.
	Clock clock.Clock
}

// Queue is the task queue and lifecycle record of a single session.
// All of its state is guarded by one mutex, so operations on
// different sessions never contend.
type Queue struct {
	id          flame.SessionID
	application string
	config      flame.SessionConfig
	leaseTTL    time.Duration
	retryLimit  int
	clock       clock.Clock

	mtx            sync.Mutex
	state          flame.SessionState
	createdAt      time.Time
	closedAt       time.Time
	degraded       bool
	degradedReason string
	nextID         flame.TaskID
	tasks          map[flame.TaskID]*flame.Task
	pending        []flame.TaskID
	running        map[flame.TaskID]struct{}
	completed      []flame.TaskID
	counters       flame.Counters
	changed        chan struct{}
}

// New returns an empty, open queue for the given session.
func New(id flame.SessionID, application string, sc flame.SessionConfig, cfg Config) *Queue {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{
		id:          id,
		application: application,
		config:      sc,
		leaseTTL:    cfg.LeaseDuration,
		retryLimit:  cfg.RetryLimit,
		clock:       clk,
		state:       flame.SessionOpen,
		createdAt:   clk.Now(),
		tasks:       map[flame.TaskID]*flame.Task{},
		running:     map[flame.TaskID]struct{}{},
		changed:     make(chan struct{}),
	}
}

// ID returns the session ID.
func (q *Queue) ID() flame.SessionID {
	return q.id
}

// Application returns the session's application.
func (q *Queue) Application() string {
	return q.application
}

// Changed returns a channel that is closed the next time anything in
// the queue changes.
func (q *Queue) Changed() <-chan struct{} {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.changed
}

// caller must have lock.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Enqueue appends pending tasks with the given inputs and returns
// them. It fails with ErrSessionNotOpen once Close has been called;
// in that case no task is added.
func (q *Queue) Enqueue(inputs ...[]byte) ([]flame.Task, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.state != flame.SessionOpen {
		return nil, fmt.Errorf("%w: session %s is %s", flame.ErrSessionNotOpen, q.id, q.state)
	}
	now := q.clock.Now()
	added := make([]flame.Task, 0, len(inputs))
	for _, input := range inputs {
		q.nextID++
		t := &flame.Task{
			ID:        q.nextID,
			SessionID: q.id,
			State:     flame.TaskPending,
			Input:     input,
			CreatedAt: now,
			UpdatedAt: now,
		}
		q.tasks[t.ID] = t
		q.pending = append(q.pending, t.ID)
		q.counters.Pending++
		added = append(added, *t)
	}
	if len(added) > 0 {
		q.notifyLocked()
	}
	return added, nil
}

// Lease pops the oldest pending task and marks it Running under the
// given executor. It returns false if there is no pending task.
func (q *Queue) Lease(executor flame.ExecutorID) (flame.Task, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if len(q.pending) == 0 || q.state == flame.SessionClosed {
		return flame.Task{}, false
	}
	id := q.pending[0]
	q.pending[0] = 0
	q.pending = q.pending[1:]
	t := q.tasks[id]
	now := q.clock.Now()
	t.State = flame.TaskRunning
	t.Executor = executor
	t.LeaseDeadline = now.Add(q.leaseTTL)
	t.UpdatedAt = now
	q.running[id] = struct{}{}
	q.counters.Pending--
	q.counters.Running++
	q.notifyLocked()
	return *t, true
}

// Complete applies the result reported by executor for a task it
// holds. It fails with ErrLeaseMismatch, and changes nothing, if the
// task is not Running under that executor's lease.
func (q *Queue) Complete(executor flame.ExecutorID, id flame.TaskID, result flame.TaskResult) (flame.Task, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return flame.Task{}, fmt.Errorf("%w: task %d in session %s", flame.ErrTaskNotFound, id, q.id)
	}
	if t.State != flame.TaskRunning || t.Executor != executor {
		return *t, fmt.Errorf("%w: task %d is %s, held by %q, reported by %q", flame.ErrLeaseMismatch, id, t.State, t.Executor, executor)
	}
	now := q.clock.Now()
	if result.Succeeded {
		delete(q.running, id)
		q.counters.Running--
		q.counters.Succeeded++
		t.State = flame.TaskSucceed
		t.Output = result.Output
		t.Message = result.Message
		t.LeaseDeadline = time.Time{}
		t.UpdatedAt = now
		q.completed = append(q.completed, id)
	} else {
		q.retryLocked(t, result.Message, now)
	}
	q.maybeCloseLocked(now)
	q.notifyLocked()
	return *t, nil
}

// retryLocked returns a running task to the back of the pending
// queue, or fails it if it has used up its retries. Caller must have
// lock.
func (q *Queue) retryLocked(t *flame.Task, msg string, now time.Time) {
	delete(q.running, t.ID)
	q.counters.Running--
	t.Retries++
	t.Executor = ""
	t.LeaseDeadline = time.Time{}
	t.Message = msg
	t.UpdatedAt = now
	if t.Retries > q.retryLimit {
		t.State = flame.TaskFailed
		q.counters.Failed++
		q.completed = append(q.completed, t.ID)
		return
	}
	t.State = flame.TaskPending
	q.counters.Pending++
	q.pending = append(q.pending, t.ID)
}

// Renew extends the leases of all tasks held by executor, and
// returns the number of leases renewed.
func (q *Queue) Renew(executor flame.ExecutorID) int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	deadline := q.clock.Now().Add(q.leaseTTL)
	n := 0
	for id := range q.running {
		if t := q.tasks[id]; t.Executor == executor {
			t.LeaseDeadline = deadline
			n++
		}
	}
	return n
}

// ExpireLeases reclaims every running task whose lease deadline is
// not after now, and returns copies of the reclaimed tasks.
func (q *Queue) ExpireLeases(now time.Time) []flame.Task {
	return q.reclaim(func(t *flame.Task) bool { return !t.LeaseDeadline.After(now) }, "lease expired")
}

// Release reclaims every running task held by executor, and returns
// copies of the reclaimed tasks.
func (q *Queue) Release(executor flame.ExecutorID, reason string) []flame.Task {
	return q.reclaim(func(t *flame.Task) bool { return t.Executor == executor }, reason)
}

func (q *Queue) reclaim(match func(*flame.Task) bool, reason string) []flame.Task {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	var hit []*flame.Task
	for id := range q.running {
		if t := q.tasks[id]; match(t) {
			hit = append(hit, t)
		}
	}
	if len(hit) == 0 {
		return nil
	}
	// Map iteration order is random; requeue in submission order.
	sort.Slice(hit, func(i, j int) bool { return hit[i].ID < hit[j].ID })
	now := q.clock.Now()
	reclaimed := make([]flame.Task, 0, len(hit))
	for _, t := range hit {
		holder := t.Executor
		q.retryLocked(t, fmt.Sprintf("%s (executor %s)", reason, holder), now)
		cp := *t
		cp.Executor = holder
		reclaimed = append(reclaimed, cp)
	}
	q.maybeCloseLocked(now)
	q.notifyLocked()
	return reclaimed
}

// Close stops accepting new tasks. The session becomes Closed as
// soon as it has no pending or running tasks. Close is idempotent.
func (q *Queue) Close() flame.Session {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.state == flame.SessionOpen {
		q.state = flame.SessionClosing
		q.maybeCloseLocked(q.clock.Now())
		q.notifyLocked()
	}
	return q.statusLocked()
}

// caller must have lock.
func (q *Queue) maybeCloseLocked(now time.Time) {
	if q.state == flame.SessionClosing && q.counters.Pending == 0 && q.counters.Running == 0 {
		q.state = flame.SessionClosed
		q.closedAt = now
	}
}

// SetDegraded records (or, with an empty reason, clears) a
// resource-manager problem that keeps the session from getting the
// executors it wants.
func (q *Queue) SetDegraded(reason string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.degraded = reason != ""
	q.degradedReason = reason
}

// Status returns a consistent point-in-time copy of the session.
func (q *Queue) Status() flame.Session {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.statusLocked()
}

// caller must have lock.
func (q *Queue) statusLocked() flame.Session {
	return flame.Session{
		ID:             q.id,
		Application:    q.application,
		Config:         q.config,
		State:          q.state,
		Counters:       q.counters,
		Degraded:       q.degraded,
		DegradedReason: q.degradedReason,
		CreatedAt:      q.createdAt,
		ClosedAt:       q.closedAt,
	}
}

// Get returns a copy of the given task.
func (q *Queue) Get(id flame.TaskID) (flame.Task, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return flame.Task{}, fmt.Errorf("%w: task %d in session %s", flame.ErrTaskNotFound, id, q.id)
	}
	return *t, nil
}

// List returns copies of all tasks in submission order.
func (q *Queue) List() []flame.Task {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	ts := make([]flame.Task, 0, len(q.tasks))
	for id := flame.TaskID(1); id <= q.nextID; id++ {
		ts = append(ts, *q.tasks[id])
	}
	return ts
}

// Wait returns the given task once it is terminal. If timeout is
// positive and elapses first, Wait returns the task's current state
// and an error wrapping ErrTimeout.
func (q *Queue) Wait(ctx context.Context, id flame.TaskID, timeout time.Duration) (flame.Task, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := q.clock.Timer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		q.mtx.Lock()
		t, ok := q.tasks[id]
		if !ok {
			q.mtx.Unlock()
			return flame.Task{}, fmt.Errorf("%w: task %d in session %s", flame.ErrTaskNotFound, id, q.id)
		}
		cp, changed := *t, q.changed
		q.mtx.Unlock()
		if cp.State.Terminal() {
			return cp, nil
		}
		select {
		case <-changed:
		case <-expired:
			return cp, fmt.Errorf("%w: task %d is still %s after %s", flame.ErrTimeout, id, cp.State, timeout)
		case <-ctx.Done():
			return cp, ctx.Err()
		}
	}
}

// WaitCompleted returns the cursor'th task to reach a terminal state,
// waiting for it if necessary, along with the next cursor.
func (q *Queue) WaitCompleted(ctx context.Context, cursor int, timeout time.Duration) (flame.CompletedTask, error) {
	if cursor < 0 {
		return flame.CompletedTask{}, fmt.Errorf("%w: invalid cursor %d", flame.ErrTaskNotFound, cursor)
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := q.clock.Timer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		q.mtx.Lock()
		if cursor < len(q.completed) {
			t := *q.tasks[q.completed[cursor]]
			q.mtx.Unlock()
			return flame.CompletedTask{Task: t, Next: cursor + 1}, nil
		}
		closed, changed := q.state == flame.SessionClosed, q.changed
		q.mtx.Unlock()
		if closed {
			return flame.CompletedTask{}, fmt.Errorf("%w: session %s is closed and has no completed task at cursor %d", flame.ErrTaskNotFound, q.id, cursor)
		}
		select {
		case <-changed:
		case <-expired:
			return flame.CompletedTask{}, fmt.Errorf("%w: no completed task at cursor %d after %s", flame.ErrTimeout, cursor, timeout)
		case <-ctx.Done():
			return flame.CompletedTask{}, ctx.Err()
		}
	}
}
