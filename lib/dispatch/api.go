// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/sdk/go/flame"
)

func (disp *dispatcher) OpenSession(ctx context.Context, opts flame.OpenSessionOptions) (flame.Session, error) {
	disp.Start()
	return disp.sessions.OpenSession(opts)
}

func (disp *dispatcher) CloseSession(ctx context.Context, id flame.SessionID) (flame.Session, error) {
	disp.Start()
	ssn, err := disp.sessions.CloseSession(id)
	if err != nil {
		return ssn, err
	}
	disp.countExecutors([]flame.Session{ssn})
	return ssn, nil
}

func (disp *dispatcher) SubmitTask(ctx context.Context, id flame.SessionID, input []byte) (flame.Task, error) {
	tasks, err := disp.SubmitTasks(ctx, id, flame.SubmitTasksOptions{Inputs: [][]byte{input}})
	if err != nil {
		return flame.Task{}, err
	}
	return tasks[0], nil
}

func (disp *dispatcher) SubmitTasks(ctx context.Context, id flame.SessionID, opts flame.SubmitTasksOptions) ([]flame.Task, error) {
	disp.Start()
	if len(opts.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no task inputs given", flame.ErrInvalidConfig)
	}
	return disp.sessions.SubmitTasks(id, opts.Inputs...)
}

func (disp *dispatcher) GetSession(ctx context.Context, id flame.SessionID) (flame.Session, error) {
	disp.Start()
	ssn, err := disp.sessions.GetSessionStatus(id)
	if err != nil {
		return ssn, err
	}
	ssns := []flame.Session{ssn}
	disp.countExecutors(ssns)
	return ssns[0], nil
}

func (disp *dispatcher) ListSessions(ctx context.Context) ([]flame.Session, error) {
	disp.Start()
	ssns := disp.sessions.List()
	disp.countExecutors(ssns)
	return ssns, nil
}

// countExecutors fills in the number of executors bound (or being
// bound) to each session.
func (disp *dispatcher) countExecutors(ssns []flame.Session) {
	n := map[flame.SessionID]int{}
	for _, exr := range disp.executors.List() {
		if exr.State == flame.ExecutorBinding || exr.State == flame.ExecutorBound {
			n[exr.SessionID]++
		}
	}
	for i := range ssns {
		ssns[i].Executors = n[ssns[i].ID]
	}
}

func (disp *dispatcher) GetTask(ctx context.Context, id flame.SessionID, task flame.TaskID) (flame.Task, error) {
	disp.Start()
	return disp.sessions.GetTask(id, task)
}

func (disp *dispatcher) ListTasks(ctx context.Context, id flame.SessionID) ([]flame.Task, error) {
	disp.Start()
	return disp.sessions.ListTasks(id)
}

func (disp *dispatcher) WaitTask(ctx context.Context, id flame.SessionID, task flame.TaskID, timeout time.Duration) (flame.Task, error) {
	disp.Start()
	return disp.sessions.WaitTask(ctx, id, task, timeout)
}

func (disp *dispatcher) WaitAnyCompleted(ctx context.Context, id flame.SessionID, cursor int, timeout time.Duration) (flame.CompletedTask, error) {
	disp.Start()
	return disp.sessions.WaitAnyCompleted(ctx, id, cursor, timeout)
}

// RegisterExecutor adds an Idle executor, or refreshes a known one
// that reconnects.
func (disp *dispatcher) RegisterExecutor(ctx context.Context, opts flame.RegisterExecutorOptions) (flame.Executor, error) {
	disp.Start()
	if opts.Application == "" {
		return flame.Executor{}, fmt.Errorf("%w: application must not be empty", flame.ErrInvalidConfig)
	}
	exr, err := disp.executors.Register(opts)
	if err != nil {
		return exr, err
	}
	disp.pool.Registered(exr.ID)
	return exr, nil
}

// Heartbeat records that the executor is alive and renews the leases
// it holds.
func (disp *dispatcher) Heartbeat(ctx context.Context, id flame.ExecutorID) (flame.Executor, error) {
	disp.Start()
	exr, err := disp.executors.Heartbeat(id)
	if err != nil {
		return exr, err
	}
	if exr.SessionID != "" {
		disp.sessions.Renew(exr.SessionID, id)
	}
	return exr, nil
}

// PullTask drives the executor side of the binding protocol and hands
// out work.
//
// A Binding executor confirms its binding by pulling. An Unbinding
// executor acknowledges the unbind by pulling, and gets ErrNotBound.
// A Bound executor gets the oldest pending task of its session; if
// there is none, PullTask waits up to wait (capped at MaxPullWait)
// for one, then returns an empty response with a retry hint.
func (disp *dispatcher) PullTask(ctx context.Context, id flame.ExecutorID, wait time.Duration) (flame.PullResponse, error) {
	disp.Start()
	exr, err := disp.executors.Get(id)
	if err != nil {
		return flame.PullResponse{}, err
	}
	logger := disp.logger.WithFields(logrus.Fields{
		"ExecutorID": id,
		"SessionID":  exr.SessionID,
	})
	switch exr.State {
	case flame.ExecutorBinding:
		exr, err = disp.executors.Transition(id, flame.ExecutorBinding, flame.ExecutorBound, "")
		if err != nil {
			// Rolled back by the scheduler after BindTimeout.
			return flame.PullResponse{}, fmt.Errorf("%w: %s", flame.ErrNotBound, err)
		}
		logger.Info("executor bound")
	case flame.ExecutorBound:
	case flame.ExecutorUnbinding:
		if exr.Release {
			_, err = disp.executors.Transition(id, flame.ExecutorUnbinding, flame.ExecutorClosed, "")
			if err == nil {
				disp.pool.Destroy(id, "released after unbind")
			}
		} else {
			_, err = disp.executors.Transition(id, flame.ExecutorUnbinding, flame.ExecutorIdle, "")
		}
		if err != nil {
			return flame.PullResponse{}, err
		}
		logger.WithField("Release", exr.Release).Info("executor unbound")
		return flame.PullResponse{}, fmt.Errorf("%w: %s left session %s", flame.ErrNotBound, id, exr.SessionID)
	case flame.ExecutorClosed:
		return flame.PullResponse{}, fmt.Errorf("%w: %s is closed", flame.ErrExecutorNotFound, id)
	default:
		return flame.PullResponse{}, fmt.Errorf("%w: %s is %s", flame.ErrNotBound, id, exr.State)
	}

	if wait > disp.maxPullWait {
		wait = disp.maxPullWait
	}
	var expired <-chan time.Time
	if wait > 0 {
		timer := disp.Clock.Timer(wait)
		defer timer.Stop()
		expired = timer.C
	}
	exrChanged := disp.executors.Subscribe()
	defer disp.executors.Unsubscribe(exrChanged)
	for {
		changed, err := disp.sessions.Changed(exr.SessionID)
		if err != nil {
			return flame.PullResponse{}, err
		}
		if cur, err := disp.executors.Get(id); err != nil || cur.State != flame.ExecutorBound || cur.SessionID != exr.SessionID {
			// Unbound or closed while waiting. The next pull
			// acknowledges it.
			break
		}
		task, ok, err := disp.sessions.Lease(exr.SessionID, id)
		if err != nil {
			return flame.PullResponse{}, err
		}
		if ok {
			if cur, err := disp.executors.Get(id); err != nil || cur.State == flame.ExecutorClosed {
				// Closed between the check and the lease, possibly
				// after its tasks were released.
				disp.sessions.Release(id, "executor closed during pull")
				return flame.PullResponse{}, fmt.Errorf("%w: %s is closed", flame.ErrExecutorNotFound, id)
			}
			logger.WithFields(logrus.Fields{
				"TaskID":  task.ID,
				"Retries": task.Retries,
			}).Debug("task leased")
			return flame.PullResponse{Task: &task}, nil
		}
		if wait <= 0 {
			break
		}
		select {
		case <-changed:
			continue
		case <-exrChanged:
			if cur, err := disp.executors.Get(id); err == nil && cur.State == flame.ExecutorBound {
				continue
			}
		case <-expired:
		case <-ctx.Done():
			return flame.PullResponse{}, ctx.Err()
		}
		break
	}
	return flame.PullResponse{RetryAfter: flame.Duration(disp.retryAfter)}, nil
}

// ReportResult applies the outcome of a leased task. A report from an
// executor that no longer holds the lease is logged and rejected with
// ErrLeaseMismatch.
func (disp *dispatcher) ReportResult(ctx context.Context, opts flame.ReportResultOptions) error {
	disp.Start()
	logger := disp.logger.WithFields(logrus.Fields{
		"ExecutorID": opts.ExecutorID,
		"SessionID":  opts.SessionID,
		"TaskID":     opts.TaskID,
	})
	task, err := disp.sessions.Complete(opts.SessionID, opts.ExecutorID, opts.TaskID, opts.Result)
	if errors.Is(err, flame.ErrLeaseMismatch) {
		logger.WithError(err).Warn("discarded stale task result")
		return err
	} else if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"State":   task.State,
		"Retries": task.Retries,
	}).Info("task result reported")
	return nil
}

// WaitNotifications returns the executor's pending Bind and Unbind
// notifications, waiting up to wait (capped at MaxPullWait) for one.
func (disp *dispatcher) WaitNotifications(ctx context.Context, id flame.ExecutorID, wait time.Duration) ([]flame.Notification, error) {
	disp.Start()
	if wait > disp.maxPullWait {
		wait = disp.maxPullWait
	}
	ns, err := disp.executors.WaitNotifications(ctx, id, wait)
	if ns == nil && err == nil {
		ns = []flame.Notification{}
	}
	return ns, err
}
