// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package agent is the executor side of the dispatch protocol. An
// Agent registers an executor with the session manager, keeps it
// alive with heartbeats, follows Bind and Unbind notifications, and
// runs the tasks of its bound session through a Shim.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/sdk/go/flame"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultPullWait          = 10 * time.Second
	defaultRetryMax          = 30 * time.Second
)

// errClosed is returned by Run when the session manager has closed
// the executor, e.g., after releasing it.
var errClosed = errors.New("executor closed by session manager")

// An Agent runs one executor. Set the exported fields and call Run.
type Agent struct {
	Client      flame.ExecutorAPI
	Shim        Shim
	ExecutorID  flame.ExecutorID
	PodID       string
	Application string

	HeartbeatInterval time.Duration
	// Longest server-side wait for a task or notification.
	PullWait time.Duration
	// Longest delay between retries of failed requests.
	RetryMax time.Duration

	Logger logrus.FieldLogger
	// Defaults to the real clock.
	Clock clock.Clock

	// Bind/Unbind notifications, fed by the notification loop.
	notifications chan flame.Notification
	// Session entered through the shim.
	bound *SessionContext
	// Session of the last Bind, until a pull shows the executor
	// is no longer bound to it.
	assigned flame.SessionID
}

// Run registers the executor and serves it until ctx is done or the
// session manager closes it. It returns nil in the latter case.
func (a *Agent) Run(ctx context.Context) error {
	if a.HeartbeatInterval <= 0 {
		a.HeartbeatInterval = defaultHeartbeatInterval
	}
	if a.PullWait <= 0 {
		a.PullWait = defaultPullWait
	}
	if a.RetryMax <= 0 {
		a.RetryMax = defaultRetryMax
	}
	if a.Logger == nil {
		a.Logger = logrus.StandardLogger()
	}
	if a.Clock == nil {
		a.Clock = clock.New()
	}
	a.notifications = make(chan flame.Notification, 16)

	var exr flame.Executor
	err := a.retry(ctx, "register", func() error {
		var err error
		exr, err = a.Client.RegisterExecutor(ctx, flame.RegisterExecutorOptions{
			ExecutorID:  a.ExecutorID,
			PodID:       a.PodID,
			Application: a.Application,
		})
		if errors.Is(err, flame.ErrInvalidConfig) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return err
	}
	a.ExecutorID = exr.ID
	a.Logger = a.Logger.WithField("ExecutorID", exr.ID)
	a.Logger.WithFields(logrus.Fields{
		"Application": a.Application,
		"PodID":       a.PodID,
	}).Info("executor registered")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(ctx) })
	g.Go(func() error { return a.notificationLoop(ctx) })
	g.Go(func() error { return a.workLoop(ctx) })
	err = g.Wait()
	if errors.Is(err, errClosed) {
		a.Logger.Info("executor closed, exiting")
		return nil
	}
	return err
}

// retry calls fn until it succeeds, returns a permanent error, or ctx
// is done.
func (a *Agent) retry(ctx context.Context, what string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = a.RetryMax
	bo.MaxElapsedTime = 0
	return backoff.RetryNotify(fn, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		a.Logger.WithError(err).WithField("RetryIn", d).Warn(what + " failed")
	})
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := a.Clock.Ticker(a.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		_, err := a.Client.Heartbeat(ctx, a.ExecutorID)
		if errors.Is(err, flame.ErrExecutorNotFound) {
			return errClosed
		} else if err != nil && ctx.Err() == nil {
			a.Logger.WithError(err).Warn("heartbeat failed")
		}
	}
}

func (a *Agent) notificationLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		var ns []flame.Notification
		err := a.retry(ctx, "get notifications", func() error {
			var err error
			ns, err = a.Client.WaitNotifications(ctx, a.ExecutorID, a.PullWait)
			if errors.Is(err, flame.ErrExecutorNotFound) {
				return backoff.Permanent(errClosed)
			}
			return err
		})
		if errors.Is(err, errClosed) {
			return err
		} else if err != nil {
			return nil
		}
		for _, n := range ns {
			select {
			case a.notifications <- n:
			case <-ctx.Done():
				return nil
			}
		}
	}
	return nil
}

func (a *Agent) workLoop(ctx context.Context) error {
	defer a.leave(context.Background(), "agent stopping")
	for {
		if a.bound == nil {
			select {
			case <-ctx.Done():
				return nil
			case n := <-a.notifications:
				if err := a.handle(ctx, n); err != nil {
					return err
				}
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case n := <-a.notifications:
			if err := a.handle(ctx, n); err != nil {
				return err
			}
			continue
		default:
		}
		if err := a.pull(ctx); err != nil {
			return err
		}
	}
}

func (a *Agent) handle(ctx context.Context, n flame.Notification) error {
	logger := a.Logger.WithFields(logrus.Fields{
		"SessionID": n.SessionID,
		"Kind":      n.Kind,
	})
	switch n.Kind {
	case flame.NotifyBind:
		if a.bound != nil {
			a.leave(ctx, "bound to another session")
		}
		a.assigned = n.SessionID
		ssn := SessionContext{SessionID: n.SessionID, Application: n.Application}
		if err := a.Shim.OnSessionEnter(ctx, ssn); err != nil {
			// Leave the binding unconfirmed; the scheduler
			// rolls it back.
			logger.WithError(err).Error("session enter failed")
			return nil
		}
		a.bound = &ssn
		logger.Info("entered session")
	case flame.NotifyUnbind:
		if a.bound != nil && a.bound.SessionID == n.SessionID {
			a.leave(ctx, "unbind notification")
		}
		if a.assigned != n.SessionID {
			// Already acknowledged by a pull.
			return nil
		}
		a.assigned = ""
		_, err := a.Client.PullTask(ctx, a.ExecutorID, 0)
		if errors.Is(err, flame.ErrExecutorNotFound) {
			return errClosed
		} else if err != nil && !errors.Is(err, flame.ErrNotBound) {
			logger.WithError(err).Warn("unbind acknowledgement failed")
		}
	default:
		logger.Warn("ignoring unknown notification")
	}
	return nil
}

// leave calls OnSessionLeave if the executor is in a session.
func (a *Agent) leave(ctx context.Context, reason string) {
	if a.bound == nil {
		return
	}
	logger := a.Logger.WithFields(logrus.Fields{
		"SessionID": a.bound.SessionID,
		"Reason":    reason,
	})
	a.bound = nil
	if err := a.Shim.OnSessionLeave(ctx); err != nil {
		logger.WithError(err).Warn("session leave failed")
		return
	}
	logger.Info("left session")
}

// pull asks for a task of the bound session, and runs it if one is
// available.
func (a *Agent) pull(ctx context.Context) error {
	resp, err := a.Client.PullTask(ctx, a.ExecutorID, a.PullWait)
	switch {
	case errors.Is(err, flame.ErrExecutorNotFound):
		return errClosed
	case errors.Is(err, flame.ErrNotBound):
		a.assigned = ""
		a.leave(ctx, "no longer bound")
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return nil
		}
		a.Logger.WithError(err).Warn("pull failed")
		return a.sleep(ctx, time.Second)
	case resp.Task == nil:
		if resp.RetryAfter > 0 && resp.RetryAfter.Duration() < a.PullWait {
			return a.sleep(ctx, resp.RetryAfter.Duration())
		}
		return nil
	}
	a.run(ctx, *resp.Task)
	return nil
}

func (a *Agent) run(ctx context.Context, task flame.Task) {
	logger := a.Logger.WithFields(logrus.Fields{
		"SessionID": task.SessionID,
		"TaskID":    task.ID,
	})
	t0 := a.Clock.Now()
	output, err := a.Shim.OnTaskInvoke(ctx, task)
	result := flame.TaskResult{Succeeded: err == nil, Output: output}
	if err != nil {
		result.Message = err.Error()
	}
	logger = logger.WithFields(logrus.Fields{
		"Succeeded": result.Succeeded,
		"Duration":  a.Clock.Since(t0).Seconds(),
	})
	err = a.retry(ctx, "report result", func() error {
		err := a.Client.ReportResult(ctx, flame.ReportResultOptions{
			ExecutorID: a.ExecutorID,
			SessionID:  task.SessionID,
			TaskID:     task.ID,
			Result:     result,
		})
		if flame.HTTPStatus(err) < 500 {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		logger.WithError(err).Warn("result not accepted")
		return
	}
	logger.Info("task done")
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) error {
	timer := a.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return nil
}
