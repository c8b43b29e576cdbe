// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/sdk/go/flame"
)

// sync resolves stale executor and session states:
//
// Binding executors that did not confirm within BindTimeout go back
// to Idle, and are not offered to the same session again for another
// BindTimeout.
//
// Unbinding executors that did not acknowledge within BindTimeout are
// closed.
//
// Closed executors have their pods deleted and are forgotten.
//
// Idle executors that no session wants have their pods deleted after
// IdleTimeout.
//
// Closed sessions are forgotten once no executor refers to them.
func (sch *Scheduler) sync(now time.Time, ssns []flame.Session, exrs []flame.Executor) {
	wanted := map[string]bool{}
	for _, ssn := range ssns {
		if ssn.State != flame.SessionClosed && ssn.Counters.Pending > 0 {
			wanted[ssn.Application] = true
		}
	}

	inUse := map[flame.SessionID]bool{}
	for _, exr := range exrs {
		logger := sch.logger.WithFields(logrus.Fields{
			"ExecutorID": exr.ID,
			"SessionID":  exr.SessionID,
			"State":      exr.State,
		})
		age := now.Sub(exr.StateSince)
		switch exr.State {
		case flame.ExecutorBinding:
			if sch.cfg.BindTimeout > 0 && age > sch.cfg.BindTimeout {
				_, err := sch.executors.Transition(exr.ID, flame.ExecutorBinding, flame.ExecutorIdle, "")
				if err == nil {
					logger.WithField("Age", age).Warn("executor did not confirm binding, rolled back")
					sch.avoid[avoidKey{exr.ID, exr.SessionID}] = now.Add(sch.cfg.BindTimeout)
					continue
				}
			}
			inUse[exr.SessionID] = true
		case flame.ExecutorUnbinding:
			if sch.cfg.BindTimeout > 0 && age > sch.cfg.BindTimeout {
				logger.WithField("Age", age).Warn("executor did not acknowledge unbinding, closing")
				sch.closeExecutor(exr.ID, flame.ExecutorUnbinding, "unbind not acknowledged")
				continue
			}
			inUse[exr.SessionID] = true
		case flame.ExecutorBound:
			inUse[exr.SessionID] = true
		case flame.ExecutorClosed:
			sch.pool.Destroy(exr.ID, "executor closed")
			sch.executors.Forget(exr.ID)
		case flame.ExecutorIdle:
			idle := now.Sub(exr.IdleSince)
			if sch.cfg.IdleTimeout > 0 && idle > sch.cfg.IdleTimeout && !wanted[exr.Application] {
				logger.WithField("Idle", idle).Info("closing idle executor")
				sch.closeExecutor(exr.ID, flame.ExecutorIdle, "idle timeout")
			}
		}
	}

	for _, ssn := range ssns {
		if ssn.State == flame.SessionClosed && !inUse[ssn.ID] {
			sch.logger.WithField("SessionID", ssn.ID).Debug("forgetting closed session")
			sch.sessions.Forget(ssn.ID)
			delete(sch.releaseAt, ssn.ID)
			sch.mtx.Lock()
			delete(sch.backoffs, ssn.ID)
			sch.mtx.Unlock()
		}
	}

	for k, until := range sch.avoid {
		if !now.Before(until) {
			delete(sch.avoid, k)
		}
	}
}

func sortExecutors(exrs []flame.Executor, less func(a, b flame.Executor) bool) {
	sort.Slice(exrs, func(i, j int) bool { return less(exrs[i], exrs[j]) })
}
