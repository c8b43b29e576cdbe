// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"github.com/xflops/flame/sdk/go/flame"
)

// A SessionManager holds the sessions whose demand the scheduler
// serves. Implemented by session.Manager.
type SessionManager interface {
	Snapshot() []flame.Session
	Forget(flame.SessionID)
	SetDegraded(flame.SessionID, string)
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}

// An ExecutorRegistry tracks executors and their bindings.
// Implemented by registry.Registry.
type ExecutorRegistry interface {
	List() []flame.Executor
	ListIdle(application string) []flame.Executor
	Transition(id flame.ExecutorID, from, to flame.ExecutorState, session flame.SessionID) (flame.Executor, error)
	Unbind(id flame.ExecutorID, from flame.ExecutorState, release bool) (flame.Executor, error)
	Forget(flame.ExecutorID)
	Notify(flame.ExecutorID, flame.Notification) error
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}

// A PodPool asynchronously creates and destroys executor pods.
// Implemented by pool.Pool and test stubs.
type PodPool interface {
	Unallocated(application string) int
	Size() int
	AtQuota() bool
	Create(application string, onDone func(error)) (flame.ExecutorID, bool)
	Destroy(id flame.ExecutorID, reason string) bool
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}
