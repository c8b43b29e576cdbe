// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package flame

import (
	"context"
	"time"
)

// SessionAPI is the client-facing surface of the session manager.
type SessionAPI interface {
	OpenSession(ctx context.Context, opts OpenSessionOptions) (Session, error)
	CloseSession(ctx context.Context, id SessionID) (Session, error)
	SubmitTask(ctx context.Context, id SessionID, input []byte) (Task, error)
	SubmitTasks(ctx context.Context, id SessionID, opts SubmitTasksOptions) ([]Task, error)
	GetSession(ctx context.Context, id SessionID) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	GetTask(ctx context.Context, id SessionID, task TaskID) (Task, error)
	ListTasks(ctx context.Context, id SessionID) ([]Task, error)
	WaitTask(ctx context.Context, id SessionID, task TaskID, timeout time.Duration) (Task, error)
	WaitAnyCompleted(ctx context.Context, id SessionID, cursor int, timeout time.Duration) (CompletedTask, error)
}

// ExecutorAPI is the executor-facing surface of the dispatcher.
type ExecutorAPI interface {
	RegisterExecutor(ctx context.Context, opts RegisterExecutorOptions) (Executor, error)
	Heartbeat(ctx context.Context, id ExecutorID) (Executor, error)
	PullTask(ctx context.Context, id ExecutorID, wait time.Duration) (PullResponse, error)
	ReportResult(ctx context.Context, opts ReportResultOptions) error
	WaitNotifications(ctx context.Context, id ExecutorID, wait time.Duration) ([]Notification, error)
}
