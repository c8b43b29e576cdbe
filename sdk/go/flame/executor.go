// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package flame

import (
	"time"
)

// ExecutorID identifies an executor process.
type ExecutorID string

// ExecutorState is a string corresponding to a valid Executor state.
type ExecutorState string

const (
	ExecutorIdle      = ExecutorState("Idle")
	ExecutorBinding   = ExecutorState("Binding")
	ExecutorBound     = ExecutorState("Bound")
	ExecutorUnbinding = ExecutorState("Unbinding")
	ExecutorClosed    = ExecutorState("Closed")
)

// Executor is a point-in-time copy of an executor record.
type Executor struct {
	ID            ExecutorID    `json:"id"`
	PodID         string        `json:"pod_id"`
	Application   string        `json:"application"`
	State         ExecutorState `json:"state"`
	SessionID     SessionID     `json:"session_id,omitempty"`
	Release       bool          `json:"release,omitempty"`
	StateSince    time.Time     `json:"state_since"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	RegisteredAt  time.Time     `json:"registered_at"`
	BoundAt       time.Time     `json:"bound_at,omitempty"`
	IdleSince     time.Time     `json:"idle_since,omitempty"`
}

// RegisterExecutorOptions are the arguments to RegisterExecutor.
type RegisterExecutorOptions struct {
	ExecutorID  ExecutorID `json:"executor_id"`
	PodID       string     `json:"pod_id"`
	Application string     `json:"application"`
}

// ReportResultOptions are the arguments to ReportResult.
type ReportResultOptions struct {
	ExecutorID ExecutorID `json:"executor_id"`
	SessionID  SessionID  `json:"session_id"`
	TaskID     TaskID     `json:"task_id"`
	Result     TaskResult `json:"result"`
}

// PullResponse is the response to PullTask. Task is nil when there
// is no work; the executor should retry after RetryAfter.
type PullResponse struct {
	Task       *Task    `json:"task,omitempty"`
	RetryAfter Duration `json:"retry_after,omitempty"`
}

// NotificationKind is the kind of a Notification.
type NotificationKind string

const (
	NotifyBind   = NotificationKind("Bind")
	NotifyUnbind = NotificationKind("Unbind")
)

// Notification is pushed to an executor when the scheduler binds it
// to a session or unbinds it.
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	SessionID   SessionID        `json:"session_id"`
	Application string           `json:"application,omitempty"`
}
