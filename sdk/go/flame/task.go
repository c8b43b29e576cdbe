// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package flame

import (
	"time"
)

// TaskID identifies a task within its session. IDs start at 1 and
// follow submission order.
type TaskID int64

// TaskState is a string corresponding to a valid Task state.
type TaskState string

const (
	TaskPending = TaskState("Pending")
	TaskRunning = TaskState("Running")
	TaskSucceed = TaskState("Succeed")
	TaskFailed  = TaskState("Failed")
)

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	return s == TaskSucceed || s == TaskFailed
}

// Task is a point-in-time copy of a task.
type Task struct {
	ID            TaskID     `json:"id"`
	SessionID     SessionID  `json:"session_id"`
	State         TaskState  `json:"state"`
	Input         []byte     `json:"input,omitempty"`
	Output        []byte     `json:"output,omitempty"`
	Message       string     `json:"message,omitempty"`
	Executor      ExecutorID `json:"executor,omitempty"`
	LeaseDeadline time.Time  `json:"lease_deadline,omitempty"`
	Retries       int        `json:"retries"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskResult is the outcome an executor reports for a leased task.
type TaskResult struct {
	Succeeded bool   `json:"succeeded"`
	Output    []byte `json:"output,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SubmitTasksOptions are the arguments to SubmitTasks.
type SubmitTasksOptions struct {
	Inputs [][]byte `json:"inputs"`
}

// CompletedTask is one entry of a session's completion log, returned
// by WaitAnyCompleted. Next is the cursor of the following entry.
type CompletedTask struct {
	Task Task `json:"task"`
	Next int  `json:"next"`
}
