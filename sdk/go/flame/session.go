// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package flame

import (
	"fmt"
	"time"
)

// SessionID identifies a session. Session IDs are generated by the
// session manager when the session is opened.
type SessionID string

// SessionState is a string corresponding to a valid Session state.
type SessionState string

const (
	SessionOpen    = SessionState("Open")
	SessionClosing = SessionState("Closing")
	SessionClosed  = SessionState("Closed")
)

// SessionConfig is the scheduling configuration of a session.
type SessionConfig struct {
	MinExecutors int      `json:"min_executors"`
	MaxExecutors int      `json:"max_executors"`
	Proportion   int      `json:"proportion"`
	DelayRelease Duration `json:"delay_release"`
}

// Validate returns an error wrapping ErrInvalidConfig if the
// configuration cannot be scheduled.
func (cfg SessionConfig) Validate() error {
	switch {
	case cfg.MinExecutors < 0 || cfg.MaxExecutors < 0:
		return fmt.Errorf("%w: executor bounds must not be negative (min %d, max %d)", ErrInvalidConfig, cfg.MinExecutors, cfg.MaxExecutors)
	case cfg.MinExecutors > cfg.MaxExecutors:
		return fmt.Errorf("%w: min_executors %d exceeds max_executors %d", ErrInvalidConfig, cfg.MinExecutors, cfg.MaxExecutors)
	case cfg.Proportion < 0:
		return fmt.Errorf("%w: proportion %d is negative", ErrInvalidConfig, cfg.Proportion)
	case cfg.DelayRelease < 0:
		return fmt.Errorf("%w: delay_release %s is negative", ErrInvalidConfig, cfg.DelayRelease)
	}
	return nil
}

// Counters are the live task counters of a session. Their sum is the
// number of tasks ever submitted to the session.
type Counters struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Total returns the number of tasks accounted for.
func (c Counters) Total() int {
	return c.Pending + c.Running + c.Succeeded + c.Failed
}

// Session is a point-in-time copy of a session's state.
type Session struct {
	ID             SessionID     `json:"id"`
	Application    string        `json:"application"`
	Config         SessionConfig `json:"config"`
	State          SessionState  `json:"state"`
	Counters       Counters      `json:"counters"`
	Executors      int           `json:"executors"`
	Degraded       bool          `json:"degraded"`
	DegradedReason string        `json:"degraded_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ClosedAt       time.Time     `json:"closed_at,omitempty"`
}

// OpenSessionOptions are the arguments to OpenSession.
type OpenSessionOptions struct {
	Application string        `json:"application"`
	Config      SessionConfig `json:"config"`
}
