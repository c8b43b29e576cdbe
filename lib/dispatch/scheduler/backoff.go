// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// provisionBackoff decides whether a session may ask for another pod
// after pod creation failures. Each failure pushes the next allowed
// attempt further out; a success resets the history.
type provisionBackoff struct {
	clock      clock.Clock
	errBackoff *backoff.ExponentialBackOff
	interval   time.Duration
	lastFail   time.Time
	failures   int
	lastErr    error
}

func newProvisionBackoff(clk clock.Clock, initial, max time.Duration) *provisionBackoff {
	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.InitialInterval = initial
	errBackoff.MaxInterval = max
	errBackoff.RandomizationFactor = 0
	// Never give up; the session's degraded flag reports
	// persistent failures instead.
	errBackoff.MaxElapsedTime = 0
	errBackoff.Reset()
	return &provisionBackoff{clock: clk, errBackoff: errBackoff}
}

// Allow returns whether a new pod may be requested now.
func (b *provisionBackoff) Allow() bool {
	return b.failures == 0 || b.clock.Now().Sub(b.lastFail) >= b.interval
}

func (b *provisionBackoff) Fail(err error) {
	b.failures++
	b.lastErr = err
	b.lastFail = b.clock.Now()
	b.interval = b.errBackoff.NextBackOff()
}

func (b *provisionBackoff) Success() {
	b.failures = 0
	b.lastErr = nil
	b.interval = 0
	b.errBackoff.Reset()
}
