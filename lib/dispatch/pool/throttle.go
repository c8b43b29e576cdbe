// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/lib/cloud"
)

type throttle struct {
	clock clock.Clock
	err   error
	until time.Time
	mtx   sync.Mutex
}

func (thr *throttle) now() time.Time {
	if thr.clock == nil {
		return time.Now()
	}
	return thr.clock.Now()
}

// CheckRateLimitError checks whether the given error is a
// cloud.RateLimitError, and if so, ensures Error() returns a non-nil
// error until the rate limiting holdoff period expires.
//
// If a notify func is given, it will be called after the holdoff
// period expires.
func (thr *throttle) CheckRateLimitError(err error, logger logrus.FieldLogger, callType string, notify func()) {
	var rle cloud.RateLimitError
	if !errors.As(err, &rle) {
		return
	}
	until := rle.EarliestRetry()
	now := thr.now()
	if !until.After(now) {
		return
	}
	dur := until.Sub(now)
	logger.WithFields(logrus.Fields{
		"CallType": callType,
		"Duration": dur,
		"ResumeAt": until,
	}).Info("suspending remote calls due to rate-limit error")
	thr.ErrorUntil(fmt.Errorf("remote calls are suspended for %s, until %s", dur, until), until, notify)
}

func (thr *throttle) ErrorUntil(err error, until time.Time, notify func()) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
	if notify != nil {
		if thr.clock == nil {
			time.AfterFunc(until.Sub(time.Now()), notify)
		} else {
			thr.clock.AfterFunc(until.Sub(thr.clock.Now()), notify)
		}
	}
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && thr.now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}
