// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudtest

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/lib/cloud"
)

var (
	errTestPodNotFound = errors.New("test pod missing from resource manager's list")
)

// A tester does a sequence of operations to test a resource manager
// driver and configuration. Run() should be called only once, after
// assigning suitable values to public fields.
type tester struct {
	Logger             logrus.FieldLogger
	SetID              cloud.PodSetID
	DestroyExisting    bool
	SyncInterval       time.Duration
	TimeoutBooting     time.Duration
	Driver             cloud.Driver
	DriverParameters   json.RawMessage
	Image              string
	Command            []string
	PauseBeforeDestroy func()

	ps      cloud.PodSet
	testPod cloud.Pod
	secret  string
}

// Run the test sequence, clean up as needed, and return true
// (everything is OK) or false (something went wrong).
func (t *tester) Run() bool {
	// Set when we encounter a non-fatal error, so we can continue
	// testing but return false at the end.
	deferredError := false

	var err error
	t.ps, err = t.Driver.PodSet(t.DriverParameters, t.SetID, t.Logger)
	if err != nil {
		t.Logger.WithError(err).Info("error initializing driver")
		return false
	}
	defer t.ps.Stop()

	for {
		pods, err := t.getPods(nil)
		if err != nil {
			t.Logger.WithError(err).Info("error getting list of pods")
			return false
		}
		if len(pods) == 0 {
			break
		}
		for _, pod := range pods {
			lgr := t.Logger.WithFields(logrus.Fields{
				"PodID":    pod.ID(),
				"PodSetID": t.SetID,
			})
			if !t.DestroyExisting {
				lgr.Error("found existing pod with our PodSetID")
				continue
			}
			lgr.Info("destroying existing pod with our PodSetID")
			t0 := time.Now()
			err := pod.Destroy()
			lgr = lgr.WithField("Duration", time.Since(t0))
			if err != nil {
				lgr.WithError(err).Error("error destroying existing pod")
			} else {
				lgr.Info("Destroy() call succeeded")
			}
		}
		if !t.DestroyExisting {
			t.Logger.Error("cannot continue with existing pods -- clean up manually, use -destroy-existing=true, or choose a different -pod-set-id")
			return false
		}
		t.sleepSyncInterval()
	}

	t.secret = randomHex(40)
	labels := cloud.Labels{
		cloud.LabelPodSet:      string(t.SetID),
		cloud.LabelExecutor:    "cloudtest-" + t.secret[:12],
		cloud.LabelApplication: "cloudtest",
	}
	spec := cloud.PodSpec{
		Image:   t.Image,
		Command: t.Command,
		Env:     map[string]string{"FLAME_CLOUDTEST_SECRET": t.secret},
		Labels:  labels,
	}

	defer t.destroyTestPod()

	bootDeadline := time.Now().Add(t.TimeoutBooting)
	t.Logger.WithFields(logrus.Fields{
		"Image":   spec.Image,
		"Command": spec.Command,
		"Labels":  labels,
	}).Info("creating pod")
	t0 := time.Now()
	pod, err := t.ps.Create(spec)
	lgrC := t.Logger.WithField("Duration", time.Since(t0))
	if err != nil {
		// Create() might have failed even though the pod was
		// created, so wait a bit for one to appear.
		deferredError = true
		lgrC.WithError(err).Error("error creating test pod")
		t.Logger.WithField("Deadline", bootDeadline).Info("waiting for pod to appear anyway, in case the Create response was incorrect")
		for err = t.refreshTestPod(labels); err != nil; err = t.refreshTestPod(labels) {
			if time.Now().After(bootDeadline) {
				t.Logger.Error("timed out")
				return false
			}
			t.sleepSyncInterval()
		}
		t.Logger.WithField("PodID", t.testPod.ID()).Info("new pod appeared")
	} else {
		// Create() succeeded. Make sure the new pod appears
		// right away in the Pods() list.
		lgrC.WithField("PodID", pod.ID()).Info("created pod")
		t.testPod = pod
		err = t.refreshTestPod(labels)
		if err == errTestPodNotFound {
			t.Logger.WithError(err).Error("driver Create succeeded, but pod is not in list")
			deferredError = true
		} else if err != nil {
			t.Logger.WithError(err).Error("error getting list of pods")
			return false
		}
	}

	if !t.checkLabels(labels) {
		deferredError = true
	}

	if !t.waitForBoot(labels, bootDeadline) {
		deferredError = true
	}

	if fn := t.PauseBeforeDestroy; fn != nil {
		fn()
	}

	return !deferredError
}

// Get the latest pod list from the driver. If our test pod is found,
// assign it to t.testPod.
func (t *tester) refreshTestPod(labels cloud.Labels) error {
	pods, err := t.getPods(labels)
	if err != nil {
		return err
	}
	for _, pod := range pods {
		if t.testPod != nil && pod.ID() != t.testPod.ID() {
			continue
		}
		if t.testPod == nil && pod.Labels()[cloud.LabelExecutor] != labels[cloud.LabelExecutor] {
			continue
		}
		t.Logger.WithFields(logrus.Fields{
			"PodID": pod.ID(),
			"Phase": pod.Phase(),
		}).Info("found our pod in returned list")
		t.testPod = pod
		return nil
	}
	return errTestPodNotFound
}

// Get the list of pods, passing the given labels to the driver to
// filter results.
//
// Return only the pods that have our PodSetID label.
func (t *tester) getPods(labels cloud.Labels) ([]cloud.Pod, error) {
	var ret []cloud.Pod
	t.Logger.WithField("FilterLabels", labels).Info("getting pod list")
	t0 := time.Now()
	pods, err := t.ps.Pods(labels)
	if err != nil {
		return nil, err
	}
	t.Logger.WithFields(logrus.Fields{
		"Duration": time.Since(t0),
		"N":        len(pods),
	}).Info("got pod list")
	for _, pod := range pods {
		if pod.Labels()[cloud.LabelPodSet] == string(t.SetID) {
			ret = append(ret, pod)
		}
	}
	return ret, nil
}

// Check that t.testPod has every label in labels. If not, log an
// error and return false.
func (t *tester) checkLabels(labels cloud.Labels) bool {
	ok := true
	for k, v := range labels {
		if got := t.testPod.Labels()[k]; got != v {
			ok = false
			t.Logger.WithFields(logrus.Fields{
				"Key":           k,
				"ExpectedValue": v,
				"GotValue":      got,
			}).Error("label is missing from test pod")
		}
	}
	if ok {
		t.Logger.Info("all expected labels are present")
	}
	return ok
}

// Wait for t.testPod to reach the Running phase. A pod whose command
// exits quickly may be Terminated by the time we look, which also
// shows it booted.
func (t *tester) waitForBoot(labels cloud.Labels, deadline time.Time) bool {
	for time.Now().Before(deadline) {
		switch phase := t.testPod.Phase(); phase {
		case cloud.PodRunning, cloud.PodTerminated:
			t.Logger.WithField("Phase", phase).Info("pod booted")
			return true
		}
		t.sleepSyncInterval()
		t.refreshTestPod(labels)
	}
	t.Logger.Error("timed out")
	return false
}

// currently, this tries forever until it can return true (success).
func (t *tester) destroyTestPod() bool {
	if t.testPod == nil {
		return true
	}
	labels := t.testPod.Labels()
	for {
		lgr := t.Logger.WithField("PodID", t.testPod.ID())
		lgr.Info("destroying pod")
		t0 := time.Now()

		err := t.testPod.Destroy()
		lgrDur := lgr.WithField("Duration", time.Since(t0))
		if err != nil {
			lgrDur.WithError(err).Error("error destroying pod")
		} else {
			lgrDur.Info("destroyed pod")
		}

		err = t.refreshTestPod(labels)
		if err == errTestPodNotFound {
			lgr.Info("pod no longer appears in list")
			t.testPod = nil
			return true
		} else if err == nil {
			lgr.Info("pod still exists after calling Destroy")
			t.sleepSyncInterval()
			continue
		} else {
			t.Logger.WithError(err).Error("error getting list of pods")
			t.sleepSyncInterval()
			continue
		}
	}
}

func (t *tester) sleepSyncInterval() {
	t.Logger.WithField("Duration", t.SyncInterval).Info("waiting SyncInterval")
	time.Sleep(t.SyncInterval)
}

// Return a random string of n hexadecimal digits (n*4 random bits). n
// must be even.
func randomHex(n int) string {
	buf := make([]byte, n/2)
	_, err := rand.Read(buf)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", buf)
}
