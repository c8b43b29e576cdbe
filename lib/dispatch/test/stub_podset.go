// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package test provides a stub resource manager for testing the
// dispatcher and its components.
package test

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/lib/cloud"
)

// A StubDriver implements cloud.Driver by returning Set.
type StubDriver struct {
	Set *StubPodSet
}

// PodSet returns sd.Set, creating it first if needed.
func (sd *StubDriver) PodSet(config json.RawMessage, id cloud.PodSetID, logger logrus.FieldLogger) (cloud.PodSet, error) {
	if sd.Set == nil {
		sd.Set = &StubPodSet{}
	}
	return sd.Set, nil
}

// StubPodSet is an in-memory cloud.PodSet. Pods are Running as soon
// as they are created.
type StubPodSet struct {
	// If not nil, called by Create; a non-nil return value is
	// returned to the caller instead of creating a pod.
	CreateError func(cloud.PodSpec) error

	// Set to make(chan bool) to hold Create calls until a value
	// is received.
	Hold chan bool

	// Called after each successful Create.
	OnCreate func(cloud.PodSpec)

	// If not nil, returned by Pods.
	PodsError error

	mtx       sync.Mutex
	pods      map[cloud.PodID]*stubPod
	created   []cloud.PodSpec
	destroyed int
	stopped   bool
}

func (sps *StubPodSet) Create(spec cloud.PodSpec) (cloud.Pod, error) {
	if sps.Hold != nil {
		<-sps.Hold
	}
	if sps.CreateError != nil {
		if err := sps.CreateError(spec); err != nil {
			return nil, err
		}
	}
	sps.mtx.Lock()
	if sps.stopped {
		sps.mtx.Unlock()
		return nil, errors.New("StubPodSet: Create called after Stop")
	}
	if sps.pods == nil {
		sps.pods = map[cloud.PodID]*stubPod{}
	}
	sp := &stubPod{
		sps:    sps,
		id:     cloud.PodID(fmt.Sprintf("stub-%x", rand.Uint64())),
		labels: copyLabels(spec.Labels),
		phase:  cloud.PodRunning,
	}
	sps.pods[sp.id] = sp
	sps.created = append(sps.created, spec)
	sps.mtx.Unlock()
	if sps.OnCreate != nil {
		sps.OnCreate(spec)
	}
	return sp.snapshot(), nil
}

func (sps *StubPodSet) Pods(labels cloud.Labels) ([]cloud.Pod, error) {
	sps.mtx.Lock()
	defer sps.mtx.Unlock()
	if sps.PodsError != nil {
		return nil, sps.PodsError
	}
	var r []cloud.Pod
	for _, sp := range sps.pods {
		if matchLabels(sp.labels, labels) {
			r = append(r, sp.snapshotLocked())
		}
	}
	return r, nil
}

func (sps *StubPodSet) Stop() {
	sps.mtx.Lock()
	defer sps.mtx.Unlock()
	sps.stopped = true
}

// Created returns the specs of all pods created so far.
func (sps *StubPodSet) Created() []cloud.PodSpec {
	sps.mtx.Lock()
	defer sps.mtx.Unlock()
	return append([]cloud.PodSpec(nil), sps.created...)
}

// Destroyed returns the number of Destroy calls so far.
func (sps *StubPodSet) Destroyed() int {
	sps.mtx.Lock()
	defer sps.mtx.Unlock()
	return sps.destroyed
}

// Len returns the number of existing pods.
func (sps *StubPodSet) Len() int {
	sps.mtx.Lock()
	defer sps.mtx.Unlock()
	return len(sps.pods)
}

// Terminate sets the phase of the pod with the given executor label
// to Terminated, as if its process had exited.
func (sps *StubPodSet) Terminate(executor string) bool {
	sps.mtx.Lock()
	defer sps.mtx.Unlock()
	for _, sp := range sps.pods {
		if sp.labels[cloud.LabelExecutor] == executor {
			sp.phase = cloud.PodTerminated
			return true
		}
	}
	return false
}

// Remove deletes the pod with the given executor label without
// going through Destroy, as if it were deleted out of band.
func (sps *StubPodSet) Remove(executor string) bool {
	sps.mtx.Lock()
	defer sps.mtx.Unlock()
	for id, sp := range sps.pods {
		if sp.labels[cloud.LabelExecutor] == executor {
			delete(sps.pods, id)
			return true
		}
	}
	return false
}

type stubPod struct {
	sps    *StubPodSet
	id     cloud.PodID
	labels cloud.Labels
	phase  cloud.PodPhase
}

func (sp *stubPod) snapshot() cloud.Pod {
	sp.sps.mtx.Lock()
	defer sp.sps.mtx.Unlock()
	return sp.snapshotLocked()
}

// Return a copy, so Phase() reports the phase at the time of the
// call that returned the pod.
func (sp *stubPod) snapshotLocked() cloud.Pod {
	return stubPodView{sp: sp, labels: copyLabels(sp.labels), phase: sp.phase}
}

type stubPodView struct {
	sp     *stubPod
	labels cloud.Labels
	phase  cloud.PodPhase
}

func (v stubPodView) ID() cloud.PodID       { return v.sp.id }
func (v stubPodView) String() string        { return string(v.sp.id) }
func (v stubPodView) Labels() cloud.Labels  { return v.labels }
func (v stubPodView) Phase() cloud.PodPhase { return v.phase }

func (v stubPodView) Destroy() error {
	sps := v.sp.sps
	sps.mtx.Lock()
	defer sps.mtx.Unlock()
	sps.destroyed++
	delete(sps.pods, v.sp.id)
	return nil
}

func copyLabels(src cloud.Labels) cloud.Labels {
	dst := cloud.Labels{}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func matchLabels(have, want cloud.Labels) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
