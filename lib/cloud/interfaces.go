// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cloud defines the interface between the dispatcher and the
// resource manager that runs executor pods.
package cloud

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by a PodSet when the resource
// manager indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by a PodSet when the resource
// manager indicates the account cannot run more pods than already
// exist.
type QuotaError interface {
	// If true, don't create more pods until some existing pods
	// are destroyed. If false, don't handle the error as a quota
	// error.
	IsQuotaError() bool
	error
}

type PodSetID string
type PodID string
type Labels map[string]string

// Labels set by the dispatcher on every pod it creates.
const (
	LabelPodSet      = "flame-pod-set"
	LabelExecutor    = "flame-executor"
	LabelApplication = "flame-application"
)

// PodPhase is the lifecycle phase of a pod as reported by the
// resource manager.
type PodPhase string

const (
	PodPending    = PodPhase("Pending")
	PodRunning    = PodPhase("Running")
	PodTerminated = PodPhase("Terminated")
)

var ErrNotImplemented = errors.New("not implemented")

// PodSpec describes a pod running one executor process.
type PodSpec struct {
	Image   string
	Command []string
	Env     map[string]string
	Labels  Labels
}

// Pod is implemented by the driver-specific pod types.
type Pod interface {
	// ID returns the resource manager's pod ID. It must be stable
	// for the life of the pod.
	ID() PodID

	// String typically returns the resource manager's pod name.
	String() string

	// Labels returns the labels given at creation.
	Labels() Labels

	// Phase returns the phase observed when the pod was last
	// listed.
	Phase() PodPhase

	// Delete the pod.
	Destroy() error
}

// A PodSet manages a set of pods created by a resource manager like
// Kubernetes or a local container runtime.
//
// All public methods of a PodSet, and all public methods of the pods
// it returns, are goroutine safe.
type PodSet interface {
	// Create a new pod with the given spec.
	//
	// The returned error should implement RateLimitError and
	// QuotaError where applicable.
	Create(PodSpec) (Pod, error)

	// Return all pods, including ones that are starting or
	// terminated but not yet deleted. Optionally, filter out pods
	// that don't have all of the given labels (the caller will
	// ignore these anyway).
	//
	// Successive calls may return different Pod objects for the
	// same pod; the caller de-duplicates them by ID().
	Pods(Labels) ([]Pod, error)

	// Stop any background tasks and release other resources.
	Stop()
}

// A Driver returns a PodSet that uses the given PodSetID and
// driver-dependent configuration parameters.
//
// The returned PodSet must not delete pods unless the caller calls
// Destroy() on them. The dispatcher always passes the PodSetID as the
// LabelPodSet label when calling Create() and Pods(), so the driver
// does not need to label/filter pods by PodSetID itself.
//
// Example:
//
//	type examplePodSet struct {
//		ownID     cloud.PodSetID
//		Namespace string
//	}
//
//	func newExamplePodSet(config json.RawMessage, id cloud.PodSetID, logger logrus.FieldLogger) (cloud.PodSet, error) {
//		var ps examplePodSet
//		if err := json.Unmarshal(config, &ps); err != nil {
//			return nil, err
//		}
//		ps.ownID = id
//		return &ps, nil
//	}
//
//	var Driver = cloud.DriverFunc(newExamplePodSet)
type Driver interface {
	PodSet(config json.RawMessage, id PodSetID, logger logrus.FieldLogger) (PodSet, error)
}

// DriverFunc makes a Driver using the provided function as its
// PodSet method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(config json.RawMessage, id PodSetID, logger logrus.FieldLogger) (PodSet, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(config json.RawMessage, id PodSetID, logger logrus.FieldLogger) (PodSet, error)

func (df driverFunc) PodSet(config json.RawMessage, id PodSetID, logger logrus.FieldLogger) (PodSet, error) {
	return df(config, id, logger)
}
