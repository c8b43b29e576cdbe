// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/lib/cloud"
	"github.com/xflops/flame/lib/cloud/docker"
	"github.com/xflops/flame/lib/cloud/kubernetes"
	"github.com/xflops/flame/lib/cloud/loopback"
	"github.com/xflops/flame/sdk/go/flame"
	"golang.org/x/time/rate"
)

// Drivers are the resource manager drivers, by configured name.
var Drivers = map[string]cloud.Driver{
	"loopback":   loopback.Driver,
	"docker":     docker.Driver,
	"kubernetes": kubernetes.Driver,
}

func newPodSet(cluster *flame.Cluster, setID cloud.PodSetID, logger logrus.FieldLogger) (cloud.PodSet, error) {
	driver, ok := Drivers[cluster.ResourceManager.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported resource manager driver %q", cluster.ResourceManager.Driver)
	}
	ps, err := driver.PodSet(cluster.ResourceManager.DriverParameters, setID, logger)
	if err != nil {
		return nil, err
	}
	if maxops := cluster.ResourceManager.MaxOpsPerSecond; maxops > 0 {
		ps = &rateLimitedPodSet{
			PodSet:  ps,
			limiter: rate.NewLimiter(rate.Limit(maxops), 1),
		}
	}
	return ps, nil
}

type rateLimitedPodSet struct {
	cloud.PodSet
	limiter *rate.Limiter
}

func (ps *rateLimitedPodSet) Create(spec cloud.PodSpec) (cloud.Pod, error) {
	if err := ps.limiter.Wait(context.Background()); err != nil {
		return nil, err
	}
	pod, err := ps.PodSet.Create(spec)
	if err != nil {
		return nil, err
	}
	return &rateLimitedPod{pod, ps.limiter}, nil
}

func (ps *rateLimitedPodSet) Pods(labels cloud.Labels) ([]cloud.Pod, error) {
	pods, err := ps.PodSet.Pods(labels)
	for i, pod := range pods {
		pods[i] = &rateLimitedPod{pod, ps.limiter}
	}
	return pods, err
}

type rateLimitedPod struct {
	cloud.Pod
	limiter *rate.Limiter
}

func (pod *rateLimitedPod) Destroy() error {
	if err := pod.limiter.Wait(context.Background()); err != nil {
		return err
	}
	return pod.Pod.Destroy()
}
