// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package loopback is a cloud.Driver that runs each pod as a child
// process on the local host. The pod spec's Image is ignored.
package loopback

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/lib/cloud"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newPodSet)

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

type podSetConfig struct {
	// Maximum number of live pods; zero means no limit.
	MaxPods int

	// Command to run when the pod spec has none.
	DefaultCommand []string
}

type podSet struct {
	podSetID cloud.PodSetID
	logger   logrus.FieldLogger
	config   podSetConfig

	mtx    sync.Mutex
	pods   map[cloud.PodID]*pod
	nextID int
}

func newPodSet(config json.RawMessage, podSetID cloud.PodSetID, logger logrus.FieldLogger) (cloud.PodSet, error) {
	ps := &podSet{
		podSetID: podSetID,
		logger:   logger,
		pods:     map[cloud.PodID]*pod{},
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &ps.config); err != nil {
			return nil, fmt.Errorf("loopback driver parameters: %w", err)
		}
	}
	return ps, nil
}

func (ps *podSet) Create(spec cloud.PodSpec) (cloud.Pod, error) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	if ps.config.MaxPods > 0 && len(ps.pods) >= ps.config.MaxPods {
		return nil, quotaError(fmt.Sprintf("loopback driver is at quota (%d pods)", ps.config.MaxPods))
	}
	argv := spec.Command
	if len(argv) == 0 {
		argv = ps.config.DefaultCommand
	}
	if len(argv) == 0 {
		return nil, errors.New("loopback driver: pod spec has no command")
	}
	ps.nextID++
	id := cloud.PodID(string(ps.podSetID) + "-" + strconv.Itoa(ps.nextID))
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "FLAME_POD_ID="+string(id))
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	// Prevent child process from using our tty, and allow
	// Destroy to signal the whole process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &pod{
		ps:     ps,
		id:     id,
		labels: spec.Labels,
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		ps.logger.WithFields(logrus.Fields{
			"PodID": id,
			"PID":   cmd.Process.Pid,
		}).WithError(err).Info("loopback pod exited")
		close(p.exited)
	}()
	ps.pods[id] = p
	return p, nil
}

func (ps *podSet) Pods(labels cloud.Labels) ([]cloud.Pod, error) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	var ret []cloud.Pod
	for _, p := range ps.pods {
		if p.hasLabels(labels) {
			ret = append(ret, p)
		}
	}
	return ret, nil
}

func (ps *podSet) Stop() {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	for _, p := range ps.pods {
		p.kill()
	}
}

type pod struct {
	ps     *podSet
	id     cloud.PodID
	labels cloud.Labels
	cmd    *exec.Cmd
	exited chan struct{}
}

func (p *pod) ID() cloud.PodID      { return p.id }
func (p *pod) String() string       { return string(p.id) }
func (p *pod) Labels() cloud.Labels { return p.labels }

func (p *pod) Phase() cloud.PodPhase {
	select {
	case <-p.exited:
		return cloud.PodTerminated
	default:
		return cloud.PodRunning
	}
}

func (p *pod) Destroy() error {
	p.kill()
	p.ps.mtx.Lock()
	defer p.ps.mtx.Unlock()
	delete(p.ps.pods, p.id)
	return nil
}

func (p *pod) kill() {
	select {
	case <-p.exited:
	default:
		syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
	}
}

func (p *pod) hasLabels(want cloud.Labels) bool {
	for k, v := range want {
		if p.labels[k] != v {
			return false
		}
	}
	return true
}
