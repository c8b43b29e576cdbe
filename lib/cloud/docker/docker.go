// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package docker is a cloud.Driver that runs each pod as a container
// on a Docker engine.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/lib/cloud"
	"github.com/xflops/flame/sdk/go/flame"
)

// Driver is the Docker implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newPodSet)

// dockerClient is the subset of the Docker API used by the driver.
type dockerClient interface {
	ContainerCreate(ctx context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (dockercontainer.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options dockercontainer.StartOptions) error
	ContainerList(ctx context.Context, options dockercontainer.ListOptions) ([]dockertypes.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error
}

type podSetConfig struct {
	// Docker daemon address; empty means DOCKER_HOST or the
	// default socket.
	Host string

	// Network mode for executor containers, e.g., "host" so
	// executors can reach the session manager on localhost.
	NetworkMode string

	// Timeout for each Docker API call.
	Timeout flame.Duration
}

type podSet struct {
	podSetID cloud.PodSetID
	logger   logrus.FieldLogger
	config   podSetConfig
	client   dockerClient
}

func newPodSet(config json.RawMessage, podSetID cloud.PodSetID, logger logrus.FieldLogger) (cloud.PodSet, error) {
	var cfg podSetConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("docker driver parameters: %w", err)
		}
	}
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}
	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return newPodSetWithClient(client, cfg, podSetID, logger), nil
}

func newPodSetWithClient(client dockerClient, cfg podSetConfig, podSetID cloud.PodSetID, logger logrus.FieldLogger) *podSet {
	if cfg.Timeout <= 0 {
		cfg.Timeout = flame.Duration(time.Minute)
	}
	return &podSet{
		podSetID: podSetID,
		logger:   logger,
		config:   cfg,
		client:   client,
	}
}

func (ps *podSet) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ps.config.Timeout.Duration())
}

func (ps *podSet) Create(spec cloud.PodSpec) (cloud.Pod, error) {
	ctx, cancel := ps.ctx()
	defer cancel()
	var env []string
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	name := "flame-" + uuid.NewString()
	if exr := spec.Labels[cloud.LabelExecutor]; exr != "" {
		name = "flame-executor-" + exr
	}
	env = append(env, "FLAME_POD_ID="+name)
	cfg := &dockercontainer.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    env,
		Labels: spec.Labels,
	}
	hostCfg := &dockercontainer.HostConfig{}
	if ps.config.NetworkMode != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(ps.config.NetworkMode)
	}
	created, err := ps.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := ps.client.ContainerStart(ctx, created.ID, dockercontainer.StartOptions{}); err != nil {
		ps.client.ContainerRemove(ctx, created.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container %s: %w", created.ID, err)
	}
	return &pod{ps: ps, id: cloud.PodID(created.ID), name: name, labels: spec.Labels, phase: cloud.PodPending}, nil
}

func (ps *podSet) Pods(labels cloud.Labels) ([]cloud.Pod, error) {
	ctx, cancel := ps.ctx()
	defer cancel()
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	ctrs, err := ps.client.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}
	var ret []cloud.Pod
	for _, ctr := range ctrs {
		name := ctr.ID
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		ret = append(ret, &pod{
			ps:     ps,
			id:     cloud.PodID(ctr.ID),
			name:   name,
			labels: cloud.Labels(ctr.Labels),
			phase:  phaseOf(ctr.State),
		})
	}
	return ret, nil
}

func (ps *podSet) Stop() {}

// phaseOf maps a Docker container state to a pod phase.
func phaseOf(state string) cloud.PodPhase {
	switch state {
	case "created", "restarting":
		return cloud.PodPending
	case "running", "paused":
		return cloud.PodRunning
	default:
		return cloud.PodTerminated
	}
}

type pod struct {
	ps     *podSet
	id     cloud.PodID
	name   string
	labels cloud.Labels
	phase  cloud.PodPhase
}

func (p *pod) ID() cloud.PodID       { return p.id }
func (p *pod) String() string        { return p.name }
func (p *pod) Labels() cloud.Labels  { return p.labels }
func (p *pod) Phase() cloud.PodPhase { return p.phase }

func (p *pod) Destroy() error {
	ctx, cancel := p.ps.ctx()
	defer cancel()
	err := p.ps.client.ContainerRemove(ctx, string(p.id), dockercontainer.RemoveOptions{Force: true})
	if dockerclient.IsErrNotFound(err) {
		return nil
	}
	return err
}
