// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package kubernetes is a cloud.Driver that runs each executor in a
// Kubernetes pod.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/lib/cloud"
	"github.com/xflops/flame/sdk/go/flame"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Driver is the Kubernetes implementation of the cloud.Driver
// interface.
var Driver = cloud.DriverFunc(newPodSet)

type podSetConfig struct {
	// Namespace for executor pods.
	Namespace string

	// Path to a kubeconfig file. If empty, use in-cluster config
	// or the usual KUBECONFIG search.
	Kubeconfig string

	// Service account for executor pods.
	ServiceAccount string

	// Image pull policy, e.g., "IfNotPresent".
	ImagePullPolicy string

	// Timeout for each API call.
	Timeout flame.Duration
}

type quotaError struct{ error }

func (quotaError) IsQuotaError() bool { return true }

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (e rateLimitError) EarliestRetry() time.Time { return e.earliestRetry }

type podSet struct {
	podSetID cloud.PodSetID
	logger   logrus.FieldLogger
	config   podSetConfig
	client   client.Client
}

func newPodSet(config json.RawMessage, podSetID cloud.PodSetID, logger logrus.FieldLogger) (cloud.PodSet, error) {
	var cfg podSetConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("kubernetes driver parameters: %w", err)
		}
	}
	restConfig, err := ctrl.GetConfig()
	if cfg.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	}
	if err != nil {
		return nil, err
	}
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, err
	}
	k8sClient, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, err
	}
	return newPodSetWithClient(k8sClient, cfg, podSetID, logger), nil
}

func newPodSetWithClient(k8sClient client.Client, cfg podSetConfig, podSetID cloud.PodSetID, logger logrus.FieldLogger) *podSet {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = flame.Duration(time.Minute)
	}
	return &podSet{
		podSetID: podSetID,
		logger:   logger,
		config:   cfg,
		client:   k8sClient,
	}
}

func (ps *podSet) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ps.config.Timeout.Duration())
}

func (ps *podSet) Create(spec cloud.PodSpec) (cloud.Pod, error) {
	ctx, cancel := ps.ctx()
	defer cancel()
	var env []corev1.EnvVar
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })
	env = append(env, corev1.EnvVar{
		Name:      "FLAME_POD_ID",
		ValueFrom: &corev1.EnvVarSource{FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"}},
	})
	meta := metav1.ObjectMeta{
		Namespace: ps.config.Namespace,
		Labels:    spec.Labels,
	}
	if exr := spec.Labels[cloud.LabelExecutor]; exr != "" {
		meta.Name = "flame-executor-" + strings.ToLower(exr)
	} else {
		meta.GenerateName = "flame-executor-"
	}
	pod := &corev1.Pod{
		ObjectMeta: meta,
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: ps.config.ServiceAccount,
			Containers: []corev1.Container{{
				Name:            "executor",
				Image:           spec.Image,
				Command:         spec.Command,
				Env:             env,
				ImagePullPolicy: corev1.PullPolicy(ps.config.ImagePullPolicy),
			}},
		},
	}
	if err := ps.client.Create(ctx, pod); err != nil {
		return nil, wrapError(err)
	}
	return &k8sPod{ps: ps, pod: pod}, nil
}

func (ps *podSet) Pods(labels cloud.Labels) ([]cloud.Pod, error) {
	ctx, cancel := ps.ctx()
	defer cancel()
	var list corev1.PodList
	err := ps.client.List(ctx, &list, client.InNamespace(ps.config.Namespace), client.MatchingLabels(labels))
	if err != nil {
		return nil, wrapError(err)
	}
	var ret []cloud.Pod
	for i := range list.Items {
		ret = append(ret, &k8sPod{ps: ps, pod: &list.Items[i]})
	}
	return ret, nil
}

func (ps *podSet) Stop() {}

// wrapError converts quota and throttling responses to the
// corresponding cloud error types.
func wrapError(err error) error {
	switch {
	case apierrors.IsForbidden(err) && strings.Contains(err.Error(), "exceeded quota"):
		return quotaError{err}
	case apierrors.IsTooManyRequests(err):
		delay := time.Second
		if secs, ok := apierrors.SuggestsClientDelay(err); ok {
			delay = time.Duration(secs) * time.Second
		}
		return rateLimitError{error: err, earliestRetry: time.Now().Add(delay)}
	default:
		return err
	}
}

type k8sPod struct {
	ps  *podSet
	pod *corev1.Pod
}

func (p *k8sPod) ID() cloud.PodID      { return cloud.PodID(p.pod.UID) }
func (p *k8sPod) String() string       { return p.pod.Name }
func (p *k8sPod) Labels() cloud.Labels { return cloud.Labels(p.pod.Labels) }

func (p *k8sPod) Phase() cloud.PodPhase {
	if p.pod.DeletionTimestamp != nil {
		return cloud.PodTerminated
	}
	switch p.pod.Status.Phase {
	case corev1.PodRunning:
		return cloud.PodRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		return cloud.PodTerminated
	default:
		return cloud.PodPending
	}
}

func (p *k8sPod) Destroy() error {
	ctx, cancel := p.ps.ctx()
	defer cancel()
	err := p.ps.client.Delete(ctx, p.pod)
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
