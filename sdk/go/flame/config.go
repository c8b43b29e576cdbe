// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package flame

import (
	"encoding/json"
	"fmt"
	"net/url"
)

const DefaultConfigFile = "/etc/flame/config.yml"

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	if cc, ok := sc.Clusters[clusterID]; !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	} else {
		cc.ClusterID = clusterID
		return &cc, nil
	}
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string
	Services        Services
	SystemLogs      struct {
		Format   string
		LogLevel string
	}
	Dispatch        DispatchConfig
	DefaultSession  SessionConfig
	ResourceManager ResourceManagerConfig
	Applications    map[string]Application
}

type Services struct {
	SessionManager Service
}

type Service struct {
	// Address the service listens on.
	InternalURL URL
	// Address executors and clients use to reach the service.
	// Defaults to InternalURL.
	ExternalURL URL
}

// URL is a url.URL that is also usable as a JSON key/value.
type URL url.URL

// UnmarshalText implements encoding.TextUnmarshaler so URL can be
// used as a JSON key/value.
func (su *URL) UnmarshalText(text []byte) error {
	u, err := url.Parse(string(text))
	if err == nil {
		*su = URL(*u)
		if su.Path == "" && su.Host != "" {
			// http://example really means http://example/
			su.Path = "/"
		}
	}
	return err
}

func (su URL) MarshalText() ([]byte, error) {
	return []byte(su.String()), nil
}

func (su URL) String() string {
	return (*url.URL)(&su).String()
}

// DispatchConfig holds the cluster-wide settings of the session
// manager's scheduler and dispatch protocol.
type DispatchConfig struct {
	LeaseDuration           Duration
	BindTimeout             Duration
	HeartbeatInterval       Duration
	HeartbeatMissLimit      int
	RetryLimit              int
	GlobalExecutorBudget    int
	PollInterval            Duration
	LeaseSweepInterval      Duration
	IdleTimeout             Duration
	BootTimeout             Duration
	MaxPullWait             Duration
	ClosedSessionRetention  int
	ProvisionRetryLimit     int
	ProvisionBackoffInitial Duration
	ProvisionBackoffMax     Duration
}

type ResourceManagerConfig struct {
	Driver           string
	DriverParameters json.RawMessage
	MaxOpsPerSecond  int
	SyncInterval     Duration
	// Command that starts the executor agent inside a pod.
	AgentCommand []string
}

// Application describes how to start executors for an application.
type Application struct {
	Image string
	// Command run by the executor for each task, with the task
	// input on stdin.
	Command []string
	Env     map[string]string
}
