// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/sdk/go/flame"
)

type Loader struct {
	Logger logrus.FieldLogger

	// Path of the site config file, or "-" to read stdin.
	Path string

	stdin io.Reader
}

// NewLoader returns a new Loader with Path set to the default config
// file location, or FLAME_CONFIG if that is set.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{stdin: stdin, Logger: logger}
	ldr.Path = os.Getenv("FLAME_CONFIG")
	if ldr.Path == "" {
		ldr.Path = flame.DefaultConfigFile
	}
	return ldr
}

// SetupFlags configures a flagset so flag parsing updates the
// loader's Path.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file` (default may be overridden by setting a FLAME_CONFIG environment variable)")
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (ldr *Loader) Load() (*flame.Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	cfg, err := load(buf)
	if err != nil {
		return nil, err
	}
	for id, cc := range cfg.Clusters {
		ldr.Logger.WithField("ClusterID", id).WithField("Driver", cc.ResourceManager.Driver).Debug("loaded cluster config")
	}
	return cfg, nil
}

// Load reads a site config from rdr and returns it merged with the
// built-in defaults.
func Load(rdr io.Reader, logger logrus.FieldLogger) (*flame.Config, error) {
	ldr := NewLoader(rdr, logger)
	ldr.Path = "-"
	return ldr.Load()
}

func load(buf []byte) (*flame.Config, error) {
	// Load the config into a generic map to get the cluster ID
	// keys; then set up defaults for each cluster ID; then merge
	// the real config on top of the defaults.
	var supplied map[string]interface{}
	err := yaml.Unmarshal(buf, &supplied)
	if err != nil {
		return nil, err
	}
	clusters, _ := supplied["Clusters"].(map[string]interface{})
	if len(clusters) == 0 {
		return nil, errors.New("config does not define any clusters")
	}
	merged := map[string]interface{}{}
	for id := range clusters {
		var defaults map[string]interface{}
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte("xxxxx"), []byte(id), -1), &defaults)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %w", id, err)
		}
		mergeConfig(merged, defaults)
	}
	mergeConfig(merged, supplied)

	j, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var cfg flame.Config
	dec := json.NewDecoder(bytes.NewReader(j))
	dec.DisallowUnknownFields()
	err = dec.Decode(&cfg)
	if err != nil {
		return nil, err
	}
	for id, cc := range cfg.Clusters {
		cc.ClusterID = id
		applyDerivedDefaults(&cc)
		if err := checkCluster(&cc); err != nil {
			return nil, fmt.Errorf("cluster %s: %w", id, err)
		}
		cfg.Clusters[id] = cc
	}
	return &cfg, nil
}

// mergeConfig copies src into dst, recursing into nested maps. Null
// values in src leave dst unchanged.
func mergeConfig(dst, src map[string]interface{}) {
	for k, sv := range src {
		if sv == nil {
			continue
		}
		sm, sok := sv.(map[string]interface{})
		dm, dok := dst[k].(map[string]interface{})
		if sok && dok {
			mergeConfig(dm, sm)
		} else {
			dst[k] = sv
		}
	}
}

func applyDerivedDefaults(cc *flame.Cluster) {
	svc := &cc.Services.SessionManager
	if svc.ExternalURL.Host == "" {
		svc.ExternalURL = svc.InternalURL
	}
	if len(cc.ResourceManager.DriverParameters) == 0 {
		cc.ResourceManager.DriverParameters = json.RawMessage(`{}`)
	}
}

func checkCluster(cc *flame.Cluster) error {
	d := cc.Dispatch
	for _, chk := range []struct {
		name string
		ok   bool
	}{
		{"Services.SessionManager.InternalURL", cc.Services.SessionManager.InternalURL.Host != ""},
		{"Dispatch.LeaseDuration", d.LeaseDuration > 0},
		{"Dispatch.BindTimeout", d.BindTimeout > 0},
		{"Dispatch.HeartbeatInterval", d.HeartbeatInterval > 0},
		{"Dispatch.HeartbeatMissLimit", d.HeartbeatMissLimit > 0},
		{"Dispatch.RetryLimit", d.RetryLimit >= 0},
		{"Dispatch.GlobalExecutorBudget", d.GlobalExecutorBudget >= 0},
		{"Dispatch.PollInterval", d.PollInterval > 0},
		{"Dispatch.LeaseSweepInterval", d.LeaseSweepInterval > 0},
		{"Dispatch.MaxPullWait", d.MaxPullWait > 0},
		{"Dispatch.ClosedSessionRetention", d.ClosedSessionRetention > 0},
		{"Dispatch.ProvisionRetryLimit", d.ProvisionRetryLimit > 0},
		{"Dispatch.ProvisionBackoffInitial", d.ProvisionBackoffInitial > 0},
		{"Dispatch.ProvisionBackoffMax", d.ProvisionBackoffMax >= d.ProvisionBackoffInitial},
		{"ResourceManager.Driver", cc.ResourceManager.Driver != ""},
		{"ResourceManager.MaxOpsPerSecond", cc.ResourceManager.MaxOpsPerSecond >= 0},
		{"ResourceManager.SyncInterval", cc.ResourceManager.SyncInterval > 0},
	} {
		if !chk.ok {
			return fmt.Errorf("invalid value for %s", chk.name)
		}
	}
	if err := cc.DefaultSession.Validate(); err != nil {
		return fmt.Errorf("DefaultSession: %w", err)
	}
	for name, app := range cc.Applications {
		if name == "" {
			return errors.New("application name must not be empty")
		}
		if app.Image == "" && len(app.Command) == 0 {
			return fmt.Errorf("application %q: Image or Command must be set", name)
		}
	}
	return nil
}
