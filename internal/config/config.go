/*
Copyright 2020 GramLabs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the breeder configuration. A
// configuration passes through three loaders in order: the YAML file,
// environment variable overrides and defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
	"github.com/godon-dev/breeder/internal/recon"
)

// Channel selects how a target is effectuated.
type Channel string

const (
	// ChannelSSH tunes the target through sysctl over SSH.
	ChannelSSH Channel = "ssh"
	// ChannelLocal tunes the host the breeder runs on.
	ChannelLocal Channel = "local"
	// ChannelAPI tunes the target through its configuration endpoint.
	ChannelAPI Channel = "api"
)

// Target describes one tunable system.
type Target struct {
	// ID is the stable identifier of the target.
	ID string `json:"id"`
	// Channel selects the effectuation mechanism, ssh by default.
	Channel Channel `json:"channel,omitempty"`
	// Address of the target: host:port for ssh, a URL for api.
	Address string `json:"address,omitempty"`
	// Username for the SSH session.
	Username string `json:"username,omitempty"`
	// PrivateKeyFile is the path to a PEM encoded SSH key.
	PrivateKeyFile string `json:"privateKeyFile,omitempty"`
	// Password for SSH password authentication.
	Password string `json:"password,omitempty"`
}

// StoreConfig selects the trial store: a local SQLite file or a remote
// store service.
type StoreConfig struct {
	// Path of the SQLite database file.
	Path string `json:"path,omitempty"`
	// URL of a remote trial store; takes precedence over Path.
	URL string `json:"url,omitempty"`
	// HeartbeatTimeout after which a silent worker's trials are reclaimed.
	HeartbeatTimeout breederv1alpha1.Duration `json:"heartbeatTimeout,omitempty"`
	// MaxAttempts a reclaimed trial is requeued before failing.
	MaxAttempts int64 `json:"maxAttempts,omitempty"`
}

// SamplerConfig selects the proposal strategy.
type SamplerConfig struct {
	// Kind of sampler: random, grid or diversify.
	Kind string `json:"kind,omitempty"`
	// Seed for deterministic proposals.
	Seed int64 `json:"seed,omitempty"`
	// GridLevels discretizes continuous parameters for the grid sampler.
	GridLevels int `json:"gridLevels,omitempty"`
}

// WorkerConfig carries the breeding loop settings shared by all workers.
type WorkerConfig struct {
	// Parallelism is the number of workers, one per target by default.
	Parallelism int `json:"parallelism,omitempty"`
	// HeartbeatInterval between trial and lease renewals.
	HeartbeatInterval breederv1alpha1.Duration `json:"heartbeatInterval,omitempty"`
	// AcquireTimeout bounds waiting for a target lease.
	AcquireTimeout breederv1alpha1.Duration `json:"acquireTimeout,omitempty"`
	// LeaseTTL after which an unrenewed target lease is reclaimed.
	LeaseTTL breederv1alpha1.Duration `json:"leaseTTL,omitempty"`
	// RetryBudget caps retrying one transient failure.
	RetryBudget breederv1alpha1.Duration `json:"retryBudget,omitempty"`
}

// Telemetry locates the reconnaissance backends.
type Telemetry struct {
	// PrometheusURL of the server scraping the targets.
	PrometheusURL string `json:"prometheusUrl,omitempty"`
	// DatadogAggregator applied over series points: avg, last, max, min, sum.
	DatadogAggregator string `json:"datadogAggregator,omitempty"`
}

// Config is the full breeder configuration.
type Config struct {
	// Study defines the search space, direction and budget.
	Study breederv1alpha1.Study `json:"study"`
	// Store holds trial state shared between workers.
	Store StoreConfig `json:"store,omitempty"`
	// Targets are the systems being tuned.
	Targets []Target `json:"targets"`
	// Recon describes how trial outcomes are observed.
	Recon recon.Spec `json:"recon"`
	// Telemetry locates the backends recon queries run against.
	Telemetry Telemetry `json:"telemetry,omitempty"`
	// Sampler selects the proposal strategy.
	Sampler SamplerConfig `json:"sampler,omitempty"`
	// Workers tunes the breeding loops.
	Workers WorkerConfig `json:"workers,omitempty"`
	// PushgatewayURL receives worker progress metrics when set.
	PushgatewayURL string `json:"pushgatewayUrl,omitempty"`
	// StrictPreflight escalates preflight warnings to errors.
	StrictPreflight bool `json:"strictPreflight,omitempty"`
}

// Load reads the configuration file (when the path is non-empty), then
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read configuration: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parse configuration: %w", err)
		}
	}

	envLoader(cfg)
	defaultLoader(cfg)
	return cfg, nil
}

// envLoader adds environment variable overrides to the configuration. A
// variable that is set replaces the file value.
func envLoader(cfg *Config) {
	overrideString(&cfg.Store.URL, os.Getenv("BREEDER_STORE_URL"))
	overrideString(&cfg.Store.Path, os.Getenv("BREEDER_STORE_PATH"))
	overrideString(&cfg.PushgatewayURL, os.Getenv("BREEDER_PUSHGATEWAY_URL"))
	overrideString(&cfg.Telemetry.PrometheusURL, os.Getenv("BREEDER_PROMETHEUS_URL"))
	overrideString(&cfg.Sampler.Kind, os.Getenv("BREEDER_SAMPLER"))
}

func overrideString(s1 *string, s2 string) {
	if s2 != "" {
		*s1 = s2
	}
}

func defaultLoader(cfg *Config) {
	defaultString(&cfg.Store.Path, "breeder.db")
	if cfg.Store.HeartbeatTimeout <= 0 {
		cfg.Store.HeartbeatTimeout = breederv1alpha1.Duration(60 * time.Second)
	}
	if cfg.Store.MaxAttempts <= 0 {
		cfg.Store.MaxAttempts = 3
	}

	defaultString(&cfg.Sampler.Kind, "diversify")
	if cfg.Sampler.GridLevels <= 0 {
		cfg.Sampler.GridLevels = 8
	}

	if cfg.Workers.Parallelism <= 0 {
		cfg.Workers.Parallelism = len(cfg.Targets)
	}
	if cfg.Workers.HeartbeatInterval <= 0 {
		cfg.Workers.HeartbeatInterval = breederv1alpha1.Duration(15 * time.Second)
	}
	if cfg.Workers.AcquireTimeout <= 0 {
		cfg.Workers.AcquireTimeout = breederv1alpha1.Duration(2 * time.Minute)
	}
	if cfg.Workers.LeaseTTL <= 0 {
		cfg.Workers.LeaseTTL = breederv1alpha1.Duration(90 * time.Second)
	}
	if cfg.Workers.RetryBudget <= 0 {
		cfg.Workers.RetryBudget = breederv1alpha1.Duration(5 * time.Minute)
	}

	for i := range cfg.Targets {
		if cfg.Targets[i].Channel == "" {
			cfg.Targets[i].Channel = ChannelSSH
		}
		defaultString(&cfg.Targets[i].Username, "root")
	}

	if cfg.Recon.Samples < 1 {
		cfg.Recon.Samples = 1
	}
}

// defaultString overwrites an empty s1 with the value of s2
func defaultString(s1 *string, s2 string) {
	if *s1 == "" {
		*s1 = s2
	}
}
