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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
	"github.com/godon-dev/breeder/internal/recon"
)

const testConfig = `
study:
  id: tcp-tuning
  direction: minimize
  parameters:
    - name: net.core.rmem_max
    - name: net.ipv4.tcp_congestion_control
  objectives:
    - name: p99_latency_ms
      minimize: true
  completionPolicy:
    maxTrials: 50
store:
  path: /var/lib/breeder/trials.db
  heartbeatTimeout: 90s
targets:
  - id: edge-1
    address: 10.0.0.5:22
    privateKeyFile: /etc/breeder/id_ed25519
recon:
  warmUp: 30s
  samples: 3
  interval: 10s
  queries:
    - name: p99_latency_ms
      type: prometheus
      query: scalar(histogram_quantile(0.99, rate(latency_bucket[{{ .Range }}])))
      reduction: median
      objective: true
telemetry:
  prometheusUrl: http://prometheus.internal:9090
workers:
  heartbeatInterval: 5s
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "breeder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "tcp-tuning", cfg.Study.ID)
	assert.Equal(t, "/var/lib/breeder/trials.db", cfg.Store.Path)
	assert.Equal(t, 90*time.Second, cfg.Store.HeartbeatTimeout.Duration())
	assert.Equal(t, 30*time.Second, cfg.Recon.WarmUp.Duration())
	assert.Equal(t, 3, cfg.Recon.Samples)
	assert.Equal(t, recon.ReduceMedian, cfg.Recon.Queries[0].Reduction)
	assert.Equal(t, 5*time.Second, cfg.Workers.HeartbeatInterval.Duration())

	// Defaults fill what the file left out.
	assert.Equal(t, ChannelSSH, cfg.Targets[0].Channel)
	assert.Equal(t, "root", cfg.Targets[0].Username)
	assert.Equal(t, "diversify", cfg.Sampler.Kind)
	assert.Equal(t, int64(3), cfg.Store.MaxAttempts)
	assert.Equal(t, 1, cfg.Workers.Parallelism)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "study:\n  id: s\nbogus: true\n"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BREEDER_STORE_URL", "http://store.internal:8080")
	t.Setenv("BREEDER_SAMPLER", "grid")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://store.internal:8080", cfg.Store.URL)
	assert.Equal(t, "grid", cfg.Sampler.Kind)
}

func TestEnvOverridesFileValues(t *testing.T) {
	t.Setenv("BREEDER_STORE_PATH", "/tmp/override.db")
	t.Setenv("BREEDER_PROMETHEUS_URL", "http://prometheus.override:9090")

	// The file sets both values; the environment wins.
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Store.Path)
	assert.Equal(t, "http://prometheus.override:9090", cfg.Telemetry.PrometheusURL)
}

func TestPreflight(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	require.NoError(t, Preflight(cfg, logr.Discard()))

	// Registry bounds were filled in for the bare parameter names.
	p := cfg.Study.Parameters[0]
	assert.Equal(t, breederv1alpha1.ParameterTypeInteger, p.Type)
	assert.NotEmpty(t, p.Bounds.Min)
	p = cfg.Study.Parameters[1]
	assert.Equal(t, breederv1alpha1.ParameterTypeCategorical, p.Type)
	assert.Contains(t, p.Values, "bbr")
}

func TestPreflightFailures(t *testing.T) {
	testCases := []struct {
		desc    string
		mutate  func(cfg *Config)
		message string
	}{
		{
			desc:    "no targets",
			mutate:  func(cfg *Config) { cfg.Targets = nil },
			message: "at least one target",
		},
		{
			desc:    "ssh without credentials",
			mutate:  func(cfg *Config) { cfg.Targets[0].PrivateKeyFile = "" },
			message: "private key or password",
		},
		{
			desc: "objective without query",
			mutate: func(cfg *Config) {
				cfg.Study.Objectives = append(cfg.Study.Objectives, breederv1alpha1.Objective{Name: "throughput"})
			},
			message: "no matching objective recon query",
		},
		{
			desc:    "unknown sampler",
			mutate:  func(cfg *Config) { cfg.Sampler.Kind = "bayes" },
			message: "unknown kind",
		},
		{
			desc: "unknown tunable in strict mode",
			mutate: func(cfg *Config) {
				cfg.StrictPreflight = true
				cfg.Study.Parameters = append(cfg.Study.Parameters, breederv1alpha1.Parameter{
					Name:   "net.ipv4.tcp_rmen_max",
					Type:   breederv1alpha1.ParameterTypeInteger,
					Bounds: breederv1alpha1.Bounds{Min: "1", Max: "2"},
				})
			},
			message: "not a known tunable",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, testConfig))
			require.NoError(t, err)

			tc.mutate(cfg)
			err = Preflight(cfg, logr.Discard())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestPreflightLenientAllowsUnknownTunable(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	cfg.Study.Parameters = append(cfg.Study.Parameters, breederv1alpha1.Parameter{
		Name:   "net.ipv4.custom_tunable",
		Type:   breederv1alpha1.ParameterTypeInteger,
		Bounds: breederv1alpha1.Bounds{Min: "1", Max: "10"},
	})
	require.NoError(t, Preflight(cfg, logr.Discard()))
}
