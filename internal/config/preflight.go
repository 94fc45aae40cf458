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
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
	"github.com/godon-dev/breeder/internal/recon"
)

// Preflight validates the configuration before any worker touches a
// live target. All problems are collected and reported together. In
// lenient mode warnings (e.g. tunables missing from the registry) are
// logged instead of failing the run.
func Preflight(cfg *Config, log logr.Logger) error {
	var errs error

	if cfg.Study.ID == "" {
		errs = multierr.Append(errs, fmt.Errorf("study: id is required"))
	}

	for i := range cfg.Study.Parameters {
		CompleteParameter(&cfg.Study.Parameters[i])
	}
	if err := breederv1alpha1.CheckParameterSpace(cfg.Study.Parameters); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("study: %w", err))
	}

	for i := range cfg.Study.Parameters {
		name := cfg.Study.Parameters[i].Name
		if KnownParameter(name) {
			continue
		}
		if cfg.StrictPreflight {
			errs = multierr.Append(errs, fmt.Errorf("study: parameter %q is not a known tunable", name))
		} else {
			log.Info("Parameter is not a known tunable, typos will only surface at effectuation", "parameter", name)
		}
	}

	switch cfg.Study.Direction {
	case breederv1alpha1.DirectionMinimize, breederv1alpha1.DirectionMaximize:
	case "":
		cfg.Study.Direction = breederv1alpha1.DirectionMinimize
	default:
		errs = multierr.Append(errs, fmt.Errorf("study: unknown direction %q", cfg.Study.Direction))
	}

	errs = multierr.Append(errs, preflightTargets(cfg))
	errs = multierr.Append(errs, preflightRecon(cfg))

	switch cfg.Sampler.Kind {
	case "random", "grid", "diversify":
	default:
		errs = multierr.Append(errs, fmt.Errorf("sampler: unknown kind %q (expected: random, grid, diversify)", cfg.Sampler.Kind))
	}

	if cfg.Store.URL == "" && cfg.Store.Path == "" {
		errs = multierr.Append(errs, fmt.Errorf("store: a path or URL is required"))
	}

	return errs
}

func preflightTargets(cfg *Config) error {
	var errs error

	if len(cfg.Targets) == 0 {
		return fmt.Errorf("targets: at least one target is required")
	}

	seen := make(map[string]struct{}, len(cfg.Targets))
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.ID == "" {
			errs = multierr.Append(errs, fmt.Errorf("targets[%d]: id is required", i))
			continue
		}
		if _, ok := seen[t.ID]; ok {
			errs = multierr.Append(errs, fmt.Errorf("targets[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = struct{}{}

		switch t.Channel {
		case ChannelSSH:
			if t.Address == "" {
				errs = multierr.Append(errs, fmt.Errorf("target %q: address is required for ssh", t.ID))
			}
			if t.PrivateKeyFile == "" && t.Password == "" {
				errs = multierr.Append(errs, fmt.Errorf("target %q: a private key or password is required for ssh", t.ID))
			}
		case ChannelAPI:
			if t.Address == "" {
				errs = multierr.Append(errs, fmt.Errorf("target %q: address is required for api", t.ID))
			}
		case ChannelLocal:
		default:
			errs = multierr.Append(errs, fmt.Errorf("target %q: unknown channel %q", t.ID, t.Channel))
		}
	}
	return errs
}

func preflightRecon(cfg *Config) error {
	var errs error

	if len(cfg.Recon.Queries) == 0 {
		return fmt.Errorf("recon: at least one query is required")
	}

	objectiveQueries := make(map[string]struct{})
	for i := range cfg.Recon.Queries {
		q := &cfg.Recon.Queries[i]
		if q.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("recon.queries[%d]: name is required", i))
		}
		switch q.Type {
		case recon.QueryPrometheus:
			if cfg.Telemetry.PrometheusURL == "" {
				errs = multierr.Append(errs, fmt.Errorf("recon query %q: telemetry.prometheusUrl is required for prometheus queries", q.Name))
			}
		case recon.QueryDatadog, recon.QueryProbe:
		default:
			errs = multierr.Append(errs, fmt.Errorf("recon query %q: unknown type %q", q.Name, q.Type))
		}
		switch q.Reduction {
		case "", recon.ReduceLatest, recon.ReduceMean, recon.ReduceMedian, recon.ReduceMin, recon.ReduceMax, recon.ReduceSum:
		default:
			errs = multierr.Append(errs, fmt.Errorf("recon query %q: unknown reduction %q", q.Name, q.Reduction))
		}
		if q.Objective {
			objectiveQueries[q.Name] = struct{}{}
		}
	}

	// Every objective must be measurable or scoring silently degrades.
	for i := range cfg.Study.Objectives {
		name := cfg.Study.Objectives[i].Name
		if _, ok := objectiveQueries[name]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("objective %q has no matching objective recon query", name))
		}
	}

	return errs
}
