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

// Package recon reduces raw target telemetry into the scalar objective
// values a trial reports. A reconnaissance run waits out a stabilization
// window, takes one or more samples per query and reduces them to a
// single value per metric.
package recon

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
)

// QueryType selects the telemetry backend a query runs against.
type QueryType string

const (
	// QueryPrometheus evaluates a PromQL expression.
	QueryPrometheus QueryType = "prometheus"
	// QueryDatadog evaluates a Datadog metric query.
	QueryDatadog QueryType = "datadog"
	// QueryProbe runs a command on the target and parses its output.
	QueryProbe QueryType = "probe"
)

// Reduction folds the samples of one query into a single value.
type Reduction string

const (
	ReduceLatest Reduction = "latest"
	ReduceMean   Reduction = "mean"
	ReduceMedian Reduction = "median"
	ReduceMin    Reduction = "min"
	ReduceMax    Reduction = "max"
	ReduceSum    Reduction = "sum"
)

// Query is one named telemetry source. The query string is a Go template
// rendered against the trial before execution.
type Query struct {
	// Name of the resulting metric; objective queries use the objective
	// metric name.
	Name string `json:"name"`
	// Type selects the backend.
	Type QueryType `json:"type"`
	// Query is the backend specific, templated query expression.
	Query string `json:"query"`
	// Reduction applied over the collected samples, latest by default.
	Reduction Reduction `json:"reduction,omitempty"`
	// Objective marks queries whose result feeds the objective score;
	// non-objective queries land in the observation's auxiliary metrics.
	Objective bool `json:"objective,omitempty"`
}

// Spec describes a full reconnaissance pass.
type Spec struct {
	// Queries to evaluate each sample.
	Queries []Query `json:"queries"`
	// WarmUp is the stabilization delay between effectuation and the
	// first sample.
	WarmUp breederv1alpha1.Duration `json:"warmUp,omitempty"`
	// Samples is the number of samples per query, one by default.
	Samples int `json:"samples,omitempty"`
	// Interval between consecutive samples.
	Interval breederv1alpha1.Duration `json:"interval,omitempty"`
	// Strict fails the whole observation when any query fails; otherwise
	// failed non-objective queries are dropped and only a fully empty
	// observation is an error.
	Strict bool `json:"strict,omitempty"`
}

// CaptureError indicates a query could not produce a value yet or at all.
type CaptureError struct {
	// A description of what went wrong
	Message string
	// The address of the telemetry backend
	Address string
	// The query that failed
	Query string
	// The minimum amount of time until the value is expected to be available
	RetryAfter time.Duration
}

func (e *CaptureError) Error() string {
	return e.Message
}

// Backend evaluates one rendered query and returns a scalar sample.
type Backend interface {
	Capture(ctx context.Context, query string, data *QueryData) (float64, error)
}

// Recon executes reconnaissance passes using the configured backends.
type Recon struct {
	spec     Spec
	backends map[QueryType]Backend
	engine   *Engine
	log      logr.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(spec Spec, backends map[QueryType]Backend, log logr.Logger) *Recon {
	if spec.Samples < 1 {
		spec.Samples = 1
	}
	return &Recon{
		spec:     spec,
		backends: backends,
		engine:   NewEngine(),
		log:      log,
		sleep:    sleepContext,
	}
}

// Observe runs the full reconnaissance pass for a trial: stabilization
// delay, sample collection and reduction. The start time is when the
// candidate configuration became effective on the target.
func (r *Recon) Observe(ctx context.Context, trial *breederv1alpha1.Trial, startTime time.Time) (*breederv1alpha1.Observation, error) {
	if r.spec.WarmUp > 0 {
		r.log.V(1).Info("Waiting for target to stabilize", "trial", trial.ID, "warmUp", r.spec.WarmUp.String())
		if err := r.sleep(ctx, r.spec.WarmUp.Duration()); err != nil {
			return nil, err
		}
	}

	samples := make(map[string][]float64, len(r.spec.Queries))
	var captureErrs error

	for s := 0; s < r.spec.Samples; s++ {
		if s > 0 && r.spec.Interval > 0 {
			if err := r.sleep(ctx, r.spec.Interval.Duration()); err != nil {
				return nil, err
			}
		}

		data := newQueryData(trial, startTime, time.Now())
		for i := range r.spec.Queries {
			q := &r.spec.Queries[i]

			backend, ok := r.backends[q.Type]
			if !ok {
				return nil, fmt.Errorf("no backend for query type: %s", q.Type)
			}

			rendered, err := r.engine.RenderQuery(q.Name, q.Query, data)
			if err != nil {
				return nil, fmt.Errorf("render query %q: %w", q.Name, err)
			}

			v, err := backend.Capture(ctx, rendered, data)
			if err != nil {
				if r.spec.Strict || q.Objective {
					return nil, fmt.Errorf("capture %q: %w", q.Name, err)
				}
				r.log.V(1).Info("Dropping failed auxiliary query", "trial", trial.ID, "query", q.Name, "error", err.Error())
				captureErrs = multierr.Append(captureErrs, fmt.Errorf("capture %q: %w", q.Name, err))
				continue
			}
			if math.IsNaN(v) {
				err := &CaptureError{Message: fmt.Sprintf("no data for query %q", q.Name), Query: rendered}
				if r.spec.Strict || q.Objective {
					return nil, err
				}
				captureErrs = multierr.Append(captureErrs, err)
				continue
			}

			samples[q.Name] = append(samples[q.Name], v)
		}
	}

	obs := &breederv1alpha1.Observation{CapturedAt: time.Now()}
	for i := range r.spec.Queries {
		q := &r.spec.Queries[i]
		sv, ok := samples[q.Name]
		if !ok || len(sv) == 0 {
			continue
		}

		v, err := reduce(q.Reduction, sv)
		if err != nil {
			return nil, fmt.Errorf("reduce %q: %w", q.Name, err)
		}

		if q.Objective {
			obs.Values = append(obs.Values, breederv1alpha1.Value{MetricName: q.Name, Value: v, Error: stddev(sv)})
		} else {
			if obs.Metrics == nil {
				obs.Metrics = map[string]float64{}
			}
			obs.Metrics[q.Name] = v
		}
	}

	if len(obs.Values) == 0 && len(obs.Metrics) == 0 {
		if captureErrs != nil {
			return nil, fmt.Errorf("no telemetry captured: %w", captureErrs)
		}
		return nil, &CaptureError{Message: "no telemetry captured"}
	}

	return obs, nil
}

func reduce(reduction Reduction, samples []float64) (float64, error) {
	switch reduction {
	case ReduceLatest, "":
		return samples[len(samples)-1], nil
	case ReduceMean:
		return mean(samples), nil
	case ReduceMedian:
		sorted := append([]float64(nil), samples...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return (sorted[mid-1] + sorted[mid]) / 2, nil
		}
		return sorted[mid], nil
	case ReduceMin:
		v := samples[0]
		for _, s := range samples[1:] {
			v = math.Min(v, s)
		}
		return v, nil
	case ReduceMax:
		v := samples[0]
		for _, s := range samples[1:] {
			v = math.Max(v, s)
		}
		return v, nil
	case ReduceSum:
		var v float64
		for _, s := range samples {
			v += s
		}
		return v, nil
	default:
		return 0, fmt.Errorf("unsupported reduction: %s (expected: latest, mean, median, min, max, sum)", reduction)
	}
}

func mean(samples []float64) float64 {
	var v float64
	for _, s := range samples {
		v += s
	}
	return v / float64(len(samples))
}

func stddev(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	m := mean(samples)
	var v float64
	for _, s := range samples {
		v += (s - m) * (s - m)
	}
	return math.Sqrt(v / float64(len(samples)-1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
