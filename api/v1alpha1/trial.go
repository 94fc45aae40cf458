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

package v1alpha1

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// NumberOrString holds a scalar assignment value. Numeric literals keep
// their JSON number representation; categorical values marshal as strings.
type NumberOrString string

func (s NumberOrString) String() string { return string(s) }

// Int64 interprets the value as an integer literal.
func (s NumberOrString) Int64() (int64, error) { return json.Number(s).Int64() }

// Float64 interprets the value as a numeric literal.
func (s NumberOrString) Float64() (float64, error) { return json.Number(s).Float64() }

func (s NumberOrString) MarshalJSON() ([]byte, error) {
	var f float64
	if err := json.Unmarshal([]byte(s), &f); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(string(s))
}

func (s *NumberOrString) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = NumberOrString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = NumberOrString(n)
	return nil
}

type Assignment struct {
	// The name of the parameter in the study the assignment corresponds to.
	ParameterName string `json:"parameterName"`
	// The assigned value of the parameter.
	Value NumberOrString `json:"value"`
}

// AssignmentKey produces a canonical string for a parameter set, used to
// detect duplicate proposals regardless of assignment order.
func AssignmentKey(assignments []Assignment) string {
	pairs := make([]string, 0, len(assignments))
	for i := range assignments {
		pairs = append(pairs, assignments[i].ParameterName+"="+string(assignments[i].Value))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

type TrialStatus string

const (
	TrialWaiting   TrialStatus = "waiting"
	TrialRunning   TrialStatus = "running"
	TrialCompleted TrialStatus = "completed"
	TrialFailed    TrialStatus = "failed"
)

type FailureReason string

const (
	ReasonApplyFailed          FailureReason = "ApplyFailed"
	ReasonVerificationMismatch FailureReason = "VerificationMismatch"
	ReasonMetricMissing        FailureReason = "MetricMissing"
	ReasonWorkerLost           FailureReason = "WorkerLost"
	ReasonLeaseExpired         FailureReason = "LeaseExpired"
	ReasonRollbackFailed       FailureReason = "RollbackFailed"
)

type Value struct {
	// The name of the metric in the study the value corresponds to.
	MetricName string `json:"metricName"`
	// The observed value of the metric.
	Value float64 `json:"value"`
	// The observed error of the metric.
	Error float64 `json:"error,omitempty"`
}

// Observation is the scored outcome of a single trial
type Observation struct {
	// The observed objective values.
	Values []Value `json:"values,omitempty"`
	// Auxiliary metrics captured alongside the objectives.
	Metrics map[string]float64 `json:"metrics,omitempty"`
	// The time the observation window closed.
	CapturedAt time.Time `json:"capturedAt,omitempty"`
}

// Trial is one propose-apply-measure-report cycle and its record
type Trial struct {
	// The unique identifier of the trial.
	ID string `json:"id"`
	// The study this trial belongs to.
	StudyID string `json:"studyId"`
	// Ordinal number indicating when during a study the trial was generated.
	Number int64 `json:"number"`
	// The current trial status.
	Status TrialStatus `json:"status"`
	// The list of parameter names and their assigned values.
	Assignments []Assignment `json:"assignments"`
	// The observation reported for the trial, present once completed.
	Observation *Observation `json:"observation,omitempty"`
	// The identifier of the worker owning the trial while running.
	WorkerID string `json:"workerId,omitempty"`
	// The reason the trial failed, present once failed.
	FailureReason FailureReason `json:"failureReason,omitempty"`
	// The number of times the trial has been handed to a worker.
	Attempts int64 `json:"attempts,omitempty"`

	CreatedAt   time.Time  `json:"createdAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
}

// Finalized reports whether the trial has reached a terminal status
func (t *Trial) Finalized() bool {
	return t.Status == TrialCompleted || t.Status == TrialFailed
}

// TrialListQuery filters read-only trial history
type TrialListQuery struct {
	// List of statuses to fetch.
	Status []TrialStatus
}

type TrialList struct {
	// The list of trials.
	Trials []Trial `json:"trials"`
}
