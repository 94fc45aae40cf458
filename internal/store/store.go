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

// Package store defines the shared ask/tell trial state of a study. All
// cooperation between breeder workers is mediated here: reservations are
// transactional, finalized outcomes are visible to every subsequent ask,
// and trials whose owner stops heartbeating are reclaimed.
package store

import (
	"context"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
)

// Outcome is the result a worker reports for a trial: either an
// observation or a failure reason, never both.
type Outcome struct {
	Observation *breederv1alpha1.Observation
	Failure     breederv1alpha1.FailureReason
}

// Failed reports whether the outcome finalizes the trial as failed.
func (o *Outcome) Failed() bool { return o.Failure != "" }

// Store is the transactional trial state shared by all workers of a study.
//
// Ask atomically reserves the next trial for the calling worker: concurrent
// callers never receive overlapping reservations and, unless the sampler
// explicitly revisits, never receive a parameter set identical to a
// currently running trial. Tell finalizes a trial; a committed Tell
// happens-before every subsequent Ask on the same study.
type Store interface {
	CreateStudy(ctx context.Context, study breederv1alpha1.Study) error
	GetStudy(ctx context.Context, name breederv1alpha1.StudyName) (breederv1alpha1.Study, error)

	// Ask reserves a trial for workerID. Errors: store-unavailable
	// (transient, retry with backoff), study-completed (graceful stop).
	Ask(ctx context.Context, name breederv1alpha1.StudyName, workerID string) (breederv1alpha1.Trial, error)

	// Tell finalizes a trial. A second Tell on a finalized trial returns
	// the trial-already-finalized condition, which callers treat as a
	// no-op acknowledgement.
	Tell(ctx context.Context, trialID, workerID string, outcome Outcome) error

	// Heartbeat renews the caller's liveness claim on a running trial;
	// trials whose heartbeat lapses past the configured timeout are
	// reclaimed.
	Heartbeat(ctx context.Context, trialID, workerID string) error

	// Abandon returns an unstarted reservation to the waiting pool, for
	// example when the worker could not obtain the target lease.
	Abandon(ctx context.Context, trialID, workerID string) error

	// Trials returns the read-only trial history of a study.
	Trials(ctx context.Context, name breederv1alpha1.StudyName, q *breederv1alpha1.TrialListQuery) (breederv1alpha1.TrialList, error)

	// BestTrial returns the best completed trial per the study direction.
	BestTrial(ctx context.Context, name breederv1alpha1.StudyName) (breederv1alpha1.Trial, error)

	Close() error
}

// ObjectiveScore folds an observation into the single scalar the study is
// ranked by: the weighted sum of the named objective values, weights
// defaulting to one. An objective whose Minimize flag opposes the study
// direction contributes with a negated weight, so a single scalar still
// ranks trials that trade one metric against another.
func ObjectiveScore(study *breederv1alpha1.Study, obs *breederv1alpha1.Observation) float64 {
	if obs == nil {
		return 0
	}
	if len(study.Objectives) == 0 {
		if len(obs.Values) > 0 {
			return obs.Values[0].Value
		}
		return 0
	}

	byName := make(map[string]float64, len(obs.Values))
	for i := range obs.Values {
		byName[obs.Values[i].MetricName] = obs.Values[i].Value
	}

	var score float64
	for i := range study.Objectives {
		o := &study.Objectives[i]
		w := o.Weight
		if w == 0 {
			w = 1
		}
		if o.Minimize != nil && *o.Minimize == (study.Direction == breederv1alpha1.DirectionMaximize) {
			w = -w
		}
		score += w * byName[o.Name]
	}
	return score
}

// Better reports whether a beats b for the study's direction.
func Better(direction breederv1alpha1.Direction, a, b float64) bool {
	if direction == breederv1alpha1.DirectionMaximize {
		return a > b
	}
	return a < b
}
