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

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
	"github.com/godon-dev/breeder/internal/sampler"
)

func testStudy() breederv1alpha1.Study {
	return breederv1alpha1.Study{
		ID:        "tcp-tuning",
		Direction: breederv1alpha1.DirectionMinimize,
		Parameters: []breederv1alpha1.Parameter{{
			Name:   "tcp_window",
			Type:   breederv1alpha1.ParameterTypeInteger,
			Bounds: breederv1alpha1.Bounds{Min: "1024", Max: "65536"},
		}},
		Objectives: []breederv1alpha1.Objective{{Name: "p99_latency_ms"}},
	}
}

func openTestStore(t *testing.T, cfg Config) *SQLite {
	t.Helper()
	if cfg.Sampler == nil {
		cfg.Sampler = sampler.NewRandom(42)
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = time.Minute
	}
	s, err := Open(filepath.Join(t.TempDir(), "trials.db"), cfg, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func observation(value float64) *breederv1alpha1.Observation {
	return &breederv1alpha1.Observation{
		Values:     []breederv1alpha1.Value{{MetricName: "p99_latency_ms", Value: value}},
		CapturedAt: time.Now(),
	}
}

func TestAskTellRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	require.NoError(t, s.CreateStudy(ctx, testStudy()))

	trial, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, breederv1alpha1.TrialRunning, trial.Status)
	assert.Equal(t, "worker-1", trial.WorkerID)
	assert.Equal(t, int64(1), trial.Number)
	require.Len(t, trial.Assignments, 1)

	require.NoError(t, s.Tell(ctx, trial.ID, "worker-1", Outcome{Observation: observation(12.4)}))

	lst, err := s.Trials(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), nil)
	require.NoError(t, err)
	require.Len(t, lst.Trials, 1)
	assert.Equal(t, breederv1alpha1.TrialCompleted, lst.Trials[0].Status)
	require.NotNil(t, lst.Trials[0].Observation)
	assert.Equal(t, 12.4, lst.Trials[0].Observation.Values[0].Value)
}

func TestAskCategoricalParameters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	study := breederv1alpha1.Study{
		ID:        "congestion",
		Direction: breederv1alpha1.DirectionMinimize,
		Parameters: []breederv1alpha1.Parameter{{
			Name:   "net.ipv4.tcp_congestion_control",
			Type:   breederv1alpha1.ParameterTypeCategorical,
			Values: []string{"cubic", "bbr", "reno"},
		}},
		Objectives: []breederv1alpha1.Objective{{Name: "p99_latency_ms"}},
	}
	require.NoError(t, s.CreateStudy(ctx, study))

	trial, err := s.Ask(ctx, breederv1alpha1.NewStudyName("congestion"), "worker-1")
	require.NoError(t, err)
	require.Len(t, trial.Assignments, 1)
	assert.Contains(t, study.Parameters[0].Values, string(trial.Assignments[0].Value))

	require.NoError(t, s.Tell(ctx, trial.ID, "worker-1", Outcome{Observation: observation(3.1)}))

	// The non-numeric value survives the persistence round trip.
	lst, err := s.Trials(ctx, breederv1alpha1.NewStudyName("congestion"), nil)
	require.NoError(t, err)
	require.Len(t, lst.Trials, 1)
	assert.Equal(t, trial.Assignments, lst.Trials[0].Assignments)
}

func TestConcurrentAskNoOverlap(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	require.NoError(t, s.CreateStudy(ctx, testStudy()))

	const workers = 8
	var mu sync.Mutex
	ids := make(map[string]struct{})
	keys := make(map[string]struct{})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var trial breederv1alpha1.Trial
			var err error
			for {
				trial, err = s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker")
				if err == nil {
					break
				}
				if breederv1alpha1.IsUnavailable(err) {
					time.Sleep(10 * time.Millisecond)
					continue
				}
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[trial.ID] = struct{}{}
			keys[breederv1alpha1.AssignmentKey(trial.Assignments)] = struct{}{}
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, workers, "every reservation must have a distinct trial id")
	assert.Len(t, keys, workers, "running trials must not share parameter sets")
}

func TestTellVisibleToSubsequentAsk(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	require.NoError(t, s.CreateStudy(ctx, testStudy()))

	first, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.Tell(ctx, first.ID, "worker-1", Outcome{Observation: observation(12.4)}))

	// Scenario A: a completed parameter set is not re-proposed.
	for i := 0; i < 10; i++ {
		next, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-2")
		require.NoError(t, err)
		assert.NotEqual(t,
			breederv1alpha1.AssignmentKey(first.Assignments),
			breederv1alpha1.AssignmentKey(next.Assignments),
			"known outcome must not be re-proposed")
	}
}

func TestTellAlreadyFinalized(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	require.NoError(t, s.CreateStudy(ctx, testStudy()))

	trial, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.Tell(ctx, trial.ID, "worker-1", Outcome{Observation: observation(1)}))

	err = s.Tell(ctx, trial.ID, "worker-1", Outcome{Failure: breederv1alpha1.ReasonApplyFailed})
	require.Error(t, err)
	assert.True(t, breederv1alpha1.IsAlreadyFinalized(err))

	// The first outcome must be preserved.
	lst, err := s.Trials(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), nil)
	require.NoError(t, err)
	assert.Equal(t, breederv1alpha1.TrialCompleted, lst.Trials[0].Status)
}

func TestHeartbeatReclamation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{HeartbeatTimeout: 50 * time.Millisecond, MaxAttempts: 3})
	require.NoError(t, s.CreateStudy(ctx, testStudy()))

	trial, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
	require.NoError(t, err)

	// Owner goes silent; the trial must not stay running.
	time.Sleep(1100 * time.Millisecond)

	n, err := s.Reclaim(ctx, breederv1alpha1.NewStudyName("tcp-tuning"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	lst, err := s.Trials(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), &breederv1alpha1.TrialListQuery{
		Status: []breederv1alpha1.TrialStatus{breederv1alpha1.TrialWaiting},
	})
	require.NoError(t, err)
	require.Len(t, lst.Trials, 1)
	assert.Equal(t, trial.ID, lst.Trials[0].ID)

	// The requeued reservation is handed to the next asker with the same
	// parameters.
	next, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-2")
	require.NoError(t, err)
	assert.Equal(t, trial.ID, next.ID)
	assert.Equal(t, trial.Assignments, next.Assignments)
	assert.Equal(t, int64(2), next.Attempts)

	// A live heartbeat prevents reclamation.
	require.NoError(t, s.Heartbeat(ctx, next.ID, "worker-2"))
	n, err = s.Reclaim(ctx, breederv1alpha1.NewStudyName("tcp-tuning"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReclamationFailsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{HeartbeatTimeout: 50 * time.Millisecond, MaxAttempts: 1})
	require.NoError(t, s.CreateStudy(ctx, testStudy()))

	trial, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = s.Reclaim(ctx, breederv1alpha1.NewStudyName("tcp-tuning"))
	require.NoError(t, err)

	lst, err := s.Trials(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), nil)
	require.NoError(t, err)
	require.Len(t, lst.Trials, 1)
	assert.Equal(t, trial.ID, lst.Trials[0].ID)
	assert.Equal(t, breederv1alpha1.TrialFailed, lst.Trials[0].Status)
	assert.Equal(t, breederv1alpha1.ReasonWorkerLost, lst.Trials[0].FailureReason)
}

func TestAbandonRequeues(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	require.NoError(t, s.CreateStudy(ctx, testStudy()))

	trial, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.Abandon(ctx, trial.ID, "worker-1"))

	next, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-2")
	require.NoError(t, err)
	assert.Equal(t, trial.ID, next.ID)
	assert.Equal(t, "worker-2", next.WorkerID)
}

func TestNotOwnerRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	require.NoError(t, s.CreateStudy(ctx, testStudy()))

	trial, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
	require.NoError(t, err)

	err = s.Tell(ctx, trial.ID, "worker-2", Outcome{Observation: observation(1)})
	assert.True(t, breederv1alpha1.IsErr(err, breederv1alpha1.ErrTrialNotOwner))

	err = s.Heartbeat(ctx, trial.ID, "worker-2")
	assert.True(t, breederv1alpha1.IsErr(err, breederv1alpha1.ErrTrialNotOwner))
}

func TestBudgetExhaustionCompletesStudy(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	study := testStudy()
	study.CompletionPolicy.MaxTrials = 2
	require.NoError(t, s.CreateStudy(ctx, study))

	for i := 0; i < 2; i++ {
		trial, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
		require.NoError(t, err)
		require.NoError(t, s.Tell(ctx, trial.ID, "worker-1", Outcome{Observation: observation(float64(i))}))
	}

	_, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
	require.Error(t, err)
	assert.True(t, breederv1alpha1.IsStudyCompleted(err))

	got, err := s.GetStudy(ctx, breederv1alpha1.NewStudyName("tcp-tuning"))
	require.NoError(t, err)
	assert.Equal(t, breederv1alpha1.StudyCompleted, got.Status)
}

func TestBestTrial(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	require.NoError(t, s.CreateStudy(ctx, testStudy()))

	values := []float64{14.1, 9.7, 11.3}
	for _, v := range values {
		trial, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
		require.NoError(t, err)
		require.NoError(t, s.Tell(ctx, trial.ID, "worker-1", Outcome{Observation: observation(v)}))
	}

	best, err := s.BestTrial(ctx, breederv1alpha1.NewStudyName("tcp-tuning"))
	require.NoError(t, err)
	require.NotNil(t, best.Observation)
	assert.Equal(t, 9.7, best.Observation.Values[0].Value)
}

func TestStudyConflict(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	require.NoError(t, s.CreateStudy(ctx, testStudy()))

	err := s.CreateStudy(ctx, testStudy())
	assert.True(t, breederv1alpha1.IsErr(err, breederv1alpha1.ErrStudyConflict))
}

// recordingSampler captures every trial handed to Observe.
type recordingSampler struct {
	sampler.Sampler
	mu       sync.Mutex
	observed []breederv1alpha1.Trial
}

func (r *recordingSampler) Observe(trial breederv1alpha1.Trial) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = append(r.observed, trial)
}

func TestObserveReceivesFinalizedTrial(t *testing.T) {
	ctx := context.Background()
	rec := &recordingSampler{Sampler: sampler.NewRandom(42)}
	s := openTestStore(t, Config{Sampler: rec})
	require.NoError(t, s.CreateStudy(ctx, testStudy()))

	trial, err := s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.Tell(ctx, trial.ID, "worker-1", Outcome{Observation: observation(12.4)}))

	require.Len(t, rec.observed, 1)
	got := rec.observed[0]
	assert.Equal(t, trial.ID, got.ID)
	assert.Equal(t, trial.StudyID, got.StudyID)
	assert.Equal(t, breederv1alpha1.TrialCompleted, got.Status)
	assert.Equal(t, trial.Assignments, got.Assignments,
		"a model-based sampler needs the parameters behind the outcome")
	require.NotNil(t, got.Observation)
	assert.Equal(t, 12.4, got.Observation.Values[0].Value)

	// Failed trials do not feed the model.
	trial, err = s.Ask(ctx, breederv1alpha1.NewStudyName("tcp-tuning"), "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.Tell(ctx, trial.ID, "worker-1", Outcome{Failure: breederv1alpha1.ReasonApplyFailed}))
	assert.Len(t, rec.observed, 1)
}

func TestObjectiveScoreMixedDirections(t *testing.T) {
	maximized := false
	study := breederv1alpha1.Study{
		ID:        "balance",
		Direction: breederv1alpha1.DirectionMinimize,
		Objectives: []breederv1alpha1.Objective{
			{Name: "p99_latency_ms", Weight: 2},
			{Name: "throughput_mbps", Weight: 0.5, Minimize: &maximized},
		},
	}
	obs := &breederv1alpha1.Observation{Values: []breederv1alpha1.Value{
		{MetricName: "p99_latency_ms", Value: 10},
		{MetricName: "throughput_mbps", Value: 30},
	}}

	// Latency counts toward the minimized score, throughput against it.
	assert.Equal(t, 2*10-0.5*30, ObjectiveScore(&study, obs))

	// An objective matching the study direction keeps its weight.
	minimized := true
	study.Objectives[1] = breederv1alpha1.Objective{Name: "throughput_mbps", Weight: 0.5, Minimize: &minimized}
	assert.Equal(t, 2*10+0.5*30, ObjectiveScore(&study, obs))
}
