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

// Package breeder runs the autonomous breeding loop: ask for a trial,
// lease the target, effectuate and verify the candidate configuration,
// observe its effect and report the outcome. One worker owns at most one
// trial and one target lease at any time.
package breeder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
	"github.com/godon-dev/breeder/internal/coordinator"
	"github.com/godon-dev/breeder/internal/effect"
	"github.com/godon-dev/breeder/internal/recon"
	"github.com/godon-dev/breeder/internal/store"
)

// State is the observable phase of the breeding loop.
type State string

const (
	StateIdle         State = "idle"
	StateAsking       State = "asking"
	StateProposed     State = "proposed"
	StateEffectuating State = "effectuating"
	StateVerifying    State = "verifying"
	StateObserving    State = "observing"
	StateReporting    State = "reporting"
	// StateFailed is entered when an iteration fails; the loop continues
	// with a fresh trial.
	StateFailed State = "failed"
	// StateStopped is terminal.
	StateStopped State = "stopped"
)

// errStudyDone signals a graceful stop: the study reached its budget.
var errStudyDone = errors.New("study completed")

// Config carries the per-worker settings of the breeding loop.
type Config struct {
	// WorkerID identifies this worker in trial ownership and leases.
	WorkerID string
	// Study the worker contributes trials to.
	Study breederv1alpha1.StudyName
	// TargetID of the system this worker tunes.
	TargetID string

	// HeartbeatInterval between trial and lease renewals; must stay well
	// under both the store's reclamation timeout and the lease TTL.
	HeartbeatInterval time.Duration
	// AcquireTimeout bounds how long the worker waits for the target
	// lease before abandoning its reservation.
	AcquireTimeout time.Duration
	// RetryBudget caps the total time spent retrying one transient
	// failure before the worker gives up and stops.
	RetryBudget time.Duration
	// CleanupTimeout bounds rollback and final reporting once the run
	// context is gone.
	CleanupTimeout time.Duration
}

func (c *Config) complete() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 2 * time.Minute
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 5 * time.Minute
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 30 * time.Second
	}
}

// Worker drives one breeding loop against one target.
type Worker struct {
	cfg     Config
	store   store.Store
	coord   *coordinator.Coordinator
	effector effect.Effectuator
	recon   *recon.Recon
	metrics *Metrics
	log     logr.Logger

	mu    sync.Mutex
	state State

	study     breederv1alpha1.Study
	bestScore float64
	hasBest   bool
}

func New(cfg Config, st store.Store, coord *coordinator.Coordinator, eff effect.Effectuator, rec *recon.Recon, metrics *Metrics, log logr.Logger) *Worker {
	cfg.complete()
	return &Worker{
		cfg:      cfg,
		store:    st,
		coord:    coord,
		effector: eff,
		recon:    rec,
		metrics:  metrics,
		log:      log.WithValues("worker", cfg.WorkerID, "study", cfg.Study.Name(), "target", cfg.TargetID),
		state:    StateIdle,
	}
}

// State returns the current loop phase.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.metrics.SetState(s)
}

// Run executes breeding iterations until the study completes, the
// context is canceled or a fatal error stops the worker. Per-iteration
// failures are reported to the store and the loop continues.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateStopped)

	study, err := w.getStudy(ctx)
	if err != nil {
		return fmt.Errorf("load study: %w", err)
	}
	w.study = study

	w.log.Info("Worker starting", "direction", study.Direction)

	for {
		if err := ctx.Err(); err != nil {
			w.log.Info("Worker stopping", "reason", "canceled")
			return err
		}

		err := w.iterate(ctx)
		switch {
		case err == nil:
			w.metrics.ObserveIteration("completed")
		case errors.Is(err, errStudyDone):
			w.log.Info("Worker stopping", "reason", "study completed")
			w.metrics.Push()
			return nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			w.log.Info("Worker stopping", "reason", "canceled")
			w.metrics.ObserveIteration("canceled")
			w.metrics.Push()
			return err
		case isFatal(err):
			w.setState(StateFailed)
			w.log.Error(err, "Worker stopping on fatal error")
			w.metrics.ObserveIteration("fatal")
			w.metrics.Push()
			return err
		default:
			w.setState(StateFailed)
			w.log.Error(err, "Iteration failed, continuing with next trial")
			w.metrics.ObserveIteration("failed")
		}

		w.metrics.Push()
		w.setState(StateIdle)
	}
}

// iterate runs one full propose-apply-observe-report cycle.
func (w *Worker) iterate(ctx context.Context) error {
	w.setState(StateAsking)
	trial, err := w.ask(ctx)
	if err != nil {
		return err
	}

	w.setState(StateProposed)
	log := w.log.WithValues("trial", trial.ID, "number", trial.Number)
	log.Info("Trial proposed", "assignments", breederv1alpha1.AssignmentKey(trial.Assignments))

	// Keep the reservation alive while waiting for the target lease; the
	// wait may exceed the store's reclamation timeout.
	hctx, stopKeepAlive := context.WithCancel(ctx)
	go w.keepAlive(hctx, trial.ID)

	lease, err := w.acquireLease(ctx)
	stopKeepAlive()
	if err != nil {
		// The reservation goes back to the waiting pool so another
		// worker can pick it up.
		if aerr := w.store.Abandon(w.cleanupContext(ctx), trial.ID, w.cfg.WorkerID); aerr != nil {
			log.Error(aerr, "Failed to abandon trial after lease timeout")
		}
		return err
	}
	defer w.coord.Release(lease)

	// The iteration context is canceled when the lease or the trial
	// claim is lost mid-flight.
	ictx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := w.startHeartbeat(ictx, cancel, trial.ID, lease)

	w.setState(StateEffectuating)
	record, err := w.apply(ictx, lease.Target, trial.Assignments)
	if err != nil {
		return w.failTrial(ctx, log, trial.ID, record, err, lost)
	}

	// Apply verified the configuration by read-back before returning.
	w.setState(StateVerifying)
	log.Info("Configuration effectuated", "checksum", lease.Target.Checksum)

	w.setState(StateObserving)
	obs, err := w.observe(ictx, &trial, record.AppliedAt)
	if err != nil {
		return w.failTrial(ctx, log, trial.ID, record, err, lost)
	}

	w.setState(StateReporting)
	if err := w.tell(ctx, trial.ID, store.Outcome{Observation: obs}); err != nil {
		if breederv1alpha1.IsAlreadyFinalized(err) {
			// Reclaimed while we were measuring; our result is void.
			log.Info("Trial was finalized elsewhere, dropping result")
			return nil
		}
		return err
	}

	score := store.ObjectiveScore(&w.study, obs)
	if !w.hasBest || store.Better(w.study.Direction, score, w.bestScore) {
		w.bestScore = score
		w.hasBest = true
		log.Info("New best objective score", "score", score)
	}
	w.metrics.ObserveScore(score, w.bestScore)
	log.Info("Trial completed", "score", score)
	return nil
}

// failTrial rolls the target back and reports the failed trial. Rollback
// failure is fatal: the target is in an unknown state and unattended
// operation must not continue.
func (w *Worker) failTrial(ctx context.Context, log logr.Logger, trialID string, record *effect.Record, cause error, lost *leaseLost) error {
	cctx := w.cleanupContext(ctx)

	if record != nil {
		if rerr := w.rollback(cctx, record); rerr != nil {
			log.Error(rerr, "ALARM: rollback failed, target state unknown", "target", w.cfg.TargetID, "cause", cause.Error())
			outcome := store.Outcome{Failure: breederv1alpha1.ReasonRollbackFailed}
			if terr := w.tell(cctx, trialID, outcome); terr != nil && !breederv1alpha1.IsAlreadyFinalized(terr) {
				log.Error(terr, "Failed to report trial failure")
			}
			return &fatalError{err: fmt.Errorf("rollback failed: %w (while handling: %v)", rerr, cause)}
		}
	}

	outcome := store.Outcome{Failure: failureReason(cause, lost)}
	if terr := w.tell(cctx, trialID, outcome); terr != nil && !breederv1alpha1.IsAlreadyFinalized(terr) {
		log.Error(terr, "Failed to report trial failure")
	}
	log.Info("Trial failed", "reason", outcome.Failure)

	if effect.IsFatal(cause) {
		return &fatalError{err: cause}
	}
	if lost != nil && lost.Lost() && ctx.Err() == nil {
		// The iteration context was canceled by the heartbeat, not by a
		// worker shutdown; report a plain iteration failure so the loop
		// continues.
		return fmt.Errorf("iteration aborted (%s): %v", outcome.Failure, cause)
	}
	return cause
}

// failureReason maps an iteration error to the reported trial failure.
func failureReason(cause error, lost *leaseLost) breederv1alpha1.FailureReason {
	switch {
	case lost != nil && lost.Lost():
		return breederv1alpha1.ReasonLeaseExpired
	case effect.IsVerificationMismatch(cause):
		return breederv1alpha1.ReasonVerificationMismatch
	case isCaptureError(cause):
		return breederv1alpha1.ReasonMetricMissing
	default:
		return breederv1alpha1.ReasonApplyFailed
	}
}

func isCaptureError(err error) bool {
	var cerr *recon.CaptureError
	return errors.As(err, &cerr)
}

// leaseLost records that the heartbeat observed an expired lease.
type leaseLost struct {
	mu   sync.Mutex
	lost bool
}

func (l *leaseLost) mark() {
	l.mu.Lock()
	l.lost = true
	l.mu.Unlock()
}

func (l *leaseLost) Lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// keepAlive renews only the trial claim, for the window between the ask
// and the lease grant when there is no target lease to renew yet.
func (w *Worker) keepAlive(ctx context.Context, trialID string) {
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := w.store.Heartbeat(ctx, trialID, w.cfg.WorkerID); err != nil && !breederv1alpha1.IsUnavailable(err) && !errors.Is(err, context.Canceled) {
			w.log.V(1).Info("Trial heartbeat rejected while waiting for lease", "trial", trialID, "error", err.Error())
			return
		}
	}
}

// startHeartbeat renews the trial claim and the target lease until the
// context is done. Losing the lease cancels the iteration.
func (w *Worker) startHeartbeat(ctx context.Context, cancel context.CancelFunc, trialID string, lease *coordinator.Lease) *leaseLost {
	lost := &leaseLost{}
	go func() {
		t := time.NewTicker(w.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}

			if err := w.coord.Renew(lease); err != nil {
				w.log.Error(err, "Target lease lost, aborting iteration", "trial", trialID)
				lost.mark()
				cancel()
				return
			}

			if err := w.store.Heartbeat(ctx, trialID, w.cfg.WorkerID); err != nil {
				if breederv1alpha1.IsUnavailable(err) || errors.Is(err, context.Canceled) {
					continue
				}
				// The trial was reclaimed or finalized; our claim is gone.
				w.log.Error(err, "Trial claim lost, aborting iteration", "trial", trialID)
				lost.mark()
				cancel()
				return
			}
		}
	}()
	return lost
}

func (w *Worker) acquireLease(ctx context.Context) (*coordinator.Lease, error) {
	actx, cancel := context.WithTimeout(ctx, w.cfg.AcquireTimeout)
	defer cancel()

	lease, err := w.coord.Acquire(actx, w.cfg.TargetID, w.cfg.WorkerID)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return lease, err
}

func (w *Worker) getStudy(ctx context.Context) (breederv1alpha1.Study, error) {
	var study breederv1alpha1.Study
	err := w.retryUnavailable(ctx, func() error {
		var err error
		study, err = w.store.GetStudy(ctx, w.cfg.Study)
		return err
	})
	return study, err
}

func (w *Worker) ask(ctx context.Context) (breederv1alpha1.Trial, error) {
	var trial breederv1alpha1.Trial
	err := w.retryUnavailable(ctx, func() error {
		var err error
		trial, err = w.store.Ask(ctx, w.cfg.Study, w.cfg.WorkerID)
		return err
	})
	if breederv1alpha1.IsStudyCompleted(err) {
		return trial, errStudyDone
	}
	return trial, err
}

func (w *Worker) tell(ctx context.Context, trialID string, outcome store.Outcome) error {
	return w.retryUnavailable(ctx, func() error {
		return w.store.Tell(ctx, trialID, w.cfg.WorkerID, outcome)
	})
}

// apply effectuates the assignments, retrying transient connection
// failures within the retry budget. The returned record is non-nil
// whenever pre-state was captured, error or not.
func (w *Worker) apply(ctx context.Context, target *effect.TargetHandle, assignments []breederv1alpha1.Assignment) (*effect.Record, error) {
	var record *effect.Record
	op := func() error {
		r, err := w.effector.Apply(ctx, target, assignments)
		if r != nil && record == nil {
			// Keep the first snapshot: a retry after a partial apply
			// would capture already-mutated values as pre-state.
			record = r
		}
		if err != nil && !effect.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, w.newBackOff(ctx))
	return record, err
}

// observe runs reconnaissance, waiting out capture errors that announce
// a retry hint (e.g. a pending final scrape).
func (w *Worker) observe(ctx context.Context, trial *breederv1alpha1.Trial, startTime time.Time) (*breederv1alpha1.Observation, error) {
	var obs *breederv1alpha1.Observation
	op := func() error {
		o, err := w.recon.Observe(ctx, trial, startTime)
		if err != nil {
			var cerr *recon.CaptureError
			if errors.As(err, &cerr) && cerr.RetryAfter > 0 {
				return backoff.RetryAfter(int(cerr.RetryAfter / time.Second))
			}
			if effect.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		obs = o
		return nil
	}
	err := backoff.Retry(op, w.newBackOff(ctx))
	return obs, err
}

func (w *Worker) retryUnavailable(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil || breederv1alpha1.IsUnavailable(err) {
			if serr := (*breederv1alpha1.Error)(nil); errors.As(err, &serr) && serr.RetryAfter > 0 {
				return backoff.RetryAfter(int(serr.RetryAfter / time.Second))
			}
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(wrapped, w.newBackOff(ctx))
	if breederv1alpha1.IsUnavailable(err) {
		// The budget ran out with the store still unreachable; continuing
		// the loop would only hammer it further.
		return &fatalError{err: fmt.Errorf("retry budget exhausted: %w", err)}
	}
	return err
}

func (w *Worker) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = w.cfg.RetryBudget
	return backoff.WithContext(b, ctx)
}

// cleanupContext detaches rollback and final reporting from a canceled
// run context so shutdown still restores the target and files the result.
func (w *Worker) cleanupContext(ctx context.Context) context.Context {
	if ctx.Err() == nil {
		return ctx
	}
	cctx, cancel := context.WithTimeout(context.Background(), w.cfg.CleanupTimeout)
	_ = cancel // bounded by the timeout
	return cctx
}

func (w *Worker) rollback(ctx context.Context, record *effect.Record) error {
	op := func() error {
		err := w.effector.Rollback(ctx, record)
		if err != nil && !effect.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, w.newBackOff(ctx))
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	var ferr *fatalError
	return errors.As(err, &ferr)
}
