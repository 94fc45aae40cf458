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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
	"github.com/godon-dev/breeder/internal/sampler"
)

// suggestRetries bounds how often the sampler is re-asked when its
// proposal collides with a parameter set that already has a known or
// in-flight outcome.
const suggestRetries = 16

// Config adjusts reservation and reclamation behavior of the SQLite store.
type Config struct {
	// Sampler proposes candidate parameter sets inside the ask
	// transaction; it must not perform I/O.
	Sampler sampler.Sampler
	// HeartbeatTimeout is how long a running trial may go without a
	// heartbeat before it is presumed abandoned.
	HeartbeatTimeout time.Duration
	// MaxAttempts bounds how often a reclaimed trial is requeued before
	// it is finalized as failed.
	MaxAttempts int64
	// FailReclaimed marks reclaimed trials failed immediately instead of
	// requeuing them.
	FailReclaimed bool
}

// SQLite is the embedded Store implementation. Reservation, finalization
// and reclamation each run in a serializable transaction so concurrent
// workers on one database never observe overlapping reservations.
type SQLite struct {
	db  *sql.DB
	cfg Config
	log logr.Logger
}

var _ Store = &SQLite{}

// Open opens or creates the trial database at path.
func Open(path string, cfg Config, log logr.Logger) (*SQLite, error) {
	if cfg.Sampler == nil {
		return nil, fmt.Errorf("store: sampler is required")
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return nil, err
	}

	s := &SQLite{db: db, cfg: cfg, log: log}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS studies (
		id TEXT PRIMARY KEY,
		spec TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('active','paused','completed')),
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS trials (
		id TEXT PRIMARY KEY,
		study_id TEXT NOT NULL REFERENCES studies(id),
		number INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('waiting','running','completed','failed')),
		assignments TEXT NOT NULL,
		assignment_key TEXT NOT NULL,
		observation TEXT,
		worker_id TEXT,
		failure_reason TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finalized_at INTEGER,
		heartbeat_at INTEGER,
		UNIQUE (study_id, number)
	);
	CREATE INDEX IF NOT EXISTS idx_trials_study_status ON trials(study_id, status);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLite) CreateStudy(ctx context.Context, study breederv1alpha1.Study) error {
	if study.ID == "" {
		return &breederv1alpha1.Error{Type: breederv1alpha1.ErrStudyInvalid, Message: "study id is required"}
	}
	if err := breederv1alpha1.CheckParameterSpace(study.Parameters); err != nil {
		return &breederv1alpha1.Error{Type: breederv1alpha1.ErrStudyInvalid, Message: err.Error()}
	}
	if study.Status == "" {
		study.Status = breederv1alpha1.StudyActive
	}

	spec, err := json.Marshal(study)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO studies (id, spec, status, created_at) VALUES (?, ?, ?, ?)`,
		study.ID, string(spec), string(study.Status), time.Now().Unix())
	if isConstraint(err) {
		return &breederv1alpha1.Error{Type: breederv1alpha1.ErrStudyConflict, Message: fmt.Sprintf("study %q already exists", study.ID)}
	}
	return mapSQLError(err)
}

func (s *SQLite) GetStudy(ctx context.Context, name breederv1alpha1.StudyName) (breederv1alpha1.Study, error) {
	var study breederv1alpha1.Study

	var spec, status string
	err := s.db.QueryRowContext(ctx, `SELECT spec, status FROM studies WHERE id = ?`, name.Name()).Scan(&spec, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return study, &breederv1alpha1.Error{Type: breederv1alpha1.ErrStudyNotFound, Message: fmt.Sprintf("study %q not found", name.Name())}
	}
	if err != nil {
		return study, mapSQLError(err)
	}

	if err := json.Unmarshal([]byte(spec), &study); err != nil {
		return study, err
	}
	study.Status = breederv1alpha1.StudyStatus(status)
	return study, nil
}

func (s *SQLite) Ask(ctx context.Context, name breederv1alpha1.StudyName, workerID string) (breederv1alpha1.Trial, error) {
	var trial breederv1alpha1.Trial
	if workerID == "" {
		return trial, &breederv1alpha1.Error{Type: breederv1alpha1.ErrTrialInvalid, Message: "worker id is required"}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return trial, mapSQLError(err)
	}
	defer tx.Rollback()

	study, err := s.studyForUpdate(ctx, tx, name.Name())
	if err != nil {
		return trial, err
	}
	switch study.Status {
	case breederv1alpha1.StudyCompleted:
		return trial, &breederv1alpha1.Error{Type: breederv1alpha1.ErrStudyCompleted, Message: fmt.Sprintf("study %q is completed", study.ID)}
	case breederv1alpha1.StudyPaused:
		return trial, &breederv1alpha1.Error{Type: breederv1alpha1.ErrStoreUnavailable, Message: fmt.Sprintf("study %q is paused", study.ID), RetryAfter: 5 * time.Second}
	}

	if _, err := s.reclaimTx(ctx, tx, study.ID); err != nil {
		return trial, err
	}

	done, err := s.checkBudgetTx(ctx, tx, &study)
	if err != nil {
		return trial, err
	}
	if done {
		if err := tx.Commit(); err != nil {
			return trial, mapSQLError(err)
		}
		return trial, &breederv1alpha1.Error{Type: breederv1alpha1.ErrStudyCompleted, Message: fmt.Sprintf("study %q budget exhausted", study.ID)}
	}

	now := time.Now()

	// Requeued trials are handed out before the sampler is consulted.
	trial, claimed, err := s.claimWaitingTx(ctx, tx, study.ID, workerID, now)
	if err != nil {
		return trial, err
	}
	if !claimed {
		if trial, err = s.createTrialTx(ctx, tx, &study, workerID, now); err != nil {
			return trial, err
		}
	}

	if err := tx.Commit(); err != nil {
		return breederv1alpha1.Trial{}, mapSQLError(err)
	}
	return trial, nil
}

func (s *SQLite) studyForUpdate(ctx context.Context, tx *sql.Tx, id string) (breederv1alpha1.Study, error) {
	var study breederv1alpha1.Study

	var spec, status string
	err := tx.QueryRowContext(ctx, `SELECT spec, status FROM studies WHERE id = ?`, id).Scan(&spec, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return study, &breederv1alpha1.Error{Type: breederv1alpha1.ErrStudyNotFound, Message: fmt.Sprintf("study %q not found", id)}
	}
	if err != nil {
		return study, mapSQLError(err)
	}
	if err := json.Unmarshal([]byte(spec), &study); err != nil {
		return study, err
	}
	study.Status = breederv1alpha1.StudyStatus(status)
	return study, nil
}

// reclaimTx requeues or fails running trials whose owner stopped
// heartbeating before the cutoff.
func (s *SQLite) reclaimTx(ctx context.Context, tx *sql.Tx, studyID string) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.HeartbeatTimeout).Unix()
	now := time.Now().Unix()

	res, err := tx.ExecContext(ctx,
		`UPDATE trials
		 SET status = 'failed', worker_id = NULL, failure_reason = ?, finalized_at = ?
		 WHERE study_id = ? AND status = 'running' AND heartbeat_at < ?
		   AND (attempts >= ? OR ?)`,
		string(breederv1alpha1.ReasonWorkerLost), now, studyID, cutoff, s.cfg.MaxAttempts, s.cfg.FailReclaimed)
	if err != nil {
		return 0, mapSQLError(err)
	}
	failed, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`UPDATE trials
		 SET status = 'waiting', worker_id = NULL, heartbeat_at = NULL, started_at = NULL
		 WHERE study_id = ? AND status = 'running' AND heartbeat_at < ?`,
		studyID, cutoff)
	if err != nil {
		return 0, mapSQLError(err)
	}
	requeued, _ := res.RowsAffected()

	if n := failed + requeued; n > 0 {
		s.log.Info("reclaimed abandoned trials", "study", studyID, "requeued", requeued, "failed", failed)
		return n, nil
	}
	return 0, nil
}

// checkBudgetTx marks the study completed once its completion policy is
// met; budget exhaustion is graceful completion, not an error.
func (s *SQLite) checkBudgetTx(ctx context.Context, tx *sql.Tx, study *breederv1alpha1.Study) (bool, error) {
	done := false

	if d := study.CompletionPolicy.Deadline; d != nil && time.Now().After(*d) {
		done = true
	}

	if max := study.CompletionPolicy.MaxTrials; !done && max > 0 {
		var finalized int64
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM trials WHERE study_id = ? AND status IN ('completed','failed')`,
			study.ID).Scan(&finalized)
		if err != nil {
			return false, mapSQLError(err)
		}
		done = finalized >= max
	}

	if done {
		if _, err := tx.ExecContext(ctx, `UPDATE studies SET status = 'completed' WHERE id = ?`, study.ID); err != nil {
			return false, mapSQLError(err)
		}
		study.Status = breederv1alpha1.StudyCompleted
	}
	return done, nil
}

func (s *SQLite) claimWaitingTx(ctx context.Context, tx *sql.Tx, studyID, workerID string, now time.Time) (breederv1alpha1.Trial, bool, error) {
	var trial breederv1alpha1.Trial

	var assignments string
	err := tx.QueryRowContext(ctx,
		`SELECT id, number, assignments, attempts, created_at FROM trials
		 WHERE study_id = ? AND status = 'waiting'
		 ORDER BY created_at ASC LIMIT 1`, studyID).
		Scan(&trial.ID, &trial.Number, &assignments, &trial.Attempts, &unixTime{&trial.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return trial, false, nil
	}
	if err != nil {
		return trial, false, mapSQLError(err)
	}
	if err := json.Unmarshal([]byte(assignments), &trial.Assignments); err != nil {
		return trial, false, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE trials SET status = 'running', worker_id = ?, attempts = attempts + 1, started_at = ?, heartbeat_at = ?
		 WHERE id = ? AND status = 'waiting'`,
		workerID, now.Unix(), now.Unix(), trial.ID)
	if err != nil {
		return trial, false, mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trial, false, nil
	}

	trial.StudyID = studyID
	trial.Status = breederv1alpha1.TrialRunning
	trial.WorkerID = workerID
	trial.Attempts++
	t := now
	trial.StartedAt = &t
	return trial, true, nil
}

func (s *SQLite) createTrialTx(ctx context.Context, tx *sql.Tx, study *breederv1alpha1.Study, workerID string, now time.Time) (breederv1alpha1.Trial, error) {
	var trial breederv1alpha1.Trial

	history, err := s.historyTx(ctx, tx, study.ID)
	if err != nil {
		return trial, err
	}

	taken := make(map[string]struct{})
	if !sampler.AllowsRevisit(s.cfg.Sampler) {
		for i := range history {
			switch history[i].Status {
			case breederv1alpha1.TrialRunning, breederv1alpha1.TrialWaiting, breederv1alpha1.TrialCompleted:
				taken[breederv1alpha1.AssignmentKey(history[i].Assignments)] = struct{}{}
			}
		}
	}

	var assignments []breederv1alpha1.Assignment
	var key string
	for attempt := 0; ; attempt++ {
		if attempt >= suggestRetries {
			return trial, &breederv1alpha1.Error{
				Type:       breederv1alpha1.ErrTrialExhausted,
				Message:    "sampler could not propose an unexplored parameter set",
				RetryAfter: 5 * time.Second,
			}
		}

		if assignments, err = s.cfg.Sampler.Suggest(study.Parameters, history); err != nil {
			return trial, fmt.Errorf("sampler: %w", err)
		}
		if err := breederv1alpha1.CheckAssignments(study.Parameters, assignments); err != nil {
			return trial, fmt.Errorf("sampler: %w", err)
		}

		key = breederv1alpha1.AssignmentKey(assignments)
		if _, dup := taken[key]; !dup {
			break
		}

		// Grow the synthetic history so a deterministic sampler moves on.
		history = append(history, breederv1alpha1.Trial{ID: uuid.NewString(), Assignments: assignments})
	}

	raw, err := json.Marshal(assignments)
	if err != nil {
		return trial, err
	}

	var number int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(number), 0) + 1 FROM trials WHERE study_id = ?`, study.ID).Scan(&number); err != nil {
		return trial, mapSQLError(err)
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO trials (id, study_id, number, status, assignments, assignment_key, worker_id, attempts, created_at, started_at, heartbeat_at)
		 VALUES (?, ?, ?, 'running', ?, ?, ?, 1, ?, ?, ?)`,
		id, study.ID, number, string(raw), key, workerID, now.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return trial, mapSQLError(err)
	}

	t := now
	return breederv1alpha1.Trial{
		ID:          id,
		StudyID:     study.ID,
		Number:      number,
		Status:      breederv1alpha1.TrialRunning,
		Assignments: assignments,
		WorkerID:    workerID,
		Attempts:    1,
		CreatedAt:   now,
		StartedAt:   &t,
	}, nil
}

func (s *SQLite) Tell(ctx context.Context, trialID, workerID string, outcome Outcome) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapSQLError(err)
	}
	defer tx.Rollback()

	var status, studyID, rawAssignments string
	var number int64
	var owner sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT status, worker_id, study_id, number, assignments FROM trials WHERE id = ?`, trialID).
		Scan(&status, &owner, &studyID, &number, &rawAssignments)
	if errors.Is(err, sql.ErrNoRows) {
		return &breederv1alpha1.Error{Type: breederv1alpha1.ErrTrialNotFound, Message: fmt.Sprintf("trial %q not found", trialID)}
	}
	if err != nil {
		return mapSQLError(err)
	}

	var assignments []breederv1alpha1.Assignment
	if err := json.Unmarshal([]byte(rawAssignments), &assignments); err != nil {
		return fmt.Errorf("trial %q: corrupt assignments: %w", trialID, err)
	}

	switch breederv1alpha1.TrialStatus(status) {
	case breederv1alpha1.TrialCompleted, breederv1alpha1.TrialFailed:
		return &breederv1alpha1.Error{Type: breederv1alpha1.ErrTrialFinalized, Message: fmt.Sprintf("trial %q already finalized", trialID)}
	case breederv1alpha1.TrialRunning:
		if owner.String != workerID {
			return &breederv1alpha1.Error{Type: breederv1alpha1.ErrTrialNotOwner, Message: fmt.Sprintf("trial %q is owned by %q", trialID, owner.String)}
		}
	default:
		return &breederv1alpha1.Error{Type: breederv1alpha1.ErrTrialInvalid, Message: fmt.Sprintf("trial %q is not running", trialID)}
	}

	now := time.Now().Unix()
	if outcome.Failed() {
		_, err = tx.ExecContext(ctx,
			`UPDATE trials SET status = 'failed', failure_reason = ?, worker_id = NULL, finalized_at = ? WHERE id = ?`,
			string(outcome.Failure), now, trialID)
	} else {
		var obs []byte
		if obs, err = json.Marshal(outcome.Observation); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE trials SET status = 'completed', observation = ?, worker_id = NULL, finalized_at = ? WHERE id = ?`,
			string(obs), now, trialID)
	}
	if err != nil {
		return mapSQLError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapSQLError(err)
	}

	if !outcome.Failed() {
		// Stateful samplers need the full trial to associate the outcome
		// with the parameters that produced it.
		t := time.Unix(now, 0)
		s.cfg.Sampler.Observe(breederv1alpha1.Trial{
			ID:          trialID,
			StudyID:     studyID,
			Number:      number,
			Status:      breederv1alpha1.TrialCompleted,
			Assignments: assignments,
			Observation: outcome.Observation,
			FinalizedAt: &t,
		})
	}
	return nil
}

func (s *SQLite) Heartbeat(ctx context.Context, trialID, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trials SET heartbeat_at = ? WHERE id = ? AND worker_id = ? AND status = 'running'`,
		time.Now().Unix(), trialID, workerID)
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &breederv1alpha1.Error{Type: breederv1alpha1.ErrTrialNotOwner, Message: fmt.Sprintf("trial %q is not running under %q", trialID, workerID)}
	}
	return nil
}

func (s *SQLite) Abandon(ctx context.Context, trialID, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trials SET status = 'waiting', worker_id = NULL, heartbeat_at = NULL, started_at = NULL
		 WHERE id = ? AND worker_id = ? AND status = 'running'`,
		trialID, workerID)
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &breederv1alpha1.Error{Type: breederv1alpha1.ErrTrialNotOwner, Message: fmt.Sprintf("trial %q is not running under %q", trialID, workerID)}
	}
	return nil
}

func (s *SQLite) Trials(ctx context.Context, name breederv1alpha1.StudyName, q *breederv1alpha1.TrialListQuery) (breederv1alpha1.TrialList, error) {
	lst := breederv1alpha1.TrialList{}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return lst, mapSQLError(err)
	}
	defer tx.Rollback()

	trials, err := s.historyTx(ctx, tx, name.Name())
	if err != nil {
		return lst, err
	}

	if q != nil && len(q.Status) > 0 {
		want := make(map[breederv1alpha1.TrialStatus]struct{}, len(q.Status))
		for _, st := range q.Status {
			want[st] = struct{}{}
		}
		for i := range trials {
			if _, ok := want[trials[i].Status]; ok {
				lst.Trials = append(lst.Trials, trials[i])
			}
		}
	} else {
		lst.Trials = trials
	}
	return lst, nil
}

func (s *SQLite) BestTrial(ctx context.Context, name breederv1alpha1.StudyName) (breederv1alpha1.Trial, error) {
	study, err := s.GetStudy(ctx, name)
	if err != nil {
		return breederv1alpha1.Trial{}, err
	}

	lst, err := s.Trials(ctx, name, &breederv1alpha1.TrialListQuery{Status: []breederv1alpha1.TrialStatus{breederv1alpha1.TrialCompleted}})
	if err != nil {
		return breederv1alpha1.Trial{}, err
	}
	if len(lst.Trials) == 0 {
		return breederv1alpha1.Trial{}, &breederv1alpha1.Error{Type: breederv1alpha1.ErrTrialNotFound, Message: "no completed trials"}
	}

	best := lst.Trials[0]
	bestScore := ObjectiveScore(&study, best.Observation)
	for i := 1; i < len(lst.Trials); i++ {
		if score := ObjectiveScore(&study, lst.Trials[i].Observation); Better(study.Direction, score, bestScore) {
			best, bestScore = lst.Trials[i], score
		}
	}
	return best, nil
}

// Reclaim runs one reclamation pass outside of Ask, for callers that want
// to sweep studies with no active workers.
func (s *SQLite) Reclaim(ctx context.Context, name breederv1alpha1.StudyName) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, mapSQLError(err)
	}
	defer tx.Rollback()

	n, err := s.reclaimTx(ctx, tx, name.Name())
	if err != nil {
		return 0, err
	}
	return n, mapSQLError(tx.Commit())
}

func (s *SQLite) historyTx(ctx context.Context, tx *sql.Tx, studyID string) ([]breederv1alpha1.Trial, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, number, status, assignments, observation, worker_id, failure_reason, attempts, created_at, started_at, finalized_at
		 FROM trials WHERE study_id = ? ORDER BY number ASC`, studyID)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var trials []breederv1alpha1.Trial
	for rows.Next() {
		var t breederv1alpha1.Trial
		var assignments string
		var observation, worker, reason sql.NullString
		var started, finalized sql.NullInt64
		if err := rows.Scan(&t.ID, &t.Number, (*string)(&t.Status), &assignments, &observation, &worker, &reason, &t.Attempts, &unixTime{&t.CreatedAt}, &started, &finalized); err != nil {
			return nil, mapSQLError(err)
		}
		t.StudyID = studyID
		if err := json.Unmarshal([]byte(assignments), &t.Assignments); err != nil {
			return nil, err
		}
		if observation.Valid {
			t.Observation = &breederv1alpha1.Observation{}
			if err := json.Unmarshal([]byte(observation.String), t.Observation); err != nil {
				return nil, err
			}
		}
		t.WorkerID = worker.String
		t.FailureReason = breederv1alpha1.FailureReason(reason.String)
		if started.Valid {
			ts := time.Unix(started.Int64, 0)
			t.StartedAt = &ts
		}
		if finalized.Valid {
			ts := time.Unix(finalized.Int64, 0)
			t.FinalizedAt = &ts
		}
		trials = append(trials, t)
	}
	return trials, rows.Err()
}

// unixTime scans an integer column into a time.Time.
type unixTime struct{ t *time.Time }

func (u *unixTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case int64:
		*u.t = time.Unix(v, 0)
		return nil
	case nil:
		*u.t = time.Time{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T as unix time", src)
	}
}

func isConstraint(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}

// mapSQLError converts driver-level contention into the transient
// store-unavailable condition so callers retry with backoff.
func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked) {
		return &breederv1alpha1.Error{Type: breederv1alpha1.ErrStoreUnavailable, Message: err.Error(), RetryAfter: time.Second}
	}
	return err
}
