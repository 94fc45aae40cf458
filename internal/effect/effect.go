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

// Package effect applies candidate parameter sets to live targets. Every
// apply captures the pre-state first and verifies by read-back, producing
// a record that rollback can restore idempotently. Holding the target's
// exclusive lease is the caller's responsibility, enforced by the
// coordinator rather than here.
package effect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	breederv1alpha1 "github.com/godon-dev/breeder/api/v1alpha1"
	"github.com/godon-dev/breeder/internal/exec"
)

// TargetHandle identifies one tuned system. It is owned exclusively by
// whichever effectuation currently holds its lease and is never mutated
// concurrently.
type TargetHandle struct {
	// ID is the stable identifier of the target.
	ID string
	// Address is the channel specific endpoint of the target.
	Address string
	// Checksum of the last configuration this breeder verified on the
	// target; empty when the target state is unknown.
	Checksum string
	// Suspect is set when a lease on this target expired: the last known
	// state can no longer be trusted and the next apply must re-verify
	// from a fresh read-back.
	Suspect bool
}

// Record is the unit rollback operates on: the applied parameter set and
// the pre-apply snapshot it replaced.
type Record struct {
	ID string
	// Target the parameters were applied to.
	Target *TargetHandle
	// Applied is the parameter set written to the target.
	Applied []breederv1alpha1.Assignment
	// PreState is the read-back snapshot taken before the apply.
	PreState map[string]string
	// Verified is set once the post-apply read-back matched intent.
	Verified bool
	// RolledBack is set after a successful rollback; further rollbacks
	// of the same record are no-ops.
	RolledBack bool

	AppliedAt time.Time
}

// Effectuator applies a parameter set to a target and can restore the
// pre-apply state. Implementations select the channel (remote command
// execution, structured API) per target configuration.
type Effectuator interface {
	// Apply captures pre-state, writes the assignments and verifies them
	// by read-back. When a record is returned together with an error the
	// pre-state was captured and the caller should roll back.
	Apply(ctx context.Context, target *TargetHandle, assignments []breederv1alpha1.Assignment) (*Record, error)

	// Rollback restores the record's pre-state. It is idempotent: a
	// second call on the same record has no further effect.
	Rollback(ctx context.Context, record *Record) error
}

// VerificationError reports a read-back that did not match intent; it is
// trial-scoped and treated as an apply failure.
type VerificationError struct {
	Parameter string
	Want      string
	Got       string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification mismatch for %s: want %q, got %q", e.Parameter, e.Want, e.Got)
}

// IsVerificationMismatch checks for a failed read-back verification.
func IsVerificationMismatch(err error) bool {
	var verr *VerificationError
	return errors.As(err, &verr)
}

// IsTransient checks for connection or timeout failures that the caller
// may retry with backoff.
func IsTransient(err error) bool {
	return exec.IsKind(err, exec.KindConnection) || exec.IsKind(err, exec.KindTimeout)
}

// IsFatal checks for permission failures that must stop the worker.
func IsFatal(err error) bool {
	return exec.IsKind(err, exec.KindPermission)
}

// checksum produces a stable digest of a configuration state.
func checksum(state map[string]string) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, state[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalize collapses whitespace so multi-value tunables (e.g. the three
// fields of tcp_rmem) compare reliably across write and read-back.
func normalize(v string) string {
	return strings.Join(strings.Fields(v), " ")
}
