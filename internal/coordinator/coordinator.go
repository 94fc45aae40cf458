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

// Package coordinator serializes target access across breeder workers.
// At most one worker holds the lease on a target at any time; a lease
// left to expire marks the target suspect so the next holder re-verifies
// its state before trusting it.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/godon-dev/breeder/internal/effect"
)

// Lease is an exclusive, expiring claim on one target. The holder must
// renew before the TTL elapses or the claim is reclaimable.
type Lease struct {
	ID       string
	TargetID string
	HolderID string
	// Target is the leased handle; valid until Release.
	Target *effect.TargetHandle

	expiresAt time.Time
}

// ErrLeaseTimeout is returned when Acquire gives up waiting for a target.
type ErrLeaseTimeout struct {
	TargetID string
	HolderID string
	Waited   time.Duration
}

func (e *ErrLeaseTimeout) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lease on target %q", e.Waited, e.TargetID)
}

// ErrLeaseLost is returned by Renew when the lease already expired and
// the claim is gone.
type ErrLeaseLost struct {
	TargetID string
	HolderID string
}

func (e *ErrLeaseLost) Error() string {
	return fmt.Sprintf("lease on target %q lost by %q", e.TargetID, e.HolderID)
}

type targetState struct {
	handle *effect.TargetHandle
	lease  *Lease
	// waiters are broadcast to when the lease frees up.
	cond *sync.Cond
}

// Coordinator hands out target leases to workers of the same process.
// Workers on other processes coordinate through their own coordinator
// over a disjoint target set.
type Coordinator struct {
	mu      sync.Mutex
	targets map[string]*targetState
	ttl     time.Duration
	log     logr.Logger

	// now is replaced in tests.
	now func() time.Time
}

// New creates a coordinator over the given targets. The TTL bounds how
// long a crashed holder can block a target.
func New(targets []*effect.TargetHandle, ttl time.Duration, log logr.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}

	c := &Coordinator{
		targets: make(map[string]*targetState, len(targets)),
		ttl:     ttl,
		log:     log,
		now:     time.Now,
	}
	for _, t := range targets {
		c.targets[t.ID] = &targetState{handle: t, cond: sync.NewCond(&c.mu)}
	}
	return c
}

// Targets returns the identifiers of all managed targets.
func (c *Coordinator) Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.targets))
	for id := range c.targets {
		ids = append(ids, id)
	}
	return ids
}

// Acquire blocks until the target's lease is free or the context is
// done. Expired leases are reclaimed on the spot, marking the target
// suspect.
func (c *Coordinator) Acquire(ctx context.Context, targetID, holderID string) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.targets[targetID]
	if !ok {
		return nil, fmt.Errorf("unknown target: %q", targetID)
	}

	start := c.now()

	// Wake the waiter when the context is done; Wait alone would block
	// past the deadline.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ts.cond.Broadcast()
	})
	defer stop()

	for {
		if ts.lease != nil && !ts.lease.expiresAt.After(c.now()) {
			c.expireLocked(ts)
		}

		if ts.lease == nil {
			lease := &Lease{
				ID:        uuid.NewString(),
				TargetID:  targetID,
				HolderID:  holderID,
				Target:    ts.handle,
				expiresAt: c.now().Add(c.ttl),
			}
			ts.lease = lease
			c.log.V(1).Info("Acquired target lease", "target", targetID, "holder", holderID, "lease", lease.ID)
			return lease, nil
		}

		if ctx.Err() != nil {
			return nil, &ErrLeaseTimeout{TargetID: targetID, HolderID: holderID, Waited: c.now().Sub(start)}
		}

		// Wake up again no later than the current lease's expiry so a
		// crashed holder cannot block waiters past the TTL.
		wakeup := time.AfterFunc(time.Until(ts.lease.expiresAt), func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ts.cond.Broadcast()
		})
		ts.cond.Wait()
		wakeup.Stop()
	}
}

// Renew extends the holder's claim by another TTL. Returns ErrLeaseLost
// when the lease already expired or was reclaimed.
func (c *Coordinator) Renew(lease *Lease) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.targets[lease.TargetID]
	if !ok || ts.lease == nil || ts.lease.ID != lease.ID {
		return &ErrLeaseLost{TargetID: lease.TargetID, HolderID: lease.HolderID}
	}
	if !ts.lease.expiresAt.After(c.now()) {
		c.expireLocked(ts)
		return &ErrLeaseLost{TargetID: lease.TargetID, HolderID: lease.HolderID}
	}

	ts.lease.expiresAt = c.now().Add(c.ttl)
	return nil
}

// Release frees the target for the next waiter. Releasing a lease that
// already expired is a no-op.
func (c *Coordinator) Release(lease *Lease) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.targets[lease.TargetID]
	if !ok || ts.lease == nil || ts.lease.ID != lease.ID {
		return
	}

	ts.lease = nil
	c.log.V(1).Info("Released target lease", "target", lease.TargetID, "holder", lease.HolderID, "lease", lease.ID)
	ts.cond.Broadcast()
}

// expireLocked reclaims a dead lease. The target's last known state may
// have been half-applied by the defunct holder, so it is marked suspect
// until the next verified apply.
func (c *Coordinator) expireLocked(ts *targetState) {
	c.log.Info("Reclaiming expired target lease",
		"target", ts.handle.ID, "holder", ts.lease.HolderID, "lease", ts.lease.ID)
	ts.handle.Suspect = true
	ts.handle.Checksum = ""
	ts.lease = nil
	ts.cond.Broadcast()
}
