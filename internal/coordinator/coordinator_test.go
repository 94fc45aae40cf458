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

package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godon-dev/breeder/internal/effect"
)

func newTestCoordinator(ttl time.Duration) *Coordinator {
	return New([]*effect.TargetHandle{
		{ID: "target-1", Checksum: "abc"},
		{ID: "target-2"},
	}, ttl, logr.Discard())
}

func TestAcquireRelease(t *testing.T) {
	c := newTestCoordinator(time.Minute)

	lease, err := c.Acquire(context.Background(), "target-1", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "target-1", lease.Target.ID)

	// A second worker cannot get the same target while it is held.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, "target-1", "worker-2")
	var terr *ErrLeaseTimeout
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "target-1", terr.TargetID)

	// A different target is independent.
	other, err := c.Acquire(context.Background(), "target-2", "worker-2")
	require.NoError(t, err)
	c.Release(other)

	c.Release(lease)
	lease2, err := c.Acquire(context.Background(), "target-1", "worker-2")
	require.NoError(t, err)
	assert.NotEqual(t, lease.ID, lease2.ID)
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	c := newTestCoordinator(time.Minute)

	lease, err := c.Acquire(context.Background(), "target-1", "worker-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan *Lease, 1)
	go func() {
		defer wg.Done()
		l, err := c.Acquire(context.Background(), "target-1", "worker-2")
		require.NoError(t, err)
		acquired <- l
	}()

	// The waiter must still be blocked.
	select {
	case <-acquired:
		t.Fatal("lease acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release(lease)
	wg.Wait()
	l := <-acquired
	assert.Equal(t, "worker-2", l.HolderID)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	c := newTestCoordinator(50 * time.Millisecond)

	lease, err := c.Acquire(context.Background(), "target-1", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", lease.Target.Checksum)

	// The holder goes silent; the next acquire reclaims after the TTL.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease2, err := c.Acquire(ctx, "target-1", "worker-2")
	require.NoError(t, err)

	// The reclaimed target can no longer be trusted.
	assert.True(t, lease2.Target.Suspect)
	assert.Empty(t, lease2.Target.Checksum)

	// The original holder's claim is gone.
	require.Error(t, c.Renew(lease))
	var lerr *ErrLeaseLost
	assert.True(t, errors.As(c.Renew(lease), &lerr))
}

func TestRenewKeepsLeaseAlive(t *testing.T) {
	c := newTestCoordinator(100 * time.Millisecond)

	lease, err := c.Acquire(context.Background(), "target-1", "worker-1")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, c.Renew(lease))
	}

	// Still held after well over one TTL of renewals.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, "target-1", "worker-2")
	require.Error(t, err)

	c.Release(lease)
	assert.False(t, lease.Target.Suspect, "released cleanly, target stays trusted")
}

func TestReleaseExpiredLeaseIsNoop(t *testing.T) {
	c := newTestCoordinator(30 * time.Millisecond)

	lease, err := c.Acquire(context.Background(), "target-1", "worker-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease2, err := c.Acquire(ctx, "target-1", "worker-2")
	require.NoError(t, err)

	// The defunct holder coming back must not free worker-2's claim.
	c.Release(lease)
	require.NoError(t, c.Renew(lease2))
}

func TestUnknownTarget(t *testing.T) {
	c := newTestCoordinator(time.Minute)
	_, err := c.Acquire(context.Background(), "nope", "worker-1")
	require.Error(t, err)
}
