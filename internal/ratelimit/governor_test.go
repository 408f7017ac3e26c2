// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P1: for every pair of commands observed on the wire to the same unit,
// send_time(c_{i+1}) - send_time(c_i) >= 1.0s.
func TestGovernorEnforcesMinimumSpacing(t *testing.T) {
	g := NewGovernor(1 * time.Second)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, "NL43-1"))
	t0 := time.Now()

	require.NoError(t, g.Acquire(ctx, "NL43-1"))
	elapsed := time.Since(t0)

	assert.GreaterOrEqual(t, elapsed, 1*time.Second)
}

func TestGovernorDoesNotThrottleDifferentUnits(t *testing.T) {
	g := NewGovernor(1 * time.Second)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, "NL43-1"))
	start := time.Now()
	require.NoError(t, g.Acquire(ctx, "NL43-2"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGovernorCancellationDoesNotAdvanceTimestamp(t *testing.T) {
	g := NewGovernor(1 * time.Second)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, "NL43-1"))

	cancelCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Acquire(cancelCtx, "NL43-1")
	require.Error(t, err)

	// A fresh acquisition immediately after should still have to wait out
	// the *original* interval, proving the cancelled call did not reset it.
	start := time.Now()
	require.NoError(t, g.Acquire(context.Background(), "NL43-1"))
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 1*time.Second)
}

func TestGovernorForget(t *testing.T) {
	g := NewGovernor(1 * time.Second)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, "NL43-1"))
	g.Forget("NL43-1")

	start := time.Now()
	require.NoError(t, g.Acquire(ctx, "NL43-1"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
