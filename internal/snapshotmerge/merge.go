// SPDX-License-Identifier: MIT

// Package snapshotmerge applies a parsed Snapshot onto the Status Store,
// detecting measurement state transitions (spec C7).
package snapshotmerge

import (
	"context"
	"time"

	"slmgateway/internal/protocol"
	"slmgateway/internal/status"
)

// ReachabilityThreshold is the consecutive-failure count at which
// is_reachable flips to false (spec I4).
const ReachabilityThreshold = 3

// Merge applies snap onto the stored row for unitID, observed at
// wall-clock time now. It implements:
//
//   - I3: measurement_start_time is set iff the latest observed state is
//     "Start". A "Stop"->"Start" transition stamps now; "Start"->"Stop"
//     clears it and resets start_time_sync_attempted.
//   - Unconditional overwrite of all scalar fields carried by snap.
//
// The merge is failure-atomic via status.Store.Mutate: if persistence
// fails, no fields change.
func Merge(ctx context.Context, store status.Store, unitID string, snap *protocol.Snapshot, now time.Time) (status.DeviceStatus, error) {
	return store.Mutate(ctx, unitID, func(row *status.DeviceStatus) error {
		prev := row.MeasurementState
		next := snap.State

		if prev != protocol.StateStart && next == protocol.StateStart {
			t := now.UTC()
			row.MeasurementStartTime = &t
		} else if prev == protocol.StateStart && next != protocol.StateStart {
			row.MeasurementStartTime = nil
			row.StartTimeSyncAttempted = false
		}

		row.MeasurementState = next
		row.Counter = derefOr(snap.Counter, row.Counter)
		row.Lp = derefOr(snap.Lp, row.Lp)
		row.Leq = derefOr(snap.Leq, row.Leq)
		row.Lmax = derefOr(snap.Lmax, row.Lmax)
		row.Lmin = derefOr(snap.Lmin, row.Lmin)
		row.Lpeak = derefOr(snap.Lpeak, row.Lpeak)
		row.RawPayload = snap.Raw

		seen := now.UTC()
		row.LastSeen = &seen
		return nil
	})
}

func derefOr(p *string, fallback string) string {
	if p == nil {
		return fallback
	}
	return *p
}

// RecordSuccess applies the bookkeeping for a successful poll (spec §4.7
// step 2, I4): resets consecutive_failures and marks the device
// reachable.
func RecordSuccess(ctx context.Context, store status.Store, unitID string, now time.Time) (status.DeviceStatus, error) {
	return store.Mutate(ctx, unitID, func(row *status.DeviceStatus) error {
		row.IsReachable = true
		row.ConsecutiveFailures = 0
		t := now.UTC()
		row.LastSuccess = &t
		row.LastError = ""
		return nil
	})
}

// RecordFailure applies the bookkeeping for a failed poll (spec §4.7 step
//2, I4): increments consecutive_failures monotonically and flips
// is_reachable to false exactly on the step that brings the counter to
// ReachabilityThreshold. Returns the updated row and whether this call
// was the transition that flipped reachability (so the caller logs the
// transition exactly once, per spec).
func RecordFailure(ctx context.Context, store status.Store, unitID string, errMsg string, now time.Time) (status.DeviceStatus, bool, error) {
	var transitioned bool
	row, err := store.Mutate(ctx, unitID, func(row *status.DeviceStatus) error {
		row.ConsecutiveFailures++
		row.LastError = status.TruncateError(errMsg)
		if row.ConsecutiveFailures == ReachabilityThreshold && row.IsReachable {
			row.IsReachable = false
			transitioned = true
		}
		return nil
	})
	return row, transitioned, err
}
