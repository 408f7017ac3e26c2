// SPDX-License-Identifier: MIT

// Package starttimesync implements the Start-Time Synchronizer (C8): an
// on-demand reconstruction of a device's measurement start time from FTP
// directory timestamps, for the case where the gateway itself did not
// observe the Stop→Start transition (e.g. it was restarted mid-measurement).
package starttimesync

import (
	"context"
	"time"

	"slmgateway/internal/deviceclient"
	"slmgateway/internal/ftpclient"
	"slmgateway/internal/protocol"
	"slmgateway/internal/retry"
	"slmgateway/internal/status"
)

// FTPReadyPollInterval and FTPReadyTimeout bound step 1's wait for the
// device's FTP service to report ready after being cycled (spec §4.6).
const (
	FTPReadyPollInterval = 2 * time.Second
	FTPReadyTimeout      = 30 * time.Second
	ftpOffPause          = 500 * time.Millisecond
	exchangeDeadline     = 5 * time.Second
	ftpListDir           = "/NL-43"
)

// Precondition reports whether C8 should be invoked for a device, per
// spec §4.6: measuring, no recorded start time, not yet attempted this
// session, and FTP credentials configured.
func Precondition(row status.DeviceStatus, ftpConfigured bool) bool {
	return row.MeasurementState == protocol.StateStart &&
		row.MeasurementStartTime == nil &&
		!row.StartTimeSyncAttempted &&
		ftpConfigured
}

// Deps bundles the collaborators Sync needs for one device.
type Deps struct {
	DeviceClient  *deviceclient.Client
	Target        deviceclient.Target
	FTPConfig     ftpclient.Config
	Store         status.Store
	TimezoneOffset time.Duration
}

// Sync executes the three-step recovery in spec §4.6. It marks
// start_time_sync_attempted before doing any I/O, so a failure never
// triggers a retry within the same measurement session. All I/O
// failures are recorded to last_error and returned as nil error — per
// spec, "failures... do not raise to the poll loop" — except for the
// caller's ctx being cancelled, which callers should treat as shutdown.
func Sync(ctx context.Context, deps Deps, now time.Time) error {
	if _, err := deps.Store.Mutate(ctx, deps.Target.UnitID, func(row *status.DeviceStatus) error {
		row.StartTimeSyncAttempted = true
		return nil
	}); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := cycleFTP(ctx, deps); err != nil {
		recordFailure(ctx, deps, err, now)
		return nil
	}

	if err := waitFTPReady(ctx, deps); err != nil {
		recordFailure(ctx, deps, err, now)
		return nil
	}

	entries, err := ftpclient.NewClient(deps.FTPConfig).List(ctx, ftpListDir)
	if err != nil {
		recordFailure(ctx, deps, err, now)
		return nil
	}

	var dirs []ftpclient.Entry
	for _, e := range entries {
		if e.IsDir {
			dirs = append(dirs, e)
		}
	}
	sorted := ftpclient.SortByModTimeDesc(dirs)
	if len(sorted) == 0 {
		recordFailure(ctx, deps, errNoEntries, now)
		return nil
	}

	newest := sorted[0]
	_, err = deps.Store.Mutate(ctx, deps.Target.UnitID, func(row *status.DeviceStatus) error {
		t := newest.MTime.Add(-deps.TimezoneOffset).UTC()
		row.MeasurementStartTime = &t
		return nil
	})
	if err != nil {
		recordFailure(ctx, deps, err, now)
	}
	return nil
}

func cycleFTP(ctx context.Context, deps Deps) error {
	if _, err := deps.DeviceClient.Call(ctx, deps.Target, protocol.CmdFTPSet(false), exchangeDeadline); err != nil {
		return err
	}
	select {
	case <-time.After(ftpOffPause):
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err := deps.DeviceClient.Call(ctx, deps.Target, protocol.CmdFTPSet(true), exchangeDeadline)
	return err
}

func waitFTPReady(ctx context.Context, deps Deps) error {
	err := retry.PollFixed(ctx, FTPReadyPollInterval, FTPReadyTimeout, func(ctx context.Context) (bool, error) {
		state, err := deps.DeviceClient.Call(ctx, deps.Target, protocol.CmdFTPQuery, exchangeDeadline)
		return err == nil && state == "On", err
	})
	if err != nil && ctx.Err() == nil {
		return errFTPNotReady
	}
	return err
}

func recordFailure(ctx context.Context, deps Deps, cause error, now time.Time) {
	_, _ = deps.Store.Mutate(ctx, deps.Target.UnitID, func(row *status.DeviceStatus) error {
		row.LastError = status.TruncateError(cause.Error())
		return nil
	})
}

type syncError string

func (e syncError) Error() string { return string(e) }

const (
	errNoEntries   = syncError("ftp listing contained no directory entries")
	errFTPNotReady = syncError("ftp service did not report ready within timeout")
)
