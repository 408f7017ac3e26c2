// SPDX-License-Identifier: MIT

// Package cycle implements the Cycle Orchestrator (C10): the Start and
// Stop automation cycles that compose several Device Client calls into
// one higher-level operation (spec §4.8).
package cycle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"slmgateway/internal/deviceclient"
	"slmgateway/internal/ftpclient"
	"slmgateway/internal/protocol"
	"slmgateway/internal/retry"
)

// DefaultMaxAttempts bounds the index-rotation retry loop (spec §4.8).
const DefaultMaxAttempts = 100

const (
	exchangeDeadline = 5 * time.Second
	ftpOffOnPause    = 500 * time.Millisecond
	ftpReadyPoll     = 2 * time.Second
	ftpReadyTimeout  = 30 * time.Second
	clockLayout      = "2006/01/02 15:04:05"
)

// Orchestrator composes Device Client calls into the Start/Stop cycles.
type Orchestrator struct {
	client      *deviceclient.Client
	clockOffset time.Duration
}

// New constructs an Orchestrator. clockOffset is added to now when
// syncing the device clock (spec §4.8 step 1).
func New(client *deviceclient.Client, clockOffset time.Duration) *Orchestrator {
	return &Orchestrator{client: client, clockOffset: clockOffset}
}

// StartReport describes the outcome of a Start cycle.
type StartReport struct {
	OldIndex    int
	NewIndex    int
	Attempts    int
	ClockSynced bool
}

// StartOptions configures a Start cycle invocation.
type StartOptions struct {
	SyncClock   bool
	MaxAttempts int
}

// Start prepares a non-overwriting storage slot and begins measurement
// (spec §4.8 Start cycle). It returns an error when the clock sync, the
// Store Name read or write, the Overwrite? query or the measure-start
// command fails, when the current Store Name cannot be parsed, or when
// storage is full.
func (o *Orchestrator) Start(ctx context.Context, target deviceclient.Target, opts StartOptions, now time.Time) (*StartReport, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	report := &StartReport{}

	if opts.SyncClock {
		deviceTime := now.Add(o.clockOffset).Format(clockLayout)
		if _, err := o.client.Call(ctx, target, protocol.CmdClockSet(deviceTime), exchangeDeadline); err != nil {
			return nil, fmt.Errorf("sync clock: %w", err)
		}
		report.ClockSynced = true
	}

	curRaw, err := o.client.Call(ctx, target, protocol.CmdStoreNameQuery, exchangeDeadline)
	if err != nil {
		return nil, fmt.Errorf("read store name: %w", err)
	}
	cur, err := protocol.ParseStoreIndex(curRaw)
	if err != nil {
		return nil, fmt.Errorf("parse store name %q: %w", curRaw, err)
	}
	report.OldIndex = cur

	test := protocol.NextStoreIndex(cur)
	for attempt := 1; ; attempt++ {
		report.Attempts = attempt

		if _, err := o.client.Call(ctx, target, protocol.CmdStoreNameSet(test), exchangeDeadline); err != nil {
			return nil, fmt.Errorf("write store name: %w", err)
		}
		overwrite, err := o.client.Call(ctx, target, protocol.CmdOverwriteQuery, exchangeDeadline)
		if err != nil {
			return nil, fmt.Errorf("read overwrite: %w", err)
		}
		if overwrite == protocol.OverwriteNone {
			break
		}

		test = protocol.NextStoreIndex(test)
		if test == cur || attempt >= maxAttempts {
			return nil, &protocol.StorageFullError{Unit: target.UnitID, Attempts: attempt}
		}
	}
	report.NewIndex = test

	if _, err := o.client.Call(ctx, target, protocol.CmdMeasureStart, exchangeDeadline); err != nil {
		return nil, fmt.Errorf("measure start: %w", err)
	}

	return report, nil
}

// StopReport describes the outcome of a Stop cycle.
type StopReport struct {
	StoreName       string
	DownloadErr     error
	DownloadSkipped bool
	Folder          *ftpclient.FolderResult
}

// Stop ends measurement and archives the measurement folder over FTP
// (spec §4.8 Stop cycle). A folder-download failure is reported in
// StopReport.DownloadErr but never undoes the Measure,Stop already sent
// (spec's "no-rollback failure semantics").
func (o *Orchestrator) Stop(ctx context.Context, target deviceclient.Target, ftpCfg ftpclient.Config) (*StopReport, error) {
	if _, err := o.client.Call(ctx, target, protocol.CmdMeasureStop, exchangeDeadline); err != nil {
		return nil, fmt.Errorf("measure stop: %w", err)
	}

	report := &StopReport{}

	if err := o.cycleFTP(ctx, target); err != nil {
		report.DownloadSkipped = true
		report.DownloadErr = fmt.Errorf("cycle ftp: %w", err)
		return report, nil
	}
	if err := o.waitFTPReady(ctx, target); err != nil {
		report.DownloadSkipped = true
		report.DownloadErr = fmt.Errorf("wait ftp ready: %w", err)
		return report, nil
	}

	name, err := o.client.Call(ctx, target, protocol.CmdStoreNameQuery, exchangeDeadline)
	if err != nil {
		report.DownloadSkipped = true
		report.DownloadErr = fmt.Errorf("read store name: %w", err)
		return report, nil
	}
	report.StoreName = name

	folder, err := ftpclient.NewClient(ftpCfg).DownloadFolder(ctx, "/NL-43/"+folderName(name))
	if err != nil {
		report.DownloadErr = err
		return report, nil
	}
	report.Folder = folder
	return report, nil
}

func folderName(storeName string) string {
	if _, err := strconv.Atoi(storeName); err == nil {
		return "Auto_" + storeName
	}
	return storeName
}

func (o *Orchestrator) cycleFTP(ctx context.Context, target deviceclient.Target) error {
	if _, err := o.client.Call(ctx, target, protocol.CmdFTPSet(false), exchangeDeadline); err != nil {
		return err
	}
	select {
	case <-time.After(ftpOffOnPause):
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err := o.client.Call(ctx, target, protocol.CmdFTPSet(true), exchangeDeadline)
	return err
}

func (o *Orchestrator) waitFTPReady(ctx context.Context, target deviceclient.Target) error {
	err := retry.PollFixed(ctx, ftpReadyPoll, ftpReadyTimeout, func(ctx context.Context) (bool, error) {
		state, err := o.client.Call(ctx, target, protocol.CmdFTPQuery, exchangeDeadline)
		return err == nil && state == "On", err
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ftp service did not report ready within %s", ftpReadyTimeout)
	}
	return err
}
