// SPDX-License-Identifier: MIT

// Package poller implements the Background Poller (C9): a single
// process-wide task that periodically polls every enabled device for a
// live snapshot, feeds results through the Snapshot Merger (C7), and
// triggers the Start-Time Synchronizer (C8) when its precondition holds.
package poller

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"time"

	"slmgateway/internal/deviceclient"
	"slmgateway/internal/devicelog"
	"slmgateway/internal/ftpclient"
	"slmgateway/internal/notify"
	"slmgateway/internal/protocol"
	"slmgateway/internal/registry"
	"slmgateway/internal/snapshotmerge"
	"slmgateway/internal/starttimesync"
	"slmgateway/internal/status"
	"slmgateway/internal/util"
)

// Sleep bounds for the dynamic inter-cycle wait (spec §4.7 step 3).
const (
	MinSleep        = 30 * time.Second
	MaxSleep        = 300 * time.Second
	NoDeviceSleep   = 60 * time.Second
	LogCleanupEvery = time.Hour
	logRetention    = 30 * 24 * time.Hour
)

// MetricsSink receives fleet-monitoring observations from the poll
// loop. It is the narrow slice of internal/metrics.Sink the poller
// needs.
type MetricsSink interface {
	SetReachable(unitID string, reachable bool)
	SetConsecutiveFailures(unitID string, n int)
	IncPollCycle()
}

// Poller drives the periodic per-device polling loop.
type Poller struct {
	registry registry.Store
	status   status.Store
	client   *deviceclient.Client
	notifier *notify.Client
	logDir   string
	logger   *slog.Logger
	metrics  MetricsSink

	logStore devicelog.Store

	minSleep       time.Duration
	maxSleep       time.Duration
	noDeviceSleep  time.Duration
	logRetention   time.Duration
	timezoneOffset time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures non-default Poller behavior, overriding the
// package's MinSleep/MaxSleep/NoDeviceSleep/logRetention defaults with
// values sourced from config (spec §4.7, SPEC_FULL.md's Poller config
// section).
type Option func(*Poller)

// WithSleepBounds overrides the dynamic inter-cycle wait bounds.
func WithSleepBounds(min, max, noDevice time.Duration) Option {
	return func(p *Poller) {
		p.minSleep, p.maxSleep, p.noDeviceSleep = min, max, noDevice
	}
}

// WithLogRetention overrides how long per-device logs are kept before
// the periodic cleanup purges them.
func WithLogRetention(retention time.Duration) Option {
	return func(p *Poller) {
		p.logRetention = retention
	}
}

// WithMetrics attaches a sink that observes reachability, consecutive
// failures, and poll-cycle counts as the loop runs.
func WithMetrics(sink MetricsSink) Option {
	return func(p *Poller) {
		p.metrics = sink
	}
}

// WithTimezoneOffset sets the fixed device-clock offset (spec §6's
// TIMEZONE_OFFSET) applied when the Start-Time Synchronizer converts
// an FTP directory's modification time into UTC.
func WithTimezoneOffset(offset time.Duration) Option {
	return func(p *Poller) {
		p.timezoneOffset = offset
	}
}

// WithLogStore attaches the queryable device-log store (the DB half of
// device_logger.py's dual-output logging; the file half is the
// existing rotating per-device log). Poll failures, reachability
// transitions, and start-time-sync outcomes are recorded to it as they
// happen. Pass nil (the default) to skip DB-side logging entirely.
func WithLogStore(store devicelog.Store) Option {
	return func(p *Poller) {
		p.logStore = store
	}
}

// New constructs a Poller. logDir is the base directory for per-device
// log retention cleanup; pass "" to disable it.
func New(reg registry.Store, st status.Store, client *deviceclient.Client, notifier *notify.Client, logDir string, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		registry: reg, status: st, client: client, notifier: notifier, logDir: logDir, logger: logger,
		minSleep: MinSleep, maxSleep: MaxSleep, noDeviceSleep: NoDeviceSleep, logRetention: logRetention,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the poll loop in the background.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	util.SafeGo("poller", io.Discard, func() {
		defer close(p.done)
		p.run(ctx)
	}, nil)
}

// Stop requests the loop to exit and waits up to 5s for it, per spec
// §4.7's "bounded wait followed by cancellation".
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
	}
}

func (p *Poller) run(ctx context.Context) {
	var lastCleanup time.Time

	for {
		if ctx.Err() != nil {
			return
		}

		configs, err := p.registry.List(ctx)
		if err != nil {
			p.logger.Error("poller: list devices failed", "error", err)
			configs = nil
		}

		sleep := p.pollOnce(ctx, configs)
		if p.metrics != nil {
			p.metrics.IncPollCycle()
		}

		if p.logDir != "" && time.Since(lastCleanup) >= LogCleanupEvery {
			p.cleanupLogs(configs)
			lastCleanup = time.Now()
		}

		if !p.wait(ctx, sleep) {
			return
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, configs []registry.DeviceConfig) time.Duration {
	enabled := make([]registry.DeviceConfig, 0, len(configs))
	for _, cfg := range configs {
		if cfg.PollEnabled {
			enabled = append(enabled, cfg)
		}
	}

	now := time.Now().UTC()
	for _, cfg := range enabled {
		if ctx.Err() != nil {
			return p.minSleep
		}
		p.pollDevice(ctx, cfg, now)
	}

	return p.dynamicSleep(enabled)
}

func (p *Poller) pollDevice(ctx context.Context, cfg registry.DeviceConfig, now time.Time) {
	row, ok, err := p.status.Get(ctx, cfg.UnitID)
	if err != nil {
		p.logger.Error("poller: read status failed", "device", cfg.UnitID, "error", err)
		return
	}
	if ok && row.LastPollAttempt != nil && now.Sub(*row.LastPollAttempt) < time.Duration(cfg.PollIntervalSeconds)*time.Second {
		return
	}

	if _, err := p.status.Mutate(ctx, cfg.UnitID, func(r *status.DeviceStatus) error {
		r.LastPollAttempt = &now
		return nil
	}); err != nil {
		p.logger.Error("poller: record poll attempt failed", "device", cfg.UnitID, "error", err)
		return
	}

	// Per spec's design note, an active DRD stream holding the device
	// lock must not be queued behind: probe non-blockingly first and
	// skip this poll (neither success nor failure) if busy, rather than
	// waiting out Call's deadline and counting it as a failure.
	release, acquired := p.client.Locks().TryAcquire(cfg.UnitID)
	if !acquired {
		p.logger.Info("poller: skipped, device busy streaming", "device", cfg.UnitID)
		return
	}
	release()

	target := deviceclient.Target{UnitID: cfg.UnitID, Host: cfg.Host, Port: cfg.TCPPort}
	data, err := p.client.Call(ctx, target, protocol.CmdLiveSample, deviceclient.DefaultExchangeTimeout)
	if err != nil {
		p.recordFailure(ctx, cfg.UnitID, err, now)
		return
	}

	snap, err := protocol.ParseSnapshot(cfg.UnitID, data)
	if err != nil {
		p.recordFailure(ctx, cfg.UnitID, err, now)
		return
	}

	if _, err := snapshotmerge.Merge(ctx, p.status, cfg.UnitID, snap, now); err != nil {
		p.logger.Error("poller: merge failed", "device", cfg.UnitID, "error", err)
		return
	}
	merged, err := snapshotmerge.RecordSuccess(ctx, p.status, cfg.UnitID, now)
	if err != nil {
		p.logger.Error("poller: record success failed", "device", cfg.UnitID, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.SetReachable(cfg.UnitID, true)
		p.metrics.SetConsecutiveFailures(cfg.UnitID, merged.ConsecutiveFailures)
	}

	ftpConfigured := cfg.FTPEnabled && cfg.FTPUsername != "" && cfg.FTPPassword != ""
	if starttimesync.Precondition(merged, ftpConfigured) {
		deps := starttimesync.Deps{
			DeviceClient: p.client,
			Target:       target,
			FTPConfig: ftpclient.Config{
				UnitID: cfg.UnitID, Host: cfg.Host, Port: cfg.FTPPort,
				Username: cfg.FTPUsername, Password: cfg.FTPPassword,
			},
			Store:          p.status,
			TimezoneOffset: p.timezoneOffset,
		}
		if err := starttimesync.Sync(ctx, deps, now); err != nil {
			p.logger.Warn("poller: start-time sync failed", "device", cfg.UnitID, "error", err)
			p.record(ctx, cfg.UnitID, "WARNING", "SYNC", err.Error())
		}
	}
}

func (p *Poller) recordFailure(ctx context.Context, unitID string, cause error, now time.Time) {
	p.record(ctx, unitID, "ERROR", "POLL", cause.Error())

	merged, transitioned, err := snapshotmerge.RecordFailure(ctx, p.status, unitID, cause.Error(), now)
	if err != nil {
		p.logger.Error("poller: record failure failed", "device", unitID, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.SetConsecutiveFailures(unitID, merged.ConsecutiveFailures)
	}
	if transitioned {
		p.logger.Warn("device became unreachable", "device", unitID)
		p.record(ctx, unitID, "WARNING", "STATE", "device became unreachable")
		if p.metrics != nil {
			p.metrics.SetReachable(unitID, false)
		}
		if p.notifier != nil {
			p.notifier.NotifyReachability(ctx, unitID, false)
		}
	}
}

// record appends an entry to the device-log store, if one is attached.
// Failures to record are logged but never interrupt the poll loop —
// the DB-side log is a supplementary query surface, not a dependency
// of the polling or merge logic.
func (p *Poller) record(ctx context.Context, unitID, level, category, message string) {
	if p.logStore == nil {
		return
	}
	entry := devicelog.Entry{UnitID: unitID, Timestamp: time.Now().UTC(), Level: level, Category: category, Message: message}
	if err := p.logStore.Record(ctx, entry); err != nil {
		p.logger.Warn("poller: device log record failed", "device", unitID, "error", err)
	}
}

func (p *Poller) cleanupLogs(configs []registry.DeviceConfig) {
	for _, cfg := range configs {
		base := devicelog.LogPath(p.logDir, cfg.UnitID)
		if err := devicelog.PurgeOlderThan(base, p.logRetention, time.Now()); err != nil {
			p.logger.Warn("poller: log cleanup failed", "device", cfg.UnitID, "error", err)
		}
	}
}

func (p *Poller) wait(ctx context.Context, d time.Duration) bool {
	remaining := d
	for remaining > 0 {
		step := time.Second
		if remaining < step {
			step = remaining
		}
		select {
		case <-time.After(step):
			remaining -= step
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (p *Poller) dynamicSleep(configs []registry.DeviceConfig) time.Duration {
	if len(configs) == 0 {
		return p.noDeviceSleep
	}
	intervals := make([]int, 0, len(configs))
	for _, cfg := range configs {
		intervals = append(intervals, cfg.PollIntervalSeconds)
	}
	sort.Ints(intervals)
	min := time.Duration(intervals[0]) * time.Second / 2

	switch {
	case min < p.minSleep:
		return p.minSleep
	case min > p.maxSleep:
		return p.maxSleep
	default:
		return min
	}
}

