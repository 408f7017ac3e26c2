// Package diagnostics provides protocol-level health checks for the
// gateway daemon: per-device TCP/FTP reachability, device clock skew,
// and disk space on the measurement log directory.
//
// It is adapted from a 24-check system-diagnostic battery (audio
// hardware, FFmpeg, MediaMTX) into the handful of checks relevant to a
// TCP/FTP device gateway; the CheckResult/DiagnosticReport shape is
// kept so the JSON surface at GET /diagnostics reads the same way.
package diagnostics

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
	"time"

	"slmgateway/internal/deviceclient"
	"slmgateway/internal/ftpclient"
	"slmgateway/internal/protocol"
	"slmgateway/internal/registry"
	"slmgateway/internal/util"
)

// CheckResult represents the result of a single diagnostic check.
type CheckResult struct {
	Name     string        `json:"name"`
	Category string        `json:"category"`
	Status   CheckStatus   `json:"status"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// CheckStatus indicates the result of a check.
type CheckStatus string

const (
	StatusOK       CheckStatus = "OK"
	StatusWarning  CheckStatus = "WARNING"
	StatusCritical CheckStatus = "CRITICAL"
)

// DiagnosticReport contains results from all diagnostic checks.
type DiagnosticReport struct {
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	SystemInfo *SystemInfo   `json:"system_info"`
	Checks     []CheckResult `json:"checks"`
	Summary    *Summary      `json:"summary"`
	Healthy    bool          `json:"healthy"`
}

// SystemInfo contains basic system information, included for parity
// with the host's own runtime when diagnosing a gateway instance.
type SystemInfo struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUs         int    `json:"cpus"`
	GoVersion    string `json:"go_version"`
}

// Summary contains a summary of check results.
type Summary struct {
	Total    int `json:"total"`
	OK       int `json:"ok"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
}

// Thresholds for the clock-skew and disk-space checks.
const (
	ClockSkewWarning  = 5 * time.Second
	ClockSkewCritical = 30 * time.Second
	DiskLowWarningMB  = 1024 // warn when free space on LogDir falls below 1 GiB
	exchangeDeadline  = 5 * time.Second
)

// Options configures a diagnostic run.
type Options struct {
	// LogDir is the base directory for per-device measurement logs
	// (spec §4.9); its free space is checked. Empty disables the check.
	LogDir string
}

// Runner executes diagnostic checks against every device in the
// registry plus host-level checks.
type Runner struct {
	registry registry.Store
	client   *deviceclient.Client
	opts     Options
}

// NewRunner creates a diagnostic runner.
func NewRunner(reg registry.Store, client *deviceclient.Client, opts Options) *Runner {
	return &Runner{registry: reg, client: client, opts: opts}
}

func newReport(start time.Time) *DiagnosticReport {
	return &DiagnosticReport{
		Timestamp: start,
		SystemInfo: &SystemInfo{
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			CPUs:         runtime.NumCPU(),
			GoVersion:    runtime.Version(),
		},
		Summary: &Summary{},
	}
}

// RunDevice executes the per-device checks (TCP, FTP if enabled, clock
// skew) plus the host-level disk check, for the `GET
// /devices/{unit_id}/diagnostics` endpoint (spec §5.9, SPEC_FULL §5.9).
func (r *Runner) RunDevice(ctx context.Context, dev registry.DeviceConfig) *DiagnosticReport {
	start := time.Now()
	report := newReport(start)

	r.record(report, r.checkTCPReachable(ctx, dev))
	if dev.FTPEnabled {
		r.record(report, r.checkFTPReachable(ctx, dev))
	}
	r.record(report, r.checkClockSkew(ctx, dev))
	if r.opts.LogDir != "" {
		r.record(report, r.checkDiskSpace(r.opts.LogDir))
	}

	report.Duration = time.Since(start)
	report.Healthy = report.Summary.Critical == 0
	return report
}

// Run executes RunDevice against every registered device and merges
// the results into a single fleet-wide report (used by `slmctl
// diagnose` for an all-devices sweep).
func (r *Runner) Run(ctx context.Context) (*DiagnosticReport, error) {
	start := time.Now()
	report := newReport(start)

	devices, err := r.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	for _, dev := range devices {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}
		// A single device's checks run behind RecoverToPanic so that a bug
		// tripped by one device's malformed reply (e.g. an unparseable FTP
		// listing) can't abort the fleet-wide sweep before later devices are
		// checked.
		dev := dev
		if err := util.RecoverToPanic(func() error {
			r.record(report, r.checkTCPReachable(ctx, dev))
			if dev.FTPEnabled {
				r.record(report, r.checkFTPReachable(ctx, dev))
			}
			r.record(report, r.checkClockSkew(ctx, dev))
			return nil
		}); err != nil {
			r.record(report, CheckResult{
				Name:     fmt.Sprintf("device:%s", dev.UnitID),
				Category: "Connectivity",
				Status:   StatusCritical,
				Message:  fmt.Sprintf("checks panicked: %v", err),
			})
		}
	}

	if r.opts.LogDir != "" {
		r.record(report, r.checkDiskSpace(r.opts.LogDir))
	}

	report.Duration = time.Since(start)
	report.Healthy = report.Summary.Critical == 0

	return report, nil
}

func (r *Runner) record(report *DiagnosticReport, result CheckResult) {
	report.Checks = append(report.Checks, result)
	report.Summary.Total++
	switch result.Status {
	case StatusOK:
		report.Summary.OK++
	case StatusWarning:
		report.Summary.Warning++
	case StatusCritical:
		report.Summary.Critical++
	}
}

// checkTCPReachable probes the device's measurement TCP port by
// issuing a cheap query command through the shared Device Client, so
// it goes through the same rate governor and mutex as real traffic.
func (r *Runner) checkTCPReachable(ctx context.Context, dev registry.DeviceConfig) CheckResult {
	start := time.Now()
	result := CheckResult{Name: fmt.Sprintf("tcp:%s", dev.UnitID), Category: "Connectivity"}

	target := deviceclient.Target{UnitID: dev.UnitID, Host: dev.Host, Port: dev.TCPPort}
	if _, err := r.client.Call(ctx, target, protocol.CmdMeasureState, exchangeDeadline); err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("tcp unreachable: %v", err)
	} else {
		result.Status = StatusOK
		result.Message = "tcp reachable"
	}

	result.Duration = time.Since(start)
	return result
}

// checkFTPReachable probes the device's FTP service with a bare dial
// and directory listing.
func (r *Runner) checkFTPReachable(ctx context.Context, dev registry.DeviceConfig) CheckResult {
	start := time.Now()
	result := CheckResult{Name: fmt.Sprintf("ftp:%s", dev.UnitID), Category: "Connectivity"}

	cfg := ftpclient.Config{
		Host:     dev.Host,
		Port:     dev.FTPPort,
		Username: dev.FTPUsername,
		Password: dev.FTPPassword,
	}
	if _, err := ftpclient.NewClient(cfg).List(ctx, "/"); err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("ftp unreachable: %v", err)
	} else {
		result.Status = StatusOK
		result.Message = "ftp reachable"
	}

	result.Duration = time.Since(start)
	return result
}

// checkClockSkew compares the device's reported clock against the
// gateway's own time. Per spec.md §9's open question on devices whose
// clock was never synced, this check only surfaces skew — it never
// writes back a correction.
func (r *Runner) checkClockSkew(ctx context.Context, dev registry.DeviceConfig) CheckResult {
	start := time.Now()
	result := CheckResult{Name: fmt.Sprintf("clock:%s", dev.UnitID), Category: "Clock"}

	target := deviceclient.Target{UnitID: dev.UnitID, Host: dev.Host, Port: dev.TCPPort}
	raw, err := r.client.Call(ctx, target, protocol.CmdClockQuery, exchangeDeadline)
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("clock query failed: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	deviceTime, err := time.Parse("2006/01/02 15:04:05", raw)
	if err != nil {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("clock reply %q not parseable: %v", raw, err)
		result.Duration = time.Since(start)
		return result
	}

	skew := time.Since(deviceTime)
	if skew < 0 {
		skew = -skew
	}

	switch {
	case skew >= ClockSkewCritical:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("clock skew %s exceeds %s", skew, ClockSkewCritical)
	case skew >= ClockSkewWarning:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("clock skew %s exceeds %s", skew, ClockSkewWarning)
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("clock skew %s", skew)
	}

	result.Duration = time.Since(start)
	return result
}

// checkDiskSpace reports free space on the device-log directory's
// filesystem.
func (r *Runner) checkDiskSpace(dir string) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "disk:log-dir", Category: "Storage"}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("statfs %s: %v", dir, err)
		result.Duration = time.Since(start)
		return result
	}

	freeMB := (stat.Bavail * uint64(stat.Bsize)) / (1024 * 1024)
	if freeMB < DiskLowWarningMB {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("%d MB free on %s (below %d MB)", freeMB, dir, DiskLowWarningMB)
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("%d MB free on %s", freeMB, dir)
	}

	result.Duration = time.Since(start)
	return result
}
