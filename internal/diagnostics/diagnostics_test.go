package diagnostics

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"slmgateway/internal/deviceclient"
	"slmgateway/internal/devicelock"
	"slmgateway/internal/devicetest"
	"slmgateway/internal/ratelimit"
	"slmgateway/internal/registry"
)

func newTestClient() *deviceclient.Client {
	return deviceclient.NewClient(ratelimit.NewGovernor(time.Millisecond), devicelock.NewTable())
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	idx := strings.LastIndex(addr, ":")
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		t.Fatalf("parse port from %q: %v", addr, err)
	}
	return addr[:idx], port
}

func TestRunReportsTCPReachableDevice(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	if err != nil {
		t.Fatalf("NewFakeDevice() error = %v", err)
	}
	defer dev.Close()
	dev.SetResponse("Measure?", "R+0000Start")
	dev.SetResponse("Clock?", "R+0000"+time.Now().UTC().Format("2006/01/02 15:04:05"))

	host, port := hostPort(t, dev.Addr())
	reg := registry.NewMemory()
	if err := reg.Put(context.Background(), registry.DeviceConfig{
		UnitID: "NL43-1", Host: host, TCPPort: port, FTPPort: 21, PollIntervalSeconds: 30,
	}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	runner := NewRunner(reg, newTestClient(), Options{})
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Summary.Critical != 0 {
		t.Errorf("Summary.Critical = %d, want 0: %+v", report.Summary.Critical, report.Checks)
	}
	if !report.Healthy {
		t.Error("report.Healthy = false, want true")
	}

	foundTCP := false
	for _, c := range report.Checks {
		if c.Name == "tcp:NL43-1" {
			foundTCP = true
			if c.Status != StatusOK {
				t.Errorf("tcp check status = %v, want OK", c.Status)
			}
		}
	}
	if !foundTCP {
		t.Error("no tcp:NL43-1 check in report")
	}
}

func TestRunReportsUnreachableDeviceAsCritical(t *testing.T) {
	reg := registry.NewMemory()
	if err := reg.Put(context.Background(), registry.DeviceConfig{
		UnitID: "NL43-unreachable", Host: "127.0.0.1", TCPPort: 1, FTPPort: 21, PollIntervalSeconds: 30,
	}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	runner := NewRunner(reg, newTestClient(), Options{})
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Summary.Critical == 0 {
		t.Fatal("Summary.Critical = 0, want at least 1 for an unreachable device")
	}
	if report.Healthy {
		t.Error("report.Healthy = true, want false")
	}
}

func TestRunSkipsFTPCheckWhenDisabled(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	if err != nil {
		t.Fatalf("NewFakeDevice() error = %v", err)
	}
	defer dev.Close()
	dev.SetResponse("Measure?", "R+0000Start")
	dev.SetResponse("Clock?", "R+0000"+time.Now().UTC().Format("2006/01/02 15:04:05"))

	host, port := hostPort(t, dev.Addr())
	reg := registry.NewMemory()
	if err := reg.Put(context.Background(), registry.DeviceConfig{
		UnitID: "NL43-1", Host: host, TCPPort: port, FTPPort: 21, FTPEnabled: false, PollIntervalSeconds: 30,
	}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	runner := NewRunner(reg, newTestClient(), Options{})
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, c := range report.Checks {
		if strings.HasPrefix(c.Name, "ftp:") {
			t.Errorf("unexpected ftp check present: %+v", c)
		}
	}
}

func TestCheckClockSkewFlagsLargeDrift(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	if err != nil {
		t.Fatalf("NewFakeDevice() error = %v", err)
	}
	defer dev.Close()
	drifted := time.Now().UTC().Add(-time.Hour).Format("2006/01/02 15:04:05")
	dev.SetResponse("Clock?", "R+0000"+drifted)

	host, port := hostPort(t, dev.Addr())
	runner := NewRunner(registry.NewMemory(), newTestClient(), Options{})
	target := registry.DeviceConfig{UnitID: "NL43-1", Host: host, TCPPort: port}

	result := runner.checkClockSkew(context.Background(), target)
	if result.Status != StatusCritical {
		t.Errorf("status = %v, want CRITICAL for 1h skew", result.Status)
	}
}

// TestRunContinuesPastOneUnreachableDevice guards the per-device
// RecoverToPanic wrapping in Run: an earlier device's checks failing
// hard must not stop later devices in the registry from being checked.
func TestRunContinuesPastOneUnreachableDevice(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	if err != nil {
		t.Fatalf("NewFakeDevice() error = %v", err)
	}
	defer dev.Close()
	dev.SetResponse("Measure?", "R+0000Start")
	dev.SetResponse("Clock?", "R+0000"+time.Now().UTC().Format("2006/01/02 15:04:05"))
	host, port := hostPort(t, dev.Addr())

	reg := registry.NewMemory()
	if err := reg.Put(context.Background(), registry.DeviceConfig{
		UnitID: "NL43-unreachable", Host: "127.0.0.1", TCPPort: 1, FTPPort: 21, PollIntervalSeconds: 30,
	}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := reg.Put(context.Background(), registry.DeviceConfig{
		UnitID: "NL43-1", Host: host, TCPPort: port, FTPPort: 21, PollIntervalSeconds: 30,
	}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	runner := NewRunner(reg, newTestClient(), Options{})
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	foundReachable := false
	for _, c := range report.Checks {
		if c.Name == "tcp:NL43-1" && c.Status == StatusOK {
			foundReachable = true
		}
	}
	if !foundReachable {
		t.Error("NL43-1's checks were not reached after NL43-unreachable's checks ran")
	}
}

func TestCheckDiskSpaceReportsStatus(t *testing.T) {
	runner := NewRunner(registry.NewMemory(), newTestClient(), Options{})
	result := runner.checkDiskSpace(t.TempDir())
	if result.Status != StatusOK && result.Status != StatusWarning {
		t.Errorf("status = %v, want OK or WARNING", result.Status)
	}
	if result.Name != "disk:log-dir" {
		t.Errorf("name = %q, want disk:log-dir", result.Name)
	}
}

func TestRunIncludesDiskCheckWhenLogDirConfigured(t *testing.T) {
	runner := NewRunner(registry.NewMemory(), newTestClient(), Options{LogDir: t.TempDir()})
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	found := false
	for _, c := range report.Checks {
		if c.Name == "disk:log-dir" {
			found = true
		}
	}
	if !found {
		t.Error("disk:log-dir check missing when LogDir configured")
	}
}
