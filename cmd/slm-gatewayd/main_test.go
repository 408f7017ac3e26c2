// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slmgateway/internal/deviceclient"
	"slmgateway/internal/devicelock"
	"slmgateway/internal/notify"
	"slmgateway/internal/poller"
	"slmgateway/internal/ratelimit"
	"slmgateway/internal/registry"
	"slmgateway/internal/status"
)

func TestLoadConfigurationDefaultsOnMissingFile(t *testing.T) {
	cfg, err := loadConfiguration(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadConfigurationReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
http:
  addr: ":9090"
poller:
  min_sleep: 10s
  max_sleep: 100s
  no_device_sleep: 20s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := loadConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.Poller.MinSleep)
}

func TestNewRegistryMemoryWhenPathEmpty(t *testing.T) {
	reg, err := newRegistry(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	require.IsType(t, &registry.Memory{}, reg)
}

func TestNewRegistryFileWhenPathSet(t *testing.T) {
	reg, err := newRegistry(afero.NewMemMapFs(), "/var/lib/slm-gateway/registry.json")
	require.NoError(t, err)
	require.IsType(t, &registry.File{}, reg)
}

func TestNewStatusStoreMemoryWhenRegistryPathEmpty(t *testing.T) {
	st, err := newStatusStore(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	require.IsType(t, &status.Memory{}, st)
}

func TestNewStatusStoreFileSitsNextToRegistry(t *testing.T) {
	st, err := newStatusStore(afero.NewMemMapFs(), "/var/lib/slm-gateway/registry.json")
	require.NoError(t, err)
	require.IsType(t, &status.File{}, st)
}

func TestStatusProviderMapsRows(t *testing.T) {
	st := status.NewMemory()
	ctx := context.Background()
	_, err := st.Mutate(ctx, "NL43-1", func(r *status.DeviceStatus) error {
		r.IsReachable = true
		r.ConsecutiveFailures = 0
		return nil
	})
	require.NoError(t, err)
	_, err = st.Mutate(ctx, "NL43-2", func(r *status.DeviceStatus) error {
		r.IsReachable = false
		r.ConsecutiveFailures = 3
		r.LastError = "timeout"
		return nil
	})
	require.NoError(t, err)

	p := &statusProvider{status: st}
	devices := p.Devices()
	assert.Len(t, devices, 2)
}

func TestSystemInfoProviderNoLogDir(t *testing.T) {
	var alive atomic.Bool
	alive.Store(true)
	p := &systemInfoProvider{logDir: "", pollerAlive: &alive}
	info := p.SystemInfo()
	assert.True(t, info.PollerAlive)
	assert.Zero(t, info.DiskFreeBytes)
}

func TestSystemInfoProviderReflectsPollerLiveness(t *testing.T) {
	var alive atomic.Bool
	p := &systemInfoProvider{logDir: "", pollerAlive: &alive}
	assert.False(t, p.SystemInfo().PollerAlive)
	alive.Store(true)
	assert.True(t, p.SystemInfo().PollerAlive)
}

func TestPollerServiceServeStopsOnCancel(t *testing.T) {
	reg := registry.NewMemory()
	st := status.NewMemory()
	client := deviceclient.NewClient(ratelimit.NewGovernor(time.Millisecond), devicelock.NewTable())
	svc := &pollerService{poller: poller.New(reg, st, client, notify.NewClient(""), "", nil)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	assert.Eventually(t, func() bool { return svc.alive.Load() }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pollerService.Serve did not stop after cancel")
	}
	assert.False(t, svc.alive.Load())
}
