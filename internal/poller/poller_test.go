// SPDX-License-Identifier: MIT

package poller

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slmgateway/internal/deviceclient"
	"slmgateway/internal/devicelock"
	"slmgateway/internal/devicelog"
	"slmgateway/internal/devicetest"
	"slmgateway/internal/protocol"
	"slmgateway/internal/ratelimit"
	"slmgateway/internal/registry"
	"slmgateway/internal/status"
)

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	idx := strings.LastIndex(addr, ":")
	require.NotEqual(t, -1, idx)
	port, err := strconv.Atoi(addr[idx+1:])
	require.NoError(t, err)
	return addr[:idx], port
}

// P4 (exercised end to end through the poller): three consecutive poll
// failures flip is_reachable to false exactly once.
func TestPollDeviceFlipsReachabilityAtThreeFailures(t *testing.T) {
	reg := registry.NewMemory()
	st := status.NewMemory()
	client := deviceclient.NewClient(ratelimit.NewGovernor(time.Millisecond), devicelock.NewTable())
	p := New(reg, st, client, nil, "", nil)

	cfg := registry.DeviceConfig{
		UnitID: "NL43-1", Host: "127.0.0.1", TCPPort: 1,
		TCPEnabled: true, PollIntervalSeconds: 10, PollEnabled: true,
	}

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		p.pollDevice(context.Background(), cfg, now.Add(time.Duration(i)*time.Hour))
	}

	row, ok, err := st.Get(context.Background(), cfg.UnitID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, row.ConsecutiveFailures)
	assert.False(t, row.IsReachable)
}

// Exercises the same three-failure path as
// TestPollDeviceFlipsReachabilityAtThreeFailures, but also asserts that
// a Poller with an attached devicelog.Store records the per-poll
// failures and the reachability transition through it.
func TestPollDeviceRecordsToLogStore(t *testing.T) {
	reg := registry.NewMemory()
	st := status.NewMemory()
	client := deviceclient.NewClient(ratelimit.NewGovernor(time.Millisecond), devicelock.NewTable())
	logs := devicelog.NewMemory()
	p := New(reg, st, client, nil, "", nil, WithLogStore(logs))

	cfg := registry.DeviceConfig{
		UnitID: "NL43-1", Host: "127.0.0.1", TCPPort: 1,
		TCPEnabled: true, PollIntervalSeconds: 10, PollEnabled: true,
	}

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		p.pollDevice(context.Background(), cfg, now.Add(time.Duration(i)*time.Hour))
	}

	entries, err := logs.Query(context.Background(), cfg.UnitID, devicelog.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 4) // 3 POLL failures + 1 STATE transition

	stats, err := logs.Stats(context.Background(), cfg.UnitID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ByCategory["POLL"])
	assert.Equal(t, 1, stats.ByCategory["STATE"])
}

func TestPollDeviceSuccessMergesSnapshot(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetResponse("DOD?", "R+0000", "5,61.2,59.0,72.0,41.0,77.0")

	reg := registry.NewMemory()
	st := status.NewMemory()
	client := deviceclient.NewClient(ratelimit.NewGovernor(time.Millisecond), devicelock.NewTable())
	p := New(reg, st, client, nil, "", nil)

	host, port := hostPort(t, dev.Addr())
	cfg := registry.DeviceConfig{
		UnitID: "NL43-1", Host: host, TCPPort: port,
		TCPEnabled: true, PollIntervalSeconds: 10, PollEnabled: true,
	}

	p.pollDevice(context.Background(), cfg, time.Now().UTC())

	row, ok, err := st.Get(context.Background(), cfg.UnitID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, row.IsReachable)
	assert.Equal(t, 0, row.ConsecutiveFailures)
	assert.Equal(t, "5", row.Counter)
}

func TestPollDeviceSkipsWhenNotDue(t *testing.T) {
	reg := registry.NewMemory()
	st := status.NewMemory()
	client := deviceclient.NewClient(ratelimit.NewGovernor(time.Millisecond), devicelock.NewTable())
	p := New(reg, st, client, nil, "", nil)

	cfg := registry.DeviceConfig{
		UnitID: "NL43-1", Host: "127.0.0.1", TCPPort: 1,
		TCPEnabled: true, PollIntervalSeconds: 3600, PollEnabled: true,
	}

	now := time.Now().UTC()
	_, err := st.Mutate(context.Background(), cfg.UnitID, func(r *status.DeviceStatus) error {
		r.LastPollAttempt = &now
		return nil
	})
	require.NoError(t, err)

	// Polling again immediately should be a no-op: no new failure
	// recorded, since the device is not due.
	p.pollDevice(context.Background(), cfg, now.Add(time.Second))

	row, ok, err := st.Get(context.Background(), cfg.UnitID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, row.ConsecutiveFailures)
}

func TestDynamicSleep(t *testing.T) {
	p := New(registry.NewMemory(), status.NewMemory(), nil, nil, "", nil)

	assert.Equal(t, NoDeviceSleep, p.dynamicSleep(nil))

	assert.Equal(t, MinSleep, p.dynamicSleep([]registry.DeviceConfig{{PollIntervalSeconds: 10}}))
	assert.Equal(t, MaxSleep, p.dynamicSleep([]registry.DeviceConfig{{PollIntervalSeconds: 3600}}))
	assert.Equal(t, 100*time.Second, p.dynamicSleep([]registry.DeviceConfig{{PollIntervalSeconds: 200}}))
}

func TestDynamicSleepRespectsConfiguredBounds(t *testing.T) {
	p := New(registry.NewMemory(), status.NewMemory(), nil, nil, "", nil,
		WithSleepBounds(10*time.Second, 20*time.Second, 5*time.Second))

	assert.Equal(t, 5*time.Second, p.dynamicSleep(nil))
	assert.Equal(t, 10*time.Second, p.dynamicSleep([]registry.DeviceConfig{{PollIntervalSeconds: 1}}))
	assert.Equal(t, 20*time.Second, p.dynamicSleep([]registry.DeviceConfig{{PollIntervalSeconds: 3600}}))
}

func TestPollDeviceInvokesStartTimeSync(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetResponse("DOD?", "R+0000", "1,60,58,70,40,75")
	dev.SetResponse("FTP,Off", "R+0000")
	dev.SetResponse("FTP,On", "R+0000")
	dev.SetResponse("FTP?", "R+0000", "On")

	reg := registry.NewMemory()
	st := status.NewMemory()
	client := deviceclient.NewClient(ratelimit.NewGovernor(time.Millisecond), devicelock.NewTable())
	p := New(reg, st, client, nil, "", nil)

	host, port := hostPort(t, dev.Addr())
	cfg := registry.DeviceConfig{
		UnitID: "NL43-1", Host: host, TCPPort: port, FTPPort: 21,
		TCPEnabled: true, FTPEnabled: true, FTPUsername: "USER", FTPPassword: "0000",
		PollIntervalSeconds: 10, PollEnabled: true,
	}

	// Seed the device as already measuring, so the merge keeps it in
	// "Start" and the sync precondition holds after this poll.
	_, err = st.Mutate(context.Background(), cfg.UnitID, func(r *status.DeviceStatus) error {
		r.MeasurementState = protocol.StateStart
		return nil
	})
	require.NoError(t, err)

	p.pollDevice(context.Background(), cfg, time.Now().UTC())

	row, ok, err := st.Get(context.Background(), cfg.UnitID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, row.StartTimeSyncAttempted)
}
