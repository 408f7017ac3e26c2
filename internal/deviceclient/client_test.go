// SPDX-License-Identifier: MIT

package deviceclient

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slmgateway/internal/devicelock"
	"slmgateway/internal/devicetest"
	"slmgateway/internal/protocol"
	"slmgateway/internal/ratelimit"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(ratelimit.NewGovernor(10*time.Millisecond), devicelock.NewTable())
}

func targetFor(t *testing.T, unit, addr string) Target {
	t.Helper()
	host, portStr, err := splitAddr(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Target{UnitID: unit, Host: host, Port: port}
}

func splitAddr(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	return addr[:idx], addr[idx+1:], nil
}

func TestClientCallQuery(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetResponse("DOD?", "R+0000", "1,60.0,58.0,70.0,40.0,75.0")

	c := newTestClient(t)
	target := targetFor(t, "NL43-1", dev.Addr())

	data, err := c.Call(context.Background(), target, "DOD?", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1,60.0,58.0,70.0,40.0,75.0", data)
}

func TestClientCallSetter(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetResponse("Measure,Start", "R+0000")

	c := newTestClient(t)
	target := targetFor(t, "NL43-1", dev.Addr())

	_, err = c.Call(context.Background(), target, "Measure,Start", time.Second)
	require.NoError(t, err)
}

func TestClientCallErrorCode(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetResponse("Measure,Start", "R+0004")

	c := newTestClient(t)
	target := targetFor(t, "NL43-1", dev.Addr())

	_, err = c.Call(context.Background(), target, "Measure,Start", time.Second)
	require.Error(t, err)
	var stateErr *protocol.StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestClientCallUnreachable(t *testing.T) {
	c := newTestClient(t)
	target := Target{UnitID: "NL43-1", Host: "127.0.0.1", Port: 1}

	_, err := c.Call(context.Background(), target, "DOD?", 200*time.Millisecond)
	require.Error(t, err)
}

// P1 (end to end through the Device Client): two DOD? issued back to back
// result in the second call's command being sent >= 1000ms after the
// first.
func TestClientCallRespectsRateLimit(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetResponse("DOD?", "R+0000", "1,60,58,70,40,75")

	c := NewClient(ratelimit.NewGovernor(1*time.Second), devicelock.NewTable())
	target := targetFor(t, "NL43-1", dev.Addr())

	start := time.Now()
	_, err = c.Call(context.Background(), target, "DOD?", 5*time.Second)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), target, "DOD?", 5*time.Second)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 1*time.Second)
}

// Scenario 2: single-session enforcement against a stub that refuses any
// second concurrent connect: exactly one call succeeds at a time; both
// eventually succeed; no ConnectError observed.
func TestClientEnforcesSingleSession(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetResponse("DOD?", "R+0000", "1,60,58,70,40,75")
	dev.RefuseSecondConnection(true)

	c := NewClient(ratelimit.NewGovernor(10*time.Millisecond), devicelock.NewTable())
	target := targetFor(t, "NL43-1", dev.Addr())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Call(context.Background(), target, "DOD?", 5*time.Second)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestStreamDRDDeliversSnapshots(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetDRDLines("1,60,58,70,40,75", "2,61,59,71,41,76")

	c := newTestClient(t)
	target := targetFor(t, "NL43-1", dev.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []string
	err = c.StreamDRD(ctx, target, func(s *protocol.Snapshot) error {
		got = append(got, s.Raw)
		if len(got) == 2 {
			return errStop
		}
		return nil
	}, time.Second)

	require.ErrorIs(t, err, errStop)
	assert.Equal(t, []string{"1,60,58,70,40,75", "2,61,59,71,41,76"}, got)
}

var errStop = stopErr("stop")

type stopErr string

func (e stopErr) Error() string { return string(e) }

func TestStreamDRDQuietTimeout(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetDRDLines()

	c := newTestClient(t)
	target := targetFor(t, "NL43-1", dev.Addr())

	err = c.StreamDRD(context.Background(), target, func(s *protocol.Snapshot) error {
		return nil
	}, 100*time.Millisecond)

	require.Error(t, err)
	var streamTimeout *protocol.StreamTimeout
	require.ErrorAs(t, err, &streamTimeout)
}

type fakeMetrics struct {
	mu           sync.Mutex
	commands     []string
	outcomes     []bool
	streamStates []bool
}

func (f *fakeMetrics) ObserveCommand(unitID, command string, seconds float64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	f.outcomes = append(f.outcomes, ok)
}

func (f *fakeMetrics) SetStreamActive(unitID string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamStates = append(f.streamStates, active)
}

func TestClientCallObservesMetrics(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetResponse("DOD?", "R+0000", "1,60.0,58.0,70.0,40.0,75.0")
	dev.SetResponse("Measure,Start", "R+0003")

	sink := &fakeMetrics{}
	c := NewClient(ratelimit.NewGovernor(10*time.Millisecond), devicelock.NewTable(), WithMetrics(sink))
	target := targetFor(t, "NL43-1", dev.Addr())

	_, err = c.Call(context.Background(), target, "DOD?", time.Second)
	require.NoError(t, err)
	_, err = c.Call(context.Background(), target, "Measure,Start", time.Second)
	require.Error(t, err)

	assert.Equal(t, []string{"DOD?", "Measure,Start"}, sink.commands)
	assert.Equal(t, []bool{true, false}, sink.outcomes)
}

func TestStreamDRDSetsStreamActive(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetDRDLines("1,60,58,70,40,75")

	sink := &fakeMetrics{}
	c := NewClient(ratelimit.NewGovernor(10*time.Millisecond), devicelock.NewTable(), WithMetrics(sink))
	target := targetFor(t, "NL43-1", dev.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = c.StreamDRD(ctx, target, func(s *protocol.Snapshot) error {
		return errStop
	}, time.Second)
	require.ErrorIs(t, err, errStop)

	assert.Equal(t, []bool{true, false}, sink.streamStates)
}
