// SPDX-License-Identifier: MIT

package main

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slmgateway/internal/devicetest"
)

func TestDiagnoseSingleDeviceReportsHealthy(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetResponse("Measure?", "R+0000", "0")
	dev.SetResponse("Clock?", "R+0000", time.Now().Format("2006/01/02 15:04:05"))

	host, portStr := splitHostPort(t, dev.Addr())
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	registryPath := filepath.Join(t.TempDir(), "registry.json")
	configPath := writeTestConfig(t, registryPath)

	_, err = runSlmctl(t, configPath, "devices", "add", "NL43-1",
		"--host", host, "--tcp-port", strconv.Itoa(port))
	require.NoError(t, err)

	out, err := runSlmctl(t, configPath, "diagnose", "NL43-1")
	require.NoError(t, err)
	assert.Contains(t, out, "\"healthy\": true")
}

func TestDiagnoseFleetSweepCoversEveryDevice(t *testing.T) {
	dev, err := devicetest.NewFakeDevice()
	require.NoError(t, err)
	defer dev.Close()
	dev.SetResponse("Measure?", "R+0000", "0")
	dev.SetResponse("Clock?", "R+0000", time.Now().Format("2006/01/02 15:04:05"))

	host, portStr := splitHostPort(t, dev.Addr())
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	registryPath := filepath.Join(t.TempDir(), "registry.json")
	configPath := writeTestConfig(t, registryPath)

	_, err = runSlmctl(t, configPath, "devices", "add", "NL43-1",
		"--host", host, "--tcp-port", strconv.Itoa(port))
	require.NoError(t, err)

	out, err := runSlmctl(t, configPath, "diagnose")
	require.NoError(t, err)
	assert.Contains(t, out, "tcp:NL43-1")
}

func TestDiagnoseUnknownDeviceErrors(t *testing.T) {
	registryPath := filepath.Join(t.TempDir(), "registry.json")
	configPath := writeTestConfig(t, registryPath)

	_, err := runSlmctl(t, configPath, "diagnose", "NL43-9")
	require.Error(t, err)
}
