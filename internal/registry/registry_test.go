// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleConfig(unit string) DeviceConfig {
	return DeviceConfig{
		UnitID:              unit,
		Host:                "10.0.0.5",
		TCPPort:             9000,
		FTPPort:             21,
		TCPEnabled:          true,
		FTPEnabled:          true,
		FTPUsername:         "USER",
		FTPPassword:         "0000",
		PollIntervalSeconds: 60,
		PollEnabled:         true,
	}
}

func TestDeviceConfigValidate(t *testing.T) {
	cfg := sampleConfig("NL43-1")
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.TCPPort = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.PollIntervalSeconds = 5
	require.Error(t, bad.Validate())
}

func TestDeviceConfigWithDefaults(t *testing.T) {
	cfg := DeviceConfig{UnitID: "NL43-1", Host: "10.0.0.5", TCPPort: 9000}
	cfg = cfg.WithDefaults()
	assert.Equal(t, 21, cfg.FTPPort)
	assert.Equal(t, "USER", cfg.FTPUsername)
	assert.Equal(t, "0000", cfg.FTPPassword)
	assert.Equal(t, 60, cfg.PollIntervalSeconds)
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	require.NoError(t, store.Put(ctx, sampleConfig("NL43-1")))

	cfg, ok, err := store.Get(ctx, "NL43-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", cfg.Host)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	var deletedUnit string
	store.OnDelete(func(unitID string) { deletedUnit = unitID })

	require.NoError(t, store.Delete(ctx, "NL43-1"))
	assert.Equal(t, "NL43-1", deletedUnit)

	_, ok, err = store.Get(ctx, "NL43-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	store, err := NewFile(fs, "/etc/slmgateway/devices.json")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, sampleConfig("NL43-1")))

	reopened, err := NewFile(fs, "/etc/slmgateway/devices.json")
	require.NoError(t, err)

	cfg, ok, err := reopened.Get(ctx, "NL43-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", cfg.Host)
}

func TestFileStoreDeleteCascade(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	store, err := NewFile(fs, "/etc/slmgateway/devices.json")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, sampleConfig("NL43-1")))

	var deleted []string
	store.OnDelete(func(unitID string) { deleted = append(deleted, unitID) })

	require.NoError(t, store.Delete(ctx, "NL43-1"))
	assert.Equal(t, []string{"NL43-1"}, deleted)
}
