// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"slmgateway/internal/config"
	"slmgateway/internal/deviceclient"
	"slmgateway/internal/devicelock"
	"slmgateway/internal/ratelimit"
	"slmgateway/internal/registry"
	"slmgateway/internal/status"
)

const defaultConfigPath = config.ConfigFilePath

// loadConfiguration mirrors slm-gatewayd's own fallback: use the YAML
// file if present, else the package defaults, so slmctl works against
// an unconfigured host without requiring a config file first.
func loadConfiguration(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	kc, err := config.NewKoanfConfig(config.WithYAMLFile(path))
	if err != nil {
		return nil, err
	}
	return kc.Load()
}

func openRegistry(fs afero.Fs, path string) (registry.Store, error) {
	if path == "" {
		return registry.NewMemory(), nil
	}
	return registry.NewFile(fs, path)
}

func openStatusStore(fs afero.Fs, registryPath string) (status.Store, error) {
	if registryPath == "" {
		return status.NewMemory(), nil
	}
	return status.NewFile(fs, filepath.Join(filepath.Dir(registryPath), "status.json"))
}

// openStores loads the configured registry and status store from the
// --config flag shared by every subcommand.
func openStores(cmd *cobra.Command) (*config.Config, registry.Store, status.Store, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := loadConfiguration(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	fs := afero.NewOsFs()
	reg, err := openRegistry(fs, cfg.Registry.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := openStatusStore(fs, cfg.Registry.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, reg, st, nil
}

// newDeviceClient builds a Device Client sized for one-off operator
// commands: a fresh rate governor and lock table, since slmctl is a
// short-lived process that does not share state across invocations.
func newDeviceClient() *deviceclient.Client {
	return deviceclient.NewClient(ratelimit.NewGovernor(ratelimit.DefaultInterval), devicelock.NewTable())
}
