// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"slmgateway/internal/registry"
)

func newDevicesCmd() *cobra.Command {
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage registered devices",
	}

	devicesCmd.AddCommand(
		newDevicesListCmd(),
		newDevicesGetCmd(),
		newDevicesAddCmd(),
		newDevicesRemoveCmd(),
	)

	return devicesCmd
}

func newDevicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, reg, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			devices, err := reg.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}
			return printJSON(cmd, devices)
		},
	}
}

func newDevicesGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <unit_id>",
		Short: "Show a device's registry entry and last-known status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, st, err := openStores(cmd)
			if err != nil {
				return err
			}
			cfg, ok, err := reg.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get device: %w", err)
			}
			if !ok {
				return fmt.Errorf("device %q is not registered", args[0])
			}
			row, _, err := st.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			return printJSON(cmd, struct {
				Device registry.DeviceConfig `json:"device"`
				Status any                   `json:"status"`
			}{Device: cfg, Status: row})
		},
	}
}

func newDevicesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <unit_id>",
		Short: "Remove a device from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			if err := reg.Delete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("remove device: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newDevicesAddCmd() *cobra.Command {
	var (
		host             string
		tcpPort, ftpPort int
		tcpEnabled       bool
		ftpEnabled       bool
		ftpUser, ftpPass string
		pollInterval     int
		pollEnabled      bool
		interactive      bool
	)

	cmd := &cobra.Command{
		Use:   "add <unit_id>",
		Short: "Register a device, interactively unless flags are given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, _, err := openStores(cmd)
			if err != nil {
				return err
			}

			cfg := registry.DeviceConfig{
				UnitID:              args[0],
				Host:                host,
				TCPPort:             tcpPort,
				FTPPort:             ftpPort,
				TCPEnabled:          tcpEnabled,
				FTPEnabled:          ftpEnabled,
				FTPUsername:         ftpUser,
				FTPPassword:         ftpPass,
				PollIntervalSeconds: pollInterval,
				PollEnabled:         pollEnabled,
			}

			if interactive || host == "" {
				cfg = runDeviceWizard(os.Stdin, cmd.OutOrStdout(), cfg)
			}
			cfg = cfg.WithDefaults()

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid device configuration: %w", err)
			}
			if err := reg.Put(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("register device: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s at %s:%d\n", cfg.UnitID, cfg.Host, cfg.TCPPort)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Device hostname or IP address")
	cmd.Flags().IntVar(&tcpPort, "tcp-port", 0, "Measurement TCP port")
	cmd.Flags().IntVar(&ftpPort, "ftp-port", 21, "FTP control port")
	cmd.Flags().BoolVar(&tcpEnabled, "tcp-enabled", true, "Enable TCP polling")
	cmd.Flags().BoolVar(&ftpEnabled, "ftp-enabled", false, "Enable FTP log retrieval")
	cmd.Flags().StringVar(&ftpUser, "ftp-username", "USER", "FTP username")
	cmd.Flags().StringVar(&ftpPass, "ftp-password", "0000", "FTP password")
	cmd.Flags().IntVar(&pollInterval, "poll-interval", 60, "Poll interval in seconds")
	cmd.Flags().BoolVar(&pollEnabled, "poll-enabled", true, "Enable background polling")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "Force the interactive wizard even when flags are set")

	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
