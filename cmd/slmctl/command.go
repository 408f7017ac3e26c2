// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"slmgateway/internal/deviceclient"
)

func newCommandCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "command <unit_id> <command>",
		Short: "Send a single command directly to a device, bypassing the poller",
		Long: "Issues one command/response exchange through the Device Client, the same\n" +
			"path the poller and REST API use, for debugging a device or probing a\n" +
			"command this CLI has no dedicated subcommand for.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			unitID, command := args[0], args[1]

			_, reg, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			dev, ok, err := reg.Get(cmd.Context(), unitID)
			if err != nil {
				return fmt.Errorf("get device: %w", err)
			}
			if !ok {
				return fmt.Errorf("device %q is not registered", unitID)
			}

			client := newDeviceClient()
			target := deviceclient.Target{UnitID: dev.UnitID, Host: dev.Host, Port: dev.TCPPort}
			data, err := client.Call(cmd.Context(), target, command, timeout)
			if err != nil {
				return fmt.Errorf("command failed: %w", err)
			}
			if data != "" {
				fmt.Fprintln(cmd.OutOrStdout(), data)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", deviceclient.DefaultExchangeTimeout, "Command deadline")

	return cmd
}
