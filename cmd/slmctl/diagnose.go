// SPDX-License-Identifier: MIT

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"slmgateway/internal/diagnostics"
)

func newDiagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose [unit_id]",
		Short: "Run protocol-level diagnostics against one device or the whole fleet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, reg, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			client := newDeviceClient()
			runner := diagnostics.NewRunner(reg, client, diagnostics.Options{LogDir: cfg.Log.Dir})

			if len(args) == 1 {
				dev, ok, err := reg.Get(ctx, args[0])
				if err != nil {
					return fmt.Errorf("get device: %w", err)
				}
				if !ok {
					return fmt.Errorf("device %q is not registered", args[0])
				}
				return printJSON(cmd, runner.RunDevice(ctx, dev))
			}

			report, err := runner.Run(ctx)
			if err != nil {
				return fmt.Errorf("run diagnostics: %w", err)
			}
			return printJSON(cmd, report)
		},
	}
}
