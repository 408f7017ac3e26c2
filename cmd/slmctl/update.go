// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"slmgateway/internal/updater"
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check for and install slmctl/slm-gatewayd releases",
	}

	cmd.AddCommand(newUpdateCheckCmd(), newUpdateInstallCmd(), newUpdateRollbackCmd())

	return cmd
}

func newUpdateCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check GitHub releases for a newer version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u := updater.New(updater.WithCurrentVersion(Version))
			info, err := u.CheckForUpdates(cmd.Context())
			if err != nil {
				return fmt.Errorf("check for updates: %w", err)
			}
			return printJSON(cmd, info)
		},
	}
}

func newUpdateInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Download and install the latest release in place",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			u := updater.New(updater.WithCurrentVersion(Version))
			info, err := u.CheckForUpdates(ctx)
			if err != nil {
				return fmt.Errorf("check for updates: %w", err)
			}
			if !info.UpdateAvailable {
				fmt.Fprintf(cmd.OutOrStdout(), "already running the latest version (%s)\n", Version)
				return nil
			}

			binaryPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate running binary: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "updating %s -> %s\n", info.CurrentVersion, info.LatestVersion)
			if err := u.Update(ctx, info, binaryPath, nil); err != nil {
				return fmt.Errorf("update failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "update complete")
			return nil
		},
	}
}

func newUpdateRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the binary backed up by the previous install",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u := updater.New()
			binaryPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate running binary: %w", err)
			}
			if !u.HasBackup(binaryPath) {
				return fmt.Errorf("no backup found for %s", binaryPath)
			}
			if err := u.Rollback(binaryPath); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rollback complete")
			return nil
		},
	}
}
