// SPDX-License-Identifier: MIT

// Command slmctl is the gateway's operator CLI: device registry
// management (including an interactive registration wizard), manual
// single-device command invocation, a fleet-wide diagnostic sweep, and
// self-update, all against the same registry/status files and Device
// Client the daemon (slm-gatewayd) uses.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is the program version, set via ldflags at build time.
var Version = "dev"

// newRootCmd assembles the slmctl command tree. Every subcommand reads
// its cancellation context from cmd.Context(), populated by
// ExecuteContext in main so Ctrl-C interrupts an in-flight fleet
// diagnostic sweep or update download the same way it would the daemon.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "slmctl",
		Short:             "Operator CLI for the sound-level-meter gateway",
		Version:           Version,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (default: "+defaultConfigPath+")")

	rootCmd.AddCommand(
		newDevicesCmd(),
		newCommandCmd(),
		newDiagnoseCmd(),
		newUpdateCmd(),
	)

	return rootCmd
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
