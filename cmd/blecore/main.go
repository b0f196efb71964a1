package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Every call returns fresh commands, so
// flag values never leak between invocations.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blecore",
		Short: "Bluetooth Low Energy session manager CLI",
		Long: `Bluetooth Low Energy (BLE) command-line tool built on the blecore session manager:

- Scan for nearby devices with service, address, name and signal filters
- Inspect the GATT services and characteristics of a device
- Read from and write to characteristics
- Stream notifications and indications
- Broadcast manufacturer data as a peripheral`,
		Version: formatVersion(version),
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// Colour only when writing to a terminal
			if f, ok := cmd.OutOrStdout().(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
				color.NoColor = true
			}
		},
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("blecore %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newReadCmd())
	rootCmd.AddCommand(newWriteCmd())
	rootCmd.AddCommand(newSubscribeCmd())
	rootCmd.AddCommand(newAdvertiseCmd())

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output (same as --log-level debug)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML session configuration")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
