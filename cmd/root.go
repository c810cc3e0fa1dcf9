// Package cmd wires the twinclaw CLI: serve runs the runtime, the rest are
// operator tools against the same config and store.
package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/twinclawhq/twinclaw/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/twinclawhq/twinclaw/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "twinclaw",
	Short: "TwinClaw — personal agent runtime core",
	Long: "TwinClaw runs the always-on runtime between chat channels and an LLM gateway:\n" +
		"channel adapters, DM pairing, reliable delivery, delegation orchestration,\n" +
		"and a signed control plane with a live event hub.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: twinclaw.json5 or $TWINCLAW_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(pairingCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("twinclaw %s (envelope v%d, %s)\n", Version, protocol.EnvelopeVersion, runtime.Version())
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("TWINCLAW_CONFIG"); v != "" {
		return v
	}
	return "twinclaw.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
