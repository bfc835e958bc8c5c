// Package commands implements the CLI commands for meshreg node management.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "meshreg",
	Short: "meshreg - slot-sharded service registry node",
	Long: `meshreg runs one node of a slot-sharded service registry: session
nodes hold client registrations and fan out pushes, data nodes hold the
authoritative published data partitioned into slots.

Use "meshreg [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/meshreg/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(slotsCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
