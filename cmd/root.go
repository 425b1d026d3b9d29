// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Vigil - stateful SIP intrusion detection",
	Long: `Vigil inspects SIP traffic against a signature rule set.

It decodes captured packets (L2-L4), reassembles TCP streams, splits SIP
messages into transactions and frames, and reports signature matches as
JSON lines.

Features:
  - Stateful inspection: partial matches are carried across packets
  - Frame inspection: windows over messages still being received
  - File extraction: SIP bodies stored on request of a signature
  - Rule reload on SIGHUP without losing flows`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (built-in defaults when empty)")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(validateCmd)
}
