package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/vigil/internal/config"
	"firestige.xyz/vigil/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a rule file",
	Long: `Validate a rule file (JSON or YAML) by compiling it.

Every buffer, frame type and transform a rule names must exist.
File format is auto-detected from extension (.json, anything else YAML).
When --config is given, the configuration file is validated too.

Examples:
  vigil validate -f rules.yaml
  vigil validate -c vigil.yaml -f rules.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, validateRulesFile, cmd.OutOrStdout())
	},
}

var validateRulesFile string

func init() {
	validateCmd.Flags().StringVarP(&validateRulesFile, "file", "f", "",
		"rule file to validate (required)")
	validateCmd.MarkFlagRequired("file")
}

func runValidate(cfgPath, rulesPath string, out io.Writer) error {
	if cfgPath != "" {
		if _, err := config.Load(cfgPath); err != nil {
			return fmt.Errorf("INVALID config %s: %w", cfgPath, err)
		}
	}

	rules, err := engine.LoadRules(rulesPath)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	frames, stores := 0, 0
	for _, s := range rules.Group.Sigs() {
		if s.IsFrame() {
			frames++
		}
		if s.FileStore {
			stores++
		}
	}
	fmt.Fprintf(out, "VALID: %d rule(s), %d frame rule(s), %d file-store rule(s)\n",
		rules.Rules, frames, stores)
	return nil
}
