package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/satcat5/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration file without starting the switch.
Every problem found is listed. With --print the effective configuration,
defaults included, is written as YAML.

Examples:
  satcat5 validate -c switch.yml
  satcat5 validate -c switch.yml --print`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, validatePrint, os.Stdout); err != nil {
			os.Exit(1)
		}
	},
}

var validatePrint bool

func init() {
	validateCmd.Flags().BoolVar(&validatePrint, "print", false, "print the effective configuration")
}

func runValidate(path string, print bool, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, p := range verr.List() {
				fmt.Fprintf(out, "INVALID: %v\n", p)
			}
		} else {
			fmt.Fprintf(out, "INVALID: %v\n", err)
		}
		return err
	}
	fmt.Fprintf(out, "VALID: node %q, %d port(s), %d plugin(s)\n",
		cfg.Node.Name, len(cfg.Ports), len(cfg.Switch.Plugins))
	if print {
		return config.Dump(out, cfg)
	}
	return nil
}
