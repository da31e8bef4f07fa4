package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/satcat5/internal/util"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build date",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "satcat5 %s (built %s)\n", util.Version, util.BuildTime().Format(time.DateOnly))
	},
}
