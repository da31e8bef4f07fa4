package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/satcat5/internal/daemon"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the switch in the foreground",
	Long: `Run the switch in the foreground.

The daemon will:
  1. Load configuration and initialize logging and metrics
  2. Open every configured port and build the switch
  3. Attach the local IP stack, router and PTP client if configured
  4. Reload static routes on SIGHUP or when the config file changes
  5. Shut down gracefully on SIGTERM or SIGINT`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			exitWithError("daemon failed", err)
		}
	},
}

var pidFile string

func init() {
	runCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: node.pid_file)")
}

func runDaemon() error {
	d, err := daemon.New(configFile, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	// Blocks until shutdown.
	return d.Run()
}
