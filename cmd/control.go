package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/satcat5/internal/config"
	"firestige.xyz/satcat5/internal/control"
)

const defaultSocket = "/var/run/satcat5.sock"

var (
	socketPath string
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of a running switch",
	Long: `Query a running daemon over its control socket.

Shows: node, version, uptime, per-port counters, the local routing table
and the PTP client state.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := runStatus(ctx, newClient(), os.Stdout, statusJSON); err != nil {
			exitWithError("failed to query daemon", err)
		}
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the configuration of a running switch",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := newClient().Reload(ctx); err != nil {
			exitWithError("reload failed", err)
		}
		fmt.Println("configuration reloaded")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running switch",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := newClient().Shutdown(ctx); err != nil {
			exitWithError("stop failed", err)
		}
		fmt.Println("shutdown requested")
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw JSON results")
	for _, c := range []*cobra.Command{statusCmd, reloadCmd, stopCmd} {
		c.Flags().StringVarP(&socketPath, "socket", "s", "",
			"control socket path (default: control.socket from the config file)")
	}
}

// newClient resolves the socket from --socket, then the config file.
func newClient() *control.Client {
	path := socketPath
	if path == "" {
		path = defaultSocket
		if cfg, err := config.Load(configFile); err == nil && cfg.Control.Socket != "" {
			path = cfg.Control.Socket
		}
	}
	return control.NewClient(path, 10*time.Second)
}

func runStatus(ctx context.Context, c *control.Client, out io.Writer, asJSON bool) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	ports, err := c.Ports(ctx, "")
	if err != nil {
		return err
	}
	// Routes and PTP are optional parts of a node.
	routes, rerr := c.Routes(ctx)
	ptp, perr := c.Ptp(ctx)

	if asJSON {
		doc := map[string]interface{}{"status": st, "ports": ports}
		if rerr == nil {
			doc["routes"] = routes
		}
		if perr == nil {
			doc["ptp"] = ptp
		}
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
		return nil
	}

	fmt.Fprintf(out, "node %s  version %s  up %s\n", st.Node, st.Version, time.Duration(st.UptimeSec)*time.Second)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tNAME\tVID\tRX\tRX DROP\tTX\tTX DROP")
	for _, p := range ports {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%d\n", p.Index, p.Name, p.Vid, p.RxFrames, p.RxDrops, p.TxFrames, p.TxDrops)
	}
	tw.Flush()
	if rerr == nil {
		fmt.Fprintln(out, "routes:")
		if routes.Default != nil {
			fmt.Fprintf(out, "  default via %s\n", routes.Default.Gateway)
		}
		for _, r := range routes.Routes {
			line := "  " + r.Subnet
			if r.Gateway != "" {
				line += " via " + r.Gateway
			}
			if r.Mac != "" {
				line += " mac " + r.Mac
			}
			fmt.Fprintf(out, "%s port %d\n", line, r.Port)
		}
	}
	if perr == nil {
		fmt.Fprintf(out, "ptp: %s/%s master %q sent %d rcvd %d", ptp.Mode, ptp.State, ptp.Master, ptp.Sent, ptp.Received)
		if ptp.OffsetNs != nil {
			fmt.Fprintf(out, " offset %dns", *ptp.OffsetNs)
		}
		fmt.Fprintln(out)
	}
	return nil
}
