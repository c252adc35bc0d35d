package main

import (
	"fmt"
	"os"

	"github.com/danmuck/dgibroker/internal/logging"
	"github.com/spf13/cobra"
)

// Set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dgibroker: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dgibroker",
		Short: "Reliable ordered messaging between DGI nodes",
		Long: `dgibroker keeps one selective-repeat session per peer and delivers
payloads in order, exactly once, over TCP or WebSocket links.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		configCmd(),
		peersCmd(),
		sendCmd(),
		versionCmd(),
	)
	return root
}
