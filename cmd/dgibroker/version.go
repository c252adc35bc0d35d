package main

import (
	"fmt"
	"runtime"

	"github.com/danmuck/dgibroker/internal/server"
	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(w, version)
				return
			}
			fmt.Fprintf(w, "dgibroker %s (commit %s)\n", version, commit)
			fmt.Fprintf(w, "  admin api:  %s\n", server.Version)
			fmt.Fprintf(w, "  go version: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version")
	return cmd
}
