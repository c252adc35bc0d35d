package main

import (
	"github.com/danmuck/dgibroker/internal/config"
	"github.com/danmuck/dgibroker/internal/node"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a broker node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			svc, err := node.NewService(cfg)
			if err != nil {
				return err
			}
			return svc.Run()
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "dgibroker.toml", "node config file (.toml, .yaml or .yml)")
	return cmd
}
