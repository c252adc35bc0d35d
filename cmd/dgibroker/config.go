package main

import (
	"fmt"

	"github.com/danmuck/dgibroker/internal/config"
	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate node config files",
	}
	cmd.AddCommand(configInitCmd(), configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample config; the extension picks TOML or YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(out, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", config.FormatFor(out), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "dgibroker.toml", "output path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "config %s ok\n", path)
			fmt.Fprintf(w, "  node_id:   %s\n", cfg.NodeID)
			fmt.Fprintf(w, "  listen:    %s (%s)\n", cfg.Listen, cfg.ListenNetwork)
			fmt.Fprintf(w, "  protocol:  modulo=%d timeout=%s resend=%s max_dropped=%d\n",
				cfg.Session.Protocol.Modulus,
				cfg.Session.Protocol.DefaultTimeout,
				cfg.Session.Protocol.ResendInterval,
				cfg.Session.Protocol.MaxDropped,
			)
			fmt.Fprintf(w, "  peers:     %d\n", len(cfg.Peers))
			if cfg.GeneratedID {
				fmt.Fprintln(w, "  warning:   node_id is empty, a random id is used on every start")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "dgibroker.toml", "config file to validate")
	return cmd
}
