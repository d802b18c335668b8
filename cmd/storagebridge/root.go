package main

import (
	"github.com/spf13/cobra"

	"github.com/will-x86/storagebridge/config"
	"github.com/will-x86/storagebridge/logger"
)

type app struct {
	cfg config.Config
	log logger.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "storagebridge",
		Short: "Shared key-value storage across tenant subdomains",
		Long: `storagebridge serves the bridge page and socket that let pages on
different subdomains of a tenant share one key-value store, and
provides client commands to read and write through it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
			}
			a.cfg = cfg
			a.log = cfg.Logger(cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(a),
		newProbeCmd(a),
		newURLCmd(),
		newSetCmd(a),
		newGetCmd(a),
		newRemoveCmd(a),
		newKeysCmd(a),
	)
	return root
}
