package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/will-x86/storagebridge"
)

func newURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url <page-host>",
		Short: "Print the bridge page and socket URLs for a page host",
		Args:  cobra.ExactArgs(1),
		// Pure derivation, no config needed.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := bridge.BridgeURL(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "page:   %s\n", page)
			fmt.Fprintf(out, "socket: %s\n", bridge.SocketURL(page))
			fmt.Fprintf(out, "origin: %s\n", bridge.OriginFor(args[0]))
			return nil
		},
	}
}
