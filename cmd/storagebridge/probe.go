package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/will-x86/storagebridge/probe"
)

const browserStartup = 30 * time.Second

func newProbeCmd(a *app) *cobra.Command {
	var opts probe.Options

	cmd := &cobra.Command{
		Use:   "probe <page-url>",
		Short: "Load a bridge page in headless Chrome and check it works",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := url.Parse(args[0])
			if err != nil || page.Host == "" {
				return fmt.Errorf("invalid page url %q", args[0])
			}

			opts.Logger = a.log
			opts.HandshakeTimeout = a.cfg.HandshakeTimeout
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.HandshakeTimeout+browserStartup)
			defer cancel()

			report, err := probe.Check(ctx, page, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ready=%v roundtrip=%v keys=%d in %v\n",
				report.URL, report.Ready, report.RoundTrip, report.Keys, report.Elapsed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.ShowBrowser, "show-browser", false, "run Chrome with a visible window")
	cmd.Flags().StringVar(&opts.ExecPath, "chrome", "", "path to the Chrome binary")
	return cmd
}
