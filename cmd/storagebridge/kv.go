package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/will-x86/storagebridge/adapter"
	"github.com/will-x86/storagebridge/client"
	"github.com/will-x86/storagebridge/logger"
	"github.com/will-x86/storagebridge/storage"
)

// target names the bridge a client command talks to.
type target struct {
	pageHost  string
	socketURL string
	origin    string
}

func addTargetFlags(cmd *cobra.Command, t *target) {
	cmd.Flags().StringVar(&t.pageHost, "page-host", "localhost:8080", "host of the page using the bridge, e.g. shop1.example.com")
	cmd.Flags().StringVar(&t.socketURL, "socket-url", "", "bridge socket URL (derived from --page-host by default)")
	cmd.Flags().StringVar(&t.origin, "origin", "", "origin to present (derived from --page-host by default)")
}

// session is one client run: the bridge client plus this origin's own
// storage and replication queue.
type session struct {
	client *client.Client
	shadow *storage.SQLiteStorage
	queue  *storage.SQLiteQueue
}

func (a *app) openSession(t target) (*session, error) {
	opts := client.WebSocketOptions{Origin: t.origin}
	if t.socketURL != "" {
		u, err := url.Parse(t.socketURL)
		if err != nil {
			return nil, fmt.Errorf("invalid socket url: %w", err)
		}
		opts.URL = u
	}
	tr, err := client.NewWebSocketTransport(t.pageHost, opts)
	if err != nil {
		return nil, err
	}

	shadow, err := storage.NewSQLiteStorage(storage.SQLiteStorageOptions{DBPath: a.cfg.ShadowPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open local storage: %w", err)
	}
	queue, err := storage.NewSQLiteQueue(storage.SQLiteQueueOptions{DBPath: a.cfg.QueuePath})
	if err != nil {
		shadow.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	c := client.New(tr, client.Options{
		HandshakeTimeout: a.cfg.HandshakeTimeout,
		RequestTimeout:   a.cfg.RequestTimeout,
		Fallback:         shadow,
		Logger:           logger.Named(a.log, "client"),
	})
	return &session{client: c, shadow: shadow, queue: queue}, nil
}

func (s *session) Close() error {
	return errors.Join(s.client.Close(), s.queue.Close(), s.shadow.Close())
}

// write applies fn through the adapter, waits for replication and prints
// the outcome.
func (a *app) write(cmd *cobra.Command, t target, key string, fn func(*adapter.Adapter)) error {
	s, err := a.openSession(t)
	if err != nil {
		return err
	}
	defer s.Close()

	ad := adapter.New(s.client, adapter.Options{
		Shadow: s.shadow,
		Queue:  s.queue,
		Logger: logger.Named(a.log, "adapter"),
	})
	defer ad.Close()

	fn(ad)

	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.HandshakeTimeout+3*a.cfg.RequestTimeout)
	defer cancel()
	if err := ad.Flush(ctx); err != nil {
		a.log.Warn("Write to %q still queued: %v", key, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", key, ad.Status(key))
	if ad.Status(key) == adapter.StatusFailed {
		return fmt.Errorf("write to %q failed", key)
	}
	return nil
}

func newSetCmd(a *app) *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a key through the bridge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.write(cmd, t, args[0], func(ad *adapter.Adapter) {
				ad.SetItem(args[0], args[1])
			})
		},
	}
	addTargetFlags(cmd, &t)
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:     "rm <key>",
		Aliases: []string{"remove"},
		Short:   "Remove a key through the bridge",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.write(cmd, t, args[0], func(ad *adapter.Adapter) {
				ad.RemoveItem(args[0])
			})
		},
	}
	addTargetFlags(cmd, &t)
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key through the bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(t)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.client.GetItem(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !res.Found {
				return fmt.Errorf("key %q not found (%s)", args[0], res.Source)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t(%s)\n", res.Value, res.Source)
			return nil
		},
	}
	addTargetFlags(cmd, &t)
	return cmd
}

func newKeysCmd(a *app) *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List keys through the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(t)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.client.GetAllKeys(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(res.Keys) > 0 {
				fmt.Fprintln(out, strings.Join(res.Keys, "\n"))
			}
			fmt.Fprintf(out, "(%d keys, %s)\n", len(res.Keys), res.Source)
			return nil
		},
	}
	addTargetFlags(cmd, &t)
	return cmd
}
