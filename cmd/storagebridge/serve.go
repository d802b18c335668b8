package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/will-x86/storagebridge"
	"github.com/will-x86/storagebridge/host"
	"github.com/will-x86/storagebridge/storage"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	var origins []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge host",
		Long: `Serve the bridge page at ` + bridge.BridgePath + ` and its websocket at
` + bridge.SocketPath + `. The host is the only writer of the shared store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Addr = addr
			}
			if len(origins) > 0 {
				a.cfg.AllowedOrigins = origins
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides BRIDGE_ADDR)")
	cmd.Flags().StringSliceVar(&origins, "origins", nil, "allowed origin patterns (overrides BRIDGE_ALLOWED_ORIGINS)")
	return cmd
}

func (a *app) openStore() (storage.Storage, func() error, error) {
	if a.cfg.StorageDir != "" {
		fs, err := storage.NewFileStorage(a.cfg.StorageDir)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() error { return nil }, nil
	}
	db, err := storage.NewSQLiteStorage(storage.SQLiteStorageOptions{DBPath: a.cfg.DBPath})
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

func (a *app) serve(ctx context.Context) error {
	store, closeStore, err := a.openStore()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore()

	policy := a.cfg.OriginPolicy()
	h, err := host.New(host.Options{
		Storage:   store,
		Origins:   policy,
		Logger:    a.log,
		RateLimit: a.cfg.RateLimit,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("Bridge host listening on %s (origins: %v)", a.cfg.Addr, host.Patterns(policy))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info("Shutting down bridge host")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
