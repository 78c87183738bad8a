package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fetchguard/fetchguard/internal/config"
	"github.com/fetchguard/fetchguard/internal/webhookd"
	"github.com/fetchguard/fetchguard/internal/webhookstore"
	"github.com/spf13/cobra"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver daemon",
		Long: `Serve runs the webhook receiver daemon that accepts solved CAPTCHA
tokens pushed by the solver service.

The receiver stores incoming solutions in a local database that fetch
processes running in webhook mode poll and claim. Expired solutions are
purged in the background.

The receiver must be reachable from the solver service; put it behind a
public address or a tunnel and pass that address to fetch via
--callback-url.

Examples:
  # Listen on the default address
  fetchguard serve

  # Listen on a custom address with a custom database directory
  fetchguard serve --addr :9090 --db-dir /var/lib/fetchguard`,
		RunE: runServeCmd,
	}

	cmd.Flags().StringP("addr", "a", config.DefaultWebhookAddr,
		"Listen address for the webhook receiver")
	cmd.Flags().StringP("db-dir", "D", "",
		"Directory of the solution database (default: XDG data directory)")

	return cmd
}

// runServeCmd executes the serve command.
func runServeCmd(cmd *cobra.Command, _ []string) error {
	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return err
	}

	dbDir, err := cmd.Flags().GetString("db-dir")
	if err != nil {
		return err
	}
	if dbDir == "" {
		dbDir = webhookstore.DefaultDir()
	}

	logger := setupLogger(getVerboseFlag(cmd))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, stopping receiver...")
		cancel()
	}()

	store, err := webhookstore.Open(dbDir, webhookstore.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to open solution database: %w", err)
	}
	defer store.Close()

	store.StartPurge(logger)
	defer store.StopPurge()

	logger.Info("webhook receiver starting",
		slog.String("addr", addr),
		slog.String("dbDir", dbDir))

	return webhookd.NewServer(store, addr, logger).Run(ctx)
}
