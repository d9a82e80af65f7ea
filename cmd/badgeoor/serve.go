package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/badgeoor/pkg/api"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the badge server",
	Long:  `Start the HTTP server that handles LTI launches, the Canvas OAuth flow, badge checks and public badge assertions.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	srv := api.NewServer(log, cfg)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting badge server: %w", err)
	}

	// Wait for a shutdown signal or for the server to fail.
	var serveErr error

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Shutting down badge server")
	case serveErr = <-srv.Errors():
		log.WithError(serveErr).Error("Badge server failed")
	}

	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping badge server: %w", err)
	}

	return serveErr
}
