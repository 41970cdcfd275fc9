package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyclerun/cyclerun/internal/metrics"
)

// serveCmd implements 'cyclerun serve'.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the metrics and status HTTP endpoint",
	Long: `Serve exposes /metrics (Prometheus), /health and /status on the
configured listener without starting any trading activity. The /status
payload is built from the store on each request.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := newApp(cfg, flagOffline)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext()
	defer stop()

	srv := metrics.NewServer(cfg.Server.Addr, app.collector, func() any {
		reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return app.StatusReport(reqCtx)
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Printf("Serving metrics on %s (Ctrl-C to stop)\n", cfg.Server.Addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
