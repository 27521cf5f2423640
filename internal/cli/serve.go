package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server, task worker and scheduled cleanup",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	app := openApp(ctx)
	defer app.Close()

	slog.Info("Importer started", "config", cfgPath)

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Importer stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Importer stopped gracefully")
}
