package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupMaxAgeDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished batch states and states older than --max-age-days",
	Run:   runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupMaxAgeDays, "max-age-days", 0, "age threshold in days (default from config)")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	days := cleanupMaxAgeDays
	if days <= 0 {
		days = app.Config().Cleanup.MaxAgeDays
	}

	deleted := app.Store().Cleanup(ctx, days)
	fmt.Printf("Deleted %d batch states\n", deleted)
}
