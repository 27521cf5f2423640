package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var resetNamespace string

var resetCmd = &cobra.Command{
	Use:   "reset [job_id]",
	Short: "Delete the stored state of a batch so its next run starts from the first item",
	Args:  cobra.ExactArgs(1),
	Run:   runReset,
}

func init() {
	resetCmd.Flags().StringVar(&resetNamespace, "namespace", "default", "batch namespace")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	if err := app.Store().Reset(ctx, args[0], resetNamespace); err != nil {
		slog.Error("Failed to reset batch", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Reset batch %s/%s\n", resetNamespace, args[0])
}
