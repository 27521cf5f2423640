package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/importer/internal/importing/tasks"
)

var (
	enqueueNamespace string
	enqueueHandler   string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [job_id] [items.json]",
	Short: "Queue a batch for the task worker",
	Args:  cobra.ExactArgs(2),
	Run:   runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueNamespace, "namespace", "default", "batch namespace")
	enqueueCmd.Flags().StringVar(&enqueueHandler, "handler", "log", "item handler name")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) {
	items, err := readItemsFile(args[1])
	if err != nil {
		fmt.Printf("Invalid items file: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	id, err := app.Enqueue(ctx, tasks.BatchImportPayload{
		JobID:     args[0],
		Namespace: enqueueNamespace,
		Handler:   enqueueHandler,
		Items:     items,
	})
	switch {
	case errors.Is(err, tasks.ErrAlreadyQueued):
		slog.Warn("Batch is already queued", "job_id", args[0], "namespace", enqueueNamespace)
		return
	case err != nil:
		slog.Error("Failed to enqueue batch", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Enqueued %s (%d items)\n", id, len(items))
}
