package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/importer/internal/core/domain"
)

var statusNamespace string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show batches that are still in progress",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusNamespace, "namespace", "", "only show this namespace")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	states, err := app.Store().ListActive(ctx, statusNamespace)
	if err != nil {
		slog.Error("Failed to list batches", "error", err)
		os.Exit(1)
	}
	printStates(os.Stdout, states)
}

func printStates(out io.Writer, states []*domain.BatchJobState) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "NAMESPACE\tJOB\tPROGRESS\tFAILED\tLAST ITEM\tUPDATED")

	for _, s := range states {
		last := "-"
		if s.LastProcessedItemID != nil {
			last = *s.LastProcessedItemID
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			s.Namespace, s.JobID, s.ProcessedCount, s.TotalCount,
			len(s.FailedItemIDs), last, s.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
