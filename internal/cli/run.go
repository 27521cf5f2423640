package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/importer/internal/core/domain"
	"github.com/vietddude/importer/internal/importing/recovery"
)

var (
	runNamespace string
	runHandler   string
)

var runCmd = &cobra.Command{
	Use:   "run [job_id] [items.json]",
	Short: "Process a batch in the foreground, resuming from its checkpoint",
	Args:  cobra.ExactArgs(2),
	Run:   runBatch,
}

func init() {
	runCmd.Flags().StringVar(&runNamespace, "namespace", "default", "batch namespace")
	runCmd.Flags().StringVar(&runHandler, "handler", "log", "item handler name")
	rootCmd.AddCommand(runCmd)
}

func runBatch(cmd *cobra.Command, args []string) {
	jobID := args[0]
	items, err := readItemsFile(args[1])
	if err != nil {
		fmt.Printf("Invalid items file: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	app := openApp(ctx)
	defer app.Close()

	handler, ok := app.Registry().Get(runHandler)
	if !ok {
		slog.Error("Unknown handler", "handler", runHandler, "available", app.Registry().Names())
		os.Exit(1)
	}

	res, err := recovery.Process[domain.Item](ctx, app.Orchestrator(), jobID, runNamespace, items, handler)
	if err != nil {
		slog.Error("Batch run aborted", "job_id", jobID, "namespace", runNamespace, "error", err)
		os.Exit(1)
	}
	if err := writeResult(os.Stdout, res); err != nil {
		slog.Error("Failed to write result", "error", err)
		os.Exit(1)
	}
}

func readItemsFile(path string) ([]domain.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return decodeItems(f)
}

// decodeItems reads a JSON array of items and rejects empty or duplicate ids.
func decodeItems(r io.Reader) ([]domain.Item, error) {
	var items []domain.Item
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode items: %w", err)
	}
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		if item.ID == "" {
			return nil, fmt.Errorf("item %d has no id", i)
		}
		if _, dup := seen[item.ID]; dup {
			return nil, fmt.Errorf("duplicate item id %q", item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return items, nil
}

func writeResult(w io.Writer, res recovery.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
