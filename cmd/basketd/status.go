package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basketd/basketd/internal/config"
	"github.com/basketd/basketd/pkg/basket"
	"github.com/spf13/cobra"
)

var statusJSONOutput bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status of the running daemon",
	RunE:  runStatus,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger an immediate sync pass on the running daemon",
	RunE:  runSync,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false,
		"Output in JSON format")
}

func facadeClient(timeout time.Duration) (*basket.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return basket.New(basket.Config{
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.API.Port),
		Timeout: timeout,
	}), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := facadeClient(5 * time.Second)
	if err != nil {
		return err
	}
	state, err := client.SyncStatus(cmd.Context())
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}

	if statusJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Online:\t%v\n", state.Online)
	fmt.Fprintf(w, "Syncing:\t%v\n", state.Syncing)
	fmt.Fprintf(w, "Pending operations:\t%d\n", state.PendingOperations)
	fmt.Fprintf(w, "Failed operations:\t%d\n", state.FailedOperations)
	if state.LastSync != nil {
		fmt.Fprintf(w, "Last sync:\t%s\n", state.LastSync.Format(time.RFC3339))
	}
	if state.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", state.LastError)
	}
	return w.Flush()
}

func runSync(cmd *cobra.Command, args []string) error {
	client, err := facadeClient(60 * time.Second)
	if err != nil {
		return err
	}
	result, err := client.TriggerSync(cmd.Context())
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	fmt.Printf("processed %d, succeeded %d, failed %d, conflicts %d\n",
		result.Processed, result.Succeeded, result.Failed, result.Conflicts)
	return nil
}
