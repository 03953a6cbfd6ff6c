package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/masquerade/internal/store"
	"github.com/andresmejia3/masquerade/internal/utils"
)

var (
	historyLimit  int
	historyEvents int64
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past swap runs from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := requireDB(); err != nil {
			utils.ShowError("History needs a database", err, nil)
			return err
		}
		if historyEvents > 0 {
			return runFrameEvents(cmd.Context(), historyEvents)
		}
		return runHistory(cmd.Context(), historyLimit)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show (0 for all)")
	historyCmd.Flags().Int64Var(&historyEvents, "run", 0, "Show the frames of this run that were passed through")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(ctx context.Context, limit int) error {
	runs, err := DB.ListRuns(ctx, limit)
	if err != nil {
		utils.ShowError("Failed to list runs", err, nil)
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTARGET\tOUTPUT\tFRAMES\tSWAPPED\tPASSED\tSTARTED\tDURATION")
	fmt.Fprintln(w, "--\t------\t------\t------\t------\t-------\t------\t-------\t--------")

	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, statusLabel(r), filepath.Base(r.Target), filepath.Base(r.Output),
			r.Frames, r.Composited, r.PassedThrough,
			r.StartedAt.Local().Format("2006-01-02 15:04"), runDuration(r))
	}
	w.Flush()

	for _, r := range runs {
		if r.Status == store.StatusFailed && r.Error != "" {
			fmt.Printf("\n#%d: %s", r.ID, r.Error)
		}
	}
	fmt.Println()
	return nil
}

func runFrameEvents(ctx context.Context, runID int64) error {
	events, err := DB.FrameEvents(ctx, runID)
	if err != nil {
		utils.ShowError("Failed to load frame events", err, nil)
		return err
	}
	if len(events) == 0 {
		fmt.Printf("Every frame of run %d was swapped.\n", runID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tOUTCOME")
	fmt.Fprintln(w, "-----\t-------")
	for _, e := range events {
		fmt.Fprintf(w, "%d\t%s\n", e.Index, e.Outcome)
	}
	w.Flush()
	return nil
}

func statusLabel(r store.Run) string {
	switch r.Status {
	case store.StatusSucceeded:
		return "✅ " + r.Status
	case store.StatusFailed:
		return "❌ " + r.Status
	default:
		return "⏳ " + r.Status
	}
}

func runDuration(r store.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
}
