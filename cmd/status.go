package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facefind/internal/store"
	"github.com/andresmejia3/facefind/internal/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <task_id>",
	Short: "Show the stored result of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		return runStatus(cmd.Context(), st, args[0], os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context, st store.ResultStore, taskID string, w io.Writer) error {
	result, err := st.Load(ctx, taskID)
	switch {
	case errors.Is(err, store.ErrNoResult):
		fmt.Fprintf(w, "⏳ Task %s is still processing.\n", taskID)
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	case err != nil:
		return err
	}

	switch result.Status {
	case types.StatusFailed:
		fmt.Fprintf(w, "❌ Task %s failed: %s\n", taskID, result.Error)
		return nil
	case types.StatusCompleted:
		fmt.Fprintf(w, "✅ Task %s completed with %d match(es).\n", taskID, result.MatchCount)
	}
	if len(result.Matches) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "\nMATCH\tTIME\tDISTANCE\tPOSITION")
	fmt.Fprintln(tw, "-----\t----\t--------\t--------")
	for _, m := range result.Matches {
		p := m.Position
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%dx%d @ (%d,%d)\n", m.MatchAddress, fmtTime(m.Timestamp), m.Distance, p.Width, p.Height, p.X, p.Y)
	}
	return tw.Flush()
}
