package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

var (
	runsTicket string
	runsLimit  int
	runsJSON   bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent worker runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, _ *config.Config, store *state.SQLiteStore) error {
			runs, err := store.ListRuns(ctx, runsTicket, runsLimit)
			if err != nil {
				return err
			}
			if runsJSON {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().StringVar(&runsTicket, "ticket", "", "only runs of this ticket")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print JSON")
}

func printRuns(w io.Writer, runs []*core.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Run", "Ticket", "Task", "Status", "Started", "Duration", "Tokens", "Cost", "Summary"})
	for _, r := range runs {
		duration := "-"
		if r.EndedAt != nil {
			duration = r.Duration().Round(time.Second).String()
		}
		detail := r.Summary
		if r.Error != "" {
			detail = r.Error
		}
		tw.AppendRow(table.Row{
			shortID(r.ID), r.TicketID, r.TaskType, r.Status,
			r.StartedAt.Local().Format("01-02 15:04"), duration,
			r.TokensIn + r.TokensOut, fmt.Sprintf("$%.2f", r.CostUSD), truncate(detail, 50),
		})
	}
	tw.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
