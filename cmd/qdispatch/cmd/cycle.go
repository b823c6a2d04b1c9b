package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/dispatch"
)

var cycleJSON bool

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one dispatch cycle",
	Long: `Run exactly one dispatch cycle and exit.

Exit status is 0 when the cycle ran (including a cycle with nothing to do or
with failed items), 2 when another live cycle holds the process lease, and 1
when the cycle could not run at all.`,
	Args: cobra.NoArgs,
	RunE: runCycle,
}

func init() {
	cycleCmd.Flags().BoolVar(&cycleJSON, "json", false, "print the cycle report as JSON")
	rootCmd.AddCommand(cycleCmd)
}

func runCycle(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	deps, err := buildDispatcher(cfg, store, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	report, err := deps.Dispatcher.RunCycle(ctx)
	if err != nil {
		return err
	}
	if cycleJSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, r *dispatch.CycleReport) {
	fmt.Fprintf(w, "cycle %s finished in %s\n", r.CycleID, r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, l := range r.Reclaimed {
		fmt.Fprintf(w, "  reclaimed %s (run %s, expired %s)\n", l.TicketID, l.OwnerRunID, l.ExpiredAt.Format(time.RFC3339))
	}
	if len(r.Pruned) > 0 {
		fmt.Fprintf(w, "  pruned %d stale worktree entries\n", len(r.Pruned))
	}
	for _, s := range r.Signals {
		line := fmt.Sprintf("  %s %s: %s -> %s", s.Kind, s.TicketID, s.From, s.To)
		if s.Detail != "" {
			line += " (" + s.Detail + ")"
		}
		fmt.Fprintln(w, line)
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
	if r.BudgetExhausted {
		fmt.Fprintln(w, "  cycle budget exhausted before any worker could start")
	}

	if len(r.Items) == 0 {
		fmt.Fprintln(w, "no tickets dispatched")
	} else {
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"Ticket", "Task", "From", "To", "Status", "Error"})
		for _, it := range r.Items {
			status := string(it.Status)
			if it.Contended {
				status = "contended"
			}
			tw.AppendRow(table.Row{it.TicketID, it.TaskType, it.From, it.To, status, truncate(it.Error, 60)})
		}
		tw.Render()
	}

	if len(r.Skipped) > 0 {
		ids := make([]string, 0, len(r.Skipped))
		for id := range r.Skipped {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintf(w, "skipped %d:", len(ids))
		for _, id := range ids {
			fmt.Fprintf(w, " %s(%s)", id, r.Skipped[id].Reason)
		}
		fmt.Fprintln(w)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
