package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/fsutil"
)

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Create tickets and send them human signals",
	Long: `Create and inspect tickets, and record the human signals the next
dispatch cycle acts on. Signals are stored, not applied: 'approve' on a
ticket waiting for approval moves it at the start of the next cycle.`,
}

var (
	ticketID          string
	ticketProject     string
	ticketTitle       string
	ticketDescription string
	ticketDescFile    string
	ticketAgent       string
	ticketPhases      string
	ticketLimit       int
	ticketJSON        bool
	ticketActor       string
	ticketTarget      string
	ticketReason      string
)

var ticketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backlog ticket",
	Args:  cobra.NoArgs,
	RunE:  runTicketCreate,
}

var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets",
	Args:  cobra.NoArgs,
	RunE:  runTicketList,
}

var ticketShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a ticket with its conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketShow,
}

var ticketStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Move a backlog ticket into research on the next cycle",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketStart,
}

var ticketApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve the ticket's current phase",
	Long: `Approve the ticket's current phase. The target defaults to the next phase;
approving verification integrates the ticket's branch into trunk.`,
	Args: cobra.ExactArgs(1),
	RunE: runTicketApprove,
}

var ticketReworkCmd = &cobra.Command{
	Use:   "rework <id>",
	Short: "Send the ticket back to implementing",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketRework,
}

var ticketMessageCmd = &cobra.Command{
	Use:   "message <id> <text>...",
	Short: "Add a human message to the ticket",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTicketMessage,
}

var ticketBoostCmd = &cobra.Command{
	Use:   "boost <id> <n>",
	Short: "Set the ticket's priority boost",
	Args:  cobra.ExactArgs(2),
	RunE:  runTicketBoost,
}

func init() {
	rootCmd.AddCommand(ticketCmd)
	ticketCmd.AddCommand(ticketCreateCmd, ticketListCmd, ticketShowCmd, ticketStartCmd,
		ticketApproveCmd, ticketReworkCmd, ticketMessageCmd, ticketBoostCmd)

	ticketCreateCmd.Flags().StringVar(&ticketID, "id", "", "ticket id (default: generated)")
	ticketCreateCmd.Flags().StringVarP(&ticketProject, "project", "p", "", "project id")
	ticketCreateCmd.Flags().StringVarP(&ticketTitle, "title", "t", "", "ticket title")
	ticketCreateCmd.Flags().StringVarP(&ticketDescription, "description", "d", "", "ticket description")
	ticketCreateCmd.Flags().StringVar(&ticketDescFile, "description-file", "", "read the description from a file")
	ticketCreateCmd.Flags().StringVar(&ticketAgent, "agent", "", "worker identity (default: the project's)")
	_ = ticketCreateCmd.MarkFlagRequired("project")
	_ = ticketCreateCmd.MarkFlagRequired("title")

	ticketListCmd.Flags().StringVarP(&ticketProject, "project", "p", "", "only this project")
	ticketListCmd.Flags().StringVar(&ticketPhases, "phase", "", "comma-separated phases")
	ticketListCmd.Flags().IntVar(&ticketLimit, "limit", 0, "maximum tickets (0 = all)")
	ticketListCmd.Flags().BoolVar(&ticketJSON, "json", false, "print JSON")

	ticketShowCmd.Flags().BoolVar(&ticketJSON, "json", false, "print JSON")

	for _, c := range []*cobra.Command{ticketStartCmd, ticketApproveCmd, ticketReworkCmd, ticketMessageCmd} {
		c.Flags().StringVar(&ticketActor, "actor", defaultActor(), "who is sending the signal")
	}
	ticketApproveCmd.Flags().StringVar(&ticketTarget, "to", "", "target phase (default: the next phase)")
	ticketReworkCmd.Flags().StringVar(&ticketReason, "reason", "", "what needs to change, stored as a message")
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "human"
}

// withStore loads configuration and opens the store for fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, store *state.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cmd.Context(), cfg, store)
}

func runTicketCreate(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(ctx context.Context, cfg *config.Config, store *state.SQLiteStore) error {
		if _, ok := cfg.Project(ticketProject); !ok {
			return core.ErrValidation(core.CodeUnknownProject, fmt.Sprintf("project %q is not configured", ticketProject))
		}
		id := ticketID
		if id == "" {
			id = "T-" + uuid.NewString()[:8]
		}
		t := core.NewTicket(id, ticketProject, ticketTitle)
		t.Description = ticketDescription
		if ticketDescFile != "" {
			data, err := fsutil.ReadFileScoped(ticketDescFile)
			if err != nil {
				return fmt.Errorf("reading description: %w", err)
			}
			t.Description = strings.TrimSpace(string(data))
		}
		t.Agent = ticketAgent
		if err := store.CreateTicket(ctx, t); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), t.ID)
		return nil
	})
}

func runTicketList(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(ctx context.Context, _ *config.Config, store *state.SQLiteStore) error {
		filter := core.TicketFilter{ProjectID: ticketProject, Limit: ticketLimit}
		if ticketPhases != "" {
			for _, name := range strings.Split(ticketPhases, ",") {
				p, err := core.ParsePhase(strings.TrimSpace(name))
				if err != nil {
					return err
				}
				filter.Phases = append(filter.Phases, p)
			}
		}
		tickets, err := store.ListTickets(ctx, filter)
		if err != nil {
			return err
		}
		if ticketJSON {
			return writeJSON(cmd.OutOrStdout(), tickets)
		}
		printTickets(cmd.OutOrStdout(), tickets, time.Now())
		return nil
	})
}

func printTickets(w io.Writer, tickets []*core.Ticket, now time.Time) {
	if len(tickets) == 0 {
		fmt.Fprintln(w, "no tickets")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Project", "State", "Agent", "Boost", "Leased", "Title"})
	for _, t := range tickets {
		leased := ""
		if t.Leased(now) {
			leased = "until " + t.Lease.ExpiresAt.Local().Format("15:04:05")
		}
		tw.AppendRow(table.Row{t.ID, t.ProjectID, t.State().String(), t.WorkerIdentity(), t.PriorityBoost, leased, truncate(t.Title, 50)})
	}
	tw.Render()
}

// ticketView is the JSON form of `ticket show`.
type ticketView struct {
	Ticket          *core.Ticket    `json:"ticket"`
	PendingApproval *core.Approval  `json:"pendingApproval,omitempty"`
	Messages        []*core.Message `json:"messages"`
}

func runTicketShow(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, _ *config.Config, store *state.SQLiteStore) error {
		t, err := store.GetTicket(ctx, args[0])
		if err != nil {
			return err
		}
		msgs, err := store.ListMessages(ctx, t.ID)
		if err != nil {
			return err
		}
		pending, err := store.PendingApproval(ctx, t.ID)
		if err != nil {
			return err
		}
		if ticketJSON {
			return writeJSON(cmd.OutOrStdout(), ticketView{Ticket: t, PendingApproval: pending, Messages: msgs})
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s  %s\n", t.ID, t.Title)
		fmt.Fprintf(w, "  project:  %s\n", t.ProjectID)
		fmt.Fprintf(w, "  state:    %s\n", t.State())
		fmt.Fprintf(w, "  worker:   %s\n", t.WorkerIdentity())
		if t.PriorityBoost != 0 {
			fmt.Fprintf(w, "  boost:    %d\n", t.PriorityBoost)
		}
		if t.Branch != "" {
			fmt.Fprintf(w, "  branch:   %s\n", t.Branch)
		}
		if t.WorktreePath != "" {
			fmt.Fprintf(w, "  worktree: %s\n", t.WorktreePath)
		}
		if t.Lease != nil {
			fmt.Fprintf(w, "  lease:    run %s until %s\n", t.Lease.OwnerRunID, t.Lease.ExpiresAt.Format(time.RFC3339))
		}
		md := newMarkdownRenderer(w)
		if t.Description != "" {
			fmt.Fprintf(w, "\n%s\n", md.render(t.Description))
		}
		for _, p := range core.AllPhases() {
			kind, ok := core.ArtifactForPhase(p)
			if !ok || !t.Artifacts.Has(kind) {
				continue
			}
			fmt.Fprintf(w, "\n[%s]\n%s\n", kind, md.render(t.Artifacts[kind]))
		}
		if pending != nil {
			fmt.Fprintf(w, "\npending %s from %s", pending.Kind, pending.Actor)
			if pending.Target != "" {
				fmt.Fprintf(w, " -> %s", pending.Target)
			}
			fmt.Fprintln(w)
		}
		if len(msgs) > 0 {
			fmt.Fprintln(w)
			for _, m := range msgs {
				fmt.Fprintf(w, "%s %s/%s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Author, m.Kind, m.Content)
			}
		}
		return nil
	})
}

func runTicketStart(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, _ *config.Config, store *state.SQLiteStore) error {
		t, err := store.GetTicket(ctx, args[0])
		if err != nil {
			return err
		}
		if t.Phase != core.PhaseBacklog {
			return core.ErrValidation(core.CodeInvalidTransition,
				fmt.Sprintf("ticket %s is in %s; only backlog tickets can be started", t.ID, t.Phase))
		}
		if err := store.RecordApproval(ctx, &core.Approval{
			TicketID: t.ID, Kind: core.ApprovalApprove, Target: core.PhaseResearch, Actor: ticketActor,
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s will start research on the next cycle\n", t.ID)
		return nil
	})
}

func runTicketApprove(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, _ *config.Config, store *state.SQLiteStore) error {
		t, err := store.GetTicket(ctx, args[0])
		if err != nil {
			return err
		}
		target := core.NextPhase(t.Phase)
		if ticketTarget != "" {
			if target, err = core.ParsePhase(ticketTarget); err != nil {
				return err
			}
		}
		if target == "" {
			return core.ErrValidation(core.CodeTerminalPhase, fmt.Sprintf("ticket %s is already %s", t.ID, t.Phase))
		}
		if err := store.RecordApproval(ctx, &core.Approval{
			TicketID: t.ID, Kind: core.ApprovalApprove, Target: target, Actor: ticketActor,
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "approved %s: %s -> %s on the next cycle\n", t.ID, t.Phase, target)
		return nil
	})
}

func runTicketRework(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, _ *config.Config, store *state.SQLiteStore) error {
		t, err := store.GetTicket(ctx, args[0])
		if err != nil {
			return err
		}
		if ticketReason != "" {
			if err := store.AppendMessage(ctx, &core.Message{
				TicketID: t.ID, Author: core.AuthorHuman, Kind: core.MessageNote,
				Content: ticketReason,
			}); err != nil {
				return err
			}
		}
		if err := store.RecordApproval(ctx, &core.Approval{
			TicketID: t.ID, Kind: core.ApprovalRework, Actor: ticketActor,
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s returns to implementing on the next cycle\n", t.ID)
		return nil
	})
}

func runTicketMessage(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, _ *config.Config, store *state.SQLiteStore) error {
		content := strings.TrimSpace(strings.Join(args[1:], " "))
		if content == "" {
			return core.ErrValidation("EMPTY_MESSAGE", "message text is empty")
		}
		if err := store.AppendMessage(ctx, &core.Message{
			TicketID: args[0], Author: core.AuthorHuman, Kind: core.MessageNote,
			Content: content,
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "message added to %s\n", args[0])
		return nil
	})
}

func runTicketBoost(cmd *cobra.Command, args []string) error {
	boost, err := strconv.Atoi(args[1])
	if err != nil {
		return core.ErrValidation("INVALID_BOOST", fmt.Sprintf("boost %q is not an integer", args[1]))
	}
	return withStore(cmd, func(ctx context.Context, _ *config.Config, store *state.SQLiteStore) error {
		t, err := store.GetTicket(ctx, args[0])
		if err != nil {
			return err
		}
		t.PriorityBoost = boost
		if err := store.UpdateTicket(ctx, core.TicketUpdate{Ticket: t}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s boost set to %d\n", t.ID, boost)
		return nil
	})
}
