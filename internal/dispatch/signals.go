package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// signalPhases are the phases in which a ticket can still receive signals.
var signalPhases = []core.Phase{
	core.PhaseBacklog,
	core.PhaseResearch,
	core.PhasePlanning,
	core.PhaseImplementing,
	core.PhaseVerification,
}

// applySignals turns pending approvals and human replies into transitions.
// A signal the state machine refuses is consumed with a system message so it
// is reported once instead of every cycle.
func (d *Dispatcher) applySignals(ctx context.Context, report *CycleReport, logger *slog.Logger) error {
	now := d.now()
	tickets, err := d.cfg.Store.ListTickets(ctx, core.TicketFilter{
		Phases:   signalPhases,
		Unleased: true,
		LeaseNow: now,
	})
	if err != nil {
		return fmt.Errorf("listing tickets for signals: %w", err)
	}

	for _, t := range tickets {
		if ctx.Err() != nil {
			return nil
		}
		tlog := logger.With("ticket_id", t.ID)
		if err := d.applyTicketSignals(ctx, t, report, tlog); err != nil {
			if core.IsCategory(err, core.ErrCatConflict) {
				tlog.Info("ticket changed while applying signals", "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

func (d *Dispatcher) applyTicketSignals(ctx context.Context, t *core.Ticket, report *CycleReport, logger *slog.Logger) error {
	approval, err := d.cfg.Comms.PendingApproval(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("reading approvals for %s: %w", t.ID, err)
	}
	if approval != nil {
		return d.applyApproval(ctx, t, approval, report, logger)
	}

	if t.SubState != core.SubStateBlockedOnHuman {
		return nil
	}
	unread, err := d.cfg.Comms.HasUnreadSince(ctx, t.ID, t.AgentReadAt)
	if err != nil {
		return fmt.Errorf("reading messages for %s: %w", t.ID, err)
	}
	if !unread {
		return nil
	}
	from := t.State()
	if err := t.Apply(core.Event{Kind: core.EventHumanReplied}); err != nil {
		return err
	}
	if err := d.cfg.Store.UpdateTicket(ctx, core.TicketUpdate{Ticket: t, At: d.now()}); err != nil {
		return err
	}
	logger.Info("human replied, ticket unblocked", "from", from.String(), "to", t.State().String())
	report.addSignal(SignalResult{TicketID: t.ID, Kind: SignalReply, From: from.String(), To: t.State().String()})
	return nil
}

func (d *Dispatcher) applyApproval(ctx context.Context, t *core.Ticket, a *core.Approval, report *CycleReport, logger *slog.Logger) error {
	if a.Kind == core.ApprovalApprove && t.Phase == core.PhaseVerification && a.Target == core.PhaseDone {
		return d.finalize(ctx, t, a, report, logger)
	}

	ev := a.Event()
	kind := SignalApprove
	switch {
	case a.Kind == core.ApprovalRework:
		kind = SignalRework
	case t.Phase == core.PhaseBacklog && (a.Target == "" || a.Target == core.PhaseResearch):
		ev = core.Event{Kind: core.EventStart}
		kind = SignalStart
	}

	from := t.State()
	now := d.now()
	if err := t.Apply(ev); err != nil {
		return d.rejectApproval(ctx, t, a, err, report, logger)
	}

	msg := d.systemMessage(t.ID, fmt.Sprintf("%s by %s: %s -> %s", kind, actorOf(a), from, t.State()), now)
	if err := d.cfg.Store.UpdateTicket(ctx, core.TicketUpdate{
		Ticket:            t,
		ConsumeApprovalID: a.ID,
		Messages:          []*core.Message{msg},
		At:                now,
	}); err != nil {
		return err
	}
	logger.Info("approval applied", "kind", kind, "from", from.String(), "to", t.State().String(), "actor", a.Actor)
	report.addSignal(SignalResult{TicketID: t.ID, Kind: kind, From: from.String(), To: t.State().String()})
	return nil
}

// rejectApproval consumes an approval the state machine refused.
func (d *Dispatcher) rejectApproval(ctx context.Context, t *core.Ticket, a *core.Approval, cause error, report *CycleReport, logger *slog.Logger) error {
	now := d.now()
	target := string(a.Target)
	if a.Kind == core.ApprovalRework {
		target = "rework"
	}
	msg := d.systemMessage(t.ID, fmt.Sprintf("%s signal by %s ignored in %s: %v", target, actorOf(a), t.State(), cause), now)
	if err := d.cfg.Store.UpdateTicket(ctx, core.TicketUpdate{
		Ticket:            t,
		ConsumeApprovalID: a.ID,
		Messages:          []*core.Message{msg},
		At:                now,
	}); err != nil {
		return err
	}
	logger.Warn("approval rejected", "target", target, "state", t.State().String(), "error", cause)
	report.addSignal(SignalResult{
		TicketID: t.ID,
		Kind:     SignalRejected,
		From:     t.State().String(),
		To:       t.State().String(),
		Detail:   cause.Error(),
	})
	return nil
}

// finalize integrates an approved verification ticket into trunk. The ticket
// is leased for the duration so no worker picks it up concurrently, and the
// outcome is written through CompleteRun like any other run.
func (d *Dispatcher) finalize(ctx context.Context, t *core.Ticket, a *core.Approval, report *CycleReport, logger *slog.Logger) error {
	orig := t.Clone()
	integrated := core.Event{Kind: core.EventIntegrated, Approved: true}
	if _, err := core.Transition(orig.State(), integrated, orig.Artifacts); err != nil {
		return d.rejectApproval(ctx, t, a, err, report, logger)
	}

	iso, err := d.cfg.Workspaces.Resolve(ctx, t.ProjectID)
	if err != nil {
		return d.rejectApproval(ctx, t, a, err, report, logger)
	}

	now := d.now()
	run := core.NewRunRecord(d.cfg.NewID(), t.ID, core.TaskTypeFinalize, now)
	lease := core.Lease{OwnerRunID: run.ID, AcquiredAt: now, ExpiresAt: now.Add(d.cfg.MaxRunDuration)}
	next := core.State{Phase: core.PhaseVerification, Sub: core.SubStateAgentActive}
	if err := d.cfg.Store.ClaimLease(ctx, t, next, lease, run); err != nil {
		if core.HasCode(err, core.CodeLeaseHeld) {
			report.addItem(ItemResult{TicketID: t.ID, TaskType: core.TaskTypeFinalize, From: orig.State().String(), Contended: true})
			return nil
		}
		return err
	}
	logger = logger.With("run_id", run.ID)
	item := ItemResult{TicketID: t.ID, RunID: run.ID, TaskType: core.TaskTypeFinalize, From: orig.State().String()}

	var msgs []*core.Message
	if warn := d.overlapWarning(ctx, iso, t, logger); warn != "" {
		msgs = append(msgs, d.systemMessage(t.ID, warn, now))
	}

	res, ferr := iso.Finalize(ctx, t.ID)
	end := d.now()
	consume := a.ID

	switch {
	case ferr != nil:
		t.SetState(orig.State())
		run.Seal(core.RunError, end)
		run.Error = ferr.Error()
		if retryableFinalize(ferr) {
			consume = ""
			msgs = append(msgs, d.systemMessage(t.ID, fmt.Sprintf("finalize failed, will retry next cycle: %v", ferr), end))
		} else {
			msgs = append(msgs, d.systemMessage(t.ID, fmt.Sprintf("finalize failed: %v; approve again after fixing", ferr), end))
		}
		logger.Error("finalize failed", "error", ferr, "retryable", consume == "")

	case res.Outcome == git.OutcomeIntegrated:
		done, _ := core.Transition(orig.State(), integrated, orig.Artifacts)
		t.SetState(done)
		t.WorktreePath = ""
		t.Branch = ""
		run.Seal(core.RunCompleted, end)
		run.Summary = integrationSummary(res.NewTip, res.AlreadyIntegrated, iso.Trunk())
		msgs = append(msgs, d.systemMessage(t.ID, run.Summary, end))
		if res.Overlap != nil && !res.Overlap.Safe() {
			msgs = append(msgs, d.systemMessage(t.ID,
				"integrated despite files also changed on trunk: "+strings.Join(res.Overlap.Overlapping, ", "), end))
		}
		logger.Info("ticket integrated", "new_tip", res.NewTip, "already_integrated", res.AlreadyIntegrated)

	default:
		back, err := core.Transition(orig.State(), core.Event{Kind: core.EventConflict, HumanRequired: res.HumanRequired}, orig.Artifacts)
		if err != nil {
			return err
		}
		t.SetState(back)
		// Messages already in the conversation were seen before the conflict.
		t.AgentReadAt = &end
		run.Seal(core.RunBlocked, end)
		run.Summary = conflictSummary(res.ConflictPaths, res.HumanRequired)
		msgs = append(msgs, d.systemMessage(t.ID, run.Summary, end))
		logger.Warn("finalize conflict", "paths", res.ConflictPaths, "human_required", res.HumanRequired)
	}

	item.To = t.State().String()
	item.Status = run.Status
	item.Error = run.Error
	report.addItem(item)
	report.addSignal(SignalResult{TicketID: t.ID, Kind: SignalApprove, From: item.From, To: item.To, Detail: string(run.Status)})

	return d.complete(ctx, core.RunCompletion{
		Run:               run,
		Ticket:            t,
		Messages:          msgs,
		ConsumeApprovalID: consume,
	})
}

// overlapWarning reports files this ticket shares with other active tickets
// of the same project. Failures are logged and yield no warning.
func (d *Dispatcher) overlapWarning(ctx context.Context, iso Isolator, t *core.Ticket, logger *slog.Logger) string {
	others, err := d.cfg.Store.ListTickets(ctx, core.TicketFilter{
		ProjectID: t.ProjectID,
		Phases:    []core.Phase{core.PhaseImplementing, core.PhaseVerification},
	})
	if err != nil {
		logger.Warn("listing active tickets for overlap", "error", err)
		return ""
	}
	ids := []string{t.ID}
	for _, o := range others {
		if o.ID != t.ID {
			ids = append(ids, o.ID)
		}
	}
	if len(ids) < 2 {
		return ""
	}
	pairs, err := iso.Overlaps(ctx, ids)
	if err != nil {
		logger.Warn("computing overlaps", "error", err)
		return ""
	}
	var parts []string
	for _, p := range pairs {
		other := ""
		switch t.ID {
		case p.A:
			other = p.B
		case p.B:
			other = p.A
		default:
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", other, strings.Join(p.Paths, ", ")))
	}
	if len(parts) == 0 {
		return ""
	}
	logger.Warn("active tickets overlap", "with", parts)
	return "files overlap with active tickets: " + strings.Join(parts, "; ")
}

// retryableFinalize reports whether a failed finalize should keep its
// approval for the next cycle.
func retryableFinalize(err error) bool {
	return core.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

func integrationSummary(tip string, already bool, trunk string) string {
	if already {
		return fmt.Sprintf("already integrated into %s at %s", trunk, shortSHA(tip))
	}
	return fmt.Sprintf("integrated into %s at %s", trunk, shortSHA(tip))
}

func conflictSummary(paths []string, human bool) string {
	who := "machine-resolvable"
	if human {
		who = "needs a human"
	}
	if len(paths) == 0 {
		return "finalize conflict (" + who + ")"
	}
	return fmt.Sprintf("finalize conflict (%s) in: %s", who, strings.Join(paths, ", "))
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func actorOf(a *core.Approval) string {
	if a.Actor == "" {
		return "unknown"
	}
	return a.Actor
}
