package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/fsutil"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/scheduler"
)

// PromptFile is the rendered task prompt kept in each run's session dir.
const PromptFile = "prompt.md"

var workablePhases = []core.Phase{
	core.PhaseResearch,
	core.PhasePlanning,
	core.PhaseImplementing,
	core.PhaseVerification,
}

// dispatch picks actionable tickets and runs their workers concurrently.
func (d *Dispatcher) dispatch(ctx context.Context, report *CycleReport, deadline time.Time, logger *slog.Logger) error {
	now := d.now()
	budget := d.workerShare()
	if remaining := deadline.Sub(now); remaining < budget {
		budget = remaining
	}
	if budget < d.cfg.MinWorkerBudget {
		report.BudgetExhausted = true
		logger.Warn("cycle budget exhausted before dispatch", "remaining", budget)
		return nil
	}

	tickets, err := d.cfg.Store.ListTickets(ctx, core.TicketFilter{Phases: workablePhases})
	if err != nil {
		return fmt.Errorf("listing workable tickets: %w", err)
	}
	candidates := make([]scheduler.Candidate, 0, len(tickets))
	for _, t := range tickets {
		unread, err := d.cfg.Comms.HasUnreadSince(ctx, t.ID, t.AgentReadAt)
		if err != nil {
			return fmt.Errorf("reading messages for %s: %w", t.ID, err)
		}
		candidates = append(candidates, scheduler.Candidate{Ticket: t, Unread: unread})
	}

	snap := d.cfg.Probe(d.cfg.DataDir)
	for _, w := range snap.Warnings() {
		report.warn(w)
		logger.Warn(w)
	}
	limit := d.cfg.MaxConcurrency
	if limit <= 0 {
		limit = snap.Concurrency()
	}
	report.Concurrency = limit

	sel := d.cfg.Picker.Select(candidates, now, limit)
	report.Skipped = sel.Skipped
	for _, p := range sel.Picks {
		report.Picked = append(report.Picked, p.Ticket.ID)
		logger.Debug("picked", "ticket_id", p.Ticket.ID, "identity", p.Identity, "score", p.Score.Total())
	}
	if len(sel.Picks) == 0 {
		logger.Debug("nothing actionable")
		return nil
	}

	unread := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		unread[c.Ticket.ID] = c.Unread
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, p := range sel.Picks {
		t := p.Ticket
		g.Go(func() error {
			report.addItem(d.runItem(ctx, t, budget, deadline, unread[t.ID], logger.With("ticket_id", t.ID)))
			return nil
		})
	}
	return g.Wait()
}

// runItem claims one ticket, runs its worker and records the outcome. Every
// failure is written to the run record; nothing here fails the cycle.
func (d *Dispatcher) runItem(ctx context.Context, t *core.Ticket, budget time.Duration, deadline time.Time, unread bool, logger *slog.Logger) ItemResult {
	start := d.now()
	from := t.State()
	item := ItemResult{TicketID: t.ID, TaskType: string(t.Phase), From: from.String()}

	next, err := core.Transition(from, core.Event{Kind: core.EventDispatched}, t.Artifacts)
	if err != nil {
		item.Error = err.Error()
		logger.Warn("picked ticket is not dispatchable", "state", from.String(), "error", err)
		return item
	}

	run := core.NewRunRecord(d.cfg.NewID(), t.ID, string(t.Phase), start)
	lease := core.Lease{
		OwnerRunID: run.ID,
		AcquiredAt: start,
		ExpiresAt:  start.Add(d.cfg.MaxRunDuration),
	}
	if err := d.cfg.Store.ClaimLease(ctx, t, next, lease, run); err != nil {
		if core.HasCode(err, core.CodeLeaseHeld) {
			item.Contended = true
			logger.Info("ticket claimed elsewhere", "error", err)
			return item
		}
		item.Error = err.Error()
		logger.Error("claiming lease", "error", err)
		return item
	}
	item.RunID = run.ID
	logger = logger.With("run_id", run.ID, "phase", t.Phase)
	logger.Info("run started", "budget", budget, "rework", next.Reason == core.ReasonRework)

	sessionDir := d.sessionDir(t.ID, run.ID)
	inv, werr := d.invoke(ctx, t, run, budget, deadline, sessionDir, next.Reason == core.ReasonRework, unread, logger)
	end := d.now()

	res := inv.res
	o := classify(t, res, werr)
	if o.event.Kind == core.EventWorkerDone {
		switch {
		case inv.artifactErr != nil:
			logger.Warn("ignoring artifact file", "file", res.ArtifactFile, "error", inv.artifactErr)
			o.systemMsg += fmt.Sprintf(" Artifact file %q was ignored: %s", res.ArtifactFile, firstLine(inv.artifactErr.Error()))
		case inv.artifact != "":
			o.artifact = inv.artifact
		}
	}
	if err := t.Apply(o.event); err != nil {
		logger.Error("applying worker outcome", "event", o.event.Kind, "error", err)
		_ = t.Apply(core.Event{Kind: core.EventWorkerFailed})
	}
	if o.event.Kind == core.EventWorkerDone {
		if kind, ok := core.ArtifactForPhase(t.Phase); ok {
			content := o.artifact
			if content == "" {
				content = "session transcript: " + sessionDir
			}
			t.Artifacts.Set(kind, content)
		}
	}
	t.LastAgentActivityAt = &end
	t.AgentReadAt = &start

	run.Seal(o.status, end)
	run.Summary = o.summary
	run.Error = o.errText
	if res != nil {
		run.TokensIn = res.TokensUsed.Input
		run.TokensOut = res.TokensUsed.Output
		run.CostUSD = res.CostUSD
	}

	msgs := make([]*core.Message, 0, len(o.messages)+1)
	for _, m := range o.messages {
		msgs = append(msgs, &core.Message{
			ID:        d.cfg.NewID(),
			TicketID:  t.ID,
			Author:    core.AuthorAgent,
			Kind:      m.Kind,
			Content:   m.Content,
			CreatedAt: end,
		})
	}
	if o.systemMsg != "" {
		msgs = append(msgs, d.systemMessage(t.ID, o.systemMsg, end))
	}

	item.To = t.State().String()
	item.Status = run.Status
	item.Error = run.Error
	if err := d.complete(ctx, core.RunCompletion{Run: run, Ticket: t, Messages: msgs}); err != nil {
		// The lease expires on its own and the next cycle reclaims it.
		item.Error = err.Error()
		logger.Error("recording run outcome", "error", err)
		return item
	}

	attrs := []any{"status", run.Status, "to", item.To, "duration", end.Sub(start)}
	if item.Failed() {
		logger.Warn("run failed", append(attrs, "error", run.Error)...)
	} else {
		logger.Info("run finished", attrs...)
	}
	return item
}

// invocation is a finished worker call plus the artifact file it named.
type invocation struct {
	res         *core.WorkerResult
	artifact    string
	artifactErr error
}

// invoke prepares the working copy and prompt, then calls the worker under
// its budget, cut to what is left of the cycle once preparation is done.
func (d *Dispatcher) invoke(ctx context.Context, t *core.Ticket, run *core.RunRecord, budget time.Duration, deadline time.Time, sessionDir string, rework, unread bool, logger *slog.Logger) (invocation, error) {
	iso, err := d.cfg.Workspaces.Resolve(ctx, t.ProjectID)
	if err != nil {
		return invocation{}, err
	}
	path, err := Do(ctx, d.cfg.Retry, func(ctx context.Context) (string, error) {
		return iso.CreateIsolatedCopy(ctx, t.ID)
	}, func(attempt int, err error, delay time.Duration) {
		logger.Warn("preparing working copy, retrying", "attempt", attempt, "delay", delay, "error", err)
	})
	if err != nil {
		return invocation{}, fmt.Errorf("preparing working copy: %w", err)
	}
	t.WorktreePath = path
	t.Branch = iso.BranchName(t.ID)

	messages, err := d.cfg.Comms.ListMessages(ctx, t.ID)
	if err != nil {
		return invocation{}, fmt.Errorf("loading conversation: %w", err)
	}
	prompt, err := d.cfg.Prompts.Render(PromptData{
		Ticket:      t,
		WorkingCopy: path,
		Branch:      t.Branch,
		Trunk:       iso.Trunk(),
		Rework:      rework,
		Unread:      unread,
		Messages:    messages,
	})
	if err != nil {
		return invocation{}, err
	}
	if sessionDir != "" {
		if err := fsutil.AtomicWriteFile(filepath.Join(sessionDir, PromptFile), []byte(prompt), 0o600); err != nil {
			logger.Warn("writing prompt transcript", "error", err)
		}
	}

	if remaining := deadline.Sub(d.now()); remaining < budget {
		budget = remaining
	}
	if budget <= 0 {
		return invocation{}, core.ErrTimeout("cycle budget spent preparing the working copy")
	}
	wctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	res, err := d.cfg.Worker.Invoke(wctx, core.WorkerRequest{
		TicketID:        t.ID,
		RunID:           run.ID,
		Phase:           t.Phase,
		WorkingCopyPath: path,
		TaskPrompt:      prompt,
		SessionDir:      sessionDir,
		MaxDuration:     budget,
	})
	inv := invocation{res: res}
	if err != nil || res == nil || res.ArtifactFile == "" {
		return inv, err
	}
	inv.artifact, inv.artifactErr = readArtifact(iso, t.ID, res.ArtifactFile)
	return inv, nil
}

// readArtifact reads a worker-named file, refusing paths outside the copy.
func readArtifact(iso Isolator, itemID, rel string) (string, error) {
	resolved, err := iso.ResolveInCopy(itemID, rel)
	if err != nil {
		return "", err
	}
	data, err := fsutil.ReadFileScoped(resolved)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// workerShare is the part of a run's lease the worker may use. The rest is
// kept for recording the outcome before the lease expires.
func (d *Dispatcher) workerShare() time.Duration {
	reserve := completionTimeout
	if r := d.cfg.MaxRunDuration / 10; r < reserve {
		reserve = r
	}
	return d.cfg.MaxRunDuration - reserve
}

func (d *Dispatcher) sessionDir(ticketID, runID string) string {
	if d.cfg.SessionDir == "" {
		return ""
	}
	return filepath.Join(d.cfg.SessionDir, ticketID, runID)
}
