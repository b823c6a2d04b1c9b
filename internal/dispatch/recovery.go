package dispatch

import (
	"context"
	"fmt"
	"log/slog"
)

// recover clears leases abandoned by crashed or timed-out cycles and prunes
// stale worktree registrations. A store failure aborts the cycle; a prune
// failure is only reported.
func (d *Dispatcher) recover(ctx context.Context, report *CycleReport, logger *slog.Logger) error {
	reclaimed, err := d.cfg.Store.ReclaimExpiredLeases(ctx, d.now())
	if err != nil {
		return fmt.Errorf("reclaiming expired leases: %w", err)
	}
	report.Reclaimed = reclaimed
	for _, r := range reclaimed {
		logger.Warn("reclaimed abandoned lease",
			"ticket_id", r.TicketID,
			"owner_run_id", r.OwnerRunID,
			"expired_at", r.ExpiredAt,
		)
	}

	for _, projectID := range d.cfg.Workspaces.Projects() {
		iso, err := d.cfg.Workspaces.Resolve(ctx, projectID)
		if err != nil {
			report.warn(fmt.Sprintf("project %s: %v", projectID, err))
			logger.Warn("resolving project", "project", projectID, "error", err)
			continue
		}
		pruned, err := iso.Prune(ctx)
		if err != nil {
			report.warn(fmt.Sprintf("pruning worktrees of %s: %v", projectID, err))
			logger.Warn("pruning worktrees", "project", projectID, "error", err)
			continue
		}
		report.Pruned = append(report.Pruned, pruned...)
	}
	return nil
}
