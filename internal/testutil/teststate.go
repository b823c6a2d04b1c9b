package testutil

import (
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// NewTestTicket creates a ticket with sensible defaults for tests.
// Use functional options to override specific fields.
func NewTestTicket(id string, opts ...func(*core.Ticket)) *core.Ticket {
	created := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	t := &core.Ticket{
		ID:        id,
		ProjectID: "proj",
		Title:     "ticket " + id,
		Phase:     core.PhaseResearch,
		Artifacts: make(core.Artifacts),
		CreatedAt: created,
		UpdatedAt: created,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// InPhase sets the ticket phase and fills the artifacts earlier phases produce.
func InPhase(p core.Phase) func(*core.Ticket) {
	return func(t *core.Ticket) {
		t.Phase = p
		for _, prior := range core.AllPhases() {
			if core.PhaseOrder(prior) >= core.PhaseOrder(p) {
				break
			}
			if kind, ok := core.ArtifactForPhase(prior); ok {
				t.Artifacts.Set(kind, string(prior)+" artifact")
			}
		}
	}
}

// WithSub sets the sub-state and reason.
func WithSub(sub core.SubState, reason core.BlockReason) func(*core.Ticket) {
	return func(t *core.Ticket) {
		t.SubState = sub
		t.BlockedReason = reason
	}
}

// WithProject sets the project.
func WithProject(projectID string) func(*core.Ticket) {
	return func(t *core.Ticket) {
		t.ProjectID = projectID
	}
}

// WithAgent sets the worker identity.
func WithAgent(agent string) func(*core.Ticket) {
	return func(t *core.Ticket) {
		t.Agent = agent
	}
}

// LastAgentAt sets LastAgentActivityAt.
func LastAgentAt(at time.Time) func(*core.Ticket) {
	return func(t *core.Ticket) {
		t.LastAgentActivityAt = &at
	}
}

// LastHumanAt sets LastHumanActivityAt.
func LastHumanAt(at time.Time) func(*core.Ticket) {
	return func(t *core.Ticket) {
		t.LastHumanActivityAt = &at
	}
}

// CreatedAt sets CreatedAt.
func CreatedAt(at time.Time) func(*core.Ticket) {
	return func(t *core.Ticket) {
		t.CreatedAt = at
	}
}

// LeasedUntil gives the ticket a lease expiring at until.
func LeasedUntil(runID string, until time.Time) func(*core.Ticket) {
	return func(t *core.Ticket) {
		t.Lease = &core.Lease{OwnerRunID: runID, AcquiredAt: until.Add(-time.Hour), ExpiresAt: until}
	}
}
