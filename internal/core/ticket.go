package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Lease records which run currently owns a ticket. A lease is never renewed
// in place; once ExpiresAt passes it is abandoned.
type Lease struct {
	OwnerRunID string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// ActiveAt reports whether the lease is still live at now.
func (l *Lease) ActiveAt(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// Ticket is a unit of work moving through the phase lifecycle.
type Ticket struct {
	ID            string
	ProjectID     string
	Title         string
	Description   string
	Phase         Phase
	SubState      SubState
	BlockedReason BlockReason
	// Agent names the worker identity. Empty means the project's default worker.
	Agent         string
	PriorityBoost int

	LastAgentActivityAt *time.Time
	LastHumanActivityAt *time.Time
	// AgentReadAt marks the last time the agent was handed the conversation.
	AgentReadAt *time.Time

	Lease        *Lease
	WorktreePath string
	Branch       string
	Artifacts    Artifacts

	// Version is bumped on every write and used for compare-and-swap updates.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTicket creates a backlog ticket.
func NewTicket(id, projectID, title string) *Ticket {
	now := time.Now().UTC()
	return &Ticket{
		ID:        id,
		ProjectID: projectID,
		Title:     title,
		Phase:     PhaseBacklog,
		Artifacts: make(Artifacts),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// State returns the state-machine view of the ticket.
func (t *Ticket) State() State {
	return State{Phase: t.Phase, Sub: t.SubState, Reason: t.BlockedReason}
}

// SetState copies a state-machine result back onto the ticket.
func (t *Ticket) SetState(s State) {
	t.Phase = s.Phase
	t.SubState = s.Sub
	t.BlockedReason = s.Reason
}

// Apply runs Transition against the ticket and updates it on success.
func (t *Ticket) Apply(ev Event) error {
	next, err := Transition(t.State(), ev, t.Artifacts)
	if err != nil {
		return err
	}
	t.SetState(next)
	return nil
}

// WorkerIdentity returns the identity used for per-worker exclusivity.
func (t *Ticket) WorkerIdentity() string {
	if t.Agent != "" {
		return t.Agent
	}
	return "project:" + t.ProjectID
}

// Leased reports whether the ticket holds an unexpired lease at now.
func (t *Ticket) Leased(now time.Time) bool {
	return t.Lease.ActiveAt(now)
}

// ticketIDPattern is the id grammar shared by the store and the isolation
// provider: ids become branch and directory names.
var ticketIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidTicketID reports whether id can name a ticket's branch and working copy.
func ValidTicketID(id string) bool {
	if !ticketIDPattern.MatchString(id) {
		return false
	}
	return !strings.Contains(id, "..") && !strings.HasSuffix(id, ".") && !strings.HasSuffix(id, ".lock")
}

// Validate checks the fields required to persist a ticket.
func (t *Ticket) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return ErrValidation("MISSING_TICKET_ID", "ticket id is required")
	}
	if !ValidTicketID(t.ID) {
		return ErrValidation(CodeInvalidTicketID,
			fmt.Sprintf("invalid ticket id %q: use letters, digits, '.', '_' and '-'", t.ID))
	}
	if strings.TrimSpace(t.ProjectID) == "" {
		return ErrValidation("MISSING_PROJECT", "ticket project is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return ErrValidation("MISSING_TITLE", "ticket title is required")
	}
	if !ValidPhase(t.Phase) {
		return ErrValidation("INVALID_PHASE", fmt.Sprintf("invalid phase %q", t.Phase))
	}
	if !ValidSubState(t.SubState) {
		return ErrValidation("INVALID_SUBSTATE", fmt.Sprintf("invalid sub-state %q", t.SubState))
	}
	return nil
}

// Clone returns a deep copy, so callers can mutate without aliasing store data.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.LastAgentActivityAt = cloneTime(t.LastAgentActivityAt)
	c.LastHumanActivityAt = cloneTime(t.LastHumanActivityAt)
	c.AgentReadAt = cloneTime(t.AgentReadAt)
	if t.Lease != nil {
		l := *t.Lease
		c.Lease = &l
	}
	c.Artifacts = t.Artifacts.Clone()
	return &c
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// TicketFilter selects tickets for listing. Zero fields match everything.
type TicketFilter struct {
	ProjectID string
	Phases    []Phase
	// Unleased restricts to tickets without a live lease at LeaseNow.
	Unleased bool
	LeaseNow time.Time
	Limit    int
}
