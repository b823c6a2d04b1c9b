package core

import "fmt"

// Phase represents a stage in a ticket's lifecycle.
type Phase string

const (
	// PhaseBacklog holds tickets created by an external actor that nobody started yet.
	PhaseBacklog Phase = "backlog"

	// PhaseResearch is where the agent explores the codebase and writes research notes.
	PhaseResearch Phase = "research"

	// PhasePlanning is where the agent turns research into a plan a human approves.
	PhasePlanning Phase = "planning"

	// PhaseImplementing is where the agent changes code in the ticket's worktree.
	PhaseImplementing Phase = "implementing"

	// PhaseVerification is where the agent checks its work before integration.
	PhaseVerification Phase = "verification"

	// PhaseDone is terminal. Archival happens outside the dispatcher.
	PhaseDone Phase = "done"
)

// AllPhases returns all phases in lifecycle order.
func AllPhases() []Phase {
	return []Phase{PhaseBacklog, PhaseResearch, PhasePlanning, PhaseImplementing, PhaseVerification, PhaseDone}
}

// PhaseOrder returns the numeric order of a phase (0-indexed).
func PhaseOrder(p Phase) int {
	switch p {
	case PhaseBacklog:
		return 0
	case PhaseResearch:
		return 1
	case PhasePlanning:
		return 2
	case PhaseImplementing:
		return 3
	case PhaseVerification:
		return 4
	case PhaseDone:
		return 5
	default:
		return -1
	}
}

// NextPhase returns the phase following the given phase.
// Returns empty string if current phase is the last.
func NextPhase(p Phase) Phase {
	switch p {
	case PhaseBacklog:
		return PhaseResearch
	case PhaseResearch:
		return PhasePlanning
	case PhasePlanning:
		return PhaseImplementing
	case PhaseImplementing:
		return PhaseVerification
	case PhaseVerification:
		return PhaseDone
	default:
		return ""
	}
}

// ValidPhase checks if a phase string is valid.
func ValidPhase(p Phase) bool {
	return PhaseOrder(p) >= 0
}

// ParsePhase converts a string to a Phase with validation.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !ValidPhase(p) {
		return "", ErrValidation("INVALID_PHASE", fmt.Sprintf("invalid phase: %s", s))
	}
	return p, nil
}

// IsWorkable reports whether an agent may be dispatched for tickets in p.
func (p Phase) IsWorkable() bool {
	switch p {
	case PhaseResearch, PhasePlanning, PhaseImplementing, PhaseVerification:
		return true
	default:
		return false
	}
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// Description returns a human-readable description of the phase.
func (p Phase) Description() string {
	switch p {
	case PhaseBacklog:
		return "Waiting to be started"
	case PhaseResearch:
		return "Explore the codebase and collect findings"
	case PhasePlanning:
		return "Write an implementation plan for approval"
	case PhaseImplementing:
		return "Implement the approved plan in an isolated worktree"
	case PhaseVerification:
		return "Verify the implementation before integration"
	case PhaseDone:
		return "Integrated into trunk"
	default:
		return "Unknown phase"
	}
}

// SubState qualifies a phase with who the ticket is waiting on.
// The zero value means the ticket is idle and actionable.
type SubState string

const (
	SubStateNone              SubState = ""
	SubStateBlockedOnHuman    SubState = "blocked_on_human"
	SubStateReturnedForRework SubState = "returned_for_rework"
	SubStateAgentActive       SubState = "agent_active"
)

// ValidSubState checks if a sub-state string is valid.
func ValidSubState(s SubState) bool {
	switch s {
	case SubStateNone, SubStateBlockedOnHuman, SubStateReturnedForRework, SubStateAgentActive:
		return true
	default:
		return false
	}
}

// BlockReason explains a blocked_on_human sub-state, or carries the rework
// marker while the agent is active on a reworked ticket.
type BlockReason string

const (
	ReasonNone     BlockReason = ""
	ReasonQuestion BlockReason = "question" // agent asked something
	ReasonApproval BlockReason = "approval" // phase work done, waiting for a gate
	ReasonConflict BlockReason = "conflict" // integration conflict needs a human
	ReasonRework   BlockReason = "rework"   // active run started from returned_for_rework
)
