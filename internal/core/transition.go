package core

import "fmt"

// State is the part of a ticket the state machine owns.
type State struct {
	Phase  Phase
	Sub    SubState
	Reason BlockReason
}

// String renders the state for logs and messages.
func (s State) String() string {
	if s.Sub == SubStateNone {
		return string(s.Phase)
	}
	if s.Reason == ReasonNone {
		return fmt.Sprintf("%s/%s", s.Phase, s.Sub)
	}
	return fmt.Sprintf("%s/%s(%s)", s.Phase, s.Sub, s.Reason)
}

// EventKind enumerates everything that can move a ticket.
type EventKind string

const (
	// EventStart moves backlog to research. It is the only forward edge that
	// needs no approval signal.
	EventStart EventKind = "start"
	// EventApprove advances to Target, the next phase. Approved must be set by
	// the caller after reading a pending approval from the communication boundary.
	EventApprove EventKind = "approve"
	// EventRework is the human-requested verification -> implementing edge.
	EventRework EventKind = "rework"
	// EventDispatched marks the ticket as leased to a running agent.
	EventDispatched EventKind = "dispatched"
	// EventWorkerQuestion means the agent posted a question and stopped.
	EventWorkerQuestion EventKind = "worker_question"
	// EventWorkerDone means the agent finished the work of the current phase.
	EventWorkerDone EventKind = "worker_done"
	// EventWorkerProgress means the agent stopped without finishing or asking.
	EventWorkerProgress EventKind = "worker_progress"
	// EventWorkerFailed covers timeouts and errors.
	EventWorkerFailed EventKind = "worker_failed"
	// EventLeaseReclaimed is raised by stale-lease reconciliation.
	EventLeaseReclaimed EventKind = "lease_reclaimed"
	// EventHumanReplied is raised when unread human communication exists.
	EventHumanReplied EventKind = "human_replied"
	// EventIntegrated means an approved finalize landed on trunk.
	EventIntegrated EventKind = "integrated"
	// EventConflict means finalize could not replay the ticket onto trunk.
	EventConflict EventKind = "conflict"
)

// Event is the input to Transition.
type Event struct {
	Kind EventKind
	// Target is the requested phase for EventApprove.
	Target Phase
	// Approved is true only when a human approval signal backs the event.
	Approved bool
	// HumanRequired classifies an EventConflict.
	HumanRequired bool
}

// requiredArtifact names the artifact that must exist before entering a phase.
func requiredArtifact(target Phase) (ArtifactKind, bool) {
	switch target {
	case PhasePlanning:
		return ArtifactResearch, true
	case PhaseImplementing:
		return ArtifactPlan, true
	case PhaseVerification:
		return ArtifactImplementation, true
	case PhaseDone:
		return ArtifactVerification, true
	default:
		return "", false
	}
}

func checkArtifact(target Phase, arts Artifacts) error {
	kind, ok := requiredArtifact(target)
	if !ok || arts.Has(kind) {
		return nil
	}
	return ErrState(CodeMissingArtifact,
		fmt.Sprintf("cannot enter %s without %s artifact", target, kind)).
		WithDetail("artifact", string(kind))
}

func invalid(s State, ev Event) error {
	return ErrState(CodeInvalidTransition,
		fmt.Sprintf("event %s not allowed in state %s", ev.Kind, s)).
		WithDetail("event", string(ev.Kind)).
		WithDetail("state", s.String())
}

// Transition is the single place ticket states change. It is exhaustive over
// EventKind; anything not listed is rejected.
func Transition(s State, ev Event, arts Artifacts) (State, error) {
	if s.Phase == PhaseDone {
		return s, ErrState(CodeTerminalPhase, "ticket is done")
	}
	if !ValidPhase(s.Phase) || !ValidSubState(s.Sub) {
		return s, ErrState(CodeInvalidTransition, fmt.Sprintf("corrupt state %s", s))
	}

	switch ev.Kind {
	case EventStart:
		if s.Phase != PhaseBacklog {
			return s, invalid(s, ev)
		}
		return State{Phase: PhaseResearch}, nil

	case EventApprove:
		if !ev.Approved {
			return s, ErrState(CodeInvalidTransition, "approval signal required")
		}
		if s.Phase == PhaseBacklog || s.Sub == SubStateAgentActive {
			return s, invalid(s, ev)
		}
		// done is reached only through an integrated finalize.
		if ev.Target != NextPhase(s.Phase) || ev.Target == PhaseDone {
			return s, invalid(s, ev)
		}
		if err := checkArtifact(ev.Target, arts); err != nil {
			return s, err
		}
		return State{Phase: ev.Target}, nil

	case EventRework:
		if !ev.Approved {
			return s, ErrState(CodeInvalidTransition, "approval signal required")
		}
		if s.Phase != PhaseVerification || s.Sub == SubStateAgentActive {
			return s, invalid(s, ev)
		}
		return State{Phase: PhaseImplementing, Sub: SubStateReturnedForRework}, nil

	case EventDispatched:
		if !s.Phase.IsWorkable() {
			return s, invalid(s, ev)
		}
		switch s.Sub {
		case SubStateNone:
			return State{Phase: s.Phase, Sub: SubStateAgentActive}, nil
		case SubStateReturnedForRework:
			return State{Phase: s.Phase, Sub: SubStateAgentActive, Reason: ReasonRework}, nil
		default:
			return s, invalid(s, ev)
		}

	case EventWorkerQuestion:
		if s.Sub != SubStateAgentActive {
			return s, invalid(s, ev)
		}
		return State{Phase: s.Phase, Sub: SubStateBlockedOnHuman, Reason: ReasonQuestion}, nil

	case EventWorkerDone:
		if s.Sub != SubStateAgentActive {
			return s, invalid(s, ev)
		}
		return State{Phase: s.Phase, Sub: SubStateBlockedOnHuman, Reason: ReasonApproval}, nil

	case EventWorkerProgress, EventWorkerFailed, EventLeaseReclaimed:
		if s.Sub != SubStateAgentActive {
			if ev.Kind == EventLeaseReclaimed {
				return s, nil
			}
			return s, invalid(s, ev)
		}
		return releasedState(s), nil

	case EventHumanReplied:
		if s.Sub != SubStateBlockedOnHuman {
			return s, nil
		}
		return State{Phase: s.Phase}, nil

	case EventIntegrated:
		if !ev.Approved {
			return s, ErrState(CodeInvalidTransition, "approval signal required")
		}
		if s.Phase != PhaseVerification || s.Sub == SubStateAgentActive {
			return s, invalid(s, ev)
		}
		if err := checkArtifact(PhaseDone, arts); err != nil {
			return s, err
		}
		return State{Phase: PhaseDone}, nil

	case EventConflict:
		if s.Phase != PhaseVerification || s.Sub == SubStateAgentActive {
			return s, invalid(s, ev)
		}
		if ev.HumanRequired {
			return State{Phase: PhaseImplementing, Sub: SubStateBlockedOnHuman, Reason: ReasonConflict}, nil
		}
		return State{Phase: PhaseImplementing, Sub: SubStateReturnedForRework}, nil

	default:
		return s, ErrState(CodeUnknownEvent, fmt.Sprintf("unknown event %q", ev.Kind))
	}
}

// releasedState returns the idle state after an agent stops without an outcome
// that needs a human. A reworked ticket keeps its rework priority.
func releasedState(s State) State {
	if s.Reason == ReasonRework {
		return State{Phase: s.Phase, Sub: SubStateReturnedForRework}
	}
	return State{Phase: s.Phase}
}
